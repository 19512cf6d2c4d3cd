// Package config loads ahafs configuration from defaults, the
// ~/.aha_workflow TOML file, ~/.env and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/subosito/gotenv"
)

// DefaultFile is the config file name looked up in the home directory.
const DefaultFile = ".aha_workflow"

// Config holds all mount configuration.
type Config struct {
	// Aha! account
	Domain string
	Email  string
	Token  string

	// Mount
	MountPoint   string
	AllowOther   bool
	Debug        bool
	EntryTimeout time.Duration
	Connectors   []string

	// Remote fetches
	FetchTimeout time.Duration
	FetchWorkers int
	PerPage      int

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics listener, empty to disable
	MetricsAddr string
}

// fileConfig mirrors the TOML layout.
type fileConfig struct {
	Aha struct {
		Domain string `toml:"domain"`
		Email  string `toml:"email"`
		Token  string `toml:"token"`
	} `toml:"aha"`
	Mount struct {
		Path         string   `toml:"path"`
		AllowOther   bool     `toml:"allow_other"`
		EntryTimeout string   `toml:"entry_timeout"`
		Connectors   []string `toml:"connectors"`
	} `toml:"mount"`
	Fetch struct {
		Timeout string `toml:"timeout"`
		Workers int    `toml:"workers"`
		PerPage int    `toml:"per_page"`
	} `toml:"fetch"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		MountPoint:   filepath.Join(home, "aha"),
		EntryTimeout: time.Second,
		Connectors:   []string{"data"},
		FetchTimeout: 30 * time.Second,
		FetchWorkers: 8,
		PerPage:      200,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// DefaultPath returns ~/.aha_workflow.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DefaultFile)
}

// Load reads configuration. path may be empty to use DefaultPath; a
// missing file at the default path is not an error. Environment variables
// take precedence over ~/.env, which takes precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	home, _ := os.UserHomeDir()
	env, err := newEnv(filepath.Join(home, ".env"))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	setString(&c.Domain, fc.Aha.Domain)
	setString(&c.Email, fc.Aha.Email)
	setString(&c.Token, fc.Aha.Token)
	setString(&c.MountPoint, expandHome(fc.Mount.Path))
	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)
	setString(&c.MetricsAddr, fc.Metrics.Addr)
	if fc.Mount.AllowOther {
		c.AllowOther = true
	}
	if len(fc.Mount.Connectors) > 0 {
		c.Connectors = fc.Mount.Connectors
	}
	if fc.Fetch.Workers > 0 {
		c.FetchWorkers = fc.Fetch.Workers
	}
	if fc.Fetch.PerPage > 0 {
		c.PerPage = fc.Fetch.PerPage
	}
	if err := setDuration(&c.FetchTimeout, "fetch.timeout", fc.Fetch.Timeout); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := setDuration(&c.EntryTimeout, "mount.entry_timeout", fc.Mount.EntryTimeout); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(e env) error {
	c.Domain = e.or("AHA_DOMAIN", c.Domain)
	c.Token = e.or("AHA_TOKEN", c.Token)
	c.Email = e.or("AHA_EMAIL", e.or("WORKFLOW_EMAIL", c.Email))
	c.MountPoint = expandHome(e.or("AHAFS_MOUNT", c.MountPoint))
	c.AllowOther = e.boolOr("AHAFS_ALLOW_OTHER", c.AllowOther)
	c.FetchWorkers = e.intOr("AHAFS_FETCH_WORKERS", c.FetchWorkers)
	c.PerPage = e.intOr("AHAFS_PER_PAGE", c.PerPage)
	c.LogLevel = e.or("AHAFS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = e.or("AHAFS_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = e.or("AHAFS_METRICS_ADDR", c.MetricsAddr)
	if v := e.get("AHAFS_CONNECTORS"); v != "" {
		c.Connectors = splitList(v)
	}
	return setDuration(&c.FetchTimeout, "AHAFS_FETCH_TIMEOUT", e.get("AHAFS_FETCH_TIMEOUT"))
}

// Validate checks the settings a mount needs.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("aha domain is required (AHA_DOMAIN or [aha] domain)")
	}
	if c.Token == "" {
		return fmt.Errorf("aha API token is required (AHA_TOKEN or ahafs login)")
	}
	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	if c.FetchWorkers <= 0 {
		return fmt.Errorf("fetch workers must be positive, got %d", c.FetchWorkers)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %v", c.FetchTimeout)
	}
	if len(c.Connectors) == 0 {
		return fmt.Errorf("at least one connector is required")
	}
	return nil
}

// env resolves variables from the process environment first, then from
// the parsed ~/.env file.
type env struct {
	dotenv gotenv.Env
}

func newEnv(dotenvPath string) (env, error) {
	f, err := os.Open(dotenvPath)
	if errors.Is(err, os.ErrNotExist) {
		return env{}, nil
	}
	if err != nil {
		return env{}, err
	}
	defer f.Close()
	return env{dotenv: gotenv.Parse(f)}, nil
}

func (e env) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.dotenv[key]
}

func (e env) or(key, fallback string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return fallback
}

func (e env) boolOr(key string, fallback bool) bool {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (e env) intOr(key string, fallback int) int {
	v := e.get(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
