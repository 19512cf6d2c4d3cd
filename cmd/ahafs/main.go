// ahafs mounts an Aha! account as a read-only filesystem.
//
// Products, releases, epics and features appear as directories the first
// time they are traversed; every feature is a file holding its description.
//
// Sub-commands:
//
//	ahafs mount [flags] [mountpoint]   Mount filesystem (default)
//	ahafs login [--domain d]           Save an API token
//	ahafs logout                       Remove the saved token
//	ahafs uri <path|uri>...            Translate between paths and URIs
//	ahafs ls [flags] <path>            List a directory without mounting
//	ahafs cat [flags] <path>           Print a feature without mounting
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ahafs/ahafs/internal/config"
	"github.com/ahafs/ahafs/internal/metrics"
	"github.com/ahafs/ahafs/pkg/client"
	"github.com/ahafs/ahafs/pkg/fuse"
	"github.com/ahafs/ahafs/pkg/loader"
	"github.com/ahafs/ahafs/pkg/logger"
	"github.com/ahafs/ahafs/pkg/models"
	"github.com/ahafs/ahafs/pkg/uri"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "login":
			cmdLogin(args[1:])
			return
		case "logout":
			cmdLogout()
			return
		case "uri":
			cmdURI(args[1:])
			return
		case "ls":
			cmdList(args[1:])
			return
		case "cat":
			cmdCat(args[1:])
			return
		case "mount":
			args = args[1:]
		}
	}

	cmdMount(args)
}

// options are the flags shared by every command that talks to Aha!.
type options struct {
	configPath   string
	domain       string
	logLevel     string
	logFormat    string
	fetchTimeout time.Duration
	fetchWorkers int
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "Config file (default ~/"+config.DefaultFile+")")
	fs.StringVar(&o.domain, "domain", "", "Aha! account subdomain")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format: console or json")
	fs.DurationVar(&o.fetchTimeout, "fetch-timeout", 0, "Deadline for one directory fetch (e.g. 30s)")
	fs.IntVar(&o.fetchWorkers, "fetch-workers", 0, "Maximum concurrent remote fetches")
}

// load resolves configuration, applies flag overrides, fills the token from
// the token file and initializes logging.
func (o *options) load(fs *pflag.FlagSet) *config.Config {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		fatalf("Error: %v\n", err)
	}

	if fs.Changed("domain") {
		cfg.Domain = o.domain
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if fs.Changed("fetch-workers") {
		cfg.FetchWorkers = o.fetchWorkers
	}
	if fs.Changed("fetch-timeout") {
		cfg.FetchTimeout = o.fetchTimeout
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fatalf("Error: init logging: %v\n", err)
	}

	if cfg.Token == "" {
		if tf, err := client.LoadToken(); err == nil {
			cfg.Token = tf.Token
			if cfg.Domain == "" {
				cfg.Domain = tf.Domain
			}
			logger.L().Debug("using saved token", logger.String("file", client.TokenFilePath()))
		}
	}

	if err := cfg.Validate(); err != nil {
		fatalf("Error: %v\n", err)
	}
	return cfg
}

func newDriver(cfg *config.Config) *fuse.Driver {
	aha := client.New(client.Config{
		Domain:    cfg.Domain,
		AuthToken: cfg.Token,
		PerPage:   cfg.PerPage,
		Logger:    logger.Named("client"),
	})

	drv, err := fuse.NewDriver(fuse.Config{
		Loader: loader.Config{
			Timeout:    cfg.FetchTimeout,
			Workers:    int64(cfg.FetchWorkers),
			Clients:    map[string]models.ResourceClient{uri.ProtocolData: aha},
			Connectors: cfg.Connectors,
		},
		Logger: logger.Named("fuse"),
	})
	if err != nil {
		logger.L().Fatal("create filesystem", logger.Err(err))
	}
	return drv
}

func cmdMount(args []string) {
	fs := pflag.NewFlagSet("mount", pflag.ExitOnError)
	var o options
	o.register(fs)
	mountPoint := fs.StringP("mount", "m", "", "Mount point (default ~/aha)")
	allowOther := fs.Bool("allow-other", false, "Allow other users to access the mount")
	debug := fs.Bool("debug", false, "Log every FUSE request")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.Parse(args)

	cfg := o.load(fs)
	if *mountPoint != "" {
		cfg.MountPoint = *mountPoint
	} else if fs.NArg() > 0 {
		cfg.MountPoint = fs.Arg(0)
	}
	if fs.Changed("allow-other") {
		cfg.AllowOther = *allowOther
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = *metricsAddr
	}
	defer logger.Sync()

	log := logger.L()
	log.Info("ahafs starting",
		logger.String("domain", cfg.Domain),
		logger.String("mount", cfg.MountPoint),
		logger.Duration("fetch_timeout", cfg.FetchTimeout),
		logger.Int("fetch_workers", cfg.FetchWorkers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			log.Info("metrics listening", logger.String("addr", cfg.MetricsAddr))
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics server failed", logger.Err(err))
			}
		}()
	}

	drv := newDriver(cfg)
	server, err := drv.Mount(cfg.MountPoint, fuse.MountOptions{
		AllowOther:   cfg.AllowOther,
		Debug:        *debug,
		EntryTimeout: cfg.EntryTimeout,
		AttrTimeout:  cfg.EntryTimeout,
	})
	if err != nil {
		log.Fatal("mount failed", logger.Err(err))
	}

	log.Info("filesystem mounted (read-only)", logger.String("mount", cfg.MountPoint))
	log.Info("press Ctrl+C to unmount and exit")

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("unmounting")
		if err := server.Unmount(); err != nil {
			log.Error("unmount failed", logger.Err(err))
		}
		<-done
	case <-done:
		log.Info("unmounted externally")
	}

	count, bytes := drv.CacheStats()
	stats := drv.Stats()
	log.Info("done",
		logger.Int("cached_records", count),
		logger.Int("cached_bytes", int(bytes)),
		logger.Int("lookups", int(stats.Lookups.Load())),
		logger.Int("reads", int(stats.Reads.Load())))
}

func cmdLogin(args []string) {
	fs := pflag.NewFlagSet("login", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "Config file (default ~/"+config.DefaultFile+")")
	domain := fs.String("domain", "", "Aha! account subdomain")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	if *domain != "" {
		cfg.Domain = *domain
	}

	reader := bufio.NewReader(os.Stdin)
	if cfg.Domain == "" {
		fmt.Print("Aha! domain: ")
		line, _ := reader.ReadString('\n')
		cfg.Domain = strings.TrimSpace(line)
	}
	if cfg.Domain == "" {
		fatalf("Error: a domain is required\n")
	}

	fmt.Printf("API token for %s: ", client.BaseURLForDomain(cfg.Domain))
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fatalf("Error reading token: %v\n", err)
	}
	token := strings.TrimSpace(string(tokenBytes))

	c := client.New(client.Config{Domain: cfg.Domain, AuthToken: token})
	me, err := c.Me(context.Background())
	if err != nil {
		fatalf("Error: token rejected: %v\n", err)
	}

	tf := &client.TokenFile{Token: token, Domain: cfg.Domain, Email: me.User.Email}
	if err := client.SaveToken(tf); err != nil {
		fatalf("Error: failed to save token: %v\n", err)
	}
	fmt.Printf("Logged in as %s. Token saved to %s\n", me.User.Email, client.TokenFilePath())
}

func cmdLogout() {
	if err := client.DeleteToken(); err != nil {
		fatalf("Error: %v\n", err)
	}
	fmt.Println("Logged out")
}

func cmdURI(args []string) {
	if len(args) == 0 {
		fatalf("Usage: ahafs uri <path|uri>...\n")
	}
	failed := false
	for _, arg := range args {
		if strings.Contains(arg, uri.Separator) {
			fmt.Println(uri.URIToPath(arg))
			continue
		}
		u, err := uri.PathToURI(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed = true
			continue
		}
		fmt.Println(u)
	}
	if failed {
		os.Exit(1)
	}
}

func cmdList(args []string) {
	fs := pflag.NewFlagSet("ls", pflag.ExitOnError)
	var o options
	o.register(fs)
	fs.Parse(args)

	p := "/"
	if fs.NArg() > 0 {
		p = fs.Arg(0)
	}
	cfg := o.load(fs)
	defer logger.Sync()

	drv := newDriver(cfg)
	ctx := context.Background()
	id, attr, err := drv.LookupPath(ctx, p)
	if err != nil {
		fatalf("ls %s: %v\n", p, err)
	}
	if !attr.IsDir {
		fmt.Printf("%8d  %s\n", attr.Size, p)
		return
	}

	// Skip "." and "..".
	entries, err := drv.ReaddirFrom(ctx, id, 2)
	if err != nil {
		fatalf("ls %s: %v\n", p, err)
	}
	for _, e := range entries {
		child, err := drv.Getattr(e.ID)
		if err != nil {
			fatalf("ls %s: %v\n", p, err)
		}
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Printf("%8d  %s  %s\n", child.Size, child.Mtime.Format("2006-01-02"), name)
	}
}

func cmdCat(args []string) {
	fs := pflag.NewFlagSet("cat", pflag.ExitOnError)
	var o options
	o.register(fs)
	fs.Parse(args)
	if fs.NArg() == 0 {
		fatalf("Usage: ahafs cat <path>\n")
	}
	p := fs.Arg(0)

	cfg := o.load(fs)
	defer logger.Sync()

	drv := newDriver(cfg)
	id, attr, err := drv.LookupPath(context.Background(), p)
	if err != nil {
		fatalf("cat %s: %v\n", p, err)
	}
	data, err := drv.Read(id, 0, int(attr.Size))
	if err != nil {
		fatalf("cat %s: %v\n", p, err)
	}
	io.WriteString(os.Stdout, string(data))
	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Println()
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
