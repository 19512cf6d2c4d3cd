package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenFile holds a saved Aha! API token.
type TokenFile struct {
	Token   string    `json:"token"`
	Domain  string    `json:"domain"`
	Email   string    `json:"email,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// ErrNoToken is returned by LoadToken when no token has been saved.
var ErrNoToken = errors.New("no saved token")

// TokenFilePath returns the default path for the token file.
func TokenFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "ahafs", "token.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ahafs", "token.json")
}

// SaveToken saves a token file to the default location.
func SaveToken(tf *TokenFile) error {
	if tf.Token == "" {
		return fmt.Errorf("refusing to save an empty token")
	}
	if tf.SavedAt.IsZero() {
		tf.SavedAt = time.Now().UTC()
	}
	path := TokenFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadToken loads a token file from the default location.
func LoadToken() (*TokenFile, error) {
	data, err := os.ReadFile(TokenFilePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	var tf TokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", TokenFilePath(), err)
	}
	if tf.Token == "" {
		return nil, ErrNoToken
	}
	return &tf, nil
}

// DeleteToken removes the saved token file. Removing a missing file is not
// an error.
func DeleteToken() error {
	err := os.Remove(TokenFilePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
