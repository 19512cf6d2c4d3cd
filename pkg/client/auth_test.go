package client

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTokenFile_SaveLoadRoundTrip(t *testing.T) {
	// Use a temp dir to avoid interfering with the real token file
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	original := &TokenFile{
		Token:  "test-token-abc",
		Domain: "bigco",
		Email:  "pm@bigco.com",
	}
	if err := SaveToken(original); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	info, err := os.Stat(TokenFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("token file mode = %o, want 600", info.Mode().Perm())
	}

	loaded, err := LoadToken()
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if loaded.Token != original.Token {
		t.Errorf("token mismatch: %s vs %s", loaded.Token, original.Token)
	}
	if loaded.Domain != original.Domain {
		t.Errorf("domain mismatch: %s vs %s", loaded.Domain, original.Domain)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("saved_at not recorded")
	}
}

func TestLoadToken_Missing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := LoadToken(); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
	if err := DeleteToken(); err != nil {
		t.Errorf("DeleteToken on missing file: %v", err)
	}
}

func TestLoadToken_Corrupt(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "ahafs", "token.json")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadToken(); err == nil || errors.Is(err, ErrNoToken) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestSaveToken_Empty(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := SaveToken(&TokenFile{Domain: "bigco"}); err == nil {
		t.Error("expected error saving empty token")
	}
}

func TestDeleteToken(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := SaveToken(&TokenFile{Token: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := DeleteToken(); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if _, err := os.Stat(TokenFilePath()); !os.IsNotExist(err) {
		t.Errorf("token file still present: %v", err)
	}
}
