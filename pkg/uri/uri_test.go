package uri

import (
	"errors"
	"testing"
)

func TestPathToURI(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/data", "data://"},
		{"/data/Mobile App", "data://Mobile App"},
		{"/data/Mobile App/2.0/features", "data://Mobile App/2.0/features"},
		{"data/x", "data://x"},
		{"/s3bucket/a/b", "s3bucket://a/b"},
		{"/dropbox/notes", "dropbox://notes"},
		{"/data/x/", "data://x"},
	}

	for _, tt := range tests {
		got, err := PathToURI(tt.path)
		if err != nil {
			t.Errorf("PathToURI(%q) error: %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("PathToURI(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestPathToURI_Errors(t *testing.T) {
	for _, p := range []string{"/", "", "/nope/x", "/datas/x"} {
		_, err := PathToURI(p)
		var pathErr *PathError
		if !errors.As(err, &pathErr) {
			t.Errorf("PathToURI(%q) error = %v, want *PathError", p, err)
		}
	}
}

func TestURIToPath(t *testing.T) {
	tests := []struct {
		uri, want string
	}{
		{"data://", "/data"},
		{"data://Mobile App/2.0", "/data/Mobile App/2.0"},
		{"s3://bucket/key", "/s3/bucket/key"},
		{"plain", "/plain"},
	}
	for _, tt := range tests {
		if got := URIToPath(tt.uri); got != tt.want {
			t.Errorf("URIToPath(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	paths := []string{
		"/data",
		"/data/Product",
		"/data/Product/Release 1/epics/Onboarding",
		"/s3/bucket/a/b/c",
		"/dropbox-team/x",
	}
	for _, p := range paths {
		u, err := PathToURI(p)
		if err != nil {
			t.Fatalf("PathToURI(%q): %v", p, err)
		}
		if got := URIToPath(u); got != p {
			t.Errorf("URIToPath(PathToURI(%q)) = %q", p, got)
		}
	}
}

func TestRoundTrip_Canonicalizes(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/data/x/", "/data/x"},
		{"/data//x", "/data/x"},
		{"data/x", "/data/x"},
		{"/data/./x/../y", "/data/y"},
	}
	for _, tt := range tests {
		u, err := PathToURI(tt.path)
		if err != nil {
			t.Fatalf("PathToURI(%q): %v", tt.path, err)
		}
		if got := URIToPath(u); got != tt.want {
			t.Errorf("URIToPath(PathToURI(%q)) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestValidConnector(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/data", true},
		{"/data/x", true},
		{"/database/x", false},
		{"/dropbox", true},
		{"/dropbox-work/x", true},
		{"/s3", true},
		{"/s3-eu/x", true},
		{"/nope/x", false},
		{"/", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidConnector(tt.path); got != tt.want {
			t.Errorf("ValidConnector(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBuildChildPath(t *testing.T) {
	if got := BuildChildPath("/", "data"); got != "/data" {
		t.Errorf("BuildChildPath(/, data) = %q", got)
	}
	if got := BuildChildPath("/data", "App"); got != "/data/App" {
		t.Errorf("BuildChildPath(/data, App) = %q", got)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"Q3/Q4 plan", "Q3_Q4 plan"},
		{"  padded ", "padded"},
		{"", "_"},
		{".", "_."},
		{"..", "_.."},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.name); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
