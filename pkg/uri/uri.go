// Package uri translates between filesystem paths and backend resource URIs.
//
// A path such as /data/Product/Release maps to the URI data://Product/Release:
// the first path segment names the backend protocol, the remainder is the
// resource path on that backend.
package uri

import (
	"fmt"
	"path"
	"strings"
)

// Separator splits the protocol tag from the resource path in a URI.
const Separator = "://"

// Protocol tags recognized by the router. Only ProtocolData has a client.
const (
	ProtocolData    = "data"
	ProtocolDropbox = "dropbox"
	ProtocolS3      = "s3"
)

// PathError is returned when a path carries no usable protocol segment.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: %s", e.Path, e.Reason)
}

// Segments splits a root-anchored path into its components. The path is
// cleaned first, so empty components and a trailing slash are dropped.
func Segments(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// ValidConnector reports whether the first segment of p is a recognized
// protocol tag. Unknown or missing tags fail closed.
func ValidConnector(p string) bool {
	segs := Segments(p)
	if len(segs) == 0 {
		return false
	}
	return IsProtocol(segs[0])
}

// IsProtocol reports whether tag names a recognized backend protocol.
func IsProtocol(tag string) bool {
	return tag == ProtocolData ||
		strings.HasPrefix(tag, ProtocolDropbox) ||
		strings.HasPrefix(tag, ProtocolS3)
}

// PathToURI converts a filesystem path to "<protocol>://<path>". Paths are
// cleaned, so URIToPath returns the canonical form of p: the round trip is
// exact only for clean paths.
func PathToURI(p string) (string, error) {
	segs := Segments(p)
	if len(segs) == 0 {
		return "", &PathError{Path: p, Reason: "no protocol segment"}
	}
	if !IsProtocol(segs[0]) {
		return "", &PathError{Path: p, Reason: fmt.Sprintf("unrecognized protocol %q", segs[0])}
	}
	return segs[0] + Separator + strings.Join(segs[1:], "/"), nil
}

// URIToPath rebuilds a root-anchored path from a URI.
func URIToPath(u string) string {
	protocol, rest, found := strings.Cut(u, Separator)
	if !found {
		return path.Join("/", u)
	}
	return path.Join("/", protocol, rest)
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// SanitizeName makes a remote name usable as a single path component.
func SanitizeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "/", "_"))
	name = strings.ReplaceAll(name, "\x00", "")
	switch name {
	case "", ".", "..":
		return "_" + name
	}
	return name
}
