// Package models contains the shared data types of the projection engine.
package models

import (
	"context"
	"time"
)

// Kind classifies a namespace entry. It decides whether the entry is a
// directory or a file and which endpoint lists its children.
type Kind int

const (
	KindUnknown Kind = iota
	KindRoot
	KindConnector
	KindCollection
	KindProduct
	KindRelease
	KindEpic
	KindFeature
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindRoot:       "root",
	KindConnector:  "connector",
	KindCollection: "collection",
	KindProduct:    "product",
	KindRelease:    "release",
	KindEpic:       "epic",
	KindFeature:    "feature",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsDir reports whether entries of this kind are directories.
// Features are the only leaves.
func (k Kind) IsDir() bool {
	return k != KindFeature
}

// Ref identifies a remote object. Remote ids are only unique within one
// kind, so both fields are needed.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string {
	return r.Kind.String() + ":" + r.ID
}

// RemoteObject is one object returned by a ResourceClient.
type RemoteObject struct {
	ID        string
	Name      string
	Kind      Kind
	Parent    Ref
	Reference string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref returns the object's identity.
func (o RemoteObject) Ref() Ref {
	return Ref{Kind: o.Kind, ID: o.ID}
}

// ResourceClient lists remote objects. Any error it returns is treated as
// an opaque backend failure.
type ResourceClient interface {
	// ListTopLevel returns the top-level products.
	ListTopLevel(ctx context.Context) ([]RemoteObject, error)

	// ListChildren returns the children of kind under parent.
	ListChildren(ctx context.Context, parent Ref, kind Kind) ([]RemoteObject, error)
}
