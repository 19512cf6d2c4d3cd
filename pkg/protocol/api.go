// Package protocol defines the Aha! REST API response types.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahafs/ahafs/pkg/models"
)

// ErrMalformed is returned for payloads that cannot be projected.
var ErrMalformed = errors.New("malformed payload")

// Pagination is attached to every list response.
type Pagination struct {
	TotalRecords int `json:"total_records"`
	TotalPages   int `json:"total_pages"`
	CurrentPage  int `json:"current_page"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Description is the rich-text body of a feature or epic.
type Description struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is returned by GET /api/v1/products
type Product struct {
	ID              string    `json:"id"`
	ReferencePrefix string    `json:"reference_prefix"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Release is returned by GET /api/v1/products/{id}/releases
type Release struct {
	ID           string    `json:"id"`
	ReferenceNum string    `json:"reference_num"`
	Name         string    `json:"name"`
	ReleaseDate  string    `json:"release_date,omitempty"`
	Released     bool      `json:"released"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Feature is returned by the release and epic feature listings.
type Feature struct {
	ID           string      `json:"id"`
	ReferenceNum string      `json:"reference_num"`
	Name         string      `json:"name"`
	Description  Description `json:"description"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Epic is returned by GET /api/v1/releases/{id}/epics
type Epic struct {
	ID           string      `json:"id"`
	ReferenceNum string      `json:"reference_num"`
	Name         string      `json:"name"`
	Description  Description `json:"description"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Me is returned by GET /api/v1/me
type Me struct {
	User struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
}

// Record is implemented by every listable type.
type Record interface {
	Validate() error
	Object(parent models.Ref) models.RemoteObject
}

func validate(kind, id, name string) error {
	if id == "" {
		return fmt.Errorf("%w: %s without id", ErrMalformed, kind)
	}
	if name == "" {
		return fmt.Errorf("%w: %s %s without name", ErrMalformed, kind, id)
	}
	return nil
}

// Validate checks the fields the projection needs.
func (p Product) Validate() error { return validate("product", p.ID, p.Name) }

// Validate checks the fields the projection needs.
func (r Release) Validate() error { return validate("release", r.ID, r.Name) }

// Validate checks the fields the projection needs.
func (f Feature) Validate() error { return validate("feature", f.ID, f.Name) }

// Validate checks the fields the projection needs.
func (e Epic) Validate() error { return validate("epic", e.ID, e.Name) }

func (p Product) Object(parent models.Ref) models.RemoteObject {
	return models.RemoteObject{
		ID:        p.ID,
		Name:      p.Name,
		Kind:      models.KindProduct,
		Parent:    parent,
		Reference: p.ReferencePrefix,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (r Release) Object(parent models.Ref) models.RemoteObject {
	return models.RemoteObject{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      models.KindRelease,
		Parent:    parent,
		Reference: r.ReferenceNum,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (f Feature) Object(parent models.Ref) models.RemoteObject {
	return models.RemoteObject{
		ID:        f.ID,
		Name:      f.Name,
		Kind:      models.KindFeature,
		Parent:    parent,
		Reference: f.ReferenceNum,
		Body:      f.Description.Body,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

func (e Epic) Object(parent models.Ref) models.RemoteObject {
	return models.RemoteObject{
		ID:        e.ID,
		Name:      e.Name,
		Kind:      models.KindEpic,
		Parent:    parent,
		Reference: e.ReferenceNum,
		Body:      e.Description.Body,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}
