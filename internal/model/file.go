// Package model contains simple struct definitions shared across packages.
package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrInvalidLocation reports a location that cannot be mapped onto storage.
var ErrInvalidLocation = errors.New("invalid file location")

// Location addresses one tenant-owned file. Each field is exactly one element
// of the storage path tenantID/scope/ownerID/filename.
type Location struct {
	TenantID string `json:"tenantId"`
	Scope    string `json:"scope"`
	OwnerID  string `json:"ownerId"`
	Filename string `json:"filename"`
}

// Validate checks every field with ValidatePathElement.
func (l Location) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"tenantId", l.TenantID},
		{"scope", l.Scope},
		{"ownerId", l.OwnerID},
		{"filename", l.Filename},
	} {
		if err := ValidatePathElement(f.value); err != nil {
			return fmt.Errorf("%w: %s %v", ErrInvalidLocation, f.name, err)
		}
	}
	return nil
}

// Key is the slash-separated storage key of l.
func (l Location) Key() string {
	return path.Join(l.TenantID, l.Scope, l.OwnerID, l.Filename)
}

func (l Location) String() string { return l.Key() }

// ValidatePathElement reports whether s can be used verbatim as one element of
// a storage path.
func ValidatePathElement(s string) error {
	switch {
	case s == "":
		return errors.New("is empty")
	case s == "." || s == "..":
		return errors.New("is a relative path element")
	case strings.ContainsAny(s, "/\\\x00"):
		return errors.New("contains a path separator")
	}
	return nil
}

// FileStatus describes where a tracked file is in its lifecycle.
type FileStatus string

const (
	StatusStored  FileStatus = "stored"
	StatusTracked FileStatus = "tracked"
	StatusFailed  FileStatus = "failed"
)

// FileRecord is the tracking entry for a stored file.
type FileRecord struct {
	ID          string   `json:"id"`
	Location    Location `json:"location"`
	Size        int64    `json:"size"`
	ContentType string   `json:"contentType"`
	// Pages is filled in by the tracking worker for PDF documents.
	Pages     int        `json:"pages,omitempty"`
	Status    FileStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Message   string     `json:"message,omitempty"`
}
