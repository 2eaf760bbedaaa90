// Package storage persists tenant files addressed by model.Location.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/model"
)

// ErrNotFound is returned when no file exists at a location.
var ErrNotFound = errors.New("file not found")

// Info describes a stored file.
type Info struct {
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Object is an open file. Callers must Close it.
type Object interface {
	io.ReadSeekCloser
	Info() Info
}

// Store is the persistent file store keyed by (tenantId, scope, ownerId, filename).
type Store interface {
	Stat(ctx context.Context, loc model.Location) (Info, error)
	Open(ctx context.Context, loc model.Location) (Object, error)
	Save(ctx context.Context, loc model.Location, r io.Reader, size int64, contentType string) (Info, error)
	Delete(ctx context.Context, loc model.Location) error
}

// Open builds the Store selected by cfg.StorageBackend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case "fs":
		return NewLocal(cfg.StorageRoot)
	case "s3":
		s, err := NewS3(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
