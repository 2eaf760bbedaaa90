// Package tracking records stored files and enforces per-tenant quotas. The
// gateway calls a Tracker after every upload and delete.
package tracking

import (
	"context"
	"errors"

	"github.com/dharsanguruparan/securefiles/internal/model"
)

var (
	// ErrQuotaExceeded is returned when a file would push its tenant over quota.
	ErrQuotaExceeded = errors.New("tenant storage quota exceeded")
	// ErrNotFound is returned when no record exists for a location.
	ErrNotFound = errors.New("file record not found")
)

// Tracker is the file-tracking/quota service.
type Tracker interface {
	Track(ctx context.Context, rec *model.FileRecord) error
	Untrack(ctx context.Context, loc model.Location) error
}

// Lookup is implemented by trackers that can read back a record. The queue
// tracker cannot.
type Lookup interface {
	Get(ctx context.Context, loc model.Location) (*model.FileRecord, error)
}
