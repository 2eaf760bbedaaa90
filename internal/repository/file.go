package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FileRepository wraps all SQL used by the gateway and worker. It implements
// tracking.Tracker.
type FileRepository struct {
	db    DB
	quota int64
}

var (
	_ tracking.Tracker = (*FileRepository)(nil)
	_ tracking.Lookup  = (*FileRepository)(nil)
)

// NewFileRepository constructs a repository. A quota of zero or less disables
// quota enforcement.
func NewFileRepository(db DB, quotaBytes int64) *FileRepository {
	return &FileRepository{db: db, quota: quotaBytes}
}

// Track upserts rec on its location. The insert is skipped, and
// tracking.ErrQuotaExceeded returned, when the tenant's other files plus rec
// would exceed the quota.
func (r *FileRepository) Track(ctx context.Context, rec *model.FileRecord) error {
	if err := rec.Location.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Status = model.StatusTracked
	loc := rec.Location
	tag, err := r.db.Exec(ctx, `
		WITH usage AS (
			SELECT COALESCE(SUM(size), 0) AS used FROM files
			WHERE tenant_id=$2 AND NOT (scope=$3 AND owner_id=$4 AND filename=$5)
		)
		INSERT INTO files (id, tenant_id, scope, owner_id, filename, size, content_type, pages, status, message, created_at, updated_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12 FROM usage
		WHERE $13 <= 0 OR usage.used + $6 <= $13
		ON CONFLICT (tenant_id, scope, owner_id, filename) DO UPDATE
		SET size=EXCLUDED.size,
			content_type=EXCLUDED.content_type,
			pages=EXCLUDED.pages,
			status=EXCLUDED.status,
			message=EXCLUDED.message,
			updated_at=EXCLUDED.updated_at
	`, rec.ID, loc.TenantID, loc.Scope, loc.OwnerID, loc.Filename, rec.Size, rec.ContentType,
		rec.Pages, rec.Status, rec.Message, rec.CreatedAt, rec.UpdatedAt, r.quota)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tracking.ErrQuotaExceeded
	}
	return nil
}

// Untrack deletes the row at loc. Missing rows are ignored.
func (r *FileRepository) Untrack(ctx context.Context, loc model.Location) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM files WHERE tenant_id=$1 AND scope=$2 AND owner_id=$3 AND filename=$4
	`, loc.TenantID, loc.Scope, loc.OwnerID, loc.Filename)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Get returns the record at loc.
func (r *FileRepository) Get(ctx context.Context, loc model.Location) (*model.FileRecord, error) {
	rec := model.FileRecord{Location: loc}
	row := r.db.QueryRow(ctx, `
		SELECT id, size, content_type, pages, status, message, created_at, updated_at
		FROM files WHERE tenant_id=$1 AND scope=$2 AND owner_id=$3 AND filename=$4
	`, loc.TenantID, loc.Scope, loc.OwnerID, loc.Filename)
	if err := row.Scan(&rec.ID, &rec.Size, &rec.ContentType, &rec.Pages, &rec.Status, &rec.Message, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", loc, tracking.ErrNotFound)
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	return &rec, nil
}

// Usage returns the bytes tracked for tenantID.
func (r *FileRepository) Usage(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	row := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM files WHERE tenant_id=$1`, tenantID)
	if err := row.Scan(&used); err != nil {
		return 0, fmt.Errorf("select usage: %w", err)
	}
	return used, nil
}

// MarkFailed records a tracking failure for the file at loc.
func (r *FileRepository) MarkFailed(ctx context.Context, loc model.Location, msg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE files SET status=$1, message=$2, updated_at=$3
		WHERE tenant_id=$4 AND scope=$5 AND owner_id=$6 AND filename=$7
	`, model.StatusFailed, msg, time.Now().UTC(), loc.TenantID, loc.Scope, loc.OwnerID, loc.Filename)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return nil
}
