package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []execCall
	tag   pgconn.CommandTag
	err   error
	row   pgx.Row
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return f.tag, f.err
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

var testLoc = model.Location{TenantID: "t1", Scope: "tasks", OwnerID: "o1", Filename: "a.pdf"}

func TestFileRepository_Track(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewFileRepository(db, 100)

	rec := &model.FileRecord{ID: "id-1", Location: testLoc, Size: 10, ContentType: "application/pdf"}
	require.NoError(t, repo.Track(context.Background(), rec))
	require.Len(t, db.calls, 1)
	assert.Equal(t, model.StatusTracked, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	args := db.calls[0].args
	assert.Equal(t, "id-1", args[0])
	assert.Equal(t, "t1", args[1])
	assert.Equal(t, int64(100), args[12])
}

func TestFileRepository_TrackQuotaExceeded(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("INSERT 0 0")}
	repo := NewFileRepository(db, 100)
	err := repo.Track(context.Background(), &model.FileRecord{ID: "id-1", Location: testLoc, Size: 1000})
	require.ErrorIs(t, err, tracking.ErrQuotaExceeded)
}

func TestFileRepository_TrackRejectsBadLocation(t *testing.T) {
	db := &fakeDB{}
	repo := NewFileRepository(db, 0)
	bad := testLoc
	bad.Filename = "../x"
	require.ErrorIs(t, repo.Track(context.Background(), &model.FileRecord{Location: bad}), model.ErrInvalidLocation)
	assert.Empty(t, db.calls)
}

func TestFileRepository_ExecError(t *testing.T) {
	boom := errors.New("boom")
	repo := NewFileRepository(&fakeDB{err: boom}, 0)
	require.ErrorIs(t, repo.Untrack(context.Background(), testLoc), boom)
}

func TestFileRepository_GetNotFound(t *testing.T) {
	repo := NewFileRepository(&fakeDB{row: errRow{err: pgx.ErrNoRows}}, 0)
	_, err := repo.Get(context.Background(), testLoc)
	require.ErrorIs(t, err, tracking.ErrNotFound)
}
