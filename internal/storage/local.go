package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/securefiles/internal/model"
)

// Local stores files under root/tenantId/scope/ownerId/filename.
type Local struct {
	root string
}

// NewLocal creates root if needed and returns a Local store over it.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute storage root.
func (l *Local) Root() string { return l.root }

// Path resolves loc to a file path inside the root.
func (l *Local) Path(loc model.Location) (string, error) {
	if err := loc.Validate(); err != nil {
		return "", err
	}
	p := filepath.Join(l.root, loc.TenantID, loc.Scope, loc.OwnerID, loc.Filename)
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: escapes storage root", model.ErrInvalidLocation)
	}
	return p, nil
}

func (l *Local) Stat(ctx context.Context, loc model.Location) (Info, error) {
	p, err := l.Path(loc)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Info{}, notFound(err)
	}
	if !fi.Mode().IsRegular() {
		return Info{}, ErrNotFound
	}
	return Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) Open(ctx context.Context, loc model.Location) (Object, error) {
	p, err := l.Path(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, notFound(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", loc, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFound
	}
	return &localObject{File: f, info: Info{Size: fi.Size(), ModTime: fi.ModTime()}}, nil
}

// Save writes r to a temporary file next to the destination and renames it
// into place, so readers never observe a partial file.
func (l *Local) Save(ctx context.Context, loc model.Location, r io.Reader, size int64, contentType string) (Info, error) {
	p, err := l.Path(loc)
	if err != nil {
		return Info{}, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Info{}, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return Info{}, fmt.Errorf("move file into place: %w", err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Info{}, fmt.Errorf("stat saved file: %w", err)
	}
	return Info{Size: written, ModTime: fi.ModTime(), ContentType: contentType}, nil
}

func (l *Local) Delete(ctx context.Context, loc model.Location) error {
	p, err := l.Path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return notFound(err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

type localObject struct {
	*os.File
	info Info
}

func (o *localObject) Info() Info { return o.info }
