package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/securefiles/internal/auth"
	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/storage"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

var (
	errTooLarge     = errors.New("file exceeds limit")
	errEmptyFile    = errors.New("empty file")
	errTypeRejected = errors.New("file type not allowed")
)

type uploadResponse struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
	ExpiresAt   int64  `json:"expiresAt"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// tempUpload is a multipart file part spooled to disk.
type tempUpload struct {
	f           *os.File
	size        int64
	contentType string
	filename    string
}

func (t *tempUpload) cleanup() {
	t.f.Close()
	os.Remove(t.f.Name())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	fields, tmp, err := s.readUpload(mr)
	if tmp != nil {
		defer tmp.cleanup()
	}
	switch {
	case errors.Is(err, errTooLarge):
		s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
		return
	case errors.Is(err, errTypeRejected):
		s.respondError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case err != nil:
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case tmp == nil:
		s.respondError(w, http.StatusBadRequest, "missing file part")
		return
	}

	loc := model.Location{
		TenantID: id.TenantID,
		Scope:    fields["scope"],
		OwnerID:  fields["ownerId"],
		Filename: tmp.filename,
	}
	if err := loc.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := &model.FileRecord{
		ID:          uuid.NewString(),
		Location:    loc,
		Size:        tmp.size,
		ContentType: tmp.contentType,
		Status:      model.StatusStored,
	}
	prev := s.trackedRecord(ctx, loc)
	// Tracking first keeps over-quota uploads out of storage.
	if err := s.tracker.Track(ctx, rec); err != nil {
		if errors.Is(err, tracking.ErrQuotaExceeded) {
			s.respondError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		s.log.Error("track upload", "file", loc.String(), "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to record file")
		return
	}
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		s.log.Error("rewind upload", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	if _, err := s.store.Save(ctx, loc, tmp.f, tmp.size, tmp.contentType); err != nil {
		s.log.Error("store upload", "file", loc.String(), "err", err)
		s.restoreTracking(ctx, loc, prev)
		s.respondError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	signed, err := s.signer.GenerateUploadURL(signedurl.GrantInput{
		TenantID: loc.TenantID,
		Scope:    loc.Scope,
		OwnerID:  loc.OwnerID,
		Filename: loc.Filename,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("file uploaded", "file", loc.String(), "size", rec.Size, "content_type", rec.ContentType)
	s.respondJSON(w, http.StatusCreated, uploadResponse{
		ID:          rec.ID,
		Filename:    loc.Filename,
		Size:        rec.Size,
		ContentType: rec.ContentType,
		URL:         signed.URL,
		ExpiresAt:   signed.ExpiresAt.UnixMilli(),
		ExpiresIn:   s.signer.TimeRemaining(signed.ExpiresAt),
	})
}

// trackedRecord returns the record currently tracked at loc, if the tracker
// can read records back.
func (s *Server) trackedRecord(ctx context.Context, loc model.Location) *model.FileRecord {
	lookup, ok := s.tracker.(tracking.Lookup)
	if !ok {
		return nil
	}
	rec, err := lookup.Get(ctx, loc)
	if err != nil {
		if !errors.Is(err, tracking.ErrNotFound) {
			s.log.Warn("read tracked record", "file", loc.String(), "err", err)
		}
		return nil
	}
	return rec
}

// restoreTracking undoes Track after a failed save. A replaced file is still
// in storage, so its record is put back rather than removed.
func (s *Server) restoreTracking(ctx context.Context, loc model.Location, prev *model.FileRecord) {
	if prev == nil {
		info, err := s.store.Stat(ctx, loc)
		if err == nil {
			prev = &model.FileRecord{
				ID:          uuid.NewString(),
				Location:    loc,
				Size:        info.Size,
				ContentType: info.ContentType,
				Status:      model.StatusStored,
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("stat after failed upload", "file", loc.String(), "err", err)
		}
	}
	if prev != nil {
		if err := s.tracker.Track(ctx, prev); err != nil {
			s.log.Error("restore tracked record", "file", loc.String(), "err", err)
		}
		return
	}
	if err := s.tracker.Untrack(ctx, loc); err != nil {
		s.log.Error("untrack failed upload", "file", loc.String(), "err", err)
	}
}

// readUpload collects the small form fields and spools the first file part.
// Parts may arrive in any order.
func (s *Server) readUpload(mr *multipart.Reader) (map[string]string, *tempUpload, error) {
	fields := make(map[string]string)
	var tmp *tempUpload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return fields, tmp, nil
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, tmp, errTooLarge
			}
			return nil, tmp, errors.New("failed to read upload")
		}
		switch name := part.FormName(); {
		case name == "file" && tmp == nil:
			tmp, err = s.persistPart(part)
			if err != nil {
				return nil, nil, err
			}
		case name == "scope" || name == "ownerId":
			v, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				return nil, tmp, errors.New("failed to read upload")
			}
			fields[name] = string(v)
		default:
			part.Close()
		}
	}
}

func (s *Server) persistPart(part *multipart.Part) (*tempUpload, error) {
	defer part.Close()
	dst, err := os.CreateTemp("", "securefiles-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp := &tempUpload{f: dst}
	var sniff []byte
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			tmp.size += int64(n)
			if tmp.size > s.cfg.MaxFileSize {
				tmp.cleanup()
				return nil, errTooLarge
			}
			// Up to 512 bytes feed http.DetectContentType.
			if len(sniff) < 512 {
				sniff = append(sniff, buf[:min(n, 512-len(sniff))]...)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				tmp.cleanup()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmp.cleanup()
			var maxErr *http.MaxBytesError
			if errors.As(readErr, &maxErr) {
				return nil, errTooLarge
			}
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if tmp.size == 0 {
		tmp.cleanup()
		return nil, errEmptyFile
	}
	tmp.contentType = http.DetectContentType(sniff)
	if !s.allowedType(tmp.contentType) {
		tmp.cleanup()
		return nil, errTypeRejected
	}
	tmp.filename = filepath.Base(part.FileName())
	if tmp.filename == "." || tmp.filename == string(filepath.Separator) {
		tmp.filename = ""
	}
	if tmp.filename == "" {
		tmp.filename = "upload-" + time.Now().UTC().Format("20060102T150405")
	}
	return tmp, nil
}

// allowedType compares full media types first, then bare types, so
// "text/plain" admits "text/plain; charset=utf-8".
func (s *Server) allowedType(contentType string) bool {
	base, _, _ := mime.ParseMediaType(contentType)
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
		if ab, _, err := mime.ParseMediaType(allowed); err == nil && ab == base {
			return true
		}
	}
	return false
}
