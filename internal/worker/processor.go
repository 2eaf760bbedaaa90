package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/securefiles/internal/model"
	pdfutil "github.com/dharsanguruparan/securefiles/internal/pdf"
	"github.com/dharsanguruparan/securefiles/internal/queue"
	"github.com/dharsanguruparan/securefiles/internal/storage"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

// Processor is plugged into the asynq worker loop. It persists the records
// produced by queue.Tracker.
type Processor struct {
	tracker tracking.Tracker
	store   storage.Store
	log     *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(tracker tracking.Tracker, store storage.Store, log *slog.Logger) *Processor {
	return &Processor{tracker: tracker, store: store, log: log}
}

// Handler registers the tracking job handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TrackFileTask, p.HandleTrack)
	mux.HandleFunc(queue.UntrackFileTask, p.HandleUntrack)
	return mux
}

// HandleTrack fills in PDF page counts and records the file. Quota failures
// are not retried.
func (p *Processor) HandleTrack(ctx context.Context, task *asynq.Task) error {
	var payload queue.TrackPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	rec := payload.Record
	log := p.log.With("file", rec.Location.String(), "id", rec.ID)

	if isPDF(rec.ContentType) {
		pages, err := p.pageCount(ctx, rec.Location)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Warn("tracked file is gone, skipping")
			return nil
		case err != nil:
			log.Warn("count pdf pages", "err", err)
			rec.Message = err.Error()
		default:
			rec.Pages = pages
		}
	}

	if err := p.tracker.Track(ctx, &rec); err != nil {
		if errors.Is(err, tracking.ErrQuotaExceeded) {
			log.Error("tenant over quota", "tenant", rec.Location.TenantID, "size", rec.Size)
			return fmt.Errorf("track %s: %w: %w", rec.Location, err, asynq.SkipRetry)
		}
		return fmt.Errorf("track %s: %w", rec.Location, err)
	}
	log.Info("file tracked", "size", rec.Size, "pages", rec.Pages)
	return nil
}

// HandleUntrack removes the record for a deleted file.
func (p *Processor) HandleUntrack(ctx context.Context, task *asynq.Task) error {
	var payload queue.UntrackPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	if err := p.tracker.Untrack(ctx, payload.Location); err != nil {
		return fmt.Errorf("untrack %s: %w", payload.Location, err)
	}
	p.log.Info("file untracked", "file", payload.Location.String())
	return nil
}

func (p *Processor) pageCount(ctx context.Context, loc model.Location) (int, error) {
	obj, err := p.store.Open(ctx, loc)
	if err != nil {
		return 0, err
	}
	defer obj.Close()
	size := obj.Info().Size
	if ra, ok := obj.(io.ReaderAt); ok {
		return pdfutil.PageCount(ra, size)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", loc, err)
	}
	return pdfutil.PageCount(bytes.NewReader(data), int64(len(data)))
}

func isPDF(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "application/pdf")
}
