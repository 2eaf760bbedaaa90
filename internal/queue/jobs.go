package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/securefiles/internal/model"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

const (
	// TrackFileTask is scheduled each time a file is uploaded.
	TrackFileTask = "file:track"
	// UntrackFileTask is scheduled each time a file is deleted.
	UntrackFileTask = "file:untrack"
)

// TrackPayload carries the record the worker should persist.
type TrackPayload struct {
	Record model.FileRecord `json:"record"`
}

// UntrackPayload names the location the worker should forget.
type UntrackPayload struct {
	Location model.Location `json:"location"`
}

// Enqueuer is the subset of *asynq.Client used by Tracker.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Tracker hands tracking work to the worker. Quota is enforced by the worker,
// so Track never returns tracking.ErrQuotaExceeded.
type Tracker struct {
	client Enqueuer
}

var _ tracking.Tracker = (*Tracker)(nil)

// NewTracker constructs a queue-backed tracker.
func NewTracker(client Enqueuer) *Tracker {
	return &Tracker{client: client}
}

// Track enqueues a file:track job.
func (t *Tracker) Track(ctx context.Context, rec *model.FileRecord) error {
	if err := rec.Location.Validate(); err != nil {
		return err
	}
	return enqueue(ctx, t.client, TrackFileTask, TrackPayload{Record: *rec})
}

// Untrack enqueues a file:untrack job.
func (t *Tracker) Untrack(ctx context.Context, loc model.Location) error {
	return enqueue(ctx, t.client, UntrackFileTask, UntrackPayload{Location: loc})
}

func enqueue(ctx context.Context, client Enqueuer, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(kind, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	return nil
}
