// Package jobs runs deferred webhook and sync work off the request path.
package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KindManualSync is the operator/user-requested sync job.
const KindManualSync = "sync.manual"

// Job is one unit of deferred work. Kind doubles as the queue routing key.
type Job struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	ConnectionID string          `json:"connection_id,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempt      int             `json:"attempt"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// NewJob builds a job for a webhook event. Event types use "item/updated"
// form; routing keys use dots.
func NewJob(eventType, connectionID, eventID string, payload json.RawMessage) Job {
	return Job{
		ID:           uuid.NewString(),
		Kind:         strings.ReplaceAll(eventType, "/", "."),
		ConnectionID: connectionID,
		EventID:      eventID,
		Payload:      payload,
		Attempt:      1,
		EnqueuedAt:   time.Now(),
	}
}

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}
