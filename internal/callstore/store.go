// Package callstore persists call records: one row per phone call with its
// lifecycle status, timing, and the full turn transcript captured when the
// call ends.
package callstore

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a call record.
type Status string

const (
	// StatusInProgress marks a call that is currently connected.
	StatusInProgress Status = "in_progress"

	// StatusCompleted marks a call that ended normally (hang-up, max
	// duration, graceful shutdown).
	StatusCompleted Status = "completed"

	// StatusFailed marks a call torn down by a fatal error.
	StatusFailed Status = "failed"
)

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TranscriptEntry is one committed turn of a call, as persisted.
type TranscriptEntry struct {
	TurnID      int       `json:"turn_id"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// Call is a persisted call record. Transcript, Summary, and EndReason are
// empty until the call finishes.
type Call struct {
	ID         string            `json:"id"`
	Direction  Direction         `json:"direction"`
	FromNumber string            `json:"from_number"`
	ToNumber   string            `json:"to_number"`
	Agent      string            `json:"agent"`
	Status     Status            `json:"status"`
	EndReason  string            `json:"end_reason,omitempty"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	TurnCount  int               `json:"turn_count"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at,omitzero"`
}

// Duration returns the call duration, or the elapsed time so far when the
// call has not ended yet.
func (c *Call) Duration() time.Duration {
	if c.EndedAt.IsZero() {
		return time.Since(c.StartedAt)
	}
	return c.EndedAt.Sub(c.StartedAt)
}

// Validate checks the fields required to create a record.
func (c *Call) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("callstore: call id is required")
	}
	switch c.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return fmt.Errorf("callstore: invalid direction %q", c.Direction)
	}
	return nil
}

// CallEnd carries the final state written by [Store.Finish].
type CallEnd struct {
	Status     Status
	Reason     string
	EndedAt    time.Time
	Transcript []TranscriptEntry

	// Summary is an optional model-generated abstract of the call.
	Summary string
}

// ListOptions filters and bounds [Store.List] results.
type ListOptions struct {
	// Status keeps only records in the given state. Empty matches all.
	Status Status

	// Limit caps the number of records returned. Zero means no cap.
	Limit int
}

// Store persists call records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Create inserts a new call record with status in_progress. Returns an
	// error if a call with the same ID already exists.
	Create(ctx context.Context, c *Call) error

	// Get retrieves a call record by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Call, error)

	// Finish marks a call as ended, recording its final status, end reason,
	// and transcript. Returns an error if the call is not found.
	Finish(ctx context.Context, id string, end CallEnd) error

	// List returns call records, most recently started first.
	List(ctx context.Context, opts ListOptions) ([]Call, error)

	// Close releases any resources held by the store.
	Close()
}
