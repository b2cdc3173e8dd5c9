// Package queue is the durable request queue: deduplicated, prioritised
// platform API requests waiting to be flushed in batches.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Defaults applied on enqueue.
const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
	HighestPriority    = 1
	LowestPriority     = 10
)

var (
	// ErrNotFound is returned when a request id does not exist.
	ErrNotFound = errors.New("queued request not found")

	// ErrInvalidTransition is returned when a state change is not allowed
	// from the request's current status.
	ErrInvalidTransition = errors.New("invalid request status transition")
)

// Active reports whether the status is non-terminal. At most one active
// request exists per identity hash.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusQueued || s == StatusProcessing
}

// Terminal reports whether the status ends the request lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from → to is a legal state change. The
// failed → pending retry additionally requires attempts to remain, see
// Request.Retryable.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is one logical platform API request.
type Request struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Platform       string         `json:"platform"`
	ConnectionID   string         `json:"connection_id"`
	RequestType    string         `json:"request_type"`
	Params         map[string]any `json:"params"`
	IdentityHash   string         `json:"identity_hash"`
	Priority       int            `json:"priority"`
	BatchGroup     string         `json:"batch_group"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	// Result is the opaque payload of a completed request.
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	BatchID      *uuid.UUID      `json:"batch_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Retryable reports whether a failed request may be reset to pending.
func (r *Request) Retryable() bool {
	return r.Status == StatusFailed && r.Attempts < r.MaxAttempts
}

// DefaultBatchGroup is the grouping key used when none is given.
func DefaultBatchGroup(platform, connectionID string) string {
	return platform + ":" + connectionID
}

// Group is the set of requests of one connection (and batch group) that
// are flushed together.
type Group struct {
	Platform     string
	ConnectionID string
	BatchGroup   string
	Requests     []*Request
}

// IDs returns the request ids of the group in order.
func (g Group) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(g.Requests))
	for i, r := range g.Requests {
		ids[i] = r.ID
	}
	return ids
}

// Stats summarises the queue of one platform.
type Stats struct {
	Platform     string `json:"platform"`
	Pending      int    `json:"pending"`
	Queued       int    `json:"queued"`
	Processing   int    `json:"processing"`
	Retryable    int    `json:"retryable"`
	Completed24h int    `json:"completed_24h"`
	Failed       int    `json:"failed"`
	Cancelled    int    `json:"cancelled"`
}
