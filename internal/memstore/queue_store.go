package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
)

// QueueStore is an in-memory queue.Store. A single mutex makes every
// operation atomic, which is what the Postgres store gets from conditional
// updates and the partial unique index.
type QueueStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*queue.Request
	seq  map[uuid.UUID]int
	next int
}

// NewQueueStore creates an empty store.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		rows: make(map[uuid.UUID]*queue.Request),
		seq:  make(map[uuid.UUID]int),
	}
}

func clone(r *queue.Request) *queue.Request {
	c := *r
	if r.Params != nil {
		c.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			c.Params[k] = v
		}
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.BatchID != nil {
		id := *r.BatchID
		c.BatchID = &id
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *QueueStore) Insert(_ context.Context, r *queue.Request) (*queue.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rows {
		if existing.IdentityHash == r.IdentityHash && existing.Status.Active() {
			return clone(existing), false, nil
		}
	}

	s.rows[r.ID] = clone(r)
	s.seq[r.ID] = s.next
	s.next++
	return clone(r), true, nil
}

func (s *QueueStore) Get(_ context.Context, id uuid.UUID) (*queue.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return clone(r), nil
}

func (s *QueueStore) Eligible(_ context.Context, platform string, now time.Time, limit int) ([]*queue.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Request
	for _, r := range s.rows {
		if r.Platform != platform {
			continue
		}
		if r.Status != queue.StatusPending && r.Status != queue.StatusQueued {
			continue
		}
		if r.ScheduledAt.After(now) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	result := make([]*queue.Request, len(out))
	for i, r := range out {
		result[i] = clone(r)
	}
	return result, nil
}

func (s *QueueStore) Claim(_ context.Context, ids []uuid.UUID, batchID uuid.UUID, startedAt time.Time) ([]*queue.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*queue.Request
	for _, id := range ids {
		r, ok := s.rows[id]
		if !ok || (r.Status != queue.StatusPending && r.Status != queue.StatusQueued) {
			continue
		}
		bid := batchID
		t := startedAt
		r.Status = queue.StatusProcessing
		r.BatchID = &bid
		r.StartedAt = &t
		r.Attempts++
		r.UpdatedAt = startedAt
		claimed = append(claimed, clone(r))
	}
	return claimed, nil
}

func (s *QueueStore) Complete(_ context.Context, id uuid.UUID, result json.RawMessage, at time.Time) error {
	return s.finish(id, at, func(r *queue.Request) {
		r.Status = queue.StatusCompleted
		r.Result = append(json.RawMessage(nil), result...)
	})
}

func (s *QueueStore) Fail(_ context.Context, id uuid.UUID, message string, at time.Time) error {
	return s.finish(id, at, func(r *queue.Request) {
		r.Status = queue.StatusFailed
		r.ErrorMessage = message
	})
}

func (s *QueueStore) finish(id uuid.UUID, at time.Time, apply func(*queue.Request)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return queue.ErrNotFound
	}
	if r.Status != queue.StatusProcessing {
		return queue.ErrInvalidTransition
	}
	apply(r)
	t := at
	r.CompletedAt = &t
	r.UpdatedAt = at
	return nil
}

func (s *QueueStore) Requeue(_ context.Context, platform string, scheduledAt time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*queue.Request
	for _, r := range s.rows {
		if r.Platform == platform && r.Retryable() {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return s.seq[candidates[i].ID] < s.seq[candidates[j].ID]
	})

	n := 0
	for _, r := range candidates {
		if n >= limit {
			break
		}
		// A newer active request for the same identity wins over the retry.
		if s.hasActive(r.IdentityHash) {
			continue
		}
		r.Status = queue.StatusPending
		r.ScheduledAt = scheduledAt
		r.ErrorMessage = ""
		r.BatchID = nil
		r.StartedAt = nil
		r.CompletedAt = nil
		r.UpdatedAt = scheduledAt
		n++
	}
	return n, nil
}

func (s *QueueStore) hasActive(hash string) bool {
	for _, r := range s.rows {
		if r.IdentityHash == hash && r.Status.Active() {
			return true
		}
	}
	return false
}

func (s *QueueStore) Cancel(_ context.Context, connectionID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.rows {
		if r.ConnectionID != connectionID || !r.Status.Active() {
			continue
		}
		t := at
		r.Status = queue.StatusCancelled
		r.ErrorMessage = reason
		r.CompletedAt = &t
		r.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *QueueStore) Stats(_ context.Context, platform string, completedSince time.Time) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st queue.Stats
	for _, r := range s.rows {
		if r.Platform != platform {
			continue
		}
		switch r.Status {
		case queue.StatusPending:
			st.Pending++
		case queue.StatusQueued:
			st.Queued++
		case queue.StatusProcessing:
			st.Processing++
		case queue.StatusCompleted:
			if r.CompletedAt != nil && !r.CompletedAt.Before(completedSince) {
				st.Completed24h++
			}
		case queue.StatusFailed:
			st.Failed++
			if r.Retryable() {
				st.Retryable++
			}
		case queue.StatusCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

func (s *QueueStore) DeleteTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.rows {
		if r.Status.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(s.rows, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of every stored request, in insertion order.
func (s *QueueStore) All() []*queue.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*queue.Request, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

var _ queue.Store = (*QueueStore)(nil)
