// Package batch drains the request queue through per-platform batchers.
//
// A Batcher knows how to turn many logical requests into as few physical
// platform calls as possible. Batchers are registered per platform at startup;
// platforms without one are flushed in fallback mode, where every request is
// completed with a placeholder result so nothing stays claimed.
package batch

//go:generate mockgen -destination=mocks/batcher_mock.go -package=mocks . Batcher

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
)

// Result is the outcome of one logical request. A non-empty Err marks a
// failure; the message is stored verbatim on the request.
type Result struct {
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"error,omitempty"`
}

// Success wraps data as a successful result.
func Success(data json.RawMessage) Result {
	return Result{Data: data}
}

// Failure returns a failed result with msg.
func Failure(msg string) Result {
	return Result{Err: msg}
}

// Failed reports whether the result is an error.
func (r Result) Failed() bool {
	return r.Err != ""
}

// Batcher executes requests of one platform in bulk.
type Batcher interface {
	Platform() string

	// BatchType labels the strategy in the audit trail, e.g. "field_expansion".
	BatchType() string

	// MaxBatchSize is the largest number of requests passed to one
	// ExecuteBatch call. Values below 1 mean unlimited.
	MaxBatchSize() int

	// ExecuteBatch returns one result per request, keyed by request ID
	// (uuid string). Requests missing from the map are marked failed. An
	// error fails every request of the call.
	ExecuteBatch(ctx context.Context, connectionID string, reqs []*queue.Request) (map[string]Result, error)
}

// Registry maps platforms to their batcher. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	batchers map[string]Batcher
}

// NewRegistry returns a registry holding the given batchers.
func NewRegistry(batchers ...Batcher) *Registry {
	r := &Registry{batchers: make(map[string]Batcher)}
	for _, b := range batchers {
		r.Register(b)
	}
	return r
}

// Register adds b, replacing any batcher of the same platform.
func (r *Registry) Register(b Batcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchers[strings.ToLower(b.Platform())] = b
}

// Get returns the batcher of platform.
func (r *Registry) Get(platform string) (Batcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batchers[strings.ToLower(platform)]
	return b, ok
}

// Platforms lists the platforms with a batcher, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.batchers))
	for p := range r.batchers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type callCounterKey struct{}

// CountCall records one physical platform call made while executing a batch.
// Batchers that never call it are counted as one call per ExecuteBatch.
func CountCall(ctx context.Context) {
	if c, ok := ctx.Value(callCounterKey{}).(*atomic.Int64); ok {
		c.Add(1)
	}
}

func withCallCounter(ctx context.Context) (context.Context, *atomic.Int64) {
	c := new(atomic.Int64)
	return context.WithValue(ctx, callCounterKey{}, c), c
}
