package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
)

// ExecutionLog is an in-memory batch.ExecutionLog.
type ExecutionLog struct {
	mu      sync.Mutex
	records []batch.ExecutionRecord
	index   map[uuid.UUID]int
}

// NewExecutionLog returns an empty log.
func NewExecutionLog() *ExecutionLog {
	return &ExecutionLog{index: make(map[uuid.UUID]int)}
}

func (l *ExecutionLog) Start(_ context.Context, rec *batch.ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index[rec.BatchID] = len(l.records)
	l.records = append(l.records, *rec)
	return nil
}

func (l *ExecutionLog) Complete(_ context.Context, rec *batch.ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[rec.BatchID]
	if !ok {
		l.index[rec.BatchID] = len(l.records)
		l.records = append(l.records, *rec)
		return nil
	}
	l.records[i] = *rec
	return nil
}

func (l *ExecutionLog) Recent(_ context.Context, platform string, limit int) ([]batch.ExecutionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []batch.ExecutionRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Platform != platform {
			continue
		}
		out = append(out, l.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Records returns every record in start order.
func (l *ExecutionLog) Records() []batch.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]batch.ExecutionRecord(nil), l.records...)
}

var _ batch.ExecutionLog = (*ExecutionLog)(nil)
