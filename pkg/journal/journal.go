// Package journal records the outcome of every thingsboard node dispatch.
//
// The journal is write-only from the dispatcher's point of view: records are
// read back by the API and CLI, never by the node itself.
package journal

import (
	"context"
	"sync"
	"time"
)

// DefaultLimit is the number of records kept per node
const DefaultLimit = 100

// Record is the summary of one dispatch
type Record struct {
	ID         string        `json:"id"`
	NodeID     string        `json:"node_id"`
	Operation  string        `json:"operation"`
	MessageID  string        `json:"message_id"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Time       time.Time     `json:"time"`
}

// Journal stores dispatch records
type Journal interface {
	// Append adds a record for its node, dropping the oldest beyond the limit
	Append(ctx context.Context, rec Record) error

	// List returns up to limit records for a node, newest first
	List(ctx context.Context, nodeID string, limit int) ([]Record, error)
}

// MemoryJournal keeps records in process memory
type MemoryJournal struct {
	mu      sync.RWMutex
	limit   int
	records map[string][]Record
}

// NewMemoryJournal creates an in-memory journal keeping limit records per node
func NewMemoryJournal(limit int) *MemoryJournal {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryJournal{
		limit:   limit,
		records: make(map[string][]Record),
	}
}

// Append implements Journal
func (j *MemoryJournal) Append(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	list := append([]Record{rec}, j.records[rec.NodeID]...)
	if len(list) > j.limit {
		list = list[:j.limit]
	}
	j.records[rec.NodeID] = list
	return nil
}

// List implements Journal
func (j *MemoryJournal) List(_ context.Context, nodeID string, limit int) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	list := j.records[nodeID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Record, limit)
	copy(out, list[:limit])
	return out, nil
}
