package callstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is used
// when no database is configured and in tests.
type MemStore struct {
	mu    sync.RWMutex
	calls map[string]Call
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{calls: make(map[string]Call)}
}

// Create implements [Store.Create].
func (s *MemStore) Create(ctx context.Context, c *Call) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[c.ID]; exists {
		return fmt.Errorf("callstore: call %q already exists", c.ID)
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	c.Status = StatusInProgress
	s.calls[c.ID] = *c
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, id string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[id]
	if !ok {
		return nil, nil
	}
	c.Transcript = append([]TranscriptEntry(nil), c.Transcript...)
	return &c, nil
}

// Finish implements [Store.Finish].
func (s *MemStore) Finish(ctx context.Context, id string, end CallEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return fmt.Errorf("callstore: call %q not found", id)
	}
	c.Status = end.Status
	c.EndReason = end.Reason
	c.EndedAt = end.EndedAt
	if c.EndedAt.IsZero() {
		c.EndedAt = time.Now()
	}
	c.Transcript = append([]TranscriptEntry(nil), end.Transcript...)
	c.Summary = end.Summary
	c.TurnCount = len(c.Transcript)
	s.calls[id] = c
	return nil
}

// List implements [Store.List].
func (s *MemStore) List(ctx context.Context, opts ListOptions) ([]Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		c.Transcript = append([]TranscriptEntry(nil), c.Transcript...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close implements [Store.Close]. It is a no-op for the in-memory store.
func (s *MemStore) Close() {}
