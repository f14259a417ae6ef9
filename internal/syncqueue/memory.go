package syncqueue

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue keeps submissions in process memory. Queued items are lost on
// restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Submission
	order []uuid.UUID
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[uuid.UUID]*Submission)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, s *Submission) error {
	prepare(s)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[s.ID]; !ok {
		q.order = append(q.order, s.ID)
	}
	q.items[s.ID] = clone(s)
	return nil
}

func (q *MemoryQueue) List(_ context.Context, tag string) ([]*Submission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Submission, 0)
	for _, id := range q.order {
		if s := q.items[id]; s.Tag == tag {
			out = append(out, clone(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return ErrNotFound
	}
	delete(q.items, id)
	q.order = slices.DeleteFunc(q.order, func(v uuid.UUID) bool { return v == id })
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	s.Attempts++
	s.LastError = reason
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, tag string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, s := range q.items {
		if s.Tag == tag {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Tags(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	tags := make([]string, 0)
	for _, s := range q.items {
		if !seen[s.Tag] {
			seen[s.Tag] = true
			tags = append(tags, s.Tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}
