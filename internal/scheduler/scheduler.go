package scheduler

import (
	"errors"
	"sync"
)

// ErrEmptyQueue is returned by Pop when nothing is pending. Callers are
// expected to check Count first.
var ErrEmptyQueue = errors.New("scheduler queue is empty")

// Queue is a LIFO of pending task ids. Popping the most recent push yields
// depth-first traversal: a parent's new children resolve before the
// ancestor's later siblings are revisited.
type Queue struct {
	mu    sync.Mutex
	items []string
}

// New creates an empty queue. A queue is recreated for every run.
func New() *Queue {
	return &Queue{}
}

// Push appends a task id.
func (q *Queue) Push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, id)
}

// PushAll pushes ids so that ids[0] is popped first.
func (q *Queue) PushAll(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(ids) - 1; i >= 0; i-- {
		q.items = append(q.items, ids[i])
	}
}

// Pop removes and returns the most recently pushed id.
func (q *Queue) Pop() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", ErrEmptyQueue
	}
	last := len(q.items) - 1
	id := q.items[last]
	q.items = q.items[:last]
	return id, nil
}

// Count returns the number of pending ids.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every pending id.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
