package controlplane

import "sync"

// Default per-assignment limits.
const (
	DefaultMaxRequests   = 80
	DefaultMaxExecutions = 60
)

// budget is a reserve-before-use counter.
type budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

func newBudget(limit int) *budget {
	return &budget{limit: limit}
}

// tryReserve takes one unit if any remain.
func (b *budget) tryReserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

func (b *budget) reset() {
	b.mu.Lock()
	b.used = 0
	b.mu.Unlock()
}

func (b *budget) snapshot() (used, limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used, b.limit
}
