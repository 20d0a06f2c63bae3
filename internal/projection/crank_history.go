package projection

import (
	"sync"

	"PerpRisk/internal/state"
)

// CrankHistoryEntry is one liquidation or force close, as reported by a crank.
type CrankHistoryEntry struct {
	Sequence int64
	Action   state.PositionAction
}

// CrankHistoryProjection keeps the most recent crank actions in a ring.
type CrankHistoryProjection struct {
	mu      sync.RWMutex
	entries []CrankHistoryEntry
	next    int
	full    bool
}

func NewCrankHistoryProjection(capacity int) *CrankHistoryProjection {
	if capacity <= 0 {
		capacity = 1
	}
	return &CrankHistoryProjection{
		entries: make([]CrankHistoryEntry, capacity),
	}
}

// AddEntry records a crank action, overwriting the oldest when full
func (p *CrankHistoryProjection) AddEntry(entry CrankHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[p.next] = entry
	p.next = (p.next + 1) % len(p.entries)
	if p.next == 0 {
		p.full = true
	}
}

// Len returns the number of retained entries
func (p *CrankHistoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.full {
		return len(p.entries)
	}
	return p.next
}

// QueryByAccount returns crank actions for an account, newest first.
// A negative index matches every account.
func (p *CrankHistoryProjection) QueryByAccount(index int, limit int) []CrankHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := p.next
	if p.full {
		n = len(p.entries)
	}

	result := make([]CrankHistoryEntry, 0)
	for k := 1; k <= n && len(result) < limit; k++ {
		e := p.entries[(p.next-k+len(p.entries))%len(p.entries)]
		if index < 0 || e.Action.AccountIndex == index {
			result = append(result, e)
		}
	}

	return result
}
