package arbitrage

import (
	"sync"

	"github.com/coinalpha/hbot/internal/domain"
)

// Registry keeps a bounded ring of recently detected opportunities so the
// status API and operators can see what the detector found, including
// opportunities that were never executed.
type Registry struct {
	mu   sync.RWMutex
	ring []domain.ArbOpportunity
	next int
	full bool
}

// NewRegistry returns a registry holding up to capacity opportunities.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 200
	}
	return &Registry{ring: make([]domain.ArbOpportunity, capacity)}
}

// Record stores an opportunity, evicting the oldest once full.
func (r *Registry) Record(opp domain.ArbOpportunity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = opp
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
}

// MarkExecuted flags the stored opportunity with the given id.
func (r *Registry) MarkExecuted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.ring {
		if r.ring[i].ID == id {
			r.ring[i].Executed = true
			return
		}
	}
}

// Recent returns up to limit opportunities, newest first.
func (r *Registry) Recent(limit int) []domain.ArbOpportunity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]domain.ArbOpportunity, 0, limit)
	for i := 0; i < limit; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.ring)
		}
		out = append(out, r.ring[idx])
	}
	return out
}
