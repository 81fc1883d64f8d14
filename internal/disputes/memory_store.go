package disputes

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byEscrow map[string]string
	votes    map[string][]*Vote
}

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byEscrow: make(map[string]string),
		votes:    make(map[string][]*Vote),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEscrow[d.EscrowID]; ok {
		return ErrDisputeExists
	}
	m.disputes[d.ID] = cloneDispute(d)
	m.byEscrow[d.EscrowID] = d.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) GetByEscrow(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(m.disputes[id]), nil
}

func (m *MemoryStore) Discard(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil
	}
	if d.Status != StatusOpen || len(m.votes[id]) > 0 {
		return errNotDiscardable
	}
	delete(m.disputes, id)
	delete(m.byEscrow, d.EscrowID)
	return nil
}

func (m *MemoryStore) AddVote(_ context.Context, v *Vote) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[v.DisputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}
	for _, existing := range m.votes[v.DisputeID] {
		if existing.ArbiterID == v.ArbiterID {
			return nil, ErrAlreadyVoted
		}
	}
	cp := *v
	m.votes[v.DisputeID] = append(m.votes[v.DisputeID], &cp)
	if v.FavorSource {
		d.VotesForSource++
	} else {
		d.VotesForDestination++
	}
	d.UpdatedAt = v.CreatedAt
	return cloneDispute(d), nil
}

func (m *MemoryStore) ListVotes(_ context.Context, disputeID string) ([]*Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Vote, 0, len(m.votes[disputeID]))
	for _, v := range m.votes[disputeID] {
		cp := *v
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, outcome Outcome, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}
	d.Status = StatusResolved
	d.Outcome = outcome
	d.ResolvedAt = &at
	d.UpdatedAt = at
	return cloneDispute(d), nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, id string, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != StatusResolved {
		return nil, ErrNotResolved
	}
	if d.SettledAt == nil {
		d.SettledAt = &at
		d.UpdatedAt = at
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) ListUnsettled(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusResolved && d.SettledAt == nil {
			result = append(result, cloneDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResolvedAt.Before(*result[j].ResolvedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Arbiters = slices.Clone(d.Arbiters)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
