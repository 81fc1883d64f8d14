package escrow

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rentvault/rentvault/internal/payments"
)

// MemoryStore is an in-memory escrow store for development mode. Settlement
// records are finalized through records while the escrow lock is held, so
// readers never see one without the other.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	records payments.Store
}

// NewMemoryStore creates an in-memory escrow store that finalizes settlement
// records in records.
func NewMemoryStore(records payments.Store) *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		records: records,
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow, fund *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fund != nil {
		if _, err := m.records.Finalize(ctx, fund.RecordID, fund.Outcome); err != nil {
			return err
		}
	}
	m.escrows[e.ID] = cloneEscrow(e)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if f.PublicKey != "" && e.Source != f.PublicKey && e.Destination != f.PublicKey {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		result = append(result, cloneEscrow(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, after *ExpiryMark, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusActive && e.Status != StatusExpired {
			continue
		}
		if e.ExpiresAt != nil && e.ExpiresAt.Before(before) && after.passed(e) {
			result = append(result, cloneEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(*result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, t Transition) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !slices.Contains(t.From, e.Status) {
		if e.Status.IsTerminal() {
			return nil, ErrAlreadyResolved
		}
		return nil, ErrInvalidStatus
	}
	if t.Settlement != nil {
		if _, err := m.records.Finalize(ctx, t.Settlement.RecordID, t.Settlement.Outcome); err != nil {
			return nil, err
		}
	}
	applyTransition(e, t)
	return cloneEscrow(e), nil
}

// applyTransition sets the status and the fields that go with it.
func applyTransition(e *Escrow, t Transition) {
	e.Status = t.To
	e.UpdatedAt = t.At
	switch t.To {
	case StatusReleased:
		at := t.At
		e.ReleasedAt = &at
		e.ReleaseTxHash = t.TxHash
	case StatusRefunded:
		at := t.At
		e.RefundedAt = &at
		e.RefundTxHash = t.TxHash
		e.RefundReason = t.RefundReason
	}
	if t.DisputeID != "" {
		e.DisputeID = t.DisputeID
	}
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Quorum != nil {
		q := *e.Quorum
		q.Signers = slices.Clone(e.Quorum.Signers)
		cp.Quorum = &q
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
