package subscription

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory subscription store for demo/development mode.
//
// Besides the Store interface it exposes Mutate, the locked read-modify-write
// primitive the in-memory ledger store builds its atomic balance updates on.
type MemoryStore struct {
	subs   map[string]*Subscription // id -> record
	active map[string]string        // sellerID -> active subscription id
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:   make(map[string]*Subscription),
		active: make(map[string]string),
	}
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetCurrent(ctx context.Context, sellerID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[sellerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.subs[id]
	return &cp, nil
}

func (m *MemoryStore) Assign(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prevID, ok := m.active[sub.SellerID]; ok {
		prev := m.subs[prevID]
		prev.Status = StatusCancelled
		prev.Version++
		prev.UpdatedAt = time.Now()
	}

	cp := *sub
	m.subs[sub.ID] = &cp
	m.active[sub.SellerID] = sub.ID
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != sub.Version {
		return ErrVersionConflict
	}

	cp := *sub
	cp.Version++
	cp.UpdatedAt = time.Now()
	m.subs[sub.ID] = &cp

	if cp.Status != StatusActive && m.active[cp.SellerID] == cp.ID {
		delete(m.active, cp.SellerID)
	}
	return nil
}

func (m *MemoryStore) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, sub := range m.subs {
		if count >= limit {
			break
		}
		if sub.Status == StatusActive && !sub.EndDate.IsZero() && !now.Before(sub.EndDate) {
			sub.Status = StatusExpired
			sub.Version++
			sub.UpdatedAt = now
			if m.active[sub.SellerID] == sub.ID {
				delete(m.active, sub.SellerID)
			}
			count++
		}
	}
	return count, nil
}

// Mutate runs fn against the record for id under the store lock: the read,
// fn's changes, and the write-back commit as one step relative to every
// other store operation, so a concurrent Assign or ExpireDue can never be
// overwritten by a stale copy. fn works on a copy; any error discards its
// changes.
func (m *MemoryStore) Mutate(ctx context.Context, id string, fn func(*Subscription) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}

	cp := *sub
	if err := fn(&cp); err != nil {
		return err
	}
	cp.Version++
	cp.UpdatedAt = time.Now()
	m.subs[id] = &cp
	return nil
}
