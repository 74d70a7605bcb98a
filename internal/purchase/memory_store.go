package purchase

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory intent store for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	intents map[string]*Intent // id -> intent
	byOrder map[string]string  // gateway order id -> intent id
}

// NewMemoryStore creates a new in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, intent *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *intent
	m.intents[intent.ID] = &cp
	m.byOrder[intent.GatewayOrderID] = intent.ID
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (m *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByOrderLocked(orderID)
}

func (m *MemoryStore) getByOrderLocked(orderID string) (*Intent, error) {
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *m.intents[id]
	return &cp, nil
}

func (m *MemoryStore) MarkVerified(ctx context.Context, orderID, paymentID string) (*Intent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, false, ErrIntentNotFound
	}
	intent := m.intents[id]

	if intent.Status != StatusCreated && intent.Status != StatusAuthorized {
		cp := *intent
		return &cp, false, nil
	}

	now := time.Now()
	intent.Status = StatusVerified
	intent.GatewayPaymentID = paymentID
	intent.VerifiedAt = now
	intent.UpdatedAt = now

	cp := *intent
	return &cp, true, nil
}

func (m *MemoryStore) Update(ctx context.Context, intent *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[intent.ID]; !ok {
		return ErrIntentNotFound
	}
	cp := *intent
	cp.UpdatedAt = time.Now()
	m.intents[intent.ID] = &cp
	return nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := []*Intent{}
	for _, intent := range m.intents {
		if !intent.Finalized() && intent.CreatedAt.Before(cutoff) {
			cp := *intent
			stale = append(stale, &cp)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
