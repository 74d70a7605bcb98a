package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/subscription"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory transaction log for demo/development mode.
// Atomicity of balance updates comes from the subscription store's Mutate
// primitive: the entry is appended inside the per-subscription critical
// section, so the snapshot, the balance change, and the log entry commit
// together.
type MemoryStore struct {
	subs    *subscription.MemoryStore
	mu      sync.RWMutex
	entries map[string][]*Transaction // subscriptionID -> log
}

// NewMemoryStore creates an in-memory ledger store on top of the given
// subscription store.
func NewMemoryStore(subs *subscription.MemoryStore) *MemoryStore {
	return &MemoryStore{
		subs:    subs,
		entries: make(map[string][]*Transaction),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, entry *Transaction) (*Transaction, error) {
	err := m.subs.Mutate(ctx, entry.SubscriptionID, func(sub *subscription.Subscription) error {
		if err := applyBalances(sub, entry); err != nil {
			return err
		}
		entry.CreatedAt = time.Now()

		m.mu.Lock()
		m.entries[entry.SubscriptionID] = append(m.entries[entry.SubscriptionID], entry)
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *MemoryStore) History(ctx context.Context, subscriptionID string, p pagination.Params) ([]*Transaction, int64, error) {
	m.mu.RLock()
	log := m.entries[subscriptionID]
	all := make([]*Transaction, len(log))
	for i, e := range log {
		cp := *e
		all[i] = &cp
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Seq > all[j].Seq })

	total := int64(len(all))
	start := p.Offset()
	if start >= len(all) {
		return []*Transaction{}, total, nil
	}
	end := start + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *MemoryStore) Aggregates(ctx context.Context, subscriptionID string) (*Aggregates, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := &Aggregates{}
	for _, e := range m.entries[subscriptionID] {
		switch e.Type {
		case TypeCredit, TypeBonus, TypeRefund, TypeReset:
			agg.TotalCredited += e.Amount
		case TypeDebit, TypeRevoke:
			agg.TotalDebited += e.Amount
		}
		agg.Count++
	}
	return agg, nil
}
