package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	byKey   map[string]*Entry
	ordered []*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Entry)}
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := e.Key.String()
	if _, ok := m.byKey[k]; ok {
		return false, nil
	}
	stored := *e
	m.byKey[k] = &stored
	m.ordered = append(m.ordered, &stored)
	return true, nil
}

func (m *MemoryStore) Exists(_ context.Context, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.byKey[key.String()]
	return ok, nil
}

func (m *MemoryStore) Complete(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byKey[e.Key.String()]
	if !ok || stored.ID != e.ID {
		return ErrNotFound
	}
	switch stored.Status {
	case e.Status:
		return nil
	case StatusPending:
		*stored = *e
		return nil
	default:
		return ErrTerminalConflict
	}
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range m.ordered {
		if Matches(e, f) {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return Paginate(out, f), nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ordered)
}

// Matches reports whether e satisfies f.
func Matches(e *Entry, f Filter) bool {
	if f.UserID != nil && e.UserID != *f.UserID {
		return false
	}
	if f.SubscriptionID != nil && e.SubscriptionID != *f.SubscriptionID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Paginate applies f's offset and limit to entries.
func Paginate(entries []Entry, f Filter) []Entry {
	if f.Offset >= len(entries) {
		return []Entry{}
	}
	entries = entries[f.Offset:]
	if f.Limit > 0 && f.Limit < len(entries) {
		entries = entries[:f.Limit]
	}
	return entries
}
