package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/ledger"
	"github.com/lalithlochan/renewd/internal/preferences"
)

func newTestLedger(t *testing.T, retention time.Duration) (*ledger.Ledger, *LedgerStore) {
	t.Helper()
	client, _ := setupTestRedis(t)
	store := NewLedgerStore(client, zap.NewNop(), retention)
	return ledger.New(store, zap.NewNop()), store
}

func renewalKey(days int) ledger.Key {
	return ledger.NewKey(uuid.New(), uuid.New(), preferences.ChannelEmail, days,
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
}

func TestLedgerStore_OpenOnce(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	key := renewalKey(7)

	entry, err := l.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if entry.Status != ledger.StatusPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}

	if _, err := l.Open(ctx, key); !errors.Is(err, ledger.ErrAlreadyAttempted) {
		t.Fatalf("expected ErrAlreadyAttempted, got %v", err)
	}

	exists, err := l.Exists(ctx, key)
	if err != nil || !exists {
		t.Fatalf("expected entry to exist, got %v, %v", exists, err)
	}
}

func TestLedgerStore_ConcurrentOpen(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	key := renewalKey(1)

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Open(ctx, key); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly one entry, got %d", created.Load())
	}
}

func TestLedgerStore_Complete(t *testing.T) {
	l, store := newTestLedger(t, 0)
	ctx := context.Background()

	sent, _ := l.Open(ctx, renewalKey(7))
	if err := l.MarkSent(ctx, sent, json.RawMessage(`{"provider":"ses","message_id":"abc"}`)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	// A stale copy of the same entry cannot flip it to failed.
	stale := *sent
	stale.Status = ledger.StatusPending
	if err := l.MarkFailed(ctx, &stale, "timeout"); !errors.Is(err, ledger.ErrTerminalConflict) {
		t.Fatalf("expected ErrTerminalConflict, got %v", err)
	}

	// Completing twice with the same outcome is a no-op.
	again := *sent
	again.Status = ledger.StatusPending
	if err := l.MarkSent(ctx, &again, nil); err != nil {
		t.Fatalf("repeat mark sent: %v", err)
	}

	failed, _ := l.Open(ctx, renewalKey(2))
	if err := l.MarkFailed(ctx, failed, "SMS destination number is required"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	missing := ledger.Entry{ID: uuid.New(), Key: renewalKey(5), Status: ledger.StatusSent}
	if err := store.Complete(ctx, &missing); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entries, err := l.List(ctx, ledger.Filter{Status: ledger.StatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Error != "SMS destination number is required" {
		t.Fatalf("unexpected failed entries: %+v", entries)
	}
}

func TestLedgerStore_ListFiltersAndPages(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)

	userID := uuid.New()
	for i := 0; i < 5; i++ {
		key := ledger.NewKey(userID, uuid.New(), preferences.ChannelEmail, i, base)
		if _, err := l.Open(ctx, key); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if _, err := l.Open(ctx, renewalKey(7)); err != nil {
		t.Fatalf("open other user: %v", err)
	}

	all, err := l.List(ctx, ledger.Filter{UserID: &userID, Limit: 100})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 entries for user, got %d", len(all))
	}

	page, err := l.List(ctx, ledger.Filter{UserID: &userID, Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 entry on last page, got %d", len(page))
	}
}

func TestLedgerStore_Retention(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := ledger.New(NewLedgerStore(client, zap.NewNop(), 24*time.Hour), zap.NewNop())
	ctx := context.Background()
	key := renewalKey(7)

	entry, _ := l.Open(ctx, key)
	mr.FastForward(time.Hour)
	if err := l.MarkSent(ctx, entry, nil); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if ttl := mr.TTL(ledgerKey(key)); ttl != 23*time.Hour {
		t.Fatalf("completion should keep the original TTL, got %s", ttl)
	}

	mr.FastForward(24 * time.Hour)
	if exists, _ := l.Exists(ctx, key); exists {
		t.Fatal("entry should have expired")
	}
}

func TestLedgerStore_Unavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := ledger.New(NewLedgerStore(client, zap.NewNop(), 0), zap.NewNop())
	mr.Close()

	_, err := l.Open(context.Background(), renewalKey(7))
	if !errors.Is(err, ledger.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
}

func TestTickLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()
	a := NewTickLock(client, zap.NewNop(), "scheduler", time.Minute)
	b := NewTickLock(client, zap.NewNop(), "scheduler", time.Minute)

	unlock, ok, err := a.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first lock should succeed: %v, %v", ok, err)
	}
	if _, ok, _ := b.TryLock(ctx); ok {
		t.Fatal("second lock should fail while held")
	}

	unlock()
	unlockB, ok, err := b.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("lock should be free after unlock: %v, %v", ok, err)
	}

	// An expired holder must not release a lock it no longer owns.
	mr.FastForward(2 * time.Minute)
	unlockA, ok, _ := a.TryLock(ctx)
	if !ok {
		t.Fatal("lock should be free after TTL")
	}
	unlockB()
	if !mr.Exists(keyPrefix + "lock:scheduler") {
		t.Fatal("stale unlock removed the current holder's lock")
	}
	unlockA()
	if mr.Exists(fmt.Sprintf("%slock:%s", keyPrefix, "scheduler")) {
		t.Fatal("lock should be released")
	}
}
