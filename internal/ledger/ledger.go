// Package ledger records every reminder attempt so the same reminder is
// never sent twice for the same renewal date.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/preferences"
)

// Status is the delivery state of a ledger entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

var (
	// ErrAlreadyAttempted means an entry of any status exists for the key.
	ErrAlreadyAttempted = errors.New("reminder already attempted")

	// ErrLedgerUnavailable wraps storage failures. No entry is left behind by a failed Open.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrTerminalConflict means an entry already reached the opposite terminal state.
	ErrTerminalConflict = errors.New("ledger entry already in a different terminal state")

	// ErrNotFound is returned by stores when an entry id is unknown.
	ErrNotFound = errors.New("ledger entry not found")
)

// Key identifies one reminder: a user, a subscription, a channel, an offset
// and the renewal date the reminder refers to.
type Key struct {
	UserID         uuid.UUID           `json:"user_id"`
	SubscriptionID uuid.UUID           `json:"subscription_id"`
	Channel        preferences.Channel `json:"channel"`
	DaysBefore     int                 `json:"days_before"`
	ScheduledAt    time.Time           `json:"scheduled_at"`
}

// NewKey builds a key with ScheduledAt normalized to UTC microseconds, the
// precision Postgres keeps, so keys compare equal across stores.
func NewKey(userID, subscriptionID uuid.UUID, channel preferences.Channel, daysBefore int, scheduledAt time.Time) Key {
	return Key{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Channel:        channel,
		DaysBefore:     daysBefore,
		ScheduledAt:    scheduledAt.UTC().Truncate(time.Microsecond),
	}
}

// String renders the key in a stable form usable as a storage key.
func (k Key) String() string {
	return strings.Join([]string{
		k.UserID.String(),
		k.SubscriptionID.String(),
		string(k.Channel),
		fmt.Sprintf("%d", k.DaysBefore),
		fmt.Sprintf("%d", k.ScheduledAt.UTC().UnixMicro()),
	}, ":")
}

// Label is the human readable reminder type, e.g. "7 days before reminder".
func Label(daysBefore int) string {
	return fmt.Sprintf("%d days before reminder", daysBefore)
}

// Entry is one reminder attempt.
type Entry struct {
	ID uuid.UUID `json:"id"`
	Key
	Label     string          `json:"label"`
	Status    Status          `json:"status"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID         *uuid.UUID
	SubscriptionID *uuid.UUID
	Status         Status
	Limit          int
	Offset         int
}

// Store persists ledger entries.
type Store interface {
	// Insert creates e unless an entry with the same key exists, in one atomic step.
	// It reports whether the entry was created.
	Insert(ctx context.Context, e *Entry) (bool, error)
	Exists(ctx context.Context, key Key) (bool, error)
	// Complete moves e from pending to its terminal Status. Completing with the
	// status already stored is a no-op; the opposite status is ErrTerminalConflict.
	Complete(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Ledger is the dedup ledger used by the scheduler.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Exists reports whether any entry exists for key, whatever its status.
func (l *Ledger) Exists(ctx context.Context, key Key) (bool, error) {
	ok, err := l.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return ok, nil
}

// Open atomically checks for and creates a pending entry for key.
// It returns ErrAlreadyAttempted when the key was seen before.
func (l *Ledger) Open(ctx context.Context, key Key) (*Entry, error) {
	now := l.now().UTC()
	e := &Entry{
		ID:        uuid.New(),
		Key:       key,
		Label:     Label(key.DaysBefore),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := l.store.Insert(ctx, e)
	if err != nil {
		l.logger.Error("failed to open ledger entry",
			zap.Error(err),
			zap.String("key", key.String()),
		)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !created {
		return nil, ErrAlreadyAttempted
	}
	return e, nil
}

// MarkSent records a successful delivery.
func (l *Ledger) MarkSent(ctx context.Context, e *Entry, response json.RawMessage) error {
	if e.Status == StatusSent {
		return nil
	}
	if e.Status == StatusFailed {
		return ErrTerminalConflict
	}

	now := l.now().UTC()
	next := *e
	next.Status = StatusSent
	next.Response = response
	next.SentAt = &now
	next.UpdatedAt = now
	return l.complete(ctx, e, &next)
}

// MarkFailed records a failed delivery with its error text.
func (l *Ledger) MarkFailed(ctx context.Context, e *Entry, errText string) error {
	if e.Status == StatusFailed {
		return nil
	}
	if e.Status == StatusSent {
		return ErrTerminalConflict
	}

	next := *e
	next.Status = StatusFailed
	next.Error = errText
	next.UpdatedAt = l.now().UTC()
	return l.complete(ctx, e, &next)
}

func (l *Ledger) complete(ctx context.Context, e, next *Entry) error {
	if err := l.store.Complete(ctx, next); err != nil {
		if errors.Is(err, ErrTerminalConflict) || errors.Is(err, ErrNotFound) {
			return err
		}
		l.logger.Error("failed to complete ledger entry",
			zap.Error(err),
			zap.String("entry_id", e.ID.String()),
			zap.String("status", string(next.Status)),
		)
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	*e = *next
	return nil
}

// List returns entries matching f, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	entries, err := l.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return entries, nil
}
