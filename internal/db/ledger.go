package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/ledger"
)

// LedgerRepository stores ledger entries in notification_log. The unique
// index on the entry key makes Insert the atomic check-and-create.
type LedgerRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, logger: logger}
}

var _ ledger.Store = (*LedgerRepository)(nil)

const entryColumns = `
	id, user_id, subscription_id, channel, days_before, scheduled_at,
	label, status, response, COALESCE(error, ''), sent_at, created_at, updated_at`

func (r *LedgerRepository) Insert(ctx context.Context, e *ledger.Entry) (bool, error) {
	query := `
		INSERT INTO notification_log (
			id, user_id, subscription_id, channel, days_before, scheduled_at,
			label, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (user_id, subscription_id, channel, days_before, scheduled_at) DO NOTHING
		RETURNING id
	`

	var id uuid.UUID
	err := r.db.Pool().QueryRow(ctx, query,
		e.ID,
		e.UserID,
		e.SubscriptionID,
		e.Channel,
		e.DaysBefore,
		e.ScheduledAt,
		e.Label,
		e.Status,
		e.CreatedAt,
		e.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	return true, nil
}

func (r *LedgerRepository) Exists(ctx context.Context, key ledger.Key) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_log
			WHERE user_id = $1 AND subscription_id = $2 AND channel = $3
			  AND days_before = $4 AND scheduled_at = $5
		)
	`
	var exists bool
	err := r.db.Pool().QueryRow(ctx, query,
		key.UserID, key.SubscriptionID, key.Channel, key.DaysBefore, key.ScheduledAt,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger entry: %w", err)
	}
	return exists, nil
}

// Complete only moves pending rows. When nothing matched, the stored status
// decides between a no-op, a conflict and not found.
func (r *LedgerRepository) Complete(ctx context.Context, e *ledger.Entry) error {
	query := `
		UPDATE notification_log
		SET status = $2, response = $3, error = NULLIF($4, ''), sent_at = $5, updated_at = $6
		WHERE id = $1 AND status = 'pending'
	`

	var response []byte
	if len(e.Response) > 0 {
		response = e.Response
	}

	result, err := r.db.Pool().Exec(ctx, query, e.ID, e.Status, response, e.Error, e.SentAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("complete ledger entry: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var current ledger.Status
	err = r.db.Pool().QueryRow(ctx, `SELECT status FROM notification_log WHERE id = $1`, e.ID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ledger.ErrNotFound
	case err != nil:
		return fmt.Errorf("read ledger entry status: %w", err)
	case current == e.Status:
		return nil
	default:
		return ledger.ErrTerminalConflict
	}
}

func (r *LedgerRepository) List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	query, args := listQuery(f)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list ledger entries", zap.Error(err))
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		var e ledger.Entry
		var response []byte
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.SubscriptionID,
			&e.Channel,
			&e.DaysBefore,
			&e.ScheduledAt,
			&e.Label,
			&e.Status,
			&response,
			&e.Error,
			&e.SentAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if len(response) > 0 {
			e.Response = response
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// listQuery builds the filtered, newest-first ledger query.
func listQuery(f ledger.Filter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.SubscriptionID != nil {
		add("subscription_id = $%d", *f.SubscriptionID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	var b strings.Builder
	b.WriteString("SELECT")
	b.WriteString(entryColumns)
	b.WriteString("\n\tFROM notification_log")
	if len(where) > 0 {
		b.WriteString("\n\tWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\n\tORDER BY created_at DESC, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, "\n\tLIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
