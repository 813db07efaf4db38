package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/subscription"
)

// SubscriptionRepository handles database operations for subscriptions
type SubscriptionRepository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// ListActiveSubscriptions returns active subscriptions ending at or after
// endingAfter, joined with their owners. Stored status is returned as is, so a
// subscription renewing today is still listed until the next save expires it.
func (r *SubscriptionRepository) ListActiveSubscriptions(ctx context.Context, endingAfter time.Time) ([]subscription.Owned, error) {
	query := `
		SELECT ` + subscriptionColumns + `, ` + ownerColumns + `
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.status = $1 AND s.end_date >= $2
		ORDER BY s.end_date, s.id
	`

	rows, err := r.db.Pool().Query(ctx, query, subscription.StatusActive, endingAfter)
	if err != nil {
		r.logger.Error("failed to list active subscriptions", zap.Error(err))
		return nil, fmt.Errorf("query active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscription.Owned
	for rows.Next() {
		owned, err := scanOwned(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, owned)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

// GetSubscription retrieves a subscription by ID with its status derived as of now.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions s WHERE s.id = $1`

	s, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get subscription",
			zap.Error(err),
			zap.String("subscription_id", id.String()),
		)
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	s.Status = subscription.DeriveStatus(*s, r.now())
	return s, nil
}

// SaveSubscription validates and upserts s. A subscription whose end date has
// passed is stored as expired.
func (r *SubscriptionRepository) SaveSubscription(ctx context.Context, s *subscription.Subscription) error {
	s.Status = subscription.DeriveStatus(*s, r.now())
	if err := s.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (
			id, user_id, name, price, currency, frequency,
			category, payment_method, status, start_date, end_date
		) VALUES (
			$1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			frequency = EXCLUDED.frequency,
			category = EXCLUDED.category,
			payment_method = EXCLUDED.payment_method,
			status = EXCLUDED.status,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.UserID,
		s.Name,
		s.Price.String(),
		s.Currency,
		s.Frequency,
		s.Category,
		s.PaymentMethod,
		s.Status,
		s.StartDate,
		s.EndDate,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to save subscription",
			zap.Error(err),
			zap.String("subscription_id", s.ID.String()),
		)
		return fmt.Errorf("upsert subscription: %w", err)
	}

	r.logger.Info("subscription saved",
		zap.String("subscription_id", s.ID.String()),
		zap.String("user_id", s.UserID.String()),
		zap.String("status", string(s.Status)),
		zap.Time("end_date", s.EndDate),
	)
	return nil
}

// UserRepository handles database operations for users and their preferences
type UserRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

// CreateUser inserts a user with their stored preferences.
func (r *UserRepository) CreateUser(ctx context.Context, u *subscription.Owner) error {
	prefs, err := encodePreferences(u.Preferences)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (id, name, email, phone, notification_preferences)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`
	if _, err := r.db.Pool().Exec(ctx, query, u.ID, u.Name, u.Email, u.Phone, prefs); err != nil {
		r.logger.Error("failed to create user", zap.Error(err), zap.String("user_id", u.ID.String()))
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (r *UserRepository) GetUser(ctx context.Context, id uuid.UUID) (*subscription.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM users u WHERE u.id = $1`

	var o subscription.Owner
	fields, finish := ownerFields(&o)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(fields...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get user", zap.Error(err), zap.String("user_id", id.String()))
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdatePreferences replaces the stored notification preferences of a user.
func (r *UserRepository) UpdatePreferences(ctx context.Context, id uuid.UUID, p preferences.Stored) error {
	prefs, err := encodePreferences(p)
	if err != nil {
		return err
	}

	query := `
		UPDATE users
		SET notification_preferences = $1, updated_at = NOW()
		WHERE id = $2
	`
	result, err := r.db.Pool().Exec(ctx, query, prefs, id)
	if err != nil {
		r.logger.Error("failed to update preferences", zap.Error(err), zap.String("user_id", id.String()))
		return fmt.Errorf("update preferences: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}

	r.logger.Info("notification preferences updated", zap.String("user_id", id.String()))
	return nil
}
