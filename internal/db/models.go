package db

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/subscription"
)

// subscriptionColumns is the select list scanSubscription expects, for a
// subscriptions table aliased as s.
const subscriptionColumns = `
	s.id, s.user_id, s.name, s.price::text, s.currency, s.frequency,
	s.category, s.payment_method, s.status, s.start_date, s.end_date,
	s.created_at, s.updated_at`

// ownerColumns follows subscriptionColumns in joined queries, for users aliased as u.
const ownerColumns = `
	u.id, u.name, u.email, COALESCE(u.phone, ''), u.notification_preferences`

// subscriptionFields returns scan targets matching subscriptionColumns. The
// returned func finishes decoding once Scan has run.
func subscriptionFields(s *subscription.Subscription) ([]any, func() error) {
	var price string
	fields := []any{
		&s.ID, &s.UserID, &s.Name, &price, &s.Currency, &s.Frequency,
		&s.Category, &s.PaymentMethod, &s.Status, &s.StartDate, &s.EndDate,
		&s.CreatedAt, &s.UpdatedAt,
	}
	return fields, func() error {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("parse price %q: %w", price, err)
		}
		s.Price = p
		return nil
	}
}

func ownerFields(o *subscription.Owner) ([]any, func() error) {
	var prefs []byte
	fields := []any{&o.ID, &o.Name, &o.Email, &o.Phone, &prefs}
	return fields, func() error {
		o.Preferences = decodePreferences(prefs)
		return nil
	}
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var s subscription.Subscription
	fields, finish := subscriptionFields(&s)
	if err := row.Scan(fields...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanOwned(row pgx.Row) (subscription.Owned, error) {
	var o subscription.Owned
	subFields, finishSub := subscriptionFields(&o.Subscription)
	ownFields, finishOwner := ownerFields(&o.Owner)
	if err := row.Scan(append(subFields, ownFields...)...); err != nil {
		return o, err
	}
	if err := finishSub(); err != nil {
		return o, err
	}
	return o, finishOwner()
}

// decodePreferences tolerates empty and malformed documents; the resolver
// falls back to defaults for anything missing.
func decodePreferences(raw []byte) preferences.Stored {
	var p preferences.Stored
	if len(raw) == 0 {
		return p
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return preferences.Stored{}
	}
	return p
}

func encodePreferences(p preferences.Stored) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	return data, nil
}
