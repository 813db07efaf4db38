// Package subscription holds the subscription model and its renewal lifecycle rules.
package subscription

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Frequency is a billing cadence.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// Status is the stored lifecycle state of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusCanceled Status = "canceled"
	StatusPaused   Status = "paused"
	StatusExpired  Status = "expired"
)

// Currency constants
const (
	CurrencyUSD = "USD"
	CurrencyEUR = "EUR"
	CurrencyGBP = "GBP"
	CurrencyJPY = "JPY"
	CurrencyETB = "ETB"
)

var (
	currencies     = []string{CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyJPY, CurrencyETB}
	categories     = []string{"entertainment", "productivity", "education", "health", "other"}
	paymentMethods = []string{"credit_card", "debit_card", "paypal", "bank_transfer", "other"}
	statuses       = []Status{StatusActive, StatusInactive, StatusCanceled, StatusPaused, StatusExpired}
	frequencies    = []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly}
)

// ErrInvalidSubscription is wrapped by every Validate failure.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Subscription is a recurring charge owned by a single user.
type Subscription struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	Frequency     Frequency       `json:"frequency"`
	Category      string          `json:"category"`
	PaymentMethod string          `json:"payment_method"`
	Status        Status          `json:"status"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PeriodDays returns the fixed length of one billing period.
// Months are 30 days and years 365; unknown frequencies count as monthly.
func PeriodDays(f Frequency) int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyYearly:
		return 365
	default:
		return 30
	}
}

// ComputeEndDate returns existing when set, otherwise start plus one period.
func ComputeEndDate(start time.Time, f Frequency, existing *time.Time) time.Time {
	if existing != nil && !existing.IsZero() {
		return *existing
	}
	return start.AddDate(0, 0, PeriodDays(f))
}

// DeriveStatus reports expired once the end date has passed, otherwise the stored status.
func DeriveStatus(s Subscription, now time.Time) Status {
	if s.EndDate.Before(now) {
		return StatusExpired
	}
	return s.Status
}

// Renew starts a new period. A lapsed subscription restarts from now,
// a current one is extended by one period from its end date.
func Renew(s Subscription, now time.Time) Subscription {
	days := PeriodDays(s.Frequency)
	if s.EndDate.Before(now) {
		s.StartDate = now
		s.EndDate = now.AddDate(0, 0, days)
	} else {
		s.EndDate = s.EndDate.AddDate(0, 0, days)
	}
	s.Status = StatusActive
	return s
}

// Cancel marks the subscription canceled and leaves its dates alone.
func Cancel(s Subscription) Subscription {
	s.Status = StatusCanceled
	return s
}

// Input carries the caller-supplied fields for a new subscription.
type Input struct {
	UserID        uuid.UUID
	Name          string
	Price         decimal.Decimal
	Currency      string
	Frequency     Frequency
	Category      string
	PaymentMethod string
	Status        Status
	StartDate     time.Time
	EndDate       *time.Time
}

// New builds a subscription from input, filling defaults and the derived end date.
func New(in Input, now time.Time) Subscription {
	s := Subscription{
		ID:            uuid.New(),
		UserID:        in.UserID,
		Name:          strings.TrimSpace(in.Name),
		Price:         in.Price,
		Currency:      strings.ToUpper(in.Currency),
		Frequency:     Frequency(strings.ToLower(string(in.Frequency))),
		Category:      strings.ToLower(in.Category),
		PaymentMethod: strings.ToLower(in.PaymentMethod),
		Status:        Status(strings.ToLower(string(in.Status))),
		StartDate:     in.StartDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.Currency == "" {
		s.Currency = CurrencyUSD
	}
	if s.Frequency == "" {
		s.Frequency = FrequencyMonthly
	}
	if s.Category == "" {
		s.Category = "other"
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	s.EndDate = ComputeEndDate(s.StartDate, s.Frequency, in.EndDate)
	return s
}

// Update is a partial change to an existing subscription. Nil fields are left as is.
type Update struct {
	Name          *string
	Price         *decimal.Decimal
	Currency      *string
	Frequency     *Frequency
	Category      *string
	PaymentMethod *string
	StartDate     *time.Time
	EndDate       *time.Time
}

// ApplyUpdate merges u into s. The end date is recomputed when the start
// date or frequency changes and no explicit end date is given.
func ApplyUpdate(s Subscription, u Update, now time.Time) Subscription {
	recompute := false
	if u.Name != nil {
		s.Name = strings.TrimSpace(*u.Name)
	}
	if u.Price != nil {
		s.Price = *u.Price
	}
	if u.Currency != nil {
		s.Currency = strings.ToUpper(*u.Currency)
	}
	if u.Frequency != nil && *u.Frequency != s.Frequency {
		s.Frequency = Frequency(strings.ToLower(string(*u.Frequency)))
		recompute = true
	}
	if u.Category != nil {
		s.Category = strings.ToLower(*u.Category)
	}
	if u.PaymentMethod != nil {
		s.PaymentMethod = strings.ToLower(*u.PaymentMethod)
	}
	if u.StartDate != nil && !u.StartDate.Equal(s.StartDate) {
		s.StartDate = *u.StartDate
		recompute = true
	}
	switch {
	case u.EndDate != nil:
		s.EndDate = *u.EndDate
	case recompute:
		s.EndDate = ComputeEndDate(s.StartDate, s.Frequency, nil)
	}
	s.UpdatedAt = now
	return s
}

// Validate checks enum membership and field bounds.
func (s Subscription) Validate() error {
	if n := len([]rune(s.Name)); n < 2 || n > 100 {
		return fmt.Errorf("%w: name must be 2-100 characters", ErrInvalidSubscription)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidSubscription)
	}
	if !slices.Contains(currencies, s.Currency) {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidSubscription, s.Currency)
	}
	if !slices.Contains(frequencies, s.Frequency) {
		return fmt.Errorf("%w: unsupported frequency %q", ErrInvalidSubscription, s.Frequency)
	}
	if !slices.Contains(categories, s.Category) {
		return fmt.Errorf("%w: unsupported category %q", ErrInvalidSubscription, s.Category)
	}
	if s.PaymentMethod != "" && !slices.Contains(paymentMethods, s.PaymentMethod) {
		return fmt.Errorf("%w: unsupported payment method %q", ErrInvalidSubscription, s.PaymentMethod)
	}
	if !slices.Contains(statuses, s.Status) {
		return fmt.Errorf("%w: unsupported status %q", ErrInvalidSubscription, s.Status)
	}
	if s.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidSubscription)
	}
	return nil
}
