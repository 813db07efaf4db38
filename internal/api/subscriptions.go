package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/subscription"
)

// CreateSubscriptionRequest is the body of POST /v1/subscriptions.
// An omitted end date is derived from the start date and frequency.
type CreateSubscriptionRequest struct {
	UserID        uuid.UUID       `json:"user_id" validate:"required"`
	Name          string          `json:"name" validate:"required,min=2,max=100"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`
	Frequency     string          `json:"frequency" validate:"omitempty,oneof=daily weekly monthly yearly"`
	Category      string          `json:"category"`
	PaymentMethod string          `json:"payment_method"`
	StartDate     time.Time       `json:"start_date" validate:"required"`
	EndDate       *time.Time      `json:"end_date"`
}

// UpdateSubscriptionRequest is the body of PATCH /v1/subscriptions/{id}.
type UpdateSubscriptionRequest struct {
	Name          *string          `json:"name" validate:"omitempty,min=2,max=100"`
	Price         *decimal.Decimal `json:"price"`
	Currency      *string          `json:"currency" validate:"omitempty,len=3"`
	Frequency     *string          `json:"frequency" validate:"omitempty,oneof=daily weekly monthly yearly"`
	Category      *string          `json:"category"`
	PaymentMethod *string          `json:"payment_method"`
	StartDate     *time.Time       `json:"start_date"`
	EndDate       *time.Time       `json:"end_date"`
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.deps.Users.GetUser(r.Context(), req.UserID); err != nil {
		h.storeError(w, err, "user", "Failed to get user")
		return
	}

	s := subscription.New(subscription.Input{
		UserID:        req.UserID,
		Name:          req.Name,
		Price:         req.Price,
		Currency:      req.Currency,
		Frequency:     subscription.Frequency(req.Frequency),
		Category:      req.Category,
		PaymentMethod: req.PaymentMethod,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	}, h.now())

	if err := h.deps.Subscriptions.SaveSubscription(r.Context(), &s); err != nil {
		h.storeError(w, err, "subscription", "Failed to create subscription")
		return
	}

	h.logger.Info("subscription created",
		zap.String("subscription_id", s.ID.String()),
		zap.String("user_id", s.UserID.String()),
		zap.Time("end_date", s.EndDate),
	)
	w.Header().Set("Location", "/v1/subscriptions/"+s.ID.String())
	h.writeJSON(w, http.StatusCreated, s)
}

// GetSubscription handles GET /v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "subscription")
	if !ok {
		return
	}

	s, err := h.deps.Subscriptions.GetSubscription(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "subscription", "Failed to get subscription")
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

// UpdateSubscription handles PATCH /v1/subscriptions/{id}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "subscription")
	if !ok {
		return
	}

	var req UpdateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd := subscription.Update{
		Name:          req.Name,
		Price:         req.Price,
		Currency:      req.Currency,
		Category:      req.Category,
		PaymentMethod: req.PaymentMethod,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	}
	if req.Frequency != nil {
		f := subscription.Frequency(*req.Frequency)
		upd.Frequency = &f
	}

	h.mutate(w, r, id, "Failed to update subscription", func(s subscription.Subscription) subscription.Subscription {
		return subscription.ApplyUpdate(s, upd, h.now())
	})
}

// RenewSubscription handles POST /v1/subscriptions/{id}/renew
func (h *Handler) RenewSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "subscription")
	if !ok {
		return
	}
	h.mutate(w, r, id, "Failed to renew subscription", func(s subscription.Subscription) subscription.Subscription {
		return subscription.Renew(s, h.now())
	})
}

// CancelSubscription handles POST /v1/subscriptions/{id}/cancel
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "subscription")
	if !ok {
		return
	}
	h.mutate(w, r, id, "Failed to cancel subscription", subscription.Cancel)
}

// mutate loads the subscription, applies fn and saves the result.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, id uuid.UUID, title string, fn func(subscription.Subscription) subscription.Subscription) {
	current, err := h.deps.Subscriptions.GetSubscription(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "subscription", title)
		return
	}

	next := fn(*current)
	next.UpdatedAt = h.now()
	if err := h.deps.Subscriptions.SaveSubscription(r.Context(), &next); err != nil {
		h.storeError(w, err, "subscription", title)
		return
	}

	h.logger.Info("subscription changed",
		zap.String("subscription_id", id.String()),
		zap.String("status", string(next.Status)),
		zap.Time("end_date", next.EndDate),
	)
	h.writeJSON(w, http.StatusOK, next)
}
