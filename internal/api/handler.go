package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/db"
	"github.com/lalithlochan/renewd/internal/ledger"
	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/scheduler"
	"github.com/lalithlochan/renewd/internal/subscription"
)

// LedgerLister reads reminder attempts for diagnosis.
type LedgerLister interface {
	List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
}

// TickTrigger starts an out-of-band scheduler tick.
type TickTrigger interface {
	Trigger(ctx context.Context) error
}

// UserStore loads users and persists their notification preferences.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*subscription.Owner, error)
	UpdatePreferences(ctx context.Context, id uuid.UUID, p preferences.Stored) error
}

// SubscriptionStore loads and saves subscriptions.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error)
	SaveSubscription(ctx context.Context, s *subscription.Subscription) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the handler's collaborators. Ready may be nil.
type Deps struct {
	Ledger        LedgerLister
	Scheduler     TickTrigger
	Users         UserStore
	Subscriptions SubscriptionStore
	Defaults      preferences.Effective
	Ready         func(ctx context.Context) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	validate *validator.Validate
	deps     Deps
	now      func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	if len(deps.Defaults.Channels) == 0 {
		deps.Defaults = preferences.Defaults()
	}
	return &Handler{
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		deps:     deps,
		now:      time.Now,
	}
}

// Routes mounts the operator endpoints on r. The middlewares apply to /v1 only,
// so health checks are never rate limited.
func (h *Handler) Routes(r chi.Router, v1 ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/v1", func(r chi.Router) {
		r.Use(v1...)

		r.Get("/ledger", h.ListLedger)
		r.Post("/scheduler/run", h.RunScheduler)

		r.Get("/users/{id}/preferences", h.GetPreferences)
		r.Put("/users/{id}/preferences", h.UpdatePreferences)

		r.Post("/subscriptions", h.CreateSubscription)
		r.Get("/subscriptions/{id}", h.GetSubscription)
		r.Patch("/subscriptions/{id}", h.UpdateSubscription)
		r.Post("/subscriptions/{id}/renew", h.RenewSubscription)
		r.Post("/subscriptions/{id}/cancel", h.CancelSubscription)
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "not_ready", "Dependencies unavailable", "")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListLedger handles GET /v1/ledger?user_id=&subscription_id=&status=&limit=20&offset=0
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ledger.Filter

	if s := q.Get("user_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
			return
		}
		f.UserID = &id
	}
	if s := q.Get("subscription_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription_id", "subscription_id must be a valid UUID")
			return
		}
		f.SubscriptionID = &id
	}
	if s := q.Get("status"); s != "" {
		switch st := ledger.Status(s); st {
		case ledger.StatusPending, ledger.StatusSent, ledger.StatusFailed:
			f.Status = st
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be pending, sent, or failed")
			return
		}
	}
	f.Limit, f.Offset = pagination(r)

	entries, err := h.deps.Ledger.List(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list ledger entries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ledger_error", "Failed to list ledger entries", "")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   entries,
		"limit":  f.Limit,
		"offset": f.Offset,
		"count":  len(entries),
	})
}

// RunScheduler handles POST /v1/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Scheduler.Trigger(r.Context())
	switch {
	case err == nil:
		h.logger.Info("manual scheduler tick started")
		h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, scheduler.ErrTickInProgress):
		h.writeError(w, http.StatusConflict, "tick_in_progress", "A scheduler tick is already running", "")
	case errors.Is(err, scheduler.ErrDisabled), errors.Is(err, scheduler.ErrStopped):
		h.writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler is not accepting ticks", err.Error())
	default:
		h.logger.Error("failed to trigger scheduler tick", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "Failed to trigger scheduler", "")
	}
}

// PreferencesResponse shows what is stored next to what the scheduler will use.
type PreferencesResponse struct {
	UserID    uuid.UUID             `json:"user_id"`
	Stored    preferences.Stored    `json:"stored"`
	Effective preferences.Effective `json:"effective"`
}

// GetPreferences handles GET /v1/users/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "user")
	if !ok {
		return
	}

	user, err := h.deps.Users.GetUser(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "user", "Failed to get user")
		return
	}

	h.writeJSON(w, http.StatusOK, PreferencesResponse{
		UserID:    user.ID,
		Stored:    user.Preferences,
		Effective: preferences.Resolve(user.Preferences, h.deps.Defaults),
	})
}

// UpdatePreferences handles PUT /v1/users/{id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "user")
	if !ok {
		return
	}

	var req preferences.Update
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.deps.Users.GetUser(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "user", "Failed to get user")
		return
	}

	merged := preferences.Merge(user.Preferences, req)
	if err := h.deps.Users.UpdatePreferences(r.Context(), id, merged); err != nil {
		h.storeError(w, err, "user", "Failed to update preferences")
		return
	}

	h.logger.Info("preferences updated", zap.String("user_id", id.String()))
	h.writeJSON(w, http.StatusOK, PreferencesResponse{
		UserID:    id,
		Stored:    merged,
		Effective: preferences.Resolve(merged, h.deps.Defaults),
	})
}

// pagination reads limit and offset, defaulting to 20 and 0. Limit is capped at 100.
func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, kind string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+kind+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body into v and runs struct validation.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "Request failed validation", err.Error())
		return false
	}
	return true
}

func (h *Handler) storeError(w http.ResponseWriter, err error, kind, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", kind+" does not exist")
	case errors.Is(err, subscription.ErrInvalidSubscription):
		h.writeError(w, http.StatusBadRequest, "validation_failed", "Invalid subscription", err.Error())
	default:
		h.logger.Error(title, zap.String("resource", kind), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response in RFC 7807 problem+json format
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
