// Package scheduler runs the periodic reminder scan: it finds subscriptions
// whose renewal falls on one of the owner's reminder offsets, claims a ledger
// entry for each (channel, offset) pair and dispatches the reminder.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/dispatch"
	"github.com/lalithlochan/renewd/internal/ledger"
	"github.com/lalithlochan/renewd/internal/metrics"
	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/subscription"
)

var (
	// ErrTickInProgress is returned by RunOnce and Trigger while another tick runs.
	ErrTickInProgress = errors.New("scheduler tick already in progress")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")

	// ErrDisabled is returned by Trigger when the scheduler is disabled by config.
	ErrDisabled = errors.New("scheduler disabled")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// SubscriptionSource lists active subscriptions with their owners.
type SubscriptionSource interface {
	// ListActiveSubscriptions returns active subscriptions ending at or after endingAfter.
	ListActiveSubscriptions(ctx context.Context, endingAfter time.Time) ([]subscription.Owned, error)
}

// ReminderLedger is the dedup ledger as the scheduler uses it.
type ReminderLedger interface {
	Open(ctx context.Context, key ledger.Key) (*ledger.Entry, error)
	MarkSent(ctx context.Context, e *ledger.Entry, response json.RawMessage) error
	MarkFailed(ctx context.Context, e *ledger.Entry, errText string) error
}

// Dispatcher sends one reminder on one channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel preferences.Channel, destination string, rc dispatch.Context) (*dispatch.Result, error)
}

// Gate is optionally implemented by a Dispatcher that knows a channel would
// fail fast, for example behind an open circuit breaker. Reminders it holds
// back are left unclaimed so a later tick can send them.
type Gate interface {
	Ready(channel preferences.Channel, destination string) bool
}

// TickLock keeps ticks from overlapping across processes.
type TickLock interface {
	// TryLock returns acquired=false when another holder owns the lock.
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// OutcomeRecorder receives every completed reminder attempt.
type OutcomeRecorder interface {
	Name() string
	RecordOutcome(ctx context.Context, o Outcome) error
}

// Outcome describes one finished reminder attempt.
type Outcome struct {
	EntryID          uuid.UUID           `json:"entry_id"`
	UserID           uuid.UUID           `json:"user_id"`
	SubscriptionID   uuid.UUID           `json:"subscription_id"`
	SubscriptionName string              `json:"subscription_name"`
	Channel          preferences.Channel `json:"channel"`
	DaysBefore       int                 `json:"days_before"`
	ScheduledAt      time.Time           `json:"scheduled_at"`
	Status           ledger.Status       `json:"status"`
	Error            string              `json:"error,omitempty"`
	Provider         string              `json:"provider,omitempty"`
	MessageID        string              `json:"message_id,omitempty"`
	At               time.Time           `json:"at"`
}

// Config controls tick cadence and fan-out.
type Config struct {
	Enabled  bool
	Interval time.Duration
	// Concurrency bounds how many subscriptions are processed at once.
	Concurrency int
	// DispatchTimeout bounds a single transport call.
	DispatchTimeout time.Duration
	// Defaults are the fallback preferences, including the fallback timezone.
	Defaults preferences.Effective
}

// DefaultConfig returns an enabled hourly scheduler.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Interval:        60 * time.Minute,
		Concurrency:     4,
		DispatchTimeout: 30 * time.Second,
		Defaults:        preferences.Defaults(),
	}
}

// Deps are the collaborators the scheduler cannot run without.
type Deps struct {
	Source     SubscriptionSource
	Ledger     ReminderLedger
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithTickLock adds a cross-process tick lock.
func WithTickLock(l TickLock) Option { return func(s *Scheduler) { s.lock = l } }

// WithRecorders adds outcome recorders.
func WithRecorders(r ...OutcomeRecorder) Option {
	return func(s *Scheduler) { s.recorders = append(s.recorders, r...) }
}

// Report summarizes one tick.
type Report struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Scanned      int           `json:"scanned"`
	Disabled     int           `json:"disabled"`
	Sent         int           `json:"sent"`
	Failed       int           `json:"failed"`
	Deduplicated int           `json:"deduplicated"`
	Deferred     int           `json:"deferred"`
	LedgerErrors int           `json:"ledger_errors"`
	Interrupted  bool          `json:"interrupted"`
	SkippedLock  bool          `json:"skipped_lock"`
}

type counters struct {
	disabled, sent, failed, dedup, deferred, ledgerErrors atomic.Int64
}

// Scheduler drives reminder ticks. Use Start and Stop for the periodic loop
// and RunOnce for a single synchronous tick.
type Scheduler struct {
	cfg        Config
	source     SubscriptionSource
	ledger     ReminderLedger
	dispatcher Dispatcher
	gate       Gate
	logger     *zap.Logger
	clock      Clock
	lock       TickLock
	recorders  []OutcomeRecorder

	running atomic.Bool
	halted  atomic.Bool

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	ticks    sync.WaitGroup
}

// New validates configuration and builds a scheduler. Missing collaborators
// or a non-positive interval are fatal.
func New(cfg Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Source == nil {
		return nil, errors.New("scheduler: subscription source is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("scheduler: ledger is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("scheduler: dispatcher is required")
	}
	if cfg.Enabled && cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if len(cfg.Defaults.Channels) == 0 || len(cfg.Defaults.DaysBefore) == 0 {
		tz := cfg.Defaults.Timezone
		cfg.Defaults = preferences.Defaults()
		if tz != "" {
			cfg.Defaults.Timezone = tz
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:        cfg,
		source:     deps.Source,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		clock:      RealClock(),
		stopCh:     make(chan struct{}),
	}
	s.gate, _ = deps.Dispatcher.(Gate)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enabled reports whether periodic ticks are configured.
func (s *Scheduler) Enabled() bool { return s.cfg.Enabled }

// Running reports whether a tick is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Start runs a tick immediately and then one per interval until ctx is
// canceled or Stop is called. It returns at once; ticks run in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("reminder scheduler disabled by configuration")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted.Load() {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.loopDone = make(chan struct{})

	s.logger.Info("reminder scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.launch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.launch(ctx)
		}
	}
}

// launch starts a tick in the background unless one is already running.
// The timer loop never blocks on a tick.
func (s *Scheduler) launch(ctx context.Context) bool {
	if !s.acquire() {
		s.logger.Warn("previous reminder tick still running, skipping")
		metrics.RecordTick("skipped_overlap", 0)
		return false
	}

	go func() {
		defer s.release()
		if _, err := s.tick(ctx); err != nil {
			s.logger.Error("reminder tick failed", zap.Error(err))
		}
	}()
	return true
}

// acquire claims the running flag and registers the tick for Stop to wait on.
func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted.Load() {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.ticks.Add(1)
	return true
}

func (s *Scheduler) release() {
	s.running.Store(false)
	s.ticks.Done()
}

// Trigger starts one tick in the background, as the timer would.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.halted.Load() {
		return ErrStopped
	}
	if !s.launch(context.WithoutCancel(ctx)) {
		return ErrTickInProgress
	}
	return nil
}

// RunOnce runs a single tick and waits for it.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if s.halted.Load() {
		return Report{}, ErrStopped
	}
	if !s.acquire() {
		return Report{}, ErrTickInProgress
	}
	defer s.release()
	return s.tick(ctx)
}

// Stop prevents new ticks and waits for an in-flight tick to finish the
// subscriptions it already picked up. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.halted.Swap(true) {
		s.mu.Unlock()
		s.ticks.Wait()
		return
	}
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if started {
		<-s.loopDone
	}
	s.ticks.Wait()
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) stopping(ctx context.Context) bool {
	return s.halted.Load() || ctx.Err() != nil
}

func (s *Scheduler) tick(ctx context.Context) (Report, error) {
	start := s.clock.Now()
	report := Report{StartedAt: start}

	// Work already picked up must finish even if the caller's context is
	// canceled; stopping is checked between subscriptions instead.
	work := context.WithoutCancel(ctx)

	if s.lock != nil {
		unlock, acquired, err := s.lock.TryLock(work)
		switch {
		case err != nil:
			s.logger.Warn("tick lock unavailable, relying on ledger dedup", zap.Error(err))
		case !acquired:
			s.logger.Info("another instance holds the tick lock, skipping")
			metrics.RecordTick("skipped_lock", 0)
			report.SkippedLock = true
			return report, nil
		default:
			defer unlock()
		}
	}

	// Widened by a day so owners west of UTC still see same-day renewals.
	subs, err := s.source.ListActiveSubscriptions(work, startOfDay(start).Add(-24*time.Hour))
	if err != nil {
		metrics.RecordTick("failed", s.clock.Now().Sub(start))
		return report, fmt.Errorf("list active subscriptions: %w", err)
	}
	metrics.AddSubscriptionsScanned(len(subs))

	var c counters
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, sub := range subs {
		if s.stopping(ctx) {
			report.Interrupted = true
			break
		}
		report.Scanned++

		wg.Add(1)
		sem <- struct{}{}

		go func(sub subscription.Owned) {
			defer wg.Done()
			defer func() { <-sem }()
			s.processSubscription(work, start, sub, &c)
		}(sub)
	}

	wg.Wait()

	report.Disabled = int(c.disabled.Load())
	report.Sent = int(c.sent.Load())
	report.Failed = int(c.failed.Load())
	report.Deduplicated = int(c.dedup.Load())
	report.Deferred = int(c.deferred.Load())
	report.LedgerErrors = int(c.ledgerErrors.Load())
	report.Duration = s.clock.Now().Sub(start)

	metrics.RecordTick("completed", report.Duration)
	s.logger.Info("reminder tick completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("deduplicated", report.Deduplicated),
		zap.Int("deferred", report.Deferred),
		zap.Int("ledger_errors", report.LedgerErrors),
		zap.Bool("interrupted", report.Interrupted),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

func (s *Scheduler) processSubscription(ctx context.Context, now time.Time, sub subscription.Owned, c *counters) {
	prefs := preferences.Resolve(sub.Owner.Preferences, s.cfg.Defaults)
	if !prefs.Enabled {
		c.disabled.Add(1)
		return
	}

	loc := prefs.Location()
	days := DaysUntil(now, sub.EndDate, loc)
	if days < 0 || !slices.Contains(prefs.DaysBefore, days) {
		return
	}

	for _, channel := range prefs.Channels {
		s.remind(ctx, sub, prefs, loc, channel, days, c)
	}
}

// remind handles one (subscription, channel) pair. Nothing that goes wrong
// here reaches other pairs.
func (s *Scheduler) remind(ctx context.Context, sub subscription.Owned, prefs preferences.Effective, loc *time.Location, channel preferences.Channel, days int, c *counters) {
	log := s.logger.With(
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.String("channel", string(channel)),
		zap.Int("days_before", days),
	)

	defer func() {
		if r := recover(); r != nil {
			c.failed.Add(1)
			log.Error("reminder processing panicked", zap.Any("panic", r))
		}
	}()

	destination := prefs.Destination(channel, sub.Owner.Contact())
	if s.gate != nil && !s.gate.Ready(channel, destination) {
		c.deferred.Add(1)
		metrics.RecordDeferred(string(channel))
		log.Info("transport failing fast, reminder left for a later tick")
		return
	}

	key := ledger.NewKey(sub.UserID, sub.ID, channel, days, sub.EndDate)
	entry, err := s.ledger.Open(ctx, key)
	if errors.Is(err, ledger.ErrAlreadyAttempted) {
		c.dedup.Add(1)
		metrics.RecordDedupSkip(string(channel))
		log.Debug("reminder already attempted")
		return
	}
	if err != nil {
		c.ledgerErrors.Add(1)
		metrics.RecordLedgerError("open")
		log.Error("could not open ledger entry, reminder not sent", zap.Error(err))
		return
	}
	log = log.With(zap.String("entry_id", entry.ID.String()))

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	sentAt := s.clock.Now()
	res, dispatchErr := s.dispatcher.Dispatch(dctx, channel, destination, dispatch.Context{
		Subscription: sub.Subscription,
		Owner:        sub.Owner,
		DaysBefore:   days,
		Location:     loc,
	})
	cancel()
	latency := s.clock.Now().Sub(sentAt)

	outcome := Outcome{
		EntryID:          entry.ID,
		UserID:           sub.UserID,
		SubscriptionID:   sub.ID,
		SubscriptionName: sub.Name,
		Channel:          channel,
		DaysBefore:       days,
		ScheduledAt:      key.ScheduledAt,
		At:               s.clock.Now(),
	}

	if dispatchErr != nil {
		c.failed.Add(1)
		metrics.RecordReminder(string(channel), string(ledger.StatusFailed), latency)
		log.Warn("reminder delivery failed", zap.Error(dispatchErr))

		if err := s.ledger.MarkFailed(ctx, entry, dispatchErr.Error()); err != nil {
			c.ledgerErrors.Add(1)
			metrics.RecordLedgerError("mark_failed")
			log.Error("could not record failed reminder", zap.Error(err))
		}
		outcome.Status = ledger.StatusFailed
		outcome.Error = dispatchErr.Error()
		s.record(ctx, outcome)
		return
	}

	c.sent.Add(1)
	metrics.RecordReminder(string(channel), string(ledger.StatusSent), latency)
	log.Info("reminder sent", zap.String("provider", res.Provider), zap.String("message_id", res.MessageID))

	if err := s.ledger.MarkSent(ctx, entry, res.Response()); err != nil {
		c.ledgerErrors.Add(1)
		metrics.RecordLedgerError("mark_sent")
		log.Warn("reminder sent but ledger entry left pending", zap.Error(err))
	}
	outcome.Status = ledger.StatusSent
	outcome.Provider = res.Provider
	outcome.MessageID = res.MessageID
	s.record(ctx, outcome)
}

func (s *Scheduler) record(ctx context.Context, o Outcome) {
	for _, r := range s.recorders {
		if err := r.RecordOutcome(ctx, o); err != nil {
			metrics.RecordOutcomeRecorderError(r.Name())
			s.logger.Warn("outcome recorder failed",
				zap.String("recorder", r.Name()),
				zap.String("entry_id", o.EntryID.String()),
				zap.Error(err),
			)
		}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
