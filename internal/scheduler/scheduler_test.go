package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "time/tzdata"

	"github.com/lalithlochan/renewd/internal/dispatch"
	"github.com/lalithlochan/renewd/internal/ledger"
	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/subscription"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, ticker: &fakeTicker{ch: make(chan time.Time)}}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) NewTicker(time.Duration) Ticker { return c.ticker }

type fakeTicker struct{ ch chan time.Time }

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

type fakeSource struct {
	mu    sync.Mutex
	subs  []subscription.Owned
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (f *fakeSource) ListActiveSubscriptions(context.Context, time.Time) ([]subscription.Owned, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs, f.err
}

// recordingTransport implements all three channel transports.
type recordingTransport struct {
	mu      sync.Mutex
	emails  []string
	sms     []string
	pushes  []string
	failFor map[string]error
	started chan struct{}
	release chan struct{}
}

func (r *recordingTransport) wait() {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
}

func (r *recordingTransport) SendEmail(_ context.Context, to, _, _ string) (*dispatch.Result, error) {
	r.wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFor[to]; err != nil {
		return nil, err
	}
	r.emails = append(r.emails, to)
	return &dispatch.Result{Provider: "test", MessageID: "m-" + to}, nil
}

func (r *recordingTransport) SendSMS(_ context.Context, to, _ string) (*dispatch.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms = append(r.sms, to)
	return &dispatch.Result{Provider: "test"}, nil
}

func (r *recordingTransport) SendPush(_ context.Context, endpoint string, _ dispatch.PushPayload) (*dispatch.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, endpoint)
	return &dispatch.Result{Provider: "test"}, nil
}

func (r *recordingTransport) emailCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.emails)
}

type brokenStore struct{}

func (brokenStore) Insert(context.Context, *ledger.Entry) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenStore) Exists(context.Context, ledger.Key) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenStore) Complete(context.Context, *ledger.Entry) error {
	return errors.New("connection refused")
}
func (brokenStore) List(context.Context, ledger.Filter) ([]ledger.Entry, error) {
	return nil, errors.New("connection refused")
}

type fakeLock struct {
	acquired bool
	err      error
	unlocked atomic.Bool
}

func (l *fakeLock) TryLock(context.Context) (func(), bool, error) {
	return func() { l.unlocked.Store(true) }, l.acquired, l.err
}

type captureRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (c *captureRecorder) Name() string { return "capture" }

func (c *captureRecorder) RecordOutcome(_ context.Context, o Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
	return c.err
}

type harness struct {
	sched     *Scheduler
	clock     *fakeClock
	source    *fakeSource
	store     *ledger.MemoryStore
	transport *recordingTransport
}

func newHarness(t *testing.T, now time.Time, subs []subscription.Owned, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(now),
		source:    &fakeSource{subs: subs},
		store:     ledger.NewMemoryStore(),
		transport: &recordingTransport{},
	}
	d := dispatch.New(zap.NewNop(), dispatch.Transports{Email: h.transport, SMS: h.transport, Push: h.transport})
	cfg := DefaultConfig()
	sched, err := New(cfg, Deps{
		Source:     h.source,
		Ledger:     ledger.New(h.store, zap.NewNop()),
		Dispatcher: d,
		Logger:     zap.NewNop(),
	}, append([]Option{WithClock(h.clock)}, opts...)...)
	require.NoError(t, err)
	h.sched = sched
	return h
}

func monthly(name, email string, prefs preferences.Stored) subscription.Owned {
	userID := uuid.New()
	return subscription.Owned{
		Subscription: subscription.Subscription{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      name,
			Price:     decimal.RequireFromString("9.99"),
			Currency:  "USD",
			Frequency: subscription.FrequencyMonthly,
			Status:    subscription.StatusActive,
			StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		Owner: subscription.Owner{ID: userID, Name: "Ada", Email: email, Preferences: prefs},
	}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 9, 0, 0, 0, time.UTC)
}

func TestRunOnce_SendsSevenDayReminderOnce(t *testing.T) {
	h := newHarness(t, day(24), []subscription.Owned{monthly("Netflix", "ada@example.com", preferences.Stored{})})
	ctx := context.Background()

	report, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []string{"ada@example.com"}, h.transport.emails)

	entries, err := h.store.List(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusSent, entries[0].Status)
	assert.Equal(t, 7, entries[0].DaysBefore)
	assert.Equal(t, "7 days before reminder", entries[0].Label)
	assert.NotNil(t, entries[0].SentAt)

	report, err = h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Deduplicated)
	assert.Equal(t, 1, h.transport.emailCount())
}

func TestRunOnce_InvalidPreferencesFallBackToDefaults(t *testing.T) {
	sub := monthly("Spotify", "ada@example.com", preferences.Stored{
		Channels:   []string{"fax"},
		DaysBefore: []int{45},
	})
	h := newHarness(t, day(1), []subscription.Owned{sub})

	for d := 1; d <= 31; d++ {
		h.clock.Set(day(d))
		_, err := h.sched.RunOnce(context.Background())
		require.NoError(t, err)
	}

	entries, err := h.store.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	var offsets []int
	for _, e := range entries {
		assert.Equal(t, preferences.ChannelEmail, e.Channel)
		offsets = append(offsets, e.DaysBefore)
	}
	assert.ElementsMatch(t, []int{7, 5, 2, 1}, offsets)
	assert.Equal(t, 4, h.transport.emailCount())
}

func TestRunOnce_RenewalDayOffset(t *testing.T) {
	sub := monthly("Gym", "ada@example.com", preferences.Stored{DaysBefore: []int{0}})
	h := newHarness(t, day(31), []subscription.Owned{sub})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
}

func TestRunOnce_SMSWithoutNumberFailsButEmailSends(t *testing.T) {
	sub := monthly("Netflix", "ada@example.com", preferences.Stored{
		Channels:   []string{"sms", "email"},
		DaysBefore: []int{7},
	})
	h := newHarness(t, day(24), []subscription.Owned{sub})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)

	failed, err := h.store.List(context.Background(), ledger.Filter{Status: ledger.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, preferences.ChannelSMS, failed[0].Channel)
	assert.Equal(t, "SMS destination number is required", failed[0].Error)

	// A failed attempt is never retried for the same key.
	report, err = h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deduplicated)
	assert.Empty(t, h.transport.sms)
}

func TestRunOnce_SMSFallsBackToOwnerPhone(t *testing.T) {
	sub := monthly("Netflix", "ada@example.com", preferences.Stored{Channels: []string{"sms"}, DaysBefore: []int{7}})
	sub.Owner.Phone = "+15551234567"
	h := newHarness(t, day(24), []subscription.Owned{sub})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []string{"+15551234567"}, h.transport.sms)
}

func TestRunOnce_OneFailureDoesNotStopOthers(t *testing.T) {
	subs := []subscription.Owned{
		monthly("A", "a@example.com", preferences.Stored{}),
		monthly("B", "broken@example.com", preferences.Stored{}),
		monthly("C", "c@example.com", preferences.Stored{}),
	}
	h := newHarness(t, day(24), subs)
	h.transport.failFor = map[string]error{"broken@example.com": errors.New("mailbox unavailable")}

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.ElementsMatch(t, []string{"a@example.com", "c@example.com"}, h.transport.emails)

	failed, err := h.store.List(context.Background(), ledger.Filter{Status: ledger.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "mailbox unavailable", failed[0].Error)
}

func TestRunOnce_DisabledPreferencesSkipped(t *testing.T) {
	off := false
	h := newHarness(t, day(24), []subscription.Owned{monthly("A", "a@example.com", preferences.Stored{Enabled: &off})})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Disabled)
	assert.Equal(t, 0, h.store.Len())
}

func TestRunOnce_PastEndDateIgnored(t *testing.T) {
	sub := monthly("A", "a@example.com", preferences.Stored{DaysBefore: []int{0, 1}})
	h := newHarness(t, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), []subscription.Owned{sub})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 0, h.store.Len())
}

func TestRunOnce_UsesOwnerTimezone(t *testing.T) {
	// 2024-01-23 22:00 UTC is already Jan 24 in Tokyo, seven days before the 31st.
	sub := monthly("A", "a@example.com", preferences.Stored{Timezone: "Asia/Tokyo", DaysBefore: []int{7}})
	sub.EndDate = time.Date(2024, 1, 31, 0, 0, 0, 0, mustLoad(t, "Asia/Tokyo"))
	h := newHarness(t, time.Date(2024, 1, 23, 22, 0, 0, 0, time.UTC), []subscription.Owned{sub})

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
}

func TestRunOnce_LedgerUnavailableSendsNothing(t *testing.T) {
	h := newHarness(t, day(24), nil)
	d := dispatch.New(zap.NewNop(), dispatch.Transports{Email: h.transport})
	sched, err := New(DefaultConfig(), Deps{
		Source:     &fakeSource{subs: []subscription.Owned{monthly("A", "a@example.com", preferences.Stored{})}},
		Ledger:     ledger.New(brokenStore{}, zap.NewNop()),
		Dispatcher: d,
	}, WithClock(h.clock))
	require.NoError(t, err)

	report, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.LedgerErrors)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 0, h.transport.emailCount())
}

func TestRunOnce_SourceErrorFailsTick(t *testing.T) {
	h := newHarness(t, day(24), nil)
	h.source.err = errors.New("db down")

	_, err := h.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRunOnce_TickLock(t *testing.T) {
	t.Run("held elsewhere skips the tick", func(t *testing.T) {
		lock := &fakeLock{acquired: false}
		h := newHarness(t, day(24), []subscription.Owned{monthly("A", "a@example.com", preferences.Stored{})}, WithTickLock(lock))

		report, err := h.sched.RunOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, report.SkippedLock)
		assert.Equal(t, int32(0), h.source.calls.Load())
	})

	t.Run("acquired is released after the tick", func(t *testing.T) {
		lock := &fakeLock{acquired: true}
		h := newHarness(t, day(24), []subscription.Owned{monthly("A", "a@example.com", preferences.Stored{})}, WithTickLock(lock))

		report, err := h.sched.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Sent)
		assert.True(t, lock.unlocked.Load())
	})

	t.Run("lock error falls back to ledger dedup", func(t *testing.T) {
		lock := &fakeLock{err: errors.New("redis down")}
		h := newHarness(t, day(24), []subscription.Owned{monthly("A", "a@example.com", preferences.Stored{})}, WithTickLock(lock))

		report, err := h.sched.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Sent)
	})
}

func TestRunOnce_RecordersReceiveOutcomes(t *testing.T) {
	rec := &captureRecorder{err: errors.New("queue full")}
	sub := monthly("Netflix", "ada@example.com", preferences.Stored{Channels: []string{"email", "push"}, DaysBefore: []int{7}})
	h := newHarness(t, day(24), []subscription.Owned{sub}, WithRecorders(rec))

	report, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, rec.outcomes, 2)
	byChannel := map[preferences.Channel]Outcome{}
	for _, o := range rec.outcomes {
		byChannel[o.Channel] = o
	}
	assert.Equal(t, ledger.StatusSent, byChannel[preferences.ChannelEmail].Status)
	assert.Equal(t, "m-ada@example.com", byChannel[preferences.ChannelEmail].MessageID)
	assert.Equal(t, ledger.StatusFailed, byChannel[preferences.ChannelPush].Status)
	assert.Equal(t, "push notification endpoint missing", byChannel[preferences.ChannelPush].Error)
	assert.Equal(t, "Netflix", byChannel[preferences.ChannelPush].SubscriptionName)
}

func TestRunOnce_OverlapRejected(t *testing.T) {
	h := newHarness(t, day(24), nil)
	h.source.block = make(chan struct{})

	require.NoError(t, h.sched.Trigger(context.Background()))
	require.Eventually(t, func() bool { return h.source.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
	assert.ErrorIs(t, h.sched.Trigger(context.Background()), ErrTickInProgress)

	close(h.source.block)
	h.sched.Stop()
	assert.False(t, h.sched.Running())
}

func TestStart_RunsImmediatelyThenOnTicks(t *testing.T) {
	h := newHarness(t, day(24), nil)

	require.NoError(t, h.sched.Start(context.Background()))
	require.Eventually(t, func() bool { return h.source.calls.Load() == 1 && !h.sched.Running() }, time.Second, 5*time.Millisecond)

	h.clock.ticker.ch <- day(24)
	require.Eventually(t, func() bool { return h.source.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	h.sched.Stop()
	assert.ErrorIs(t, h.sched.Start(context.Background()), ErrStopped)
	_, err := h.sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStop_WaitsForInFlightDispatch(t *testing.T) {
	subs := []subscription.Owned{monthly("A", "a@example.com", preferences.Stored{})}
	h := newHarness(t, day(24), subs)
	h.transport.started = make(chan struct{}, 1)
	h.transport.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.sched.Start(ctx))
	<-h.transport.started

	stopped := make(chan struct{})
	go func() {
		cancel()
		h.sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight dispatch finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.transport.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	entries, err := h.store.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusSent, entries[0].Status)
}

func TestStart_DisabledIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	src := &fakeSource{}
	sched, err := New(cfg, Deps{Source: src, Ledger: ledger.New(ledger.NewMemoryStore(), zap.NewNop()), Dispatcher: dispatch.New(zap.NewNop(), dispatch.Transports{})})
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	assert.ErrorIs(t, sched.Trigger(context.Background()), ErrDisabled)
	sched.Stop()
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestNew_Validation(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	d := dispatch.New(zap.NewNop(), dispatch.Transports{})
	src := &fakeSource{}

	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"missing source", DefaultConfig(), Deps{Ledger: l, Dispatcher: d}},
		{"missing ledger", DefaultConfig(), Deps{Source: src, Dispatcher: d}},
		{"missing dispatcher", DefaultConfig(), Deps{Source: src, Ledger: l}},
		{"zero interval", Config{Enabled: true}, Deps{Source: src, Ledger: l, Dispatcher: d}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			assert.Error(t, err)
		})
	}
}

func TestDaysUntil(t *testing.T) {
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		end  time.Time
		loc  string
		want int
	}{
		{"week before", time.Date(2024, 1, 24, 23, 59, 0, 0, time.UTC), end, "UTC", 7},
		{"same day", time.Date(2024, 1, 31, 18, 0, 0, 0, time.UTC), end, "UTC", 0},
		{"day after", time.Date(2024, 2, 1, 0, 0, 1, 0, time.UTC), end, "UTC", -1},
		{"across DST", time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC), "America/New_York", 2},
		{"west of UTC", time.Date(2024, 1, 30, 10, 0, 0, 0, time.UTC), end, "America/Los_Angeles", 0},
		{"east of UTC", time.Date(2024, 1, 30, 10, 0, 0, 0, time.UTC), end, "Asia/Tokyo", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysUntil(tt.now, tt.end, mustLoad(t, tt.loc)))
		})
	}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}
