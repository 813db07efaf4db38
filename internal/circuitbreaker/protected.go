package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/dispatch"
)

// guard runs call through the breaker, failing fast while the circuit is open.
// A destination the provider refused counts as a success: the provider answered.
func guard(ctx context.Context, b *CircuitBreaker, logger *zap.Logger, channel string, call func(context.Context) (*dispatch.Result, error)) (*dispatch.Result, error) {
	if !b.Allow() {
		logger.Warn("circuit breaker rejected reminder, failing fast",
			zap.String("breaker", b.Name()),
			zap.String("channel", channel),
			zap.String("state", b.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, b.Name())
	}

	res, err := call(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
		return res, nil
	case errors.Is(err, dispatch.ErrRecipientRejected):
		b.RecordSuccess()
		return nil, err
	default:
		b.RecordFailure()
		logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", b.Name()),
			zap.Error(err),
		)
		return nil, err
	}
}

// ProtectedEmail wraps an email transport with a breaker.
type ProtectedEmail struct {
	next    dispatch.EmailTransport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedEmail(next dispatch.EmailTransport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedEmail {
	return &ProtectedEmail{next: next, breaker: breaker, logger: logger}
}

func (p *ProtectedEmail) SendEmail(ctx context.Context, to, subject, body string) (*dispatch.Result, error) {
	return guard(ctx, p.breaker, p.logger, "email", func(ctx context.Context) (*dispatch.Result, error) {
		return p.next.SendEmail(ctx, to, subject, body)
	})
}

// Ready reports whether the provider breaker would let a send through.
func (p *ProtectedEmail) Ready(string) bool { return p.breaker.Ready() }

// Breaker returns the underlying circuit breaker.
func (p *ProtectedEmail) Breaker() *CircuitBreaker { return p.breaker }

// ProtectedSMS wraps an SMS transport with a breaker.
type ProtectedSMS struct {
	next    dispatch.SMSTransport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSMS(next dispatch.SMSTransport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSMS {
	return &ProtectedSMS{next: next, breaker: breaker, logger: logger}
}

func (p *ProtectedSMS) SendSMS(ctx context.Context, to, body string) (*dispatch.Result, error) {
	return guard(ctx, p.breaker, p.logger, "sms", func(ctx context.Context) (*dispatch.Result, error) {
		return p.next.SendSMS(ctx, to, body)
	})
}

func (p *ProtectedSMS) Ready(string) bool { return p.breaker.Ready() }

func (p *ProtectedSMS) Breaker() *CircuitBreaker { return p.breaker }

// ProtectedPush wraps a push transport with one breaker per endpoint host,
// so a dead webhook only fails fast for the users pointing at it.
type ProtectedPush struct {
	next     dispatch.PushTransport
	breakers *Set
	logger   *zap.Logger
}

func NewProtectedPush(next dispatch.PushTransport, breakers *Set, logger *zap.Logger) *ProtectedPush {
	return &ProtectedPush{next: next, breakers: breakers, logger: logger}
}

func (p *ProtectedPush) SendPush(ctx context.Context, endpoint string, payload dispatch.PushPayload) (*dispatch.Result, error) {
	b := p.breakers.Get(EndpointKey(endpoint))
	return guard(ctx, b, p.logger, "push", func(ctx context.Context) (*dispatch.Result, error) {
		return p.next.SendPush(ctx, endpoint, payload)
	})
}

// Ready reports whether the breaker for endpoint's host would let a send
// through. Hosts never seen before are ready.
func (p *ProtectedPush) Ready(endpoint string) bool {
	b, ok := p.breakers.Lookup(EndpointKey(endpoint))
	return !ok || b.Ready()
}

// Breakers returns the per-host breakers.
func (p *ProtectedPush) Breakers() *Set { return p.breakers }

// EndpointKey is the lower-cased host of a push endpoint, or the trimmed
// endpoint itself when it has no parsable host.
func EndpointKey(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return strings.ToLower(u.Host)
	}
	return endpoint
}
