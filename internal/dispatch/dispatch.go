// Package dispatch routes a reminder to the transport for its channel.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/preferences"
	"github.com/lalithlochan/renewd/internal/subscription"
)

var (
	// ErrMissingDestination is wrapped when a channel has no address to send to.
	ErrMissingDestination = errors.New("missing destination")

	// ErrChannelUnavailable means no transport is configured for the channel.
	ErrChannelUnavailable = errors.New("channel transport not configured")

	// ErrUnknownChannel means the channel is not one the dispatcher routes.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrRecipientRejected is wrapped by transports when the provider answered
	// but refused this one destination. The provider itself is healthy.
	ErrRecipientRejected = errors.New("recipient rejected")
)

// MissingDestinationError carries the per-channel message recorded in the ledger.
type MissingDestinationError struct {
	Channel preferences.Channel
}

func (e *MissingDestinationError) Error() string {
	switch e.Channel {
	case preferences.ChannelSMS:
		return "SMS destination number is required"
	case preferences.ChannelPush:
		return "push notification endpoint missing"
	default:
		return "email recipient is required"
	}
}

func (e *MissingDestinationError) Unwrap() error { return ErrMissingDestination }

// DeliveryError is the only error type Dispatch returns. Its text is the
// underlying cause so it can be stored verbatim on the ledger entry.
type DeliveryError struct {
	Channel preferences.Channel
	Err     error
}

func (e *DeliveryError) Error() string { return e.Err.Error() }

func (e *DeliveryError) Unwrap() error { return e.Err }

// Reject marks err as a refusal of one destination, keeping its text.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejectedError{err: err}
}

type rejectedError struct{ err error }

func (e *rejectedError) Error() string { return e.err.Error() }

func (e *rejectedError) Unwrap() []error { return []error{ErrRecipientRejected, e.err} }

// Result describes an accepted delivery.
type Result struct {
	Channel   preferences.Channel `json:"channel"`
	Provider  string              `json:"provider"`
	MessageID string              `json:"message_id,omitempty"`
	Detail    map[string]string   `json:"detail,omitempty"`
}

// Response renders the result for the ledger entry's response payload.
func (r *Result) Response() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// EmailTransport sends a plain text email.
type EmailTransport interface {
	SendEmail(ctx context.Context, to, subject, body string) (*Result, error)
}

// SMSTransport sends a text message.
type SMSTransport interface {
	SendSMS(ctx context.Context, to, body string) (*Result, error)
}

// PushTransport delivers a push payload to an endpoint.
type PushTransport interface {
	SendPush(ctx context.Context, endpoint string, payload PushPayload) (*Result, error)
}

// Gate is implemented by transports that can refuse work up front, such as
// one sitting behind an open circuit breaker.
type Gate interface {
	Ready(destination string) bool
}

// Transports holds the per-channel transports. Any of them may be nil.
type Transports struct {
	Email EmailTransport
	SMS   SMSTransport
	Push  PushTransport
}

// Context is everything a reminder message is rendered from.
type Context struct {
	Subscription subscription.Subscription
	Owner        subscription.Owner
	DaysBefore   int
	// Location is used to render the renewal date; nil means UTC.
	Location *time.Location
}

func (c Context) renewsOn() time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return c.Subscription.EndDate.In(loc)
}

// Dispatcher sends reminders through injected transports.
type Dispatcher struct {
	transports Transports
	logger     *zap.Logger
}

// New creates a dispatcher.
func New(logger *zap.Logger, transports Transports) *Dispatcher {
	return &Dispatcher{transports: transports, logger: logger}
}

// Supports reports whether a transport is configured for channel.
func (d *Dispatcher) Supports(channel preferences.Channel) bool {
	switch channel {
	case preferences.ChannelEmail:
		return d.transports.Email != nil
	case preferences.ChannelSMS:
		return d.transports.SMS != nil
	case preferences.ChannelPush:
		return d.transports.Push != nil
	default:
		return false
	}
}

// Ready reports whether a reminder to destination on channel would be handed
// to its transport now. Channels without a gating transport are always ready
// so that configuration errors still surface through Dispatch.
func (d *Dispatcher) Ready(channel preferences.Channel, destination string) bool {
	var t any
	switch channel {
	case preferences.ChannelEmail:
		t = d.transports.Email
	case preferences.ChannelSMS:
		t = d.transports.SMS
	case preferences.ChannelPush:
		t = d.transports.Push
	}
	if g, ok := t.(Gate); ok {
		return g.Ready(strings.TrimSpace(destination))
	}
	return true
}

// Dispatch renders and sends one reminder. Every failure, including a
// panicking transport, comes back as a *DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, channel preferences.Channel, destination string, rc Context) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("transport panicked",
				zap.String("channel", string(channel)),
				zap.Any("panic", r),
			)
			res = nil
			err = &DeliveryError{Channel: channel, Err: fmt.Errorf("%s transport panicked: %v", channel, r)}
		}
	}()

	destination = strings.TrimSpace(destination)
	msg := Compose(rc)

	switch channel {
	case preferences.ChannelEmail:
		if destination == "" {
			return nil, d.fail(channel, &MissingDestinationError{Channel: channel})
		}
		if d.transports.Email == nil {
			return nil, d.fail(channel, ErrChannelUnavailable)
		}
		res, err = d.transports.Email.SendEmail(ctx, destination, msg.Subject, msg.Body)
	case preferences.ChannelSMS:
		if destination == "" {
			return nil, d.fail(channel, &MissingDestinationError{Channel: channel})
		}
		if d.transports.SMS == nil {
			return nil, d.fail(channel, ErrChannelUnavailable)
		}
		res, err = d.transports.SMS.SendSMS(ctx, destination, msg.SMS)
	case preferences.ChannelPush:
		if destination == "" {
			return nil, d.fail(channel, &MissingDestinationError{Channel: channel})
		}
		if d.transports.Push == nil {
			return nil, d.fail(channel, ErrChannelUnavailable)
		}
		res, err = d.transports.Push.SendPush(ctx, destination, msg.Push)
	default:
		return nil, d.fail(channel, fmt.Errorf("%w: %q", ErrUnknownChannel, channel))
	}

	if err != nil {
		return nil, d.fail(channel, err)
	}
	if res == nil {
		res = &Result{}
	}
	res.Channel = channel
	return res, nil
}

func (d *Dispatcher) fail(channel preferences.Channel, err error) error {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	return &DeliveryError{Channel: channel, Err: err}
}
