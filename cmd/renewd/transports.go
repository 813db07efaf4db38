package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/circuitbreaker"
	"github.com/lalithlochan/renewd/internal/config"
	"github.com/lalithlochan/renewd/internal/dispatch"
	"github.com/lalithlochan/renewd/internal/metrics"
	"github.com/lalithlochan/renewd/internal/transport"
)

// buildTransports wires the channel transports for cfg.TransportMode.
// aws sends through SES and SNS, smtp sends email through a relay and only
// logs SMS, log sends nothing. Push always goes to the user's webhook except
// in log mode. Email and SMS each sit behind one provider breaker; push gets
// a breaker per endpoint host.
func buildTransports(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Transports, error) {
	breakerConfig := func(name string) circuitbreaker.Config {
		bc := circuitbreaker.DefaultConfig(name)
		bc.MaxFailures = cfg.BreakerMaxFailures
		bc.RecoveryTimeout = cfg.BreakerRecoveryTimeout
		return bc
	}
	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		bc := breakerConfig(name)
		bc.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
		return circuitbreaker.New(bc, logger)
	}

	if cfg.TransportMode == config.TransportLog {
		logger.Warn("log transport selected, reminders will not be delivered")
		lt := transport.NewLogTransport(logger)
		return dispatch.Transports{Email: lt, SMS: lt, Push: lt}, nil
	}

	var t dispatch.Transports

	push := transport.NewWebhookPush(logger, transport.PushConfig{Timeout: cfg.PushTimeout})
	// Per-host breakers are not exported as gauges; one series per host is unbounded.
	t.Push = circuitbreaker.NewProtectedPush(push, circuitbreaker.NewSet(breakerConfig("push"), logger), logger)

	switch cfg.TransportMode {
	case config.TransportSMTP:
		email, err := transport.NewSMTPEmail(transport.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
		if err != nil {
			return t, fmt.Errorf("failed to create SMTP email transport: %w", err)
		}
		t.Email = circuitbreaker.NewProtectedEmail(email, breaker("smtp"), logger)
		t.SMS = transport.NewLogTransport(logger)

	default:
		email, err := transport.NewSESEmail(ctx, transport.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return t, fmt.Errorf("failed to create SES email transport: %w", err)
		}
		t.Email = circuitbreaker.NewProtectedEmail(email, breaker("ses"), logger)

		sms, err := transport.NewSNSSMS(ctx, transport.SNSConfig{
			Region:        cfg.SNSRegion,
			RatePerSecond: cfg.SMSRateLimit,
			SenderID:      cfg.SMSSenderID,
		}, logger)
		if err != nil {
			logger.Warn("SNS transport unavailable, SMS reminders disabled", zap.Error(err))
		} else {
			t.SMS = circuitbreaker.NewProtectedSMS(sms, breaker("sns"), logger)
		}
	}

	return t, nil
}
