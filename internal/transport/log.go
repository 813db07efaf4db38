package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/dispatch"
)

// LogTransport logs reminders instead of sending them (for development)
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (l *LogTransport) SendEmail(_ context.Context, to, subject, body string) (*dispatch.Result, error) {
	l.logger.Info("email reminder (development mode)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
	return l.result(), nil
}

func (l *LogTransport) SendSMS(_ context.Context, to, body string) (*dispatch.Result, error) {
	l.logger.Info("sms reminder (development mode)",
		zap.String("to", to),
		zap.String("body", body),
	)
	return l.result(), nil
}

func (l *LogTransport) SendPush(_ context.Context, endpoint string, payload dispatch.PushPayload) (*dispatch.Result, error) {
	l.logger.Info("push reminder (development mode)",
		zap.String("endpoint", endpoint),
		zap.Any("payload", payload),
	)
	return l.result(), nil
}

func (l *LogTransport) result() *dispatch.Result {
	return &dispatch.Result{Provider: "log", MessageID: uuid.NewString()}
}
