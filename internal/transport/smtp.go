package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/dispatch"
)

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPEmail sends reminder emails through an SMTP relay using STARTTLS when offered.
type SMTPEmail struct {
	config SMTPConfig
	auth   smtp.Auth
	logger *zap.Logger
}

// NewSMTPEmail validates cfg and creates the transport.
func NewSMTPEmail(cfg SMTPConfig, logger *zap.Logger) (*SMTPEmail, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp transport: from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	logger.Info("smtp transport configured",
		zap.String("smtp_host", cfg.Host),
		zap.Int("smtp_port", cfg.Port),
		zap.String("from_address", cfg.From),
	)

	return &SMTPEmail{config: cfg, auth: auth, logger: logger}, nil
}

func (s *SMTPEmail) SendEmail(ctx context.Context, to, subject, body string) (*dispatch.Result, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	tlsConfig := &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	if err := s.send(ctx, addr, tlsConfig, to, buildMessage(s.config.From, to, subject, body)); err != nil {
		return nil, err
	}

	s.logger.Info("email sent via SMTP", zap.String("to", to))
	return &dispatch.Result{Provider: "smtp"}, nil
}

func (s *SMTPEmail) send(ctx context.Context, addr string, tlsConfig *tls.Config, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.From)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	return []byte(msg.String())
}

// extractEmail extracts the address from "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}
