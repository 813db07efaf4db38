package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Ledger backends
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

// Transport modes
const (
	TransportAWS  = "aws"
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`
	Env      string `koanf:"env"`

	// Database. DatabaseURL wins over the individual fields when set.
	DatabaseURL string `koanf:"database_url"`
	DBHost      string `koanf:"db_host"`
	DBPort      int    `koanf:"db_port"`
	DBUser      string `koanf:"db_user"`
	DBPassword  string `koanf:"db_password"`
	DBName      string `koanf:"db_name"`
	DBSSLMode   string `koanf:"db_sslmode"`

	// Redis config
	RedisHost     string `koanf:"redis_host"`
	RedisPort     int    `koanf:"redis_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// Ledger
	LedgerBackend   string        `koanf:"ledger_backend"`
	LedgerRetention time.Duration `koanf:"ledger_retention"` // redis only, 0 keeps entries forever

	// Scheduler
	NotificationIntervalMinutes  int           `koanf:"notification_interval_minutes"`
	DisableNotificationScheduler bool          `koanf:"disable_notification_scheduler"`
	SchedulerConcurrency         int           `koanf:"scheduler_concurrency"`
	SchedulerTimezone            string        `koanf:"scheduler_timezone"` // fallback for users without one
	SchedulerLockTTL             time.Duration `koanf:"scheduler_lock_ttl"`
	DispatchTimeout              time.Duration `koanf:"dispatch_timeout"`

	// Transports
	TransportMode string `koanf:"transport_mode"`

	// AWS Services
	AWSRegion    string  `koanf:"aws_region"`
	SESFromEmail string  `koanf:"ses_from_email"`
	SNSRegion    string  `koanf:"sns_region"`
	SMSRateLimit float64 `koanf:"sms_rate_limit"` // messages per second, 0 is unlimited
	SMSSenderID  string  `koanf:"sms_sender_id"`

	// SMTP config for email sending
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from"`

	PushTimeout time.Duration `koanf:"push_timeout"`

	// Outcome sinks, each disabled when empty
	OperatorTopicARN string `koanf:"operator_topic_arn"`
	OutcomeQueueURL  string `koanf:"outcome_queue_url"`
	SQSRegion        string `koanf:"sqs_region"`

	// Circuit breakers around each transport
	BreakerMaxFailures     int           `koanf:"breaker_max_failures"`
	BreakerRecoveryTimeout time.Duration `koanf:"breaker_recovery_timeout"`

	// Operator API requests per minute per client IP, 0 disables limiting
	APIRateLimit int `koanf:"api_rate_limit"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "renewd",
		DBName:    "renewd",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		LedgerBackend: LedgerPostgres,

		NotificationIntervalMinutes: 60,
		SchedulerConcurrency:        4,
		SchedulerTimezone:           "UTC",
		SchedulerLockTTL:            10 * time.Minute,
		DispatchTimeout:             30 * time.Second,

		TransportMode: TransportAWS,
		AWSRegion:     "us-east-1",
		SESFromEmail:  "noreply@renewd.local",

		SMTPHost: "localhost",
		SMTPPort: 587,
		SMTPFrom: "noreply@renewd.local",

		PushTimeout: 30 * time.Second,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,

		APIRateLimit: 100,
	}
}

// Load reads configuration from an optional YAML file named by CONFIG_FILE,
// then from environment variables. Keys are the lower-cased variable names.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}
	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps an environment variable to its config key. An empty key is skipped.
func envKey(name string) string {
	if name == "CONFIG_FILE" {
		return ""
	}
	return strings.ToLower(name)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	switch c.LedgerBackend {
	case LedgerPostgres, LedgerRedis, LedgerMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown ledger_backend %q", c.LedgerBackend))
	}
	switch c.TransportMode {
	case TransportAWS, TransportSMTP, TransportLog:
	default:
		errs = append(errs, fmt.Errorf("unknown transport_mode %q", c.TransportMode))
	}
	if !c.DisableNotificationScheduler && c.NotificationIntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("notification_interval_minutes must be positive, got %d", c.NotificationIntervalMinutes))
	}
	if c.SchedulerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("scheduler_concurrency must be positive, got %d", c.SchedulerConcurrency))
	}
	if _, err := time.LoadLocation(c.SchedulerTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid scheduler_timezone %q: %w", c.SchedulerTimezone, err))
	}
	if c.SMSRateLimit < 0 {
		errs = append(errs, fmt.Errorf("sms_rate_limit must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SchedulerInterval is the tick period.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.NotificationIntervalMinutes) * time.Minute
}

// PostgresURL returns DatabaseURL, or builds one from the individual fields.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}
