package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	Debug    bool

	// Queue processing
	ProcessInterval time.Duration // scheduler tick
	MaxRetries      int
	BatchSize       int
	SendTimeout     time.Duration
	StaleClaimAfter time.Duration

	// Store is "postgres" or "memory".
	Store string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis is optional; RedisEnabled is false when REDIS_HOST is empty.
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email
	EmailTransport string // smtp or ses
	EmailQuiet     bool   // log instead of sending
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPTimeout    time.Duration

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack
	SESFromEmail string

	// Webhooks
	WebhookTimeout time.Duration
	WebhookRPS     float64
	WebhookBurst   int

	// Delivery events
	EventsSNSTopicARN string
	EventsSQSQueueURL string

	// Dedup windows
	DedupDailyReminder time.Duration
	DedupGoalReminder  time.Duration
	DedupWeeklyReport  time.Duration

	// Job schedules, cron syntax
	ScheduleQueueDrain    string
	ScheduleReminderScan  string
	ScheduleWeeklyReport  string
	ScheduleThresholdScan string
	ScheduleTokenCleanup  string

	// API rate limit per user per minute, 0 disables
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		ProcessInterval: 60 * time.Second,
		MaxRetries:      3,
		BatchSize:       50,
		SendTimeout:     10 * time.Second,
		StaleClaimAfter: 10 * time.Minute,

		Store: "postgres",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "nicotrack",
		DBName:    "nicotrack",
		DBSSLMode: "disable",

		RedisPort: 6379,

		EmailTransport: "smtp",
		SMTPHost:       "localhost",
		SMTPPort:       587,
		SMTPFrom:       "noreply@nicotrack.local",
		SMTPTimeout:    10 * time.Second,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@nicotrack.local",

		WebhookTimeout: 10 * time.Second,
		WebhookRPS:     5,
		WebhookBurst:   5,

		DedupDailyReminder: 23 * time.Hour,
		DedupGoalReminder:  4 * time.Hour,
		DedupWeeklyReport:  144 * time.Hour,

		ScheduleQueueDrain:    "@every 5m",
		ScheduleReminderScan:  "* * * * *",
		ScheduleWeeklyReport:  "0 10 * * MON",
		ScheduleThresholdScan: "@every 30m",
		ScheduleTokenCleanup:  "0 2 * * *",

		RateLimitPerMinute: 60,
	}

	var err error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	// seconds reads a whole number of seconds, or a Go duration like "90s".
	seconds := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, perr := parseSeconds(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}
	duration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("invalid %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	boolean("DEBUG", &cfg.Debug)

	seconds("PROCESS_INTERVAL", &cfg.ProcessInterval)
	num("MAX_RETRIES", &cfg.MaxRetries)
	num("BATCH_SIZE", &cfg.BatchSize)
	seconds("SEND_TIMEOUT", &cfg.SendTimeout)
	duration("STALE_CLAIM_AFTER", &cfg.StaleClaimAfter)

	str("STORE", &cfg.Store)

	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	cfg.RedisEnabled = cfg.RedisHost != ""

	str("EMAIL_TRANSPORT", &cfg.EmailTransport)
	boolean("EMAIL_QUIET", &cfg.EmailQuiet)
	str("SMTP_HOST", &cfg.SMTPHost)
	num("SMTP_PORT", &cfg.SMTPPort)
	str("SMTP_USERNAME", &cfg.SMTPUsername)
	str("SMTP_PASSWORD", &cfg.SMTPPassword)
	str("SMTP_FROM", &cfg.SMTPFrom)
	seconds("SMTP_TIMEOUT", &cfg.SMTPTimeout)

	str("AWS_REGION", &cfg.AWSRegion)
	str("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)

	seconds("WEBHOOK_TIMEOUT", &cfg.WebhookTimeout)
	num("WEBHOOK_BURST", &cfg.WebhookBurst)
	if v := os.Getenv("WEBHOOK_RPS"); v != "" && err == nil {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf("invalid WEBHOOK_RPS: %w", perr)
		}
		cfg.WebhookRPS = f
	}

	str("EVENTS_SNS_TOPIC_ARN", &cfg.EventsSNSTopicARN)
	str("EVENTS_SQS_QUEUE_URL", &cfg.EventsSQSQueueURL)

	duration("DEDUP_DAILY_REMINDER_WINDOW", &cfg.DedupDailyReminder)
	duration("DEDUP_GOAL_REMINDER_WINDOW", &cfg.DedupGoalReminder)
	duration("DEDUP_WEEKLY_REPORT_WINDOW", &cfg.DedupWeeklyReport)

	str("SCHEDULE_QUEUE_DRAIN", &cfg.ScheduleQueueDrain)
	str("SCHEDULE_REMINDER_SCAN", &cfg.ScheduleReminderScan)
	str("SCHEDULE_WEEKLY_REPORT", &cfg.ScheduleWeeklyReport)
	str("SCHEDULE_THRESHOLD_SCAN", &cfg.ScheduleThresholdScan)
	str("SCHEDULE_TOKEN_CLEANUP", &cfg.ScheduleTokenCleanup)
	if v := os.Getenv("GOAL_SCAN_INTERVAL"); v != "" && os.Getenv("SCHEDULE_THRESHOLD_SCAN") == "" {
		cfg.ScheduleThresholdScan = "@every " + v
	}

	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)

	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE %q: want postgres or memory", c.Store)
	}
	switch c.EmailTransport {
	case "smtp", "ses":
	default:
		return fmt.Errorf("invalid EMAIL_TRANSPORT %q: want smtp or ses", c.EmailTransport)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("invalid MAX_RETRIES %d: must be at least 1", c.MaxRetries)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("invalid BATCH_SIZE %d: must be at least 1", c.BatchSize)
	}
	if c.ProcessInterval <= 0 {
		return fmt.Errorf("invalid PROCESS_INTERVAL: must be positive")
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
