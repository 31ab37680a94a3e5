package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// SMS providers
const (
	SMSProviderSNS     = "sns"
	SMSProviderGateway = "gateway"
	SMSProviderLog     = "log"
)

// Email providers
const (
	EmailProviderSES = "ses"
	EmailProviderLog = "log"
)

// Media backends for WhatsApp image hand-off
const (
	MediaWhatsApp = "whatsapp"
	MediaS3       = "s3"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreBackend selects postgres or the in-process memory store.
	StoreBackend string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int

	// Redis config; empty RedisHost and RedisURL disable idempotency and rate limits
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	EmailProvider       string
	AWSRegion           string
	SESFromEmail        string
	SESConfigurationSet string
	SNSRegion           string // AWS region for SNS (SMS)
	SNSSenderID         string
	SNSMaxPrice         string

	// SES feedback queue (SES -> SNS -> SQS)
	SESFeedbackQueueURL string
	// EventsTopicARN receives delivery events; empty disables publishing
	EventsTopicARN string

	// WhatsApp Cloud API
	WhatsAppAPIBase       string
	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string
	WhatsAppVerifyToken   string
	WhatsAppAppSecret     string
	WhatsAppWindow        time.Duration

	// SMS
	SMSProvider      string
	SMSGatewayURL    string
	SMSGatewayKey    string
	SMSGatewaySecret string
	SMSSenderID      string
	SMSPacing        time.Duration

	// Media hand-off for WhatsApp images
	MediaBackend string
	MediaBucket  string
	MediaPrefix  string

	// Dispatch
	DefaultCountryCode string
	SendTimeout        time.Duration
	TemplateCatalog    string

	// Circuit breaker per channel adapter
	BreakerMaxFailures int
	BreakerRecovery    time.Duration

	// API rate limit per owner; RecipientLimit caps recipients per window
	// and zero disables it
	RateLimit       int
	RecipientLimit  int
	RateLimitWindow time.Duration

	// OwnerFallback is "latest_event" or "none".
	OwnerFallback string

	CORSOrigins []string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreBackend: StorePostgres,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "herald",
		DBName:    "herald",
		DBSSLMode: "disable",

		// Redis defaults
		RedisPort: 6379,

		EmailProvider: EmailProviderSES,
		AWSRegion:     "us-east-1",
		SESFromEmail:  "noreply@herald.local",

		WhatsAppWindow: 24 * time.Hour,

		SMSProvider: SMSProviderLog,
		SMSPacing:   time.Second,

		MediaBackend: MediaWhatsApp,
		MediaPrefix:  "whatsapp-media/",

		DefaultCountryCode: "255",
		SendTimeout:        30 * time.Second,

		BreakerMaxFailures: 5,
		BreakerRecovery:    30 * time.Second,

		RateLimit:       600,
		RateLimitWindow: time.Minute,

		OwnerFallback: "latest_event",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		cfg.StoreBackend = strings.ToLower(backend)
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if err := intEnv("DB_MAX_CONNS", &cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	cfg.RedisURL = os.Getenv("REDIS_URL")

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if err := intEnv("REDIS_PORT", &cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if err := intEnv("REDIS_DB", &cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		cfg.EmailProvider = strings.ToLower(provider)
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	cfg.SESConfigurationSet = os.Getenv("SES_CONFIGURATION_SET")
	cfg.SESFeedbackQueueURL = os.Getenv("SES_FEEDBACK_QUEUE_URL")
	cfg.EventsTopicARN = os.Getenv("EVENTS_TOPIC_ARN")

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSSenderID = os.Getenv("SNS_SENDER_ID")
	cfg.SNSMaxPrice = os.Getenv("SNS_MAX_PRICE")

	// WhatsApp
	cfg.WhatsAppAPIBase = os.Getenv("WHATSAPP_API_BASE")
	cfg.WhatsAppPhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	cfg.WhatsAppAccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	cfg.WhatsAppVerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	cfg.WhatsAppAppSecret = os.Getenv("WHATSAPP_APP_SECRET")

	if hours := os.Getenv("WHATSAPP_WINDOW_HOURS"); hours != "" {
		h, err := strconv.Atoi(hours)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid WHATSAPP_WINDOW_HOURS: %q", hours)
		}
		cfg.WhatsAppWindow = time.Duration(h) * time.Hour
	}

	// SMS
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		cfg.SMSProvider = strings.ToLower(provider)
	}
	cfg.SMSGatewayURL = os.Getenv("SMS_HTTP_URL")
	cfg.SMSGatewayKey = os.Getenv("SMS_HTTP_API_KEY")
	cfg.SMSGatewaySecret = os.Getenv("SMS_HTTP_API_SECRET")
	cfg.SMSSenderID = os.Getenv("SMS_SENDER_ID")

	if err := millisEnv("SMS_PACING_MS", &cfg.SMSPacing); err != nil {
		return nil, err
	}

	// Media
	if backend := os.Getenv("MEDIA_BACKEND"); backend != "" {
		cfg.MediaBackend = strings.ToLower(backend)
	}
	cfg.MediaBucket = os.Getenv("MEDIA_BUCKET")
	if prefix := os.Getenv("MEDIA_PREFIX"); prefix != "" {
		cfg.MediaPrefix = prefix
	}

	// Dispatch
	if cc := os.Getenv("DEFAULT_COUNTRY_CODE"); cc != "" {
		cfg.DefaultCountryCode = strings.TrimPrefix(cc, "+")
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	cfg.TemplateCatalog = os.Getenv("TEMPLATE_CATALOG")

	if err := intEnv("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}

	if recovery := os.Getenv("BREAKER_RECOVERY"); recovery != "" {
		d, err := time.ParseDuration(recovery)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_RECOVERY: %w", err)
		}
		cfg.BreakerRecovery = d
	}

	// Rate limiting
	if err := intEnv("RATE_LIMIT", &cfg.RateLimit); err != nil {
		return nil, err
	}

	if err := intEnv("RECIPIENT_LIMIT", &cfg.RecipientLimit); err != nil {
		return nil, err
	}

	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
		}
		cfg.RateLimitWindow = d
	}

	if fallback := os.Getenv("OWNER_FALLBACK"); fallback != "" {
		cfg.OwnerFallback = strings.ToLower(fallback)
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the gateway cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %q (want postgres or memory)", c.StoreBackend)
	}

	switch c.EmailProvider {
	case EmailProviderSES, EmailProviderLog:
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER: %q", c.EmailProvider)
	}

	switch c.SMSProvider {
	case SMSProviderSNS, SMSProviderLog:
	case SMSProviderGateway:
		if c.SMSGatewayURL == "" {
			return fmt.Errorf("SMS_HTTP_URL is required when SMS_PROVIDER=gateway")
		}
	default:
		return fmt.Errorf("invalid SMS_PROVIDER: %q", c.SMSProvider)
	}

	switch c.MediaBackend {
	case MediaWhatsApp:
	case MediaS3:
		if c.MediaBucket == "" {
			return fmt.Errorf("MEDIA_BUCKET is required when MEDIA_BACKEND=s3")
		}
	default:
		return fmt.Errorf("invalid MEDIA_BACKEND: %q", c.MediaBackend)
	}

	switch c.OwnerFallback {
	case "latest_event", "none":
	default:
		return fmt.Errorf("invalid OWNER_FALLBACK: %q", c.OwnerFallback)
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	return nil
}

// WhatsAppEnabled reports whether Cloud API credentials are present.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppPhoneNumberID != "" && c.WhatsAppAccessToken != ""
}

// RedisEnabled reports whether a Redis server is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func millisEnv(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fmt.Errorf("invalid %s: %q", name, v)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
