package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverKafka    = "kafka"
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"

	CommitManual = "manual"
	CommitAuto   = "auto"
)

type Config struct {
	// App
	AppName    string
	AppEnv     string
	AppBaseURL string
	LogLevel   string

	// Server
	ServerPort string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// JWT
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// AWS S3 (template overrides)
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	S3UseSSL           string
	S3TemplateBucket   string
	S3TemplatePrefix   string

	// Messaging
	MessagingDriver    string
	MessagingBrokers   []string
	MessagingClientID  string
	ConsumerGroup      string
	NotificationTopic  string
	DeadLetterTopic    string
	CommitPolicy       string
	AutoCommitInterval time.Duration
	SessionTimeout     time.Duration
	PollTimeout        time.Duration
	StatisticsInterval time.Duration
	PublishTimeout     time.Duration
	MaxRedeliveries    int
	RetryBackoff       time.Duration
	MaxRetryBackoff    time.Duration

	// RabbitMQ
	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPassword string

	// SMTP
	SMTPHost        string
	SMTPPort        string
	SMTPUser        string
	SMTPPassword    string
	SMTPImplicitTLS bool
	SMTPTimeout     time.Duration
	MailFromAddress string
	MailFromName    string

	// SMS gateway
	SMSGatewayURL string
	SMSAPIKey     string
	SMSSender     string
}

func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	config := &Config{
		AppName:    getEnv("APP_NAME", "Mailflow"),
		AppEnv:     getEnv("APP_ENV", "development"),
		AppBaseURL: getEnv("APP_BASE_URL", "http://localhost:3000"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "mailflow"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTIssuer:       getEnv("JWT_ISSUER", "mailflow-users"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "mailflow"),
		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),

		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpoint:        getEnv("AWS_ENDPOINT", ""),
		S3UseSSL:           getEnv("S3_USE_SSL", "true"),
		S3TemplateBucket:   getEnv("S3_TEMPLATE_BUCKET", ""),
		S3TemplatePrefix:   getEnv("S3_TEMPLATE_PREFIX", "templates"),

		MessagingDriver:    strings.ToLower(getEnv("MESSAGING_DRIVER", DriverKafka)),
		MessagingBrokers:   getEnvList("MESSAGING_BROKERS", []string{"localhost:9092"}),
		MessagingClientID:  getEnv("MESSAGING_CLIENT_ID", "mailflow"),
		ConsumerGroup:      getEnv("MESSAGING_CONSUMER_GROUP", "MessagesApp"),
		NotificationTopic:  getEnv("MESSAGING_NOTIFICATION_TOPIC", "notifications"),
		DeadLetterTopic:    getEnv("MESSAGING_DEAD_LETTER_TOPIC", "notifications.dlq"),
		CommitPolicy:       strings.ToLower(getEnv("MESSAGING_COMMIT_POLICY", CommitManual)),
		AutoCommitInterval: getEnvDuration("MESSAGING_AUTO_COMMIT_INTERVAL", time.Second),
		SessionTimeout:     getEnvDuration("MESSAGING_SESSION_TIMEOUT", 6*time.Second),
		PollTimeout:        getEnvDuration("MESSAGING_POLL_TIMEOUT", time.Second),
		StatisticsInterval: getEnvDuration("MESSAGING_STATISTICS_INTERVAL", 5*time.Second),
		PublishTimeout:     getEnvDuration("MESSAGING_PUBLISH_TIMEOUT", 5*time.Second),
		MaxRedeliveries:    getEnvInt("MESSAGING_MAX_REDELIVERIES", 3),
		RetryBackoff:       getEnvDuration("MESSAGING_RETRY_BACKOFF", 500*time.Millisecond),
		MaxRetryBackoff:    getEnvDuration("MESSAGING_MAX_RETRY_BACKOFF", 10*time.Second),

		RabbitMQHost:     getEnv("RABBITMQ_HOST", "localhost"),
		RabbitMQPort:     getEnv("RABBITMQ_PORT", "5672"),
		RabbitMQUser:     getEnv("RABBITMQ_USER", "guest"),
		RabbitMQPassword: getEnv("RABBITMQ_PASSWORD", "guest"),

		SMTPHost:        getEnv("SMTP_HOST", "localhost"),
		SMTPPort:        getEnv("SMTP_PORT", "1025"),
		SMTPUser:        getEnv("SMTP_USER", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SMTPImplicitTLS: getEnvBool("SMTP_IMPLICIT_TLS", false),
		SMTPTimeout:     getEnvDuration("SMTP_TIMEOUT", 10*time.Second),
		MailFromAddress: getEnv("MAIL_FROM_ADDRESS", "no-reply@mailflow.local"),
		MailFromName:    getEnv("MAIL_FROM_NAME", "Mailflow"),

		SMSGatewayURL: getEnv("SMS_GATEWAY_URL", ""),
		SMSAPIKey:     getEnv("SMS_API_KEY", ""),
		SMSSender:     getEnv("SMS_SENDER", "Mailflow"),
	}

	// JWT_SECRET validation is optional - only required for services that issue tokens

	return config, nil
}

// AutoCommit reports whether offsets advance independently of handler outcome.
func (c *Config) AutoCommit() bool {
	return c.CommitPolicy == CommitAuto
}

// Validate checks the messaging settings a consumer or producer cannot run without.
func (c *Config) Validate() error {
	switch c.MessagingDriver {
	case DriverKafka:
		if len(c.MessagingBrokers) == 0 {
			return fmt.Errorf("MESSAGING_BROKERS must list at least one broker for the kafka driver")
		}
	case DriverRabbitMQ, DriverMemory:
	default:
		return fmt.Errorf("unknown MESSAGING_DRIVER %q", c.MessagingDriver)
	}

	switch c.CommitPolicy {
	case CommitManual, CommitAuto:
	default:
		return fmt.Errorf("unknown MESSAGING_COMMIT_POLICY %q", c.CommitPolicy)
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("MESSAGING_POLL_TIMEOUT must be positive")
	}
	if c.NotificationTopic == "" {
		return fmt.Errorf("MESSAGING_NOTIFICATION_TOPIC is required")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("MESSAGING_CONSUMER_GROUP is required")
	}
	if c.MaxRedeliveries < 0 {
		return fmt.Errorf("MESSAGING_MAX_REDELIVERIES must not be negative")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.DBHost,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBPort,
		c.DBSSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("1500ms") or plain milliseconds ("1500").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
