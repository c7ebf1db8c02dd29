// Package config 编排服务配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/fulfillment/saga-orchestrator/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string
	LogLevel    string

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	AutoMigrate       bool

	// Redis（跨实例轮询锁，可选）
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// Dependencies
	OrderServiceURL     string
	CollectorServiceURL string
	OfficeServiceURL    string
	DeliveryServiceURL  string
	PaymentServiceURL   string
	InternalToken       string
	AdminToken          string
	CallTimeout         time.Duration
	HTTPRetryMax        int

	// Polls
	StepPollInterval         time.Duration
	RetryPollInterval        time.Duration
	CompensationPollInterval time.Duration
	CleanupInterval          time.Duration
	VozvratPollInterval      time.Duration
	PaybackPollInterval      time.Duration
	PollBatchSize            int
	PollConcurrency          int

	// Saga
	MaxRetries             int
	CompensationMaxRetries int
	DefaultTimeoutMinutes  int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	StepLeaseTimeout       time.Duration
	SystemAccountName      string

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	appEnv := strings.ToLower(envconfig.GetEnv("APP_ENV", "dev"))
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "saga-orchestrator"),
		HTTPPort:    envconfig.GetEnvInt("SAGA_HTTP_PORT", envconfig.GetEnvInt("HTTP_PORT", 8090)),
		AppEnv:      appEnv,
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		DBHost:            envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:            envconfig.GetEnv("DB_USER", "saga"),
		DBPassword:        envconfig.GetEnv("DB_PASSWORD", "saga123"),
		DBName:            envconfig.GetEnv("DB_NAME", "saga"),
		DBSSLMode:         envconfig.GetEnv("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 30),
		DBMaxIdleConns:    envconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: envconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: envconfig.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		AutoMigrate:       envconfig.GetEnvBool("DB_AUTO_MIGRATE", appEnv == "dev"),

		RedisEnabled:  envconfig.GetEnvBool("REDIS_ENABLED", false),
		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),
		LockTTL:       envconfig.GetEnvDuration("POLL_LOCK_TTL", 2*time.Minute),

		OrderServiceURL:     envconfig.GetEnv("ORDER_SERVICE_URL", "http://localhost:8081"),
		CollectorServiceURL: envconfig.GetEnv("COLLECTOR_SERVICE_URL", "http://localhost:8082"),
		OfficeServiceURL:    envconfig.GetEnv("OFFICE_SERVICE_URL", "http://localhost:8083"),
		DeliveryServiceURL:  envconfig.GetEnv("DELIVERY_SERVICE_URL", "http://localhost:8084"),
		PaymentServiceURL:   envconfig.GetEnv("PAYMENT_SERVICE_URL", "http://localhost:8085"),
		InternalToken:       envconfig.GetEnv("INTERNAL_TOKEN", ""),
		AdminToken:          envconfig.GetEnv("ADMIN_TOKEN", ""),
		CallTimeout:         envconfig.GetEnvDuration("CALL_TIMEOUT", 10*time.Second),
		HTTPRetryMax:        envconfig.GetEnvInt("HTTP_RETRY_MAX", 2),

		StepPollInterval:         envconfig.GetEnvDuration("STEP_POLL_INTERVAL", 30*time.Second),
		RetryPollInterval:        envconfig.GetEnvDuration("RETRY_POLL_INTERVAL", 60*time.Second),
		CompensationPollInterval: envconfig.GetEnvDuration("COMPENSATION_POLL_INTERVAL", 60*time.Second),
		CleanupInterval:          envconfig.GetEnvDuration("CLEANUP_INTERVAL", 120*time.Second),
		VozvratPollInterval:      envconfig.GetEnvDuration("VOZVRAT_POLL_INTERVAL", 10*time.Second),
		PaybackPollInterval:      envconfig.GetEnvDuration("PAYBACK_POLL_INTERVAL", 15*time.Second),
		PollBatchSize:            envconfig.GetEnvPositiveInt("POLL_BATCH_SIZE", 100),
		PollConcurrency:          envconfig.GetEnvPositiveInt("POLL_CONCURRENCY", 8),

		MaxRetries:             envconfig.GetEnvPositiveInt("MAX_RETRIES", 3),
		CompensationMaxRetries: envconfig.GetEnvPositiveInt("COMPENSATION_MAX_RETRIES", 3),
		DefaultTimeoutMinutes:  envconfig.GetEnvPositiveInt("DEFAULT_TIMEOUT_MINUTES", 1440),
		RetryBaseDelay:         envconfig.GetEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:          envconfig.GetEnvDuration("RETRY_MAX_DELAY", 10*time.Minute),
		StepLeaseTimeout:       envconfig.GetEnvDuration("STEP_LEASE_TIMEOUT", 5*time.Minute),
		SystemAccountName:      envconfig.GetEnv("SYSTEM_ACCOUNT_NAME", "saga-system"),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   envconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),

		WorkerID: envconfig.GetEnvInt64("WORKER_ID", 9),
	}
}

func (c *Config) Validate() error {
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be between 0 and 1023")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	if c.StepLeaseTimeout <= c.CallTimeout {
		return fmt.Errorf("STEP_LEASE_TIMEOUT must be greater than CALL_TIMEOUT")
	}
	if c.RedisEnabled && c.LockTTL <= 0 {
		return fmt.Errorf("POLL_LOCK_TTL must be positive when REDIS_ENABLED=true")
	}
	if c.AppEnv != "dev" {
		if err := envconfig.CheckSecret("INTERNAL_TOKEN", c.InternalToken); err != nil {
			return fmt.Errorf("%w (APP_ENV=%s)", err, c.AppEnv)
		}
		if err := envconfig.CheckSecret("ADMIN_TOKEN", c.AdminToken); err != nil {
			return fmt.Errorf("%w (APP_ENV=%s)", err, c.AppEnv)
		}
		if c.DBPassword == "" || c.DBPassword == "saga123" {
			return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
		}
		if strings.EqualFold(c.DBSSLMode, "disable") {
			return fmt.Errorf("DB_SSL_MODE must not be disable (APP_ENV=%s)", c.AppEnv)
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
