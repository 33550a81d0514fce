// Package config provides configuration loading using koanf.
// Precedence: environment variables → compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/taskhive/auth-core/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Service configuration
	Authd AuthdConfig `koanf:"authd"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`

	// Domain configurations
	JWT    JWTConfig    `koanf:"jwt"`
	SMS    SMSConfig    `koanf:"sms"`
	Limits LimitsConfig `koanf:"limits"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// AuthdConfig holds auth service configuration.
type AuthdConfig struct {
	HTTPPort int `koanf:"http_port"`
}

// DynamoDBConfig holds DynamoDB configuration, including the table names
// the auth service owns.
type DynamoDBConfig struct {
	Endpoint string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout  time.Duration `koanf:"timeout"`

	UsersTable       string `koanf:"users_table"`
	OTPFallbackTable string `koanf:"otp_fallback_table"`
	RefreshTable     string `koanf:"refresh_table"`
	BlacklistTable   string `koanf:"blacklist_table"`
	AuditTable       string `koanf:"audit_table"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Required in prod
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
	PoolSize int           `koanf:"pool_size"` // Zero uses the go-redis default
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// JWTConfig holds signing-key and claim configuration.
type JWTConfig struct {
	Issuer   string `koanf:"issuer"`
	Audience string `koanf:"audience"`
	KeyID    string `koanf:"key_id"`

	// Exactly one key source is used: a local PEM file (local/dev) or a
	// Secrets Manager secret name (prod).
	PrivateKeyPath string `koanf:"private_key_path"`
	SecretName     string `koanf:"secret_name"`

	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
}

// SMSConfig holds SMS delivery configuration for both providers.
type SMSConfig struct {
	// Primary selects which provider sends first: "sns" or "twilio".
	Primary  string `koanf:"primary"`
	SenderID string `koanf:"sender_id"`

	Twilio TwilioConfig `koanf:"twilio"`

	FailoverCooldown time.Duration `koanf:"failover_cooldown"`
}

// TwilioConfig holds Twilio REST API credentials.
type TwilioConfig struct {
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	From       string `koanf:"from"`
}

// LimitsConfig holds rate-limit and verification limits. Zero values fall
// back to the compiled defaults in the domain package.
type LimitsConfig struct {
	SMSPerPhoneHourly int           `koanf:"sms_per_phone_hourly"`
	SMSPerPhoneDaily  int           `koanf:"sms_per_phone_daily"`
	VerifyPerIPHourly int           `koanf:"verify_per_ip_hourly"`
	ResendCooldown    time.Duration `koanf:"resend_cooldown"`
	MaxVerifyAttempts int           `koanf:"max_verify_attempts"`
	CodeValidity      time.Duration `koanf:"code_validity"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint       string        `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName    string        `koanf:"service_name"`
	ExportInterval time.Duration `koanf:"export_interval"` // Zero uses the observability default
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Authd: AuthdConfig{
			HTTPPort: 8080,
		},

		DynamoDB: DynamoDBConfig{
			Timeout:          domain.DynamoTimeout,
			UsersTable:       "auth_users",
			OTPFallbackTable: "auth_otp_fallback",
			RefreshTable:     "auth_refresh_credentials",
			BlacklistTable:   "auth_token_blacklist",
			AuditTable:       "auth_audit_log",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},

		JWT: JWTConfig{
			Issuer:     "taskhive-auth",
			Audience:   "taskhive-api",
			KeyID:      "auth-signing-1",
			AccessTTL:  domain.AccessTokenLifetime,
			RefreshTTL: domain.RefreshTokenLifetime,
		},
		SMS: SMSConfig{
			Primary:          "sns",
			SenderID:         "TaskHive",
			FailoverCooldown: domain.SMSFailoverCooldown,
		},
		Limits: LimitsConfig{
			SMSPerPhoneHourly: domain.SMSPerPhoneHourly,
			SMSPerPhoneDaily:  domain.SMSPerPhoneDaily,
			VerifyPerIPHourly: domain.VerifyPerIPHourly,
			ResendCooldown:    domain.ResendCooldown,
			MaxVerifyAttempts: domain.MaxVerifyAttempts,
			CodeValidity:      domain.CodeValidity,
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Required keys missing → startup failure.
// Optional keys missing → fallback to defaults.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	// Load environment variables
	// Prefix: none (we use full names like AUTHD_HTTP_PORT)
	// Delimiter: _ maps to . for nested config
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	// In local environment, most fields have sensible defaults
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}
	if cfg.JWT.PrivateKeyPath == "" && cfg.JWT.SecretName == "" {
		return fmt.Errorf("%w: jwt.private_key_path or jwt.secret_name", domain.ErrConfigRequired)
	}

	if cfg.Environment == "prod" {
		if cfg.SMS.Primary == "twilio" || cfg.SMS.Primary == "" {
			if cfg.SMS.Twilio.AccountSID == "" || cfg.SMS.Twilio.AuthToken == "" {
				return fmt.Errorf("%w: sms.twilio credentials", domain.ErrConfigRequired)
			}
		}
	}

	return nil
}

// DevProfile reports whether the relaxed development limits apply.
func (c *Config) DevProfile() bool {
	return c.Environment == "local" || c.Environment == "dev"
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
