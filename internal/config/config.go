/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables (and an optional
 * .env file), providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Fee rate and limit amounts.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	LimitsSourceConfig   = "config"
	LimitsSourcePostgres = "postgres"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix             string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange       string `mapstructure:"NOTIFICATION_EXCHANGE"`
	CustomerEventQueue         string `mapstructure:"CUSTOMER_EVENT_QUEUE"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	JWTIssuer                  string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	FeeRateRaw                 string `mapstructure:"FEE_RATE"`
	FeeDecimalPlaces           int32  `mapstructure:"FEE_DECIMAL_PLACES"`
	LedgerTimezone             string `mapstructure:"LEDGER_TIMEZONE"`
	OTPTTLSeconds              int    `mapstructure:"OTP_TTL_SECONDS"`
	OTPBcryptCost              int    `mapstructure:"OTP_BCRYPT_COST"`
	OTPIssueRateLimitPerMinute int    `mapstructure:"OTP_ISSUE_RATE_LIMIT_PER_MINUTE"`
	OTPPurgeSchedule           string `mapstructure:"OTP_PURGE_SCHEDULE"`
	LockBackend                string `mapstructure:"LOCK_BACKEND"`
	LockExpirySeconds          int    `mapstructure:"LOCK_EXPIRY_SECONDS"`
	LimitsSource               string `mapstructure:"LIMITS_SOURCE"`
	NotifyTimeoutSeconds       int    `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`

	LimitWithdrawSingle string `mapstructure:"LIMIT_WITHDRAW_SINGLE"`
	LimitWithdrawDaily  string `mapstructure:"LIMIT_WITHDRAW_DAILY"`
	LimitDepositSingle  string `mapstructure:"LIMIT_DEPOSIT_SINGLE"`
	LimitDepositDaily   string `mapstructure:"LIMIT_DEPOSIT_DAILY"`
	LimitTransferSingle string `mapstructure:"LIMIT_TRANSFER_SINGLE"`
	LimitTransferDaily  string `mapstructure:"LIMIT_TRANSFER_DAILY"`

	// Derived after load.
	FeeRate  decimal.Decimal `mapstructure:"-"`
	Location *time.Location  `mapstructure:"-"`
	Limits   []domain.Limit  `mapstructure:"-"`
}

// OTPTTL returns the OTP validity window.
func (c Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLSeconds) * time.Second
}

// NotifyTimeout returns the per-notification delivery deadline.
func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

// LockExpiry returns how long a distributed account lock survives without release.
func (c Config) LockExpiry() time.Duration {
	return time.Duration(c.LockExpirySeconds) * time.Second
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "ledger")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "ledger.events")
	viper.SetDefault("CUSTOMER_EVENT_QUEUE", "ledger_service.customer_registrations")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("FEE_RATE", "0.02")
	viper.SetDefault("FEE_DECIMAL_PLACES", 2)
	viper.SetDefault("LEDGER_TIMEZONE", "UTC")
	viper.SetDefault("OTP_TTL_SECONDS", 300)
	viper.SetDefault("OTP_BCRYPT_COST", 10)
	viper.SetDefault("OTP_ISSUE_RATE_LIMIT_PER_MINUTE", 5)
	viper.SetDefault("OTP_PURGE_SCHEDULE", "@every 1m")
	viper.SetDefault("LOCK_BACKEND", LockBackendMemory)
	viper.SetDefault("LOCK_EXPIRY_SECONDS", 10)
	viper.SetDefault("LIMITS_SOURCE", LimitsSourceConfig)
	viper.SetDefault("NOTIFY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("LIMIT_WITHDRAW_SINGLE", "10000")
	viper.SetDefault("LIMIT_WITHDRAW_DAILY", "100000")
	viper.SetDefault("LIMIT_DEPOSIT_SINGLE", "50000")
	viper.SetDefault("LIMIT_DEPOSIT_DAILY", "500000")
	viper.SetDefault("LIMIT_TRANSFER_SINGLE", "8000")
	viper.SetDefault("LIMIT_TRANSFER_DAILY", "80000")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL",
		"NOTIFICATION_EXCHANGE", "CUSTOMER_EVENT_QUEUE", "JWT_SECRET", "JWT_ISSUER",
		"CORS_ALLOWED_ORIGINS", "FEE_RATE", "FEE_DECIMAL_PLACES", "LEDGER_TIMEZONE",
		"OTP_TTL_SECONDS", "OTP_BCRYPT_COST", "OTP_ISSUE_RATE_LIMIT_PER_MINUTE",
		"OTP_PURGE_SCHEDULE", "LOCK_BACKEND", "LOCK_EXPIRY_SECONDS", "LIMITS_SOURCE",
		"NOTIFY_TIMEOUT_SECONDS",
		"LIMIT_WITHDRAW_SINGLE", "LIMIT_WITHDRAW_DAILY",
		"LIMIT_DEPOSIT_SINGLE", "LIMIT_DEPOSIT_DAILY",
		"LIMIT_TRANSFER_SINGLE", "LIMIT_TRANSFER_DAILY",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "ledger"
	}

	config.FeeRate, err = decimal.NewFromString(strings.TrimSpace(config.FeeRateRaw))
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid FEE_RATE; using 0.02\" value=%q err=%v", config.FeeRateRaw, err)
		config.FeeRate = decimal.RequireFromString("0.02")
		err = nil
	}
	if config.FeeRate.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative fee rate configured; coercing to zero\" fee_rate=%s", config.FeeRate)
		config.FeeRate = decimal.Zero
	}
	if config.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		log.Printf("level=warn component=config msg=\"fee rate too high; capping at 1\" fee_rate=%s", config.FeeRate)
		config.FeeRate = decimal.NewFromInt(1)
	}
	if config.FeeDecimalPlaces < 0 || config.FeeDecimalPlaces > domain.MoneyScale {
		log.Printf("level=warn component=config msg=\"fee decimal places out of range; using money scale\" value=%d", config.FeeDecimalPlaces)
		config.FeeDecimalPlaces = domain.MoneyScale
	}

	config.Location, err = time.LoadLocation(strings.TrimSpace(config.LedgerTimezone))
	if err != nil {
		log.Printf("level=warn component=config msg=\"unknown LEDGER_TIMEZONE; using UTC\" value=%q err=%v", config.LedgerTimezone, err)
		config.Location = time.UTC
		err = nil
	}

	if config.OTPTTLSeconds <= 0 {
		config.OTPTTLSeconds = 300
	}
	if config.OTPIssueRateLimitPerMinute < 0 {
		config.OTPIssueRateLimitPerMinute = 0
	}
	if config.NotifyTimeoutSeconds <= 0 {
		config.NotifyTimeoutSeconds = 10
	}
	if config.LockExpirySeconds <= 0 {
		config.LockExpirySeconds = 10
	}
	if strings.TrimSpace(config.OTPPurgeSchedule) == "" {
		config.OTPPurgeSchedule = "@every 1m"
	}

	config.LockBackend = strings.ToLower(strings.TrimSpace(config.LockBackend))
	if config.LockBackend != LockBackendMemory && config.LockBackend != LockBackendRedis {
		log.Printf("level=warn component=config msg=\"unknown LOCK_BACKEND; using memory\" value=%q", config.LockBackend)
		config.LockBackend = LockBackendMemory
	}
	config.LimitsSource = strings.ToLower(strings.TrimSpace(config.LimitsSource))
	if config.LimitsSource != LimitsSourceConfig && config.LimitsSource != LimitsSourcePostgres {
		log.Printf("level=warn component=config msg=\"unknown LIMITS_SOURCE; using config\" value=%q", config.LimitsSource)
		config.LimitsSource = LimitsSourceConfig
	}

	config.Limits, err = config.buildLimits()
	return
}

func (c Config) buildLimits() ([]domain.Limit, error) {
	raw := []struct {
		op            domain.OperationType
		single, daily string
	}{
		{domain.OperationWithdraw, c.LimitWithdrawSingle, c.LimitWithdrawDaily},
		{domain.OperationDeposit, c.LimitDepositSingle, c.LimitDepositDaily},
		{domain.OperationTransfer, c.LimitTransferSingle, c.LimitTransferDaily},
	}

	out := make([]domain.Limit, 0, len(raw))
	for _, r := range raw {
		single, daily := strings.TrimSpace(r.single), strings.TrimSpace(r.daily)
		if single == "" && daily == "" {
			continue
		}
		s, err := decimal.NewFromString(single)
		if err != nil {
			return nil, fmt.Errorf("invalid single cap for %s: %w", r.op, err)
		}
		d, err := decimal.NewFromString(daily)
		if err != nil {
			return nil, fmt.Errorf("invalid daily cap for %s: %w", r.op, err)
		}
		out = append(out, domain.Limit{Operation: r.op, SingleCap: s, DailyCap: d})
	}
	return out, nil
}
