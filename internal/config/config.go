/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the claim-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string  `mapstructure:"SERVER_PORT"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	RedisURL                string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string  `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL             string  `mapstructure:"RABBITMQ_URL"`
	LedgerAPIBaseURL        string  `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey            string  `mapstructure:"LEDGER_API_KEY"`
	LedgerFundingAccountID  string  `mapstructure:"LEDGER_FUNDING_ACCOUNT_ID"`
	AuthJWKSURL             string  `mapstructure:"AUTH_JWKS_URL"`
	InternalAPIKey          string  `mapstructure:"INTERNAL_API_KEY"`
	ClaimRateLimitAttempts  int     `mapstructure:"CLAIM_RATE_LIMIT_ATTEMPTS"`
	ClaimRateLimitWindowSec int     `mapstructure:"CLAIM_RATE_LIMIT_WINDOW_SECONDS"`
	DropLockLeaseSec        int     `mapstructure:"DROP_LOCK_LEASE_SECONDS"`
	DropWindowStart         string  `mapstructure:"DROP_WINDOW_START"`
	DropWindowEnd           string  `mapstructure:"DROP_WINDOW_END"`
	DropTimezone            string  `mapstructure:"DROP_TIMEZONE"`
	ClaimWindowMinutes      int     `mapstructure:"CLAIM_WINDOW_MINUTES"`
	DailyDropSchedule       string  `mapstructure:"DAILY_DROP_SCHEDULE"`
	ReconcileSchedule       string  `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileAfterMinutes   int     `mapstructure:"RECONCILE_AFTER_MINUTES"`
	BlackoutWindows         string  `mapstructure:"BLACKOUT_WINDOWS"`
	DefaultBaseAmount       float64 `mapstructure:"DEFAULT_BASE_AMOUNT"`
	DefaultCurrency         string  `mapstructure:"DEFAULT_CURRENCY"`
	DefaultSpeedMultiplier  float64 `mapstructure:"DEFAULT_SPEED_MULTIPLIER"`
	DefaultStreakMultiplier float64 `mapstructure:"DEFAULT_STREAK_MULTIPLIER"`
	DefaultWeekendBonus     float64 `mapstructure:"DEFAULT_WEEKEND_BONUS"`
	DefaultMinReward        float64 `mapstructure:"DEFAULT_MIN_REWARD"`
	DefaultMaxReward        float64 `mapstructure:"DEFAULT_MAX_REWARD"`
	WinnerCooldownDays      int     `mapstructure:"WINNER_COOLDOWN_DAYS"`
	WeeklyWinCap            int     `mapstructure:"WEEKLY_WIN_CAP"`
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

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "rewardrush:claim")
	viper.SetDefault("CLAIM_RATE_LIMIT_ATTEMPTS", 3)
	viper.SetDefault("CLAIM_RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("DROP_LOCK_LEASE_SECONDS", 5)
	viper.SetDefault("DROP_WINDOW_START", "06:00")
	viper.SetDefault("DROP_WINDOW_END", "23:00")
	viper.SetDefault("DROP_TIMEZONE", "UTC")
	viper.SetDefault("CLAIM_WINDOW_MINUTES", 15)
	viper.SetDefault("DAILY_DROP_SCHEDULE", "0 0 * * *")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_AFTER_MINUTES", 15)
	viper.SetDefault("DEFAULT_BASE_AMOUNT", 10.0)
	viper.SetDefault("DEFAULT_CURRENCY", "USD")
	viper.SetDefault("DEFAULT_SPEED_MULTIPLIER", 0.2)
	viper.SetDefault("DEFAULT_STREAK_MULTIPLIER", 0.05)
	viper.SetDefault("DEFAULT_WEEKEND_BONUS", 0.5)
	viper.SetDefault("DEFAULT_MIN_REWARD", 1.0)
	viper.SetDefault("DEFAULT_MAX_REWARD", 100.0)
	viper.SetDefault("WINNER_COOLDOWN_DAYS", 1)
	viper.SetDefault("WEEKLY_WIN_CAP", 3)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CLAIM_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("LEDGER_FUNDING_ACCOUNT_ID")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CLAIM_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_ATTEMPTS")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("DROP_LOCK_LEASE_SECONDS")
	_ = viper.BindEnv("DROP_WINDOW_START")
	_ = viper.BindEnv("DROP_WINDOW_END")
	_ = viper.BindEnv("DROP_TIMEZONE")
	_ = viper.BindEnv("CLAIM_WINDOW_MINUTES")
	_ = viper.BindEnv("DAILY_DROP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_AFTER_MINUTES")
	_ = viper.BindEnv("BLACKOUT_WINDOWS")
	_ = viper.BindEnv("DEFAULT_BASE_AMOUNT")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("DEFAULT_SPEED_MULTIPLIER")
	_ = viper.BindEnv("DEFAULT_STREAK_MULTIPLIER")
	_ = viper.BindEnv("DEFAULT_WEEKEND_BONUS")
	_ = viper.BindEnv("DEFAULT_MIN_REWARD")
	_ = viper.BindEnv("DEFAULT_MAX_REWARD")
	_ = viper.BindEnv("WINNER_COOLDOWN_DAYS")
	_ = viper.BindEnv("WEEKLY_WIN_CAP")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CLAIM_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "rewardrush:claim"
	}

	// Guard against nonsensical values that would break the claim race.
	if config.ClaimRateLimitAttempts < 1 {
		log.Printf("level=warn component=config msg=\"invalid CLAIM_RATE_LIMIT_ATTEMPTS, using default\" value=%d", config.ClaimRateLimitAttempts)
		config.ClaimRateLimitAttempts = 3
	}
	if config.ClaimRateLimitWindowSec < 1 {
		log.Printf("level=warn component=config msg=\"invalid CLAIM_RATE_LIMIT_WINDOW_SECONDS, using default\" value=%d", config.ClaimRateLimitWindowSec)
		config.ClaimRateLimitWindowSec = 60
	}
	if config.DropLockLeaseSec < 1 {
		log.Printf("level=warn component=config msg=\"invalid DROP_LOCK_LEASE_SECONDS, using default\" value=%d", config.DropLockLeaseSec)
		config.DropLockLeaseSec = 5
	}
	if config.ClaimWindowMinutes < 1 {
		log.Printf("level=warn component=config msg=\"invalid CLAIM_WINDOW_MINUTES, using default\" value=%d", config.ClaimWindowMinutes)
		config.ClaimWindowMinutes = 15
	}

	return
}
