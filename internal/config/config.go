/**
 * @description
 * This package handles the configuration management for the netting-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalises the values so the rest of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and environment binding.
 * - github.com/shopspring/decimal: Pricing parameters are parsed as exact decimals.
 */

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	TickLockRedis    = "redis"
	TickLockPostgres = "postgres"
	TickLockNone     = "none"
)

// Config holds all the configuration variables for the netting-service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	StoreDriver        string `mapstructure:"STORE_DRIVER"`
	RunMigrations      bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	TickLockDriver     string `mapstructure:"TICK_LOCK_DRIVER"`
	TickLockKey        string `mapstructure:"TICK_LOCK_KEY"`
	TickLockTTLSeconds int    `mapstructure:"-"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	TransferEventQueue string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL            string `mapstructure:"JWKS_URL"`
	JWTAudience        string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer          string `mapstructure:"JWT_ISSUER"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	MatchIntervalSeconds int `mapstructure:"-"`
	MatchBatchSize       int `mapstructure:"-"`
	MatchScoreThreshold  int `mapstructure:"-"`
	TransferTTLHours     int `mapstructure:"-"`

	SpreadPercent      decimal.Decimal `mapstructure:"-"`
	PlatformFeePercent decimal.Decimal `mapstructure:"-"`
	PlatformFeeMin     decimal.Decimal `mapstructure:"-"`
	PlatformFeeMax     decimal.Decimal `mapstructure:"-"`
}

// MatchInterval is the scheduler period.
func (c Config) MatchInterval() time.Duration {
	return time.Duration(c.MatchIntervalSeconds) * time.Second
}

// TickLockTTL bounds how long a crashed instance can hold the tick lock.
func (c Config) TickLockTTL() time.Duration {
	return time.Duration(c.TickLockTTLSeconds) * time.Second
}

// TransferTTL is how long a request stays matchable.
func (c Config) TransferTTL() time.Duration {
	return time.Duration(c.TransferTTLHours) * time.Hour
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("TICK_LOCK_KEY", "netting:matching:tick")
	viper.SetDefault("TICK_LOCK_TTL_SECONDS", 30)
	viper.SetDefault("EVENTS_EXCHANGE", "netting.events")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "netting_service.transfer_created")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")
	viper.SetDefault("MATCH_INTERVAL_SECONDS", 5)
	viper.SetDefault("MATCH_BATCH_SIZE", 100)
	viper.SetDefault("MATCH_SCORE_THRESHOLD", 70)
	viper.SetDefault("TRANSFER_TTL_HOURS", 24)
	viper.SetDefault("SPREAD_PERCENT", "0.005")
	viper.SetDefault("PLATFORM_FEE_PERCENT", "0.005")
	viper.SetDefault("PLATFORM_FEE_MIN", "1")
	viper.SetDefault("PLATFORM_FEE_MAX", "50")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "NETTING_REDIS_URL")
	_ = viper.BindEnv("TICK_LOCK_DRIVER")
	_ = viper.BindEnv("TICK_LOCK_KEY")
	_ = viper.BindEnv("TICK_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "NETTING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("MATCH_INTERVAL_SECONDS")
	_ = viper.BindEnv("MATCH_BATCH_SIZE")
	_ = viper.BindEnv("MATCH_SCORE_THRESHOLD")
	_ = viper.BindEnv("TRANSFER_TTL_HOURS")
	_ = viper.BindEnv("SPREAD_PERCENT")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("PLATFORM_FEE_MIN")
	_ = viper.BindEnv("PLATFORM_FEE_MAX")

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
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)
	config.JWTAudience = strings.TrimSpace(config.JWTAudience)
	config.JWTIssuer = strings.TrimSpace(config.JWTIssuer)

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown store driver; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.TickLockDriver = strings.ToLower(strings.TrimSpace(config.TickLockDriver))
	switch config.TickLockDriver {
	case TickLockRedis, TickLockPostgres, TickLockNone:
	case "":
		config.TickLockDriver = TickLockNone
		if config.RedisURL != "" {
			config.TickLockDriver = TickLockRedis
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown tick lock driver; disabling cross-instance lock\" value=%q", config.TickLockDriver)
		config.TickLockDriver = TickLockNone
	}
	if config.TickLockDriver == TickLockRedis && config.RedisURL == "" {
		log.Printf("level=warn component=config msg=\"redis tick lock requested without REDIS_URL; disabling cross-instance lock\"")
		config.TickLockDriver = TickLockNone
	}
	if config.TickLockDriver == TickLockPostgres && config.StoreDriver != StoreDriverPostgres {
		log.Printf("level=warn component=config msg=\"postgres tick lock requires the postgres store; disabling cross-instance lock\"")
		config.TickLockDriver = TickLockNone
	}
	if strings.TrimSpace(config.TickLockKey) == "" {
		config.TickLockKey = "netting:matching:tick"
	}

	config.TickLockTTLSeconds = intOrDefault("TICK_LOCK_TTL_SECONDS", 30, 1, 3600)
	config.MatchIntervalSeconds = intOrDefault("MATCH_INTERVAL_SECONDS", 5, 1, 3600)
	config.MatchBatchSize = intOrDefault("MATCH_BATCH_SIZE", 100, 1, 10000)
	config.MatchScoreThreshold = intOrDefault("MATCH_SCORE_THRESHOLD", 70, 1, 100)
	config.TransferTTLHours = intOrDefault("TRANSFER_TTL_HOURS", 24, 1, 24*30)

	config.SpreadPercent = decimalOrDefault("SPREAD_PERCENT", "0.005")
	config.PlatformFeePercent = decimalOrDefault("PLATFORM_FEE_PERCENT", "0.005")
	config.PlatformFeeMin = decimalOrDefault("PLATFORM_FEE_MIN", "1")
	config.PlatformFeeMax = decimalOrDefault("PLATFORM_FEE_MAX", "50")
	if config.PlatformFeeMin.GreaterThan(config.PlatformFeeMax) {
		log.Printf("level=warn component=config msg=\"platform fee minimum exceeds maximum; using defaults\" min=%s max=%s", config.PlatformFeeMin, config.PlatformFeeMax)
		config.PlatformFeeMin = decimal.NewFromInt(1)
		config.PlatformFeeMax = decimal.NewFromInt(50)
	}

	return
}

func intOrDefault(key string, fallback, min, max int) int {
	raw := strings.TrimSpace(viper.GetString(key))
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		log.Printf("level=warn component=config msg=\"invalid integer configured; using default\" key=%s value=%q default=%d", key, raw, fallback)
		return fallback
	}
	return value
}

func decimalOrDefault(key, fallback string) decimal.Decimal {
	raw := strings.TrimSpace(viper.GetString(key))
	value, err := decimal.NewFromString(raw)
	if err != nil || value.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid decimal configured; using default\" key=%s value=%q", key, raw)
		return decimal.RequireFromString(fallback)
	}
	return value
}
