package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	SentryDSN string

	DatabaseURL   string
	StoreDriver   string
	RefreshStore  string
	RedisURL      string
	RunMigrations bool

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	ResetTokenTTL   time.Duration
	PasswordHasher  string
	BcryptCost      int

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	CronSecret       string
	CleanupSchedule  string
	CleanupBatchSize int
	ExposeResetToken bool
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		AppEnv:    v.GetString("APP_ENV"),
		Port:      v.GetString("PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		SentryDSN: strings.TrimSpace(v.GetString("SENTRY_DSN")),

		DatabaseURL:   strings.TrimSpace(v.GetString("DATABASE_URL")),
		StoreDriver:   strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		RefreshStore:  strings.ToLower(strings.TrimSpace(v.GetString("REFRESH_STORE"))),
		RedisURL:      strings.TrimSpace(v.GetString("REDIS_URL")),
		RunMigrations: v.GetBool("RUN_MIGRATIONS_ON_STARTUP"),

		DBMaxOpenConns:    positiveInt(v, "DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:    positiveInt(v, "DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetime: time.Duration(positiveInt(v, "DB_CONN_MAX_LIFETIME_MINUTES")) * time.Minute,
		DBConnMaxIdleTime: time.Duration(positiveInt(v, "DB_CONN_MAX_IDLE_TIME_MINUTES")) * time.Minute,

		JWTSecret:       strings.TrimSpace(v.GetString("JWT_SECRET")),
		AccessTokenTTL:  time.Duration(positiveInt(v, "ACCESS_TOKEN_TTL_MINUTES")) * time.Minute,
		RefreshTokenTTL: time.Duration(positiveInt(v, "REFRESH_TOKEN_TTL_HOURS")) * time.Hour,
		ResetTokenTTL:   time.Duration(positiveInt(v, "RESET_TOKEN_TTL_MINUTES")) * time.Minute,
		PasswordHasher:  strings.ToLower(strings.TrimSpace(v.GetString("PASSWORD_HASHER"))),
		BcryptCost:      v.GetInt("BCRYPT_COST"),

		AdminUsername: strings.TrimSpace(v.GetString("ADMIN_USERNAME")),
		AdminEmail:    strings.TrimSpace(v.GetString("ADMIN_EMAIL")),
		AdminPassword: v.GetString("ADMIN_PASSWORD"),

		CronSecret:       strings.TrimSpace(v.GetString("CRON_SECRET")),
		CleanupSchedule:  strings.TrimSpace(v.GetString("CLEANUP_SCHEDULE")),
		CleanupBatchSize: positiveInt(v, "AUTH_CLEANUP_BATCH_SIZE"),
		ExposeResetToken: v.GetBool("EXPOSE_RESET_TOKEN"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("missing required env: DATABASE_URL"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}

	switch c.RefreshStore {
	case DriverPostgres:
		if c.StoreDriver != DriverPostgres {
			errs = append(errs, errors.New("REFRESH_STORE=postgres requires STORE_DRIVER=postgres"))
		}
	case DriverRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("missing required env: REDIS_URL"))
		}
	case DriverMemory:
		if c.StoreDriver != DriverMemory {
			errs = append(errs, errors.New("REFRESH_STORE=memory requires STORE_DRIVER=memory"))
		}
	default:
		errs = append(errs, fmt.Errorf("REFRESH_STORE must be postgres, redis or memory, got %q", c.RefreshStore))
	}

	return errors.Join(errs...)
}

var intDefaults = map[string]int{
	"DB_MAX_OPEN_CONNS":             10,
	"DB_MAX_IDLE_CONNS":             5,
	"DB_CONN_MAX_LIFETIME_MINUTES":  30,
	"DB_CONN_MAX_IDLE_TIME_MINUTES": 10,
	"ACCESS_TOKEN_TTL_MINUTES":      15,
	"REFRESH_TOKEN_TTL_HOURS":       168,
	"RESET_TOKEN_TTL_MINUTES":       60,
	"AUTH_CLEANUP_BATCH_SIZE":       500,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("RUN_MIGRATIONS_ON_STARTUP", false)
	v.SetDefault("PASSWORD_HASHER", "bcrypt")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("EXPOSE_RESET_TOKEN", false)
	for key, value := range intDefaults {
		v.SetDefault(key, value)
	}

	// the refresh ledger follows the credential store unless told otherwise
	if strings.TrimSpace(v.GetString("REFRESH_STORE")) == "" {
		v.Set("REFRESH_STORE", v.GetString("STORE_DRIVER"))
	}
}

// positiveInt falls back to the default on garbage or non-positive values.
func positiveInt(v *viper.Viper, key string) int {
	if value := v.GetInt(key); value > 0 {
		return value
	}
	return intDefaults[key]
}
