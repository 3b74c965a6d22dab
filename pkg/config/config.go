package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	License      LicenseConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RATO_APP_ENV" required:"true"`
	Port         string `envconfig:"RATO_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"RATO_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RATO_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"RATO_DB_DSN"`

	Host     string `envconfig:"RATO_DB_HOST"`
	Port     int    `envconfig:"RATO_DB_PORT" default:"5432"`
	User     string `envconfig:"RATO_DB_USER"`
	Password string `envconfig:"RATO_DB_PASSWORD"`
	Name     string `envconfig:"RATO_DB_NAME"`
	SSLMode  string `envconfig:"RATO_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RATO_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RATO_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RATO_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RATO_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RATO_REDIS_URL" required:"true"`
	Address      string        `envconfig:"RATO_REDIS_ADDR"`
	Password     string        `envconfig:"RATO_REDIS_PASSWORD"`
	DB           int           `envconfig:"RATO_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RATO_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RATO_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RATO_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RATO_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RATO_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"RATO_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"RATO_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"RATO_JWT_EXPIRATION_MINUTES" default:"60"`
}

// LicenseConfig holds the licensing core settings.
type LicenseConfig struct {
	// Secret seeds the scrypt derivation for offline token encryption and signing.
	Secret string `envconfig:"RATO_LICENSE_SECRET" required:"true"`

	DefaultMaxMachines int `envconfig:"RATO_LICENSE_DEFAULT_MAX_MACHINES" default:"1"`
	KeyRetryAttempts   int `envconfig:"RATO_LICENSE_KEY_RETRY_ATTEMPTS" default:"5"`

	// PermissiveValidation re-enables the legacy relaxed validation behavior:
	// unknown keys are auto-provisioned, expired/revoked licenses are resurrected
	// and the machine cap is ignored. Strict validation is the default.
	PermissiveValidation bool `envconfig:"RATO_PERMISSIVE_VALIDATION" default:"false"`
}

type RateLimitConfig struct {
	ValidateWindow   time.Duration `envconfig:"RATO_RATE_LIMIT_VALIDATE_WINDOW" default:"1m"`
	ValidateIPLimit  int           `envconfig:"RATO_RATE_LIMIT_VALIDATE_IP_LIMIT" default:"60"`
	ValidateKeyLimit int           `envconfig:"RATO_RATE_LIMIT_VALIDATE_KEY_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"RATO_AUTO_MIGRATE" default:"false"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"RATO_CRON_INTERVAL" default:"1h"`
	LockTTL  time.Duration `envconfig:"RATO_CRON_LOCK_TTL" default:"65m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range fallbackDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
