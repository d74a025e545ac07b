// Package config loads the desk server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/warp/pawn-desk/pawn"
)

// Config holds runtime configuration for the server.
type Config struct {
	AppEnv          string        `envconfig:"APP_ENV" default:"development"`
	AppAddr         string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// DBPath is the SQLite file. Ignored when UpstreamURL is set.
	DBPath string `envconfig:"DB_PATH" default:"pawn.db"`
	// UpstreamURL points at a remote pawn backend instead of a local database.
	UpstreamURL string `envconfig:"UPSTREAM_URL"`

	BusinessTZ             string        `envconfig:"BUSINESS_TZ" default:"UTC"`
	BusinessDayCutoverHour int           `envconfig:"BUSINESS_DAY_CUTOVER_HOUR" default:"4"`
	SimultaneityWindow     time.Duration `envconfig:"SIMULTANEITY_WINDOW" default:"1s"`
	AuditLimit             int           `envconfig:"AUDIT_LIMIT" default:"100"`
	CommitTimeout          time.Duration `envconfig:"COMMIT_TIMEOUT" default:"0s"`
	ReversalAdminPrecheck  bool          `envconfig:"REVERSAL_ADMIN_PRECHECK" default:"false"`

	// RedisAddr selects the shared cache; empty keeps it in process.
	RedisAddr string        `envconfig:"REDIS_ADDR"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"2m"`

	CORSOrigins        []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	// DemoScenario is loaded into an empty local database at startup.
	DemoScenario string `envconfig:"DEMO_SCENARIO"`
	DemoAdminPIN string `envconfig:"DEMO_ADMIN_PIN" default:"1234"`
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.BusinessDayCutoverHour < 0 || c.BusinessDayCutoverHour > 23 {
		errs = append(errs, fmt.Errorf("BUSINESS_DAY_CUTOVER_HOUR %d out of range 0..23", c.BusinessDayCutoverHour))
	}
	if _, err := time.LoadLocation(c.BusinessTZ); err != nil {
		errs = append(errs, fmt.Errorf("BUSINESS_TZ %q: %w", c.BusinessTZ, err))
	}
	if c.SimultaneityWindow <= 0 {
		errs = append(errs, errors.New("SIMULTANEITY_WINDOW must be positive"))
	}
	if c.AuditLimit <= 0 {
		errs = append(errs, errors.New("AUDIT_LIMIT must be positive"))
	}
	if c.CommitTimeout < 0 {
		errs = append(errs, errors.New("COMMIT_TIMEOUT must not be negative"))
	}
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Calendar builds the business calendar the settings describe.
func (c *Config) Calendar() (pawn.BusinessCalendar, error) {
	return pawn.NewBusinessCalendar(c.BusinessTZ, c.BusinessDayCutoverHour)
}

// IsProduction returns true when the server runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
