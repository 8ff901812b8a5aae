package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env (optionally seeded from an env file, see LoadEnvFile).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Doorbell DoorbellConfig
}

type AppConfig struct {
	Env  string `env:"APP_ENV"`
	Port int    `env:"APP_PORT"`
}

type DBConfig struct {
	Host     string `env:"DB_HOST"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"DB_SSLMODE"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
}

// Backends select where sessions, audit events and notifications go.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLog      = "log"
)

type DoorbellConfig struct {
	SessionBackend string `env:"SESSION_BACKEND" envDefault:"redis"`
	AuditBackend   string `env:"AUDIT_BACKEND" envDefault:"postgres"`
	NotifyBackend  string `env:"NOTIFY_BACKEND" envDefault:"redis"`
	KeyPrefix      string `env:"KEY_PREFIX" envDefault:"doorbell"`

	EscalationTimeout time.Duration `env:"ESCALATION_TIMEOUT" envDefault:"60s"`
	AlertInterval     time.Duration `env:"ALERT_INTERVAL" envDefault:"3s"`
	RecentEndedLimit  int           `env:"RECENT_ENDED_LIMIT" envDefault:"50"`
	NotifyTTL         time.Duration `env:"NOTIFY_TTL" envDefault:"1h"`
	OwnerIdleTimeout  time.Duration `env:"OWNER_IDLE_TIMEOUT" envDefault:"10m"`

	MeetingBaseURL    string `env:"MEETING_BASE_URL"`
	MeetingAuthorized bool   `env:"MEETING_AUTHORIZED" envDefault:"true"`
}

// LoadEnvFile seeds the process environment from path, or from ENV_FILE when
// path is empty. Variables already set are not overridden. No file is fine.
func LoadEnvFile(path string) error {
	if path == "" {
		path = os.Getenv("ENV_FILE")
	}
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from the given variables only.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	d := &c.Doorbell
	if d.SessionBackend != BackendMemory && d.SessionBackend != BackendRedis {
		errs = append(errs, fmt.Errorf("SESSION_BACKEND must be memory or redis, got %q", d.SessionBackend))
	}
	if d.AuditBackend != BackendMemory && d.AuditBackend != BackendPostgres {
		errs = append(errs, fmt.Errorf("AUDIT_BACKEND must be memory or postgres, got %q", d.AuditBackend))
	}
	if d.NotifyBackend != BackendLog && d.NotifyBackend != BackendRedis {
		errs = append(errs, fmt.Errorf("NOTIFY_BACKEND must be log or redis, got %q", d.NotifyBackend))
	}
	if c.IsProduction() && (d.SessionBackend == BackendMemory || d.AuditBackend == BackendMemory) {
		errs = append(errs, errors.New("memory backends are not allowed in production"))
	}
	if d.EscalationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ESCALATION_TIMEOUT must be positive, got %s", d.EscalationTimeout))
	}
	if d.AlertInterval <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_INTERVAL must be positive, got %s", d.AlertInterval))
	}
	if d.OwnerIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OWNER_IDLE_TIMEOUT must be positive, got %s", d.OwnerIdleTimeout))
	}
	if d.RecentEndedLimit <= 0 {
		errs = append(errs, fmt.Errorf("RECENT_ENDED_LIMIT must be positive, got %d", d.RecentEndedLimit))
	}
	if strings.TrimSpace(d.MeetingBaseURL) == "" {
		errs = append(errs, errors.New("MEETING_BASE_URL is required"))
	}

	if c.NeedsPostgres() {
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.NeedsRedis() {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) NeedsPostgres() bool {
	return c.Doorbell.AuditBackend == BackendPostgres
}

func (c Config) NeedsRedis() bool {
	return c.Doorbell.SessionBackend == BackendRedis || c.Doorbell.NotifyBackend == BackendRedis
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
