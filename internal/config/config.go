package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	AuthMode               string   `mapstructure:"AUTH_MODE"`
	DatabaseURL            string   `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer             string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey         string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int      `mapstructure:"RATE_LIMIT_BURST"`
	UndoWindowSeconds      int      `mapstructure:"UNDO_WINDOW_SECONDS"`
	DuplicateWindowMinutes int      `mapstructure:"DUPLICATE_WINDOW_MINUTES"`
	WeekendGraceMultiplier float64  `mapstructure:"WEEKEND_GRACE_MULTIPLIER"`
	HolidayGraceMultiplier float64  `mapstructure:"HOLIDAY_GRACE_MULTIPLIER"`
	HolidaysFile           string   `mapstructure:"HOLIDAYS_FILE"`
	ArchiveCron            string   `mapstructure:"ARCHIVE_CRON"`
	NotifyTimeoutSeconds   int      `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "UNDO_WINDOW_SECONDS",
	"DUPLICATE_WINDOW_MINUTES", "WEEKEND_GRACE_MULTIPLIER",
	"HOLIDAY_GRACE_MULTIPLIER", "HOLIDAYS_FILE", "ARCHIVE_CRON",
	"NOTIFY_TIMEOUT_SECONDS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("UNDO_WINDOW_SECONDS", 30)
	v.SetDefault("DUPLICATE_WINDOW_MINUTES", 5)
	v.SetDefault("WEEKEND_GRACE_MULTIPLIER", 1.5)
	v.SetDefault("HOLIDAY_GRACE_MULTIPLIER", 2.0)
	v.SetDefault("ARCHIVE_CRON", "15 * * * *")
	v.SetDefault("NOTIFY_TIMEOUT_SECONDS", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: running with ENV=development; every request acts as dev-user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. An explicit AUTH_MODE
// wins; otherwise development for ENV=development and jwt everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.UndoWindowSeconds <= 0 {
		return fmt.Errorf("UNDO_WINDOW_SECONDS must be positive, got %d", c.UndoWindowSeconds)
	}
	if c.DuplicateWindowMinutes <= 0 {
		return fmt.Errorf("DUPLICATE_WINDOW_MINUTES must be positive, got %d", c.DuplicateWindowMinutes)
	}
	if c.WeekendGraceMultiplier < 1 {
		return fmt.Errorf("WEEKEND_GRACE_MULTIPLIER must be >= 1, got %v", c.WeekendGraceMultiplier)
	}
	if c.HolidayGraceMultiplier < 1 {
		return fmt.Errorf("HOLIDAY_GRACE_MULTIPLIER must be >= 1, got %v", c.HolidayGraceMultiplier)
	}
	if _, err := cron.ParseStandard(c.ArchiveCron); err != nil {
		return fmt.Errorf("ARCHIVE_CRON is not a valid cron spec: %w", err)
	}
	return nil
}
