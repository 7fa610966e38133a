package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	SessionSecret  string        `mapstructure:"SESSION_SECRET"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	OpenAIAPIKey   string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIAPIURL   string        `mapstructure:"OPENAI_API_URL"`
	OpenAIModel    string        `mapstructure:"OPENAI_MODEL"`
	AITimeout      time.Duration `mapstructure:"AI_TIMEOUT"`
	AIMaxTokens    int           `mapstructure:"AI_MAX_TOKENS"`
	UploadDir      string        `mapstructure:"UPLOAD_DIR"`
	MaxUploadBytes int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	SentryDSN      string        `mapstructure:"SENTRY_DSN"`
}

// devSessionSecret is only accepted when ENV=development.
const devSessionSecret = "dev-session-secret-change-me"

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("OPENAI_API_URL", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("AI_TIMEOUT", "120s")
	v.SetDefault("AI_MAX_TOKENS", 1500)
	v.SetDefault("UPLOAD_DIR", "./uploads")
	v.SetDefault("MAX_UPLOAD_BYTES", 16*1024*1024)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"SESSION_SECRET", "SESSION_TTL",
		"OPENAI_API_KEY", "OPENAI_API_URL", "OPENAI_MODEL", "AI_TIMEOUT", "AI_MAX_TOKENS",
		"UPLOAD_DIR", "MAX_UPLOAD_BYTES", "CORS_ORIGINS", "SENTRY_DSN",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.SessionSecret == "" {
		log.Println("WARNING: SESSION_SECRET not set; using the development secret. Do NOT use this in production.")
		cfg.SessionSecret = devSessionSecret
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

// Validate checks that the configuration is safe to run. The AI provider
// credential is mandatory in every mode: a missing key must stop the server
// instead of silently producing cases that can never get a draft.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required when ENV=%q", c.Env)
	}
	if !c.IsDev() && c.SessionSecret == devSessionSecret {
		return fmt.Errorf("SESSION_SECRET must be changed from the development default")
	}
	if len(c.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET must be at least 16 characters, got %d", len(c.SessionSecret))
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be positive, got %s", c.AITimeout)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}
	return nil
}
