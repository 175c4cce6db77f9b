package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for our application
type Config struct {
	DiscordToken string
	DatabaseDSN  string
	RedisAddr    string
	GuildID      string

	// FlushInterval is the fixed period of the durable flush cycle.
	FlushInterval time.Duration
	// ReportPeriod is the fixed period of the classification report cycle.
	ReportPeriod time.Duration
	// StaleAfter is the session staleness bound: recovered sessions older
	// than this are discarded instead of resumed.
	StaleAfter time.Duration
	// ShutdownGrace bounds the final flush on shutdown.
	ShutdownGrace time.Duration

	// ExcludedChannels lists voice channel IDs that never accrue time.
	ExcludedChannels []string
	// TrackedGroups lists the group names that are classified and reported.
	TrackedGroups []string
	// ExemptGroups lists group names whose members never accrue time and are
	// always bucketed as exempt.
	ExemptGroups []string
	// AwayMarker is a display-name substring that suspends accrual while set.
	AwayMarker string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// .env file is optional, continue with environment variables
	}

	config := &Config{
		DiscordToken:     os.Getenv("DISCORD_TOKEN"),
		DatabaseDSN:      os.Getenv("DATABASE_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		GuildID:          os.Getenv("GUILD_ID"),
		FlushInterval:    durationEnv("FLUSH_INTERVAL", 5*time.Minute),
		ReportPeriod:     durationEnv("REPORT_PERIOD", 7*24*time.Hour),
		StaleAfter:       durationEnv("SESSION_STALE_AFTER", 24*time.Hour),
		ShutdownGrace:    durationEnv("SHUTDOWN_GRACE", 10*time.Second),
		ExcludedChannels: listEnv("EXCLUDED_CHANNELS"),
		TrackedGroups:    listEnv("TRACKED_GROUPS"),
		ExemptGroups:     listEnv("EXEMPT_GROUPS"),
		AwayMarker:       os.Getenv("AWAY_MARKER"),
	}

	if config.DiscordToken == "" {
		return nil, &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	if config.DatabaseDSN == "" {
		return nil, &ConfigError{Field: "DATABASE_DSN", Message: "DATABASE_DSN is required"}
	}

	if config.GuildID == "" {
		return nil, &ConfigError{Field: "GUILD_ID", Message: "GUILD_ID is required"}
	}

	return config, nil
}

// durationEnv parses a duration environment variable, falling back to def
// when unset or malformed.
func durationEnv(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// listEnv parses a comma-separated environment variable.
func listEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
