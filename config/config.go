// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the relay runs with only the Discord credentials and the two
// ids set. Use Validate before connecting.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"
)

// Defaults.
const (
	DefaultDataDir          = "data"
	DefaultDebounce         = 12 * time.Second
	DefaultAnnounceInterval = 2 * time.Minute
	DefaultExcludePrefix    = "."
	DefaultTimezone         = "Asia/Tokyo"
	DefaultHTTPAddr         = ":8080"
	DefaultXAPIBase         = "https://api.twitter.com"
)

type Config struct {
	// Discord
	DiscordToken string
	GuildID      string
	ChannelID    string

	// X
	XClientID     string
	XClientSecret string
	XAccessToken  string
	XRefreshToken string
	XAPIBase      string

	// Storage
	DataDir       string
	EncryptionKey string

	// Behaviour
	Debounce         time.Duration
	AnnounceInterval time.Duration
	ExcludePrefix    string
	Location         *time.Location

	// Ambient
	HTTPAddr     string
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. Malformed values are errors; missing
// required values are reported by Validate.
func Load() (*Config, error) {
	cfg := &Config{
		DiscordToken:  os.Getenv("DISCORD_BOT_TOKEN"),
		GuildID:       os.Getenv("GUILD_ID"),
		ChannelID:     os.Getenv("CHANNEL_ID"),
		XClientID:     os.Getenv("X_CLIENT_ID"),
		XClientSecret: os.Getenv("X_CLIENT_SECRET"),
		XAccessToken:  os.Getenv("X_ACCESS_TOKEN"),
		XRefreshToken: os.Getenv("X_REFRESH_TOKEN"),
		XAPIBase:      envOr("X_API_BASE", DefaultXAPIBase),
		DataDir:       envOr("DATA_DIR", DefaultDataDir),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		ExcludePrefix: envOr("EXCLUDE_PREFIX", DefaultExcludePrefix),
		HTTPAddr:      envOr("HTTP_ADDR", DefaultHTTPAddr),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if strings.EqualFold(cfg.HTTPAddr, "off") {
		cfg.HTTPAddr = ""
	}

	var err error
	if cfg.Debounce, err = durationEnv("DEBOUNCE_DELAY", DefaultDebounce); err != nil {
		return nil, err
	}
	if cfg.AnnounceInterval, err = durationEnv("ANNOUNCE_INTERVAL", DefaultAnnounceInterval); err != nil {
		return nil, err
	}

	tz := envOr("TIMEZONE", DefaultTimezone)
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	return cfg, nil
}

// Validate checks the variables the relay cannot run without.
func (c *Config) Validate() error {
	var missing []string
	for _, v := range []struct{ name, val string }{
		{"DISCORD_BOT_TOKEN", c.DiscordToken},
		{"GUILD_ID", c.GuildID},
		{"CHANNEL_ID", c.ChannelID},
	} {
		if v.val == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}
	if c.XRefreshToken != "" && c.XClientID == "" {
		return errors.New("X_REFRESH_TOKEN requires X_CLIENT_ID")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
