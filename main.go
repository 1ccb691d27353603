// Command discord-relay mirrors one Discord text channel to X and announces voice-channel
// occupancy. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the JSON-backed registries under DATA_DIR.
//   - Keeps the X OAuth 2.0 token fresh, persisting rotated refresh tokens.
//   - Connects to the Discord gateway and dispatches events to the bridge.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: pending registry writes are flushed before exit.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/discord-relay/bridge"
	"github.com/onnwee/discord-relay/config"
	"github.com/onnwee/discord-relay/crypto"
	"github.com/onnwee/discord-relay/discord"
	"github.com/onnwee/discord-relay/kvstore"
	"github.com/onnwee/discord-relay/mirror"
	"github.com/onnwee/discord-relay/oauth"
	"github.com/onnwee/discord-relay/occupancy"
	"github.com/onnwee/discord-relay/server"
	"github.com/onnwee/discord-relay/telemetry"
	"github.com/onnwee/discord-relay/xapi"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	if err := run(); err != nil {
		slog.Error("relay exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "discord-relay", version)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messages := mirror.NewRegistry(kvstore.Open[string](cfg.DataDir, mirror.Namespace))
	speakers := occupancy.NewRegistry(kvstore.Open[occupancy.Snapshot](cfg.DataDir, occupancy.Namespace))

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set; X tokens are stored in plaintext", slog.String("component", "oauth"))
	}
	tokens := oauth.NewStore(kvstore.Open[oauth.Record](cfg.DataDir, oauth.Namespace), enc)
	seeded, err := tokens.Seed(oauth.ProviderX, cfg.XAccessToken, cfg.XRefreshToken)
	if err != nil {
		return err
	}
	if seeded {
		slog.Info("x token seeded from environment", slog.String("component", "oauth"))
	}
	if !tokens.Has(oauth.ProviderX) {
		slog.Warn("no X token available; posts will fail until one is stored", slog.String("component", "oauth"))
	}

	tokenSource := oauth.NewTokenSource(ctx, &oauth2.Config{
		ClientID:     cfg.XClientID,
		ClientSecret: cfg.XClientSecret,
		Endpoint:     oauth.XEndpoint,
	}, tokens, oauth.ProviderX)
	oauth.StartRefresher(ctx, tokenSource, oauth.ProviderX, 5*time.Minute, 15*time.Minute)

	httpClient := oauth2.NewClient(ctx, tokenSource)
	httpClient.Timeout = 15 * time.Second
	x := xapi.New(cfg.XAPIBase, httpClient)

	dc, err := discord.New(cfg.DiscordToken, cfg.GuildID)
	if err != nil {
		return err
	}
	b := bridge.New(ctx, messages, speakers, dc, x, bridge.Options{
		ChannelID:     cfg.ChannelID,
		ExcludePrefix: cfg.ExcludePrefix,
		Location:      cfg.Location,
		Debounce:      cfg.Debounce,
		Interval:      cfg.AnnounceInterval,
	})
	dc.Bind(b)

	if cfg.HTTPAddr != "" {
		mux := server.NewMux(server.Options{
			Checks: []server.Check{
				{Name: "discord", Fn: func(context.Context) error {
					if !b.Ready() {
						return errors.New("discord session not ready")
					}
					return nil
				}},
				{Name: "x_token", Fn: func(context.Context) error {
					if !tokens.Has(oauth.ProviderX) {
						return errors.New("missing X OAuth token")
					}
					return nil
				}},
			},
			Status: func() any {
				expiry, refreshable := tokenSource.Expiry()
				return map[string]any{
					"version":          version,
					"channel_id":       cfg.ChannelID,
					"data_dir":         cfg.DataDir,
					"x_token_expiry":   expiry,
					"x_refreshable":    refreshable,
					"ready":            b.Ready(),
					"mirrored":         len(messages.LocalIDs()),
					"active_reminders": b.Tracker().ActiveReminders(),
					"reconciled":       b.Reconciled(),
				}
			},
		})
		go func() {
			if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	}

	if err := dc.Open(); err != nil {
		return err
	}
	slog.Info("relay started",
		slog.String("version", version),
		slog.String("guild_id", cfg.GuildID),
		slog.String("channel_id", cfg.ChannelID),
		slog.String("data_dir", cfg.DataDir))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	if err := dc.Close(); err != nil {
		slog.Warn("discord close failed", slog.Any("err", err))
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(
		b.Close(flushCtx),
		tokens.KV().Wait(flushCtx),
	)
}
