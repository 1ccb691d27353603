// Package main provides a CLI tool to encrypt OAuth tokens that were stored in plaintext.
//
// Records written while ENCRYPTION_KEY was unset are kept in plaintext in DATA_DIR/oauth.json.
// This tool seals them with AES-256-GCM so the relay can run with a key from then on.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--provider: Migrate one provider only (default: all providers)
//
// Environment Variables:
//
//	DATA_DIR: Directory holding oauth.json (default: data)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/discord-relay/config"
	"github.com/onnwee/discord-relay/crypto"
	"github.com/onnwee/discord-relay/kvstore"
	"github.com/onnwee/discord-relay/oauth"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider only (default: all providers)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = config.DefaultDataDir
	}
	store := oauth.NewStore(kvstore.Open[oauth.Record](dataDir, oauth.Namespace), encryptor)

	if _, err := migrateTokens(store, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.KV().Wait(ctx); err != nil {
		slog.Error("failed to flush token store", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens seals every plaintext record (or only filter, when set) and returns how many
// it migrated.
func migrateTokens(store *oauth.Store, dryRun bool, filter string) (int, error) {
	var pending []string
	for _, p := range store.Providers() {
		if filter != "" && p != filter {
			continue
		}
		if !store.Encrypted(p) {
			pending = append(pending, p)
		}
	}

	if len(pending) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return 0, nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(pending)), slog.Bool("dry_run", dryRun))

	migrated, errorCount := 0, 0
	for i, p := range pending {
		logger := slog.With(slog.String("provider", p), slog.Int("index", i+1), slog.Int("total", len(pending)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if _, err := store.Reseal(p); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			errorCount++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(pending)),
		slog.Int("migrated", migrated),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return migrated, nil
}
