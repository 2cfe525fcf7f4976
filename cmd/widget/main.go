// Command widget is a terminal chat widget for the support backend. It keeps
// the visitor's session identity, reconciles agent messages from realtime
// push, polling and unicast, and offers session management commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/siacasa/widget-sync/internal/config"
	"github.com/siacasa/widget-sync/internal/ratelimit"
	"github.com/siacasa/widget-sync/internal/session"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "widget",
	Short:         "Support chat widget client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading WIDGET_* variables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// identityStore opens the configured identity store. The returned close
// function releases it.
func identityStore(cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		store, err := session.NewRedisStore(cfg.RedisAddr, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case config.StorePebble:
		dir := filepath.Join(cfg.PebbleDir, cfg.Profile)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create pebble dir: %w", err)
		}
		store, err := session.OpenPebbleStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	default:
		return session.NewMemoryStore(session.Identity{}), func() {}, nil
	}
}

// sendLimiter connects the per-session send throttle. A Redis that cannot be
// reached disables throttling rather than the widget.
func sendLimiter(cfg *config.Config) (*ratelimit.Limiter, func()) {
	if cfg.SendLimit <= 0 {
		return nil, func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("send throttle disabled, redis unreachable", "addr", cfg.RedisAddr, "error", err)
		client.Close()
		return nil, func() {}
	}

	rule := ratelimit.Rule{Key: ratelimit.RuleSend.Key, Limit: cfg.SendLimit, Window: cfg.SendWindow}
	return ratelimit.NewLimiter(client, rule, slog.Default()), func() { client.Close() }
}
