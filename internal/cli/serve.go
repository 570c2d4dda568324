package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/christopherjohns/consultsync/internal/catalog"
	"github.com/christopherjohns/consultsync/internal/config"
	"github.com/christopherjohns/consultsync/internal/recommend"
	"github.com/christopherjohns/consultsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if opts.Format == "json" {
				cfg.Log.Format = "json"
			}
			slog.SetDefault(cfg.Logger(cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srvOpts, cleanup, err := collaborators(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			slog.Info("starting consultsync", "addr", cfg.Server.Addr)
			return server.New(cfg, srvOpts...).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// collaborators builds the optional catalog, recommendation client and
// Redis relay named by cfg.
func collaborators(ctx context.Context, cfg *config.Config) ([]server.Option, func(), error) {
	var (
		opts    []server.Option
		closers []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if path := cfg.Catalog.Path; path != "" {
		cat, err := catalog.Load(path)
		if err != nil {
			return nil, cleanup, fmt.Errorf("load catalog: %w", err)
		}
		opts = append(opts, server.WithCatalog(cat), server.WithCustomers(cat))
	} else {
		slog.Warn("no catalog configured, enrollments use the default forms")
	}

	if url := cfg.Recommendation.URL; url != "" {
		policy := recommend.DefaultRetryPolicy()
		if cfg.Recommendation.MaxAttempts > 0 {
			policy.MaxAttempts = cfg.Recommendation.MaxAttempts
		}
		client := recommend.NewClient(url,
			recommend.WithHTTPClient(&http.Client{Timeout: cfg.Recommendation.Timeout}),
			recommend.WithRetryPolicy(policy),
		)
		opts = append(opts, server.WithPipeline(client))
		slog.Info("recommendation pipeline configured", "url", url)
	}

	if addr := cfg.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		closers = append(closers, func() { rdb.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		slog.Info("connected to redis", "addr", addr)
		opts = append(opts, server.WithRedis(rdb))
	}

	return opts, cleanup, nil
}
