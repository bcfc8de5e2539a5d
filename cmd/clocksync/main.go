package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hillplain/clocksync/internal/bootstrap"
	"github.com/hillplain/clocksync/internal/config"
	"github.com/hillplain/clocksync/internal/httpapi"
	"github.com/hillplain/clocksync/internal/logging"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "clocksync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	cmd := newRootCommand(getenv, stderr)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(getenv func(string) string, stderr io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "clocksync",
		Short:         "Serve webhook intake, queued sync tasks and the admin API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, getenv, stderr)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", getenv("CLOCKSYNC_CONFIG"), "config file (.toml, .yaml or .yml)")
	return cmd
}

func serve(ctx context.Context, configPath string, getenv func(string) string, stderr io.Writer) error {
	cfg, err := config.Load(configPath, getenv)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "clocksync",
		Version: version,
	}, stderr)
	log.Info().
		Str("profile", cfg.Profile).
		Str("timezone", cfg.Timezone).
		Str("addr", cfg.Addr).
		Msg("starting clocksync")

	svc, err := bootstrap.Open(ctx, cfg, log, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("service close failed")
		}
	}()

	if cfg.TokensFile != "" {
		err := config.WatchTokens(ctx, cfg.TokensFile, log, func(table map[string]map[string]string) error {
			return svc.ReplaceTokens(bootstrap.MergeTokens(cfg.Webhooks, table))
		})
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.TokensFile).Msg("tokens file will not be reloaded")
		}
	}

	httpServer := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServer(svc, httpapi.ServerConfig{
			AdminHMACSecret: cfg.Admin.HMACSecret,
			AdminMaxSkew:    cfg.Admin.MaxSkew,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Logger:          log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	return nil
}
