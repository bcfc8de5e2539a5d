// Package bootstrap assembles a clocksync.Service from configuration. The
// server and the operator CLI share it.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hillplain/clocksync/internal/clockify"
	"github.com/hillplain/clocksync/internal/clocksync"
	"github.com/hillplain/clocksync/internal/config"
)

type Options struct {
	// DisableWorkers leaves queued tasks for the caller to run.
	DisableWorkers bool
}

func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*clocksync.Service, error) {
	repo, err := clocksync.OpenRepository(ctx, cfg.StoreDSN, clocksync.RepositoryOptions{
		AutoMigrate:  cfg.AutoMigrate,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	queue, err := clocksync.BuildTaskQueueFromDSN(cfg.QueueDSN, cfg.Tasks.QueueSize)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	tokens, err := Tokens(cfg)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	svc, err := clocksync.New(clocksync.Options{
		Repository: repo,
		Source:     RemoteSource(cfg, logger),
		Location:   cfg.Location(),
		Logger:     logger,
		Tokens:     tokens,
		GateWidths: map[clocksync.GateClass]int64{
			clocksync.GateTimesheetRequest: cfg.Sync.TimesheetWidth,
			clocksync.GateApprovedCascade:  cfg.Sync.CascadeWidth,
			clocksync.GateEntryRequest:     cfg.Sync.EntryWidth,
		},
		DeadlockRetries:    cfg.Sync.DeadlockRetries,
		DeadlockPause:      cfg.Sync.DeadlockPause,
		TaskQueue:          queue,
		QueueBackend:       queueBackend(cfg.QueueDSN),
		QueueSize:          cfg.Tasks.QueueSize,
		Workers:            cfg.Tasks.Workers,
		TaskMaxAttempts:    cfg.Tasks.MaxAttempts,
		TaskRetryDelay:     cfg.Tasks.RetryDelay,
		DisableWorkers:     opts.DisableWorkers,
		CascadeTrigger:     cfg.Sync.CascadeTrigger,
		SentinelClientID:   cfg.Sync.SentinelClientID,
		DefaultWorkspaceID: cfg.Sync.DefaultWorkspaceID,
		PageSize:           cfg.Sync.PageSize,
		TimesheetPageCap:   cfg.Sync.TimesheetPageCap,
		AuditBuffer:        cfg.Sync.AuditBuffer,
	})
	if err != nil {
		if queue != nil {
			_ = queue.Close()
		}
		_ = repo.Close()
		return nil, err
	}
	return svc, nil
}

// Tokens merges the inline webhook table with the tokens file.
func Tokens(cfg config.Config) (clocksync.TokenTable, error) {
	if cfg.TokensFile == "" {
		return MergeTokens(cfg.Webhooks, nil), nil
	}
	fromFile, err := config.LoadTokens(cfg.TokensFile)
	if err != nil {
		return nil, fmt.Errorf("load tokens file: %w", err)
	}
	return MergeTokens(cfg.Webhooks, fromFile), nil
}

// MergeTokens overlays fromFile on inline. Routes in the file replace
// inline routes of the same name.
func MergeTokens(inline, fromFile map[string]map[string]string) clocksync.TokenTable {
	table := clocksync.TokenTable{}
	for route, labels := range inline {
		table[route] = labels
	}
	for route, labels := range fromFile {
		table[route] = labels
	}
	return table
}

// RemoteSource returns nil without an API key; the service then reports
// pulls as unconfigured.
func RemoteSource(cfg config.Config, logger zerolog.Logger) clocksync.RemoteSource {
	if strings.TrimSpace(cfg.Clockify.APIKey) == "" {
		return nil
	}
	return clockify.NewClient(clockify.Options{
		BaseURL:    cfg.Clockify.BaseURL,
		APIKey:     cfg.Clockify.APIKey,
		HTTPClient: &http.Client{Timeout: cfg.Clockify.Timeout},
		MaxRetries: cfg.Clockify.MaxRetries,
		Logger:     logger,
	})
}

func queueBackend(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "memory"
	}
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" {
		return strings.ToLower(parsed.Scheme)
	}
	return "file"
}
