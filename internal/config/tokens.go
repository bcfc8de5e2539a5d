package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// tokensDebounce absorbs the burst of events editors emit for one save.
const tokensDebounce = 200 * time.Millisecond

// LoadTokens reads a route → label → token table from a TOML or YAML file.
func LoadTokens(path string) (map[string]map[string]string, error) {
	table := map[string]map[string]string{}
	if err := decodeFile(path, &table); err != nil {
		return nil, err
	}
	return table, nil
}

// WatchTokens calls apply with the reloaded table whenever the file at path
// changes, until ctx ends. The parent directory is watched so that atomic
// renames are seen. A table that fails to load is logged and skipped.
func WatchTokens(ctx context.Context, path string, logger zerolog.Logger, apply func(map[string]map[string]string) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create tokens watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log := logger.With().Str("component", "tokens").Str("path", abs).Logger()

	go func() {
		defer watcher.Close()
		var (
			timer   *time.Timer
			pending <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.EqualFold(filepath.Clean(event.Name), abs) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(tokensDebounce)
				} else {
					timer.Reset(tokensDebounce)
				}
				pending = timer.C
			case <-pending:
				pending = nil
				table, err := LoadTokens(abs)
				if err != nil {
					log.Error().Err(err).Msg("tokens file not reloaded")
					continue
				}
				if err := apply(table); err != nil {
					log.Error().Err(err).Msg("tokens rejected")
					continue
				}
				log.Info().Int("routes", len(table)).Msg("tokens reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("tokens watcher error")
			}
		}
	}()
	return nil
}
