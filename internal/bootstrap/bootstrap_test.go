package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hillplain/clocksync/internal/clockify"
	"github.com/hillplain/clocksync/internal/clocksync"
	"github.com/hillplain/clocksync/internal/config"
)

func TestOpenDurableLocal(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load("", func(key string) string {
		switch key {
		case "CLOCKSYNC_BACKEND_PROFILE":
			return "durable-local"
		case "CLOCKSYNC_DATA_DIR":
			return dir
		}
		return ""
	})
	require.NoError(t, err)

	svc, err := Open(context.Background(), cfg, zerolog.Nop(), Options{DisableWorkers: true})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Health(context.Background()))
	require.Equal(t, "file", svc.Engine().QueueStatus().Backend)
	_, err = os.Stat(filepath.Join(dir, "clocksync.db"))
	require.NoError(t, err)
}

func TestTokensFileOverridesInlineRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.toml")
	require.NoError(t, os.WriteFile(path, []byte("[entries]\ncreate = \"from-file\"\n"), 0o600))

	cfg := config.Default()
	cfg.Webhooks = map[string]map[string]string{
		"entries":  {"create": "inline"},
		"projects": {"create": "inline-project"},
	}
	cfg.TokensFile = path

	table, err := Tokens(cfg)
	require.NoError(t, err)
	require.Equal(t, "from-file", table[clocksync.RouteEntries]["create"])
	require.Equal(t, "inline-project", table[clocksync.RouteProjects]["create"])
}

func TestRemoteSourceRequiresAPIKey(t *testing.T) {
	cfg := config.Default()
	require.Nil(t, RemoteSource(cfg, zerolog.Nop()))

	cfg.Clockify.APIKey = "test-key"
	source := RemoteSource(cfg, zerolog.Nop())
	require.IsType(t, &clockify.Client{}, source)
}

func TestQueueBackend(t *testing.T) {
	require.Equal(t, "memory", queueBackend(""))
	require.Equal(t, "postgres", queueBackend("postgres://db/clocksync"))
	require.Equal(t, "file", queueBackend("/var/lib/queue.json"))
}
