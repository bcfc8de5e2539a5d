package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Timezone string `toml:"timezone" yaml:"timezone"`

	// Profile presets StoreDSN and QueueDSN: memory, durable-local,
	// production or custom.
	Profile  string `toml:"profile" yaml:"profile"`
	DataDir  string `toml:"data_dir" yaml:"data_dir"`
	StoreDSN string `toml:"store_dsn" yaml:"store_dsn"`
	QueueDSN string `toml:"queue_dsn" yaml:"queue_dsn"`

	AutoMigrate  bool  `toml:"auto_migrate" yaml:"auto_migrate"`
	MaxOpenConns int   `toml:"max_open_conns" yaml:"max_open_conns"`
	MaxBodyBytes int64 `toml:"max_body_bytes" yaml:"max_body_bytes"`

	Log      LogConfig      `toml:"log" yaml:"log"`
	Sync     SyncConfig     `toml:"sync" yaml:"sync"`
	Tasks    TaskConfig     `toml:"tasks" yaml:"tasks"`
	Clockify ClockifyConfig `toml:"clockify" yaml:"clockify"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin"`
	Schedule ScheduleConfig `toml:"schedule" yaml:"schedule"`

	// Webhooks maps route to event label to token.
	Webhooks   map[string]map[string]string `toml:"webhooks" yaml:"webhooks"`
	TokensFile string                       `toml:"tokens_file" yaml:"tokens_file"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type SyncConfig struct {
	DefaultWorkspaceID string        `toml:"workspace_id" yaml:"workspace_id"`
	SentinelClientID   string        `toml:"sentinel_client_id" yaml:"sentinel_client_id"`
	CascadeTrigger     string        `toml:"cascade_trigger" yaml:"cascade_trigger"`
	DeadlockRetries    int           `toml:"deadlock_retries" yaml:"deadlock_retries"`
	DeadlockPause      time.Duration `toml:"deadlock_pause" yaml:"deadlock_pause"`
	TimesheetWidth     int64         `toml:"timesheet_concurrency" yaml:"timesheet_concurrency"`
	CascadeWidth       int64         `toml:"cascade_concurrency" yaml:"cascade_concurrency"`
	EntryWidth         int64         `toml:"entry_concurrency" yaml:"entry_concurrency"`
	PageSize           int           `toml:"page_size" yaml:"page_size"`
	TimesheetPageCap   int           `toml:"timesheet_page_cap" yaml:"timesheet_page_cap"`
	AuditBuffer        int           `toml:"audit_buffer" yaml:"audit_buffer"`
}

type TaskConfig struct {
	Workers     int           `toml:"workers" yaml:"workers"`
	QueueSize   int           `toml:"queue_size" yaml:"queue_size"`
	MaxAttempts int           `toml:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `toml:"retry_delay" yaml:"retry_delay"`
}

type ClockifyConfig struct {
	BaseURL    string        `toml:"base_url" yaml:"base_url"`
	APIKey     string        `toml:"api_key" yaml:"api_key"`
	MaxRetries int           `toml:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `toml:"timeout" yaml:"timeout"`
}

type AdminConfig struct {
	HMACSecret string        `toml:"hmac_secret" yaml:"hmac_secret"`
	MaxSkew    time.Duration `toml:"max_skew" yaml:"max_skew"`
}

type ScheduleConfig struct {
	Interval time.Duration `toml:"interval" yaml:"interval"`
	Jitter   float64       `toml:"jitter" yaml:"jitter"`
	Kinds    []string      `toml:"kinds" yaml:"kinds"`
}

func Default() Config {
	return Config{
		Addr:        ":8080",
		Timezone:    "America/Denver",
		Profile:     "memory",
		DataDir:     ".clocksync",
		AutoMigrate: true,
		Log:         LogConfig{Level: "info", Format: "json"},
		Sync: SyncConfig{
			SentinelClientID: "unassigned",
			CascadeTrigger:   "APPROVED",
			DeadlockRetries:  3,
			DeadlockPause:    2 * time.Second,
			TimesheetWidth:   3,
			CascadeWidth:     1,
			EntryWidth:       1,
			PageSize:         50,
			TimesheetPageCap: 50,
		},
		Tasks: TaskConfig{
			Workers:     2,
			QueueSize:   1024,
			MaxAttempts: 3,
			RetryDelay:  60 * time.Second,
		},
		Clockify: ClockifyConfig{Timeout: 30 * time.Second},
		Admin:    AdminConfig{MaxSkew: 5 * time.Minute},
		Schedule: ScheduleConfig{Interval: 24 * time.Hour, Jitter: 0.1},
	}
}

// Load reads the file at path (TOML or YAML by extension; an empty path
// skips the file), applies CLOCKSYNC_* overrides from getenv and resolves
// the storage profile.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveProfile(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, filepath.Ext(path))
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	e := envReader{getenv: getenv}
	e.str("CLOCKSYNC_ADDR", &cfg.Addr)
	e.str("CLOCKSYNC_TIMEZONE", &cfg.Timezone)
	e.str("CLOCKSYNC_BACKEND_PROFILE", &cfg.Profile)
	e.str("CLOCKSYNC_DATA_DIR", &cfg.DataDir)
	e.str("CLOCKSYNC_STORE_DSN", &cfg.StoreDSN)
	e.str("CLOCKSYNC_QUEUE_DSN", &cfg.QueueDSN)
	e.boolean("CLOCKSYNC_AUTO_MIGRATE", &cfg.AutoMigrate)
	e.integer("CLOCKSYNC_MAX_OPEN_CONNS", &cfg.MaxOpenConns)
	e.int64("CLOCKSYNC_MAX_BODY_BYTES", &cfg.MaxBodyBytes)

	e.str("CLOCKSYNC_LOG_LEVEL", &cfg.Log.Level)
	e.str("CLOCKSYNC_LOG_FORMAT", &cfg.Log.Format)

	e.str("CLOCKSYNC_WORKSPACE_ID", &cfg.Sync.DefaultWorkspaceID)
	e.str("CLOCKSYNC_SENTINEL_CLIENT_ID", &cfg.Sync.SentinelClientID)
	e.str("CLOCKSYNC_CASCADE_TRIGGER", &cfg.Sync.CascadeTrigger)
	e.integer("CLOCKSYNC_DEADLOCK_RETRIES", &cfg.Sync.DeadlockRetries)
	e.duration("CLOCKSYNC_DEADLOCK_PAUSE", &cfg.Sync.DeadlockPause)
	e.int64("CLOCKSYNC_TIMESHEET_CONCURRENCY", &cfg.Sync.TimesheetWidth)
	e.int64("CLOCKSYNC_CASCADE_CONCURRENCY", &cfg.Sync.CascadeWidth)
	e.int64("CLOCKSYNC_ENTRY_CONCURRENCY", &cfg.Sync.EntryWidth)
	e.integer("CLOCKSYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	e.integer("CLOCKSYNC_TIMESHEET_PAGE_CAP", &cfg.Sync.TimesheetPageCap)
	e.integer("CLOCKSYNC_AUDIT_BUFFER", &cfg.Sync.AuditBuffer)

	e.integer("CLOCKSYNC_TASK_WORKERS", &cfg.Tasks.Workers)
	e.integer("CLOCKSYNC_TASK_QUEUE_SIZE", &cfg.Tasks.QueueSize)
	e.integer("CLOCKSYNC_TASK_MAX_ATTEMPTS", &cfg.Tasks.MaxAttempts)
	e.duration("CLOCKSYNC_TASK_RETRY_DELAY", &cfg.Tasks.RetryDelay)

	e.str("CLOCKSYNC_CLOCKIFY_BASE_URL", &cfg.Clockify.BaseURL)
	e.str("CLOCKSYNC_CLOCKIFY_API_KEY", &cfg.Clockify.APIKey)
	e.integer("CLOCKSYNC_CLOCKIFY_MAX_RETRIES", &cfg.Clockify.MaxRetries)
	e.duration("CLOCKSYNC_CLOCKIFY_TIMEOUT", &cfg.Clockify.Timeout)

	e.str("CLOCKSYNC_ADMIN_HMAC_SECRET", &cfg.Admin.HMACSecret)
	e.duration("CLOCKSYNC_ADMIN_MAX_SKEW", &cfg.Admin.MaxSkew)

	e.duration("CLOCKSYNC_SCHEDULE_INTERVAL", &cfg.Schedule.Interval)
	e.float("CLOCKSYNC_SCHEDULE_JITTER", &cfg.Schedule.Jitter)

	e.str("CLOCKSYNC_TOKENS_FILE", &cfg.TokensFile)
	return errors.Join(e.errs...)
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(name string) (string, bool) {
	raw := strings.TrimSpace(e.getenv(name))
	return raw, raw != ""
}

func (e *envReader) fail(name, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, name, raw, err))
}

func (e *envReader) str(name string, dst *string) {
	if raw, ok := e.lookup(name); ok {
		*dst = raw
	}
}

func (e *envReader) integer(name string, dst *int) {
	if raw, ok := e.lookup(name); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if raw, ok := e.lookup(name); ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) float(name string, dst *float64) {
	if raw, ok := e.lookup(name); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if raw, ok := e.lookup(name); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if raw, ok := e.lookup(name); ok {
		v, err := time.ParseDuration(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

// resolveProfile fills StoreDSN and QueueDSN from the profile where they
// were not set explicitly.
func (c *Config) resolveProfile(getenv func(string) string) error {
	profile := strings.ToLower(strings.TrimSpace(c.Profile))
	var storeDSN, queueDSN string
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		storeDSN, queueDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		storeDSN = "sqlite://" + filepath.Join(c.DataDir, "clocksync.db")
		queueDSN = "file://" + filepath.Join(c.DataDir, "task-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(getenv("CLOCKSYNC_PRODUCTION_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(getenv("CLOCKSYNC_POSTGRES_DSN"))
		}
		if dsn == "" {
			dsn = c.StoreDSN
		}
		if dsn == "" {
			return fmt.Errorf("%w: CLOCKSYNC_PRODUCTION_DSN, CLOCKSYNC_POSTGRES_DSN or store_dsn is required for profile %s", ErrInvalid, profile)
		}
		storeDSN, queueDSN = dsn, dsn
	default:
		return fmt.Errorf("%w: unsupported backend profile %q", ErrInvalid, c.Profile)
	}
	if c.StoreDSN == "" {
		c.StoreDSN = storeDSN
	}
	if c.QueueDSN == "" {
		c.QueueDSN = queueDSN
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err))
	}
	if c.Schedule.Jitter < 0 || c.Schedule.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("%w: schedule jitter must be in [0,1), got %v", ErrInvalid, c.Schedule.Jitter))
	}
	if c.Tasks.Workers < 0 || c.Tasks.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("%w: task workers and queue size must not be negative", ErrInvalid))
	}
	return errors.Join(errs...)
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
