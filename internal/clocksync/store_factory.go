package clocksync

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeoutMillis = 5000

type StoreTarget struct {
	Memory     bool
	Driver     string
	Dialect    sqlDialect
	DataSource string
}

// ParseStoreDSN picks a database/sql driver from the DSN scheme:
// memory://, postgres:// (lib/pq), pgx:// (pgx stdlib), sqlite:// or file:.
func ParseStoreDSN(dsn string) (StoreTarget, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == "memory" {
		return StoreTarget{Memory: true}, nil
	}
	scheme := dsn
	if idx := strings.Index(dsn, ":"); idx >= 0 {
		scheme = dsn[:idx]
	}
	switch strings.ToLower(scheme) {
	case "memory":
		return StoreTarget{Memory: true}, nil
	case "postgres", "postgresql":
		return StoreTarget{Driver: "postgres", Dialect: dialectPostgres, DataSource: dsn}, nil
	case "pgx":
		return StoreTarget{Driver: "pgx", Dialect: dialectPostgres, DataSource: "postgres" + dsn[len(scheme):]}, nil
	case "sqlite", "sqlite3", "file":
		path := dsnPath(dsn)
		if path == "" {
			return StoreTarget{}, fmt.Errorf("%w: sqlite dsn %q has no path", ErrInvalidInput, dsn)
		}
		return StoreTarget{Driver: "sqlite3", Dialect: dialectSQLite, DataSource: sqliteDataSource(path)}, nil
	default:
		return StoreTarget{}, fmt.Errorf("%w: %q", ErrUnsupportedDriver, scheme)
	}
}

type RepositoryOptions struct {
	AutoMigrate  bool
	MaxOpenConns int
}

func OpenRepository(ctx context.Context, dsn string, opts RepositoryOptions) (Repository, error) {
	target, err := ParseStoreDSN(dsn)
	if err != nil {
		return nil, err
	}
	if target.Memory {
		return NewMemoryRepository(), nil
	}
	if opts.AutoMigrate {
		if err := Migrate(dsn); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(target.Driver, target.DataSource)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", target.Driver, err)
	}
	if target.Dialect == dialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", target.Driver, err)
	}
	return NewSQLRepository(db, target.Dialect), nil
}

func sqliteDataSource(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeoutMillis))
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// dsnPath extracts the filesystem path from scheme://path or scheme:path.
func dsnPath(dsn string) string {
	idx := strings.Index(dsn, ":")
	if idx < 0 {
		return dsn
	}
	rest := dsn[idx+1:]
	return strings.TrimPrefix(rest, "//")
}
