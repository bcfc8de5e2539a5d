package clocksync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sqlOperationTimeout = 10 * time.Second

type sqlDialect struct {
	name string
}

var (
	dialectPostgres = sqlDialect{name: "postgres"}
	dialectSQLite   = sqlDialect{name: "sqlite"}
)

// date renders a civil date the way the dialect compares DATE columns.
func (d sqlDialect) date(t time.Time) any {
	if d.name == dialectSQLite.name {
		return t.Format(dateLayout)
	}
	return civilDate(t)
}

func (d sqlDialect) placeholders(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", from+i)
	}
	return out
}

// SQLRepository stores canonical records through database/sql. Placeholders
// are numbered in order of appearance, which both lib/pq and go-sqlite3
// accept.
type SQLRepository struct {
	db      *sql.DB
	dialect sqlDialect
}

func NewSQLRepository(db *sql.DB, dialect sqlDialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLRepository) Get(ctx context.Context, kind EntityKind, key Key) (Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(append(append([]string{}, table.keys...), table.columns...), ", "),
		postgresQuoteIdentifier(table.name),
		r.whereKeys(table, 1),
	)
	rec, err := table.scan(r.db.QueryRowContext(ctx, query, table.keyArgs(r.dialect, key)...))
	if err != nil {
		return nil, classifyStoreError("get "+string(kind), nil, err)
	}
	return rec, nil
}

func (r *SQLRepository) Insert(ctx context.Context, rec Record) error {
	table, err := tableFor(rec.Kind())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	cols := append(append([]string{}, table.keys...), table.columns...)
	args := append(table.keyArgs(r.dialect, rec.Key()), table.values(r.dialect, rec)...)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		postgresQuoteIdentifier(table.name),
		strings.Join(cols, ", "),
		strings.Join(r.dialect.placeholders(1, len(cols)), ", "),
	)
	_, err = r.db.ExecContext(ctx, query, args...)
	return classifyStoreError("insert "+string(rec.Kind()), rec, err)
}

func (r *SQLRepository) Update(ctx context.Context, rec Record) error {
	table, err := tableFor(rec.Kind())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	sets := make([]string, len(table.columns))
	for i, col := range table.columns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	args := append(table.values(r.dialect, rec), table.keyArgs(r.dialect, rec.Key())...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		postgresQuoteIdentifier(table.name),
		strings.Join(sets, ", "),
		r.whereKeys(table, len(table.columns)+1),
	)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classifyStoreError("update "+string(rec.Kind()), rec, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, kind EntityKind, key Key) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", postgresQuoteIdentifier(table.name), r.whereKeys(table, 1))
	res, err := r.db.ExecContext(ctx, query, table.keyArgs(r.dialect, key)...)
	if err != nil {
		return classifyStoreError("delete "+string(kind), nil, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) Keys(ctx context.Context, kind EntityKind, workspaceID string) ([]Key, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if table.keys[0] != "id" {
		return nil, fmt.Errorf("%w: %s rows are not listable by key", ErrInvalidInput, kind)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	hasWorkspace := false
	for _, col := range append(append([]string{}, table.keys...), table.columns...) {
		if col == "workspace_id" {
			hasWorkspace = true
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(table.keys, ", "), postgresQuoteIdentifier(table.name))
	var args []any
	if workspaceID != "" && hasWorkspace {
		query += " WHERE workspace_id = $1"
		args = append(args, workspaceID)
	}
	query += " ORDER BY " + strings.Join(table.keys, ", ")

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyStoreError("list "+string(kind), nil, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		dest := make([]any, len(table.keys))
		for i, col := range table.keys {
			switch col {
			case "id":
				dest[i] = &key.ID
			case "workspace_id":
				dest[i] = &key.WorkspaceID
			case "entry_id":
				dest[i] = &key.EntryID
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *SQLRepository) AppendAudit(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := `INSERT INTO audit_records (status_code, message, payload, caller, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	err := r.db.QueryRowContext(ctx, query, rec.StatusCode, rec.Message, rec.Payload, rec.Caller, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return rec, classifyStoreError("append audit", nil, err)
	}
	return rec, nil
}

func (r *SQLRepository) ListAudit(ctx context.Context, afterID int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id, status_code, message, payload, caller, created_at
		FROM audit_records WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, classifyStoreError("list audit", nil, err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.StatusCode, &rec.Message, &rec.Payload, &rec.Caller, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLRepository) whereKeys(table sqlTable, from int) string {
	parts := make([]string, len(table.keys))
	for i, col := range table.keys {
		parts[i] = fmt.Sprintf("%s = $%d", col, from+i)
	}
	return strings.Join(parts, " AND ")
}

func tableFor(kind EntityKind) (sqlTable, error) {
	table, ok := sqlTables[kind]
	if !ok {
		return sqlTable{}, fmt.Errorf("%w: no table for kind %q", ErrInvalidInput, kind)
	}
	return table, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
