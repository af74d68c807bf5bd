package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/oghenemoses/tablesync/internal/model"
)

// SQLiteStore is the shipped Local Store implementation. It is pure Go (no
// cgo) via modernc.org/sqlite, runs in WAL mode, and represents every row as
// a JSON blob alongside a handful of indexed system columns so queries on id,
// updatedAt and deleted stay index-backed without the engine needing a full
// query planner.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	defs map[string]model.TableDefinition

	stmtCache sync.Map // string -> *sql.Stmt
}

// Open opens (creating if needed) a SQLite database under dataDir.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "sync.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db, defs: make(map[string]model.TableDefinition)}, nil
}

func (s *SQLiteStore) DefineTable(def model.TableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.Name == "" {
		return fmt.Errorf("table definition requires a name")
	}
	s.defs[def.Name] = def
	return nil
}

func (s *SQLiteStore) TableDefinition(name string) (model.TableDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	return d, ok
}

// Initialize creates every defined table plus the reserved system tables
// __operations, __errors and __config.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	for _, n := range names {
		if err := s.createTable(ctx, n); err != nil {
			return err
		}
	}
	return s.createSystemTables(ctx)
}

func (s *SQLiteStore) createTable(ctx context.Context, name string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		updated_at TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	)`, name)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (updated_at, id)`, "idx_"+name+"_updated_at", name)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create index on %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) createSystemTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS __operations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			tableName TEXT NOT NULL,
			tableKind TEXT NOT NULL,
			itemId TEXT NOT NULL,
			item TEXT,
			createdAt TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_table_item ON __operations (tableName, itemId)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_sequence ON __operations (sequence)`,
		`CREATE TABLE IF NOT EXISTS __errors (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			operationId TEXT NOT NULL,
			operationKind TEXT NOT NULL,
			operationVersion INTEGER NOT NULL,
			tableName TEXT NOT NULL,
			tableKind TEXT NOT NULL,
			httpStatus INTEGER,
			item TEXT,
			rawResult TEXT,
			result TEXT,
			previousItem TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_operation ON __errors (operationId)`,
		`CREATE TABLE IF NOT EXISTS __config (
			id TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create system tables: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, table string, items []model.Record, ignoreMissingColumns bool, source model.StoreOperationSource) error {
	if len(items) == 0 {
		return nil
	}
	if !ignoreMissingColumns {
		if def, ok := s.TableDefinition(table); ok {
			for _, item := range items {
				for k := range item {
					if model.IsSystemField(k) {
						continue
					}
					if !def.HasColumn(k) {
						return fmt.Errorf("column %q not defined on table %s", k, table)
					}
				}
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert %s: begin tx: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (id, updated_at, deleted, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at, deleted=excluded.deleted, data=excluded.data`, table))
	if err != nil {
		return fmt.Errorf("upsert %s: prepare: %w", table, err)
	}
	defer stmt.Close()

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("upsert %s: marshal item: %w", table, err)
		}
		if _, err := stmt.ExecContext(ctx, item.ID(), item[model.FieldUpdatedAt], boolToInt(item.Deleted()), string(data)); err != nil {
			return fmt.Errorf("upsert %s: exec: %w", table, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) DeleteIDs(ctx context.Context, table string, ids []string, source model.StoreOperationSource) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete from %s: begin tx: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table))
	if err != nil {
		return fmt.Errorf("delete from %s: prepare: %w", table, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete from %s: exec: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteQuery(ctx context.Context, query model.Query, source model.StoreOperationSource) (int, error) {
	where, args := buildWhere(query)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q %s`, query.TableName, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete query on %s: %w", query.TableName, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, table, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, table), id)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup %s/%s: %w", table, id, err)
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("lookup %s/%s: unmarshal: %w", table, id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Read(ctx context.Context, query model.Query) (model.ReadResult, error) {
	where, args := buildWhere(query)
	order := "ORDER BY id ASC"
	if len(query.OrderBy) > 0 {
		order = "ORDER BY " + orderByClause(query.OrderBy)
	}
	limitOffset := ""
	if query.HasTop() {
		limitOffset += fmt.Sprintf(" LIMIT %d", query.Top)
	}
	if query.HasSkip() {
		if !query.HasTop() {
			limitOffset += " LIMIT -1"
		}
		limitOffset += fmt.Sprintf(" OFFSET %d", query.Skip)
	}

	sqlStr := fmt.Sprintf(`SELECT data FROM %q %s %s%s`, query.TableName, where, order, limitOffset)
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return model.ReadResult{}, fmt.Errorf("read %s: %w", query.TableName, err)
	}
	defer rows.Close()

	var values []model.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return model.ReadResult{}, fmt.Errorf("read %s: scan: %w", query.TableName, err)
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return model.ReadResult{}, fmt.Errorf("read %s: unmarshal: %w", query.TableName, err)
		}
		values = append(values, rec)
	}

	result := model.ReadResult{Values: values}
	if query.IncludeTotalCount {
		countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %q %s`, query.TableName, where)
		var count int
		if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&count); err != nil {
			return model.ReadResult{}, fmt.Errorf("read %s: count: %w", query.TableName, err)
		}
		result.TotalCount = &count
	}
	return result, nil
}

func (s *SQLiteStore) Query(ctx context.Context, query model.Query) ([]model.Record, error) {
	res, err := s.Read(ctx, query)
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for packages (queue, settings) that
// persist into the fixed-schema system tables directly rather than through
// the dynamic Record-oriented path above.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func buildWhere(query model.Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if !query.IncludeDeleted {
		clauses = append(clauses, "deleted = 0")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + joinAnd(clauses), args
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func orderByClause(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", c)
	}
	return out
}
