package exclusion

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Source supplies rules that change at runtime.
type Source interface {
	LoadRules(ctx context.Context) ([]Rule, error)
}

// SQLStore keeps rules in an "exclusions(pattern, kind)" table.
type SQLStore struct {
	DB     *sql.DB
	driver string
}

// OpenSQL connects to dsn with driver and, for SQLite, creates the table.
// Postgres schemas are managed by migrations.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported exclusion driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s := NewSQLStore(db, driver)
	if driver == DriverSQLite {
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{DB: db, driver: driver}
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS exclusions (
		pattern TEXT NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (pattern, kind)
	)`)
	return err
}

func (s *SQLStore) LoadRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT pattern, kind FROM exclusions ORDER BY kind, pattern")
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var r Rule
		var kind string
		if err := rows.Scan(&r.Pattern, &kind); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRule inserts r, ignoring duplicates.
func (s *SQLStore) AddRule(ctx context.Context, r Rule) error {
	q := "INSERT INTO exclusions (pattern, kind) VALUES ($1, $2) ON CONFLICT DO NOTHING"
	if s.driver == DriverSQLite {
		q = "INSERT INTO exclusions (pattern, kind) VALUES (?, ?) ON CONFLICT DO NOTHING"
	}
	_, err := s.DB.ExecContext(ctx, q, r.Pattern, string(r.Kind))
	return err
}

// RemoveRule deletes r and reports whether it existed.
func (s *SQLStore) RemoveRule(ctx context.Context, r Rule) (bool, error) {
	q := "DELETE FROM exclusions WHERE pattern = $1 AND kind = $2"
	if s.driver == DriverSQLite {
		q = "DELETE FROM exclusions WHERE pattern = ? AND kind = ?"
	}
	res, err := s.DB.ExecContext(ctx, q, r.Pattern, string(r.Kind))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) Close() error { return s.DB.Close() }
