// Package sqlstore implements the metadata store on SQL databases.
// The same queries serve PostgreSQL (pgx) and SQLite (modernc).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
)

// Dialect selects driver-specific SQL.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is the subset of *sql.DB the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config holds database connection settings.
type Config struct {
	Dialect         Dialect
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns settings for a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Dialect:         SQLite,
		URL:             "lineage.db",
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.Dialect != Postgres && c.Dialect != SQLite {
		return fmt.Errorf("unsupported dialect %q", c.Dialect)
	}
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be between 0 and max open conns")
	}
	return nil
}

// Open connects to the database described by cfg and pings it.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driver := "pgx"
	if cfg.Dialect == SQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if cfg.Dialect == SQLite && isMemoryDSN(cfg.URL) {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if cfg.Dialect == SQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("busy timeout: %w", err)
		}
	}
	return db, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Store implements runstore.Store over a SQL database.
type Store struct {
	db      DB
	closer  func() error
	dialect Dialect
}

var _ runstore.Store = (*Store)(nil)

// New wraps db. Call EnsureSchema before first use on an empty database.
func New(db DB, dialect Dialect) *Store {
	s := &Store{db: db, dialect: dialect}
	if c, ok := db.(interface{ Close() error }); ok {
		s.closer = c.Close
	}
	return s
}

// OpenStore opens the database, creates the schema and returns a Store.
func OpenStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := New(db, cfg.Dialect)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind converts $N placeholders to the dialect's syntax. SQLite accepts
// numbered ?N parameters, so reused placeholders keep working.
func (s *Store) rebind(query string) string {
	if s.dialect == SQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// AdapterInfo returns diagnostic information.
func (s *Store) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	info := map[string]interface{}{
		"adapter": "sql",
		"dialect": string(s.dialect),
	}
	var runs, artifacts int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM pipeline_runs`).Scan(&runs); err != nil {
		info["connected"] = false
		info["error"] = err.Error()
		return info, nil
	}
	info["connected"] = true
	info["runs"] = runs
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&artifacts); err == nil {
		info["artifacts"] = artifacts
	}
	return info, nil
}

// Close closes the underlying database when the store owns one.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func handleNotFound(err error, notFound error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().UnixNano()
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
