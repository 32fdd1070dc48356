// Package meta is the storage metadata engine. It tracks buckets, objects,
// the prefix ("directory") index implied by object keys, and multipart
// uploads, keeping all of them consistent through SQLite transactions.
//
// The engine manages metadata only. Object payloads live in an external
// content store referenced by ObjectMetadata.Path, callers are assumed to
// be authorized already, and every failure is returned as a wrapped
// sentinel error from errors.go rather than logged.
package meta

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/google/uuid"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// CascadeMode decides what DeleteBucket does with dependent rows.
type CascadeMode string

const (
	// Block refuses to delete a bucket that still has dependents.
	Block CascadeMode = "block"

	// Cascade deletes dependents in the same transaction as the bucket.
	Cascade CascadeMode = "cascade"
)

// DeletePolicy holds the bucket deletion behavior per dependent resource.
// Objects covers objects and their prefixes; Uploads covers multipart
// uploads and their parts.
type DeletePolicy struct {
	Objects CascadeMode
	Uploads CascadeMode
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file. ":memory:" is not supported since
	// each pooled connection would see its own database.
	Path string

	DeletePolicy DeletePolicy

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

type Option func(*Config)

func WithDeletePolicy(policy DeletePolicy) Option {
	return func(cfg *Config) {
		cfg.DeletePolicy = policy
	}
}

func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

// Store is the metadata engine. It is safe for concurrent use; all
// coordination happens inside the database.
type Store struct {
	db     *sql.DB
	policy DeletePolicy
	now    func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	cfg := Config{Path: path}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(ctx, cfg)
}

// New opens a Store from an explicit Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path must not be empty")
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.DeletePolicy.Objects == "" {
		cfg.DeletePolicy.Objects = Block
	}

	if cfg.DeletePolicy.Uploads == "" {
		cfg.DeletePolicy.Uploads = Block
	}

	if err := cfg.DeletePolicy.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, policy: cfg.DeletePolicy, now: cfg.Now}, nil
}

// dsn builds the go-sqlite3 connection string. _txlock=immediate makes
// every transaction take the write lock at BEGIN, so two writers can never
// both read "absent" and then race to upgrade their locks.
func dsn(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}

func (p DeletePolicy) validate() error {
	for _, mode := range []CascadeMode{p.Objects, p.Uploads} {
		if mode != Block && mode != Cascade {
			return fmt.Errorf("%w: unknown cascade mode %q", ErrInvalidArgument, mode)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema applies every SQL file under migrations in lexicographical
// order. Each file is idempotent.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}

		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", path, err)
		}
		return nil
	})
}

// withTransaction runs fn within a database transaction, committing only if
// fn succeeds. Errors returned by fn are passed through unchanged so that
// callers can match them with errors.Is.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// nullUUID converts an optional owner into a nullable column value.
func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func parseOwner(v sql.NullString) uuid.UUID {
	if !v.Valid {
		return uuid.Nil
	}

	id, err := uuid.Parse(v.String)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

// encodeStringMap stores nil maps as NULL.
func encodeStringMap(m map[string]string) (any, error) {
	if m == nil {
		return nil, nil
	}
	return encodeJSON(m)
}

func decodeStringMap(v sql.NullString) (map[string]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return m, nil
}
