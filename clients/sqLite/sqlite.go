package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dbFileName     = "vpn.db"
	privateDirPerm = 0o700

	DefaultTimeout = 10 * time.Second
)

// ErrNotActive is returned when a write targets a credential that is no
// longer active.
var ErrNotActive = errors.New("credential is not active")

// ErrSweepLeased is returned when a write targets a credential that an
// expiry sweep has claimed for revocation.
var ErrSweepLeased = errors.New("credential is being swept")

// Store is the durable home of subscribers, credentials, nodes and the
// referral ledger. All writes go through WithTx; the database runs with a
// single connection so a unit of work never interleaves with another.
type Store struct {
	db      *sql.DB
	path    string
	timeout time.Duration
}

type Option func(*Store)

// WithTimeout bounds every unit of work.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Open opens (or creates) the store database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	dir = filepath.Clean(dir)
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: dbPath, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close store db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		id            TEXT PRIMARY KEY,
		referral_code TEXT NOT NULL UNIQUE,
		referred_by   TEXT,
		trial_used    INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id         TEXT PRIMARY KEY,
		address    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		load_count INTEGER NOT NULL DEFAULT 0 CHECK (load_count >= 0),
		version    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id                TEXT PRIMARY KEY,
		subscriber_id     TEXT NOT NULL,
		node_id           TEXT NOT NULL,
		secret            BLOB NOT NULL,
		public_artifact   TEXT NOT NULL DEFAULT '',
		kind              TEXT NOT NULL,
		status            TEXT NOT NULL,
		issued_at         INTEGER NOT NULL,
		granted_until     INTEGER NOT NULL,
		expires_at        INTEGER NOT NULL,
		revoked_at        INTEGER,
		load_released     INTEGER NOT NULL DEFAULT 0,
		secret_revoked    INTEGER NOT NULL DEFAULT 0,
		sweep_lease_until INTEGER,
		CHECK (expires_at > issued_at)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_one_active
		ON credentials(subscriber_id) WHERE status = 'active' AND kind != 'admin-grant';
	CREATE INDEX IF NOT EXISTS idx_credentials_subscriber ON credentials(subscriber_id, issued_at);
	CREATE INDEX IF NOT EXISTS idx_credentials_expiry ON credentials(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_credentials_node ON credentials(node_id, status);

	CREATE TABLE IF NOT EXISTS credential_extensions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		credential_id TEXT NOT NULL,
		added_ns      INTEGER NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS referral_edges (
		referrer_id    TEXT NOT NULL,
		referred_id    TEXT NOT NULL UNIQUE,
		reward_claimed INTEGER NOT NULL DEFAULT 0,
		claim_batch    TEXT,
		created_at     INTEGER NOT NULL,
		claimed_at     INTEGER,
		PRIMARY KEY (referrer_id, referred_id)
	);
	CREATE INDEX IF NOT EXISTS idx_referral_edges_claim ON referral_edges(referrer_id, reward_claimed);

	CREATE TABLE IF NOT EXISTS reward_grants (
		batch_id      TEXT PRIMARY KEY,
		referrer_id   TEXT NOT NULL,
		units         INTEGER NOT NULL,
		duration_ns   INTEGER NOT NULL,
		credential_id TEXT,
		created_at    INTEGER NOT NULL,
		delivered_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_reward_grants_pending ON reward_grants(referrer_id, delivered_at);

	CREATE TABLE IF NOT EXISTS issuance_attempts (
		attempt_id    TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL UNIQUE,
		node_id       TEXT NOT NULL,
		kind          TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		payment_id    TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		plan_id       TEXT NOT NULL DEFAULT '',
		amount        REAL NOT NULL DEFAULT 0,
		credential_id TEXT NOT NULL,
		applied_at    INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

// Path is the database file location.
func (s *Store) Path() string {
	return s.path
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tx is one unit of work. Its methods must only be used inside the WithTx
// callback that produced it.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// WithTx runs fn in a transaction bounded by the store timeout. fn's error
// rolls the transaction back and is returned unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) execAffected(query string, args ...any) (int64, error) {
	res, err := t.exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixNano(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
