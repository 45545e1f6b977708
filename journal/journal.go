// Package journal - Persists alert events to Postgres.
package journal

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/alerts"
)

// Config configures the pool.
type Config struct {
	// DSN is a postgres:// URL; empty disables the journal.
	DSN      string `yaml:"dsn" json:"dsn"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns" validate:"gte=0"`
	// Table defaults to behavior_alerts.
	Table string `yaml:"table" json:"table" validate:"omitempty,alphanum|containsrune=_"`
}

// Execer is the subset of *pgxpool.Pool used by the sink.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes one row per alert event.
type PostgresSink struct {
	db    Execer
	table string
	pool  *pgxpool.Pool
}

var newPool = pgxpool.NewWithConfig

// Open connects a pool and returns a sink over it.
//
// Arguments:
//   - ctx: Bounds pool creation.
//   - cfg: The DSN, pool size and table.
//
// Returns:
//   - *PostgresSink: The sink; Close releases the pool.
//   - error: An error if the DSN does not parse or the pool fails.
func Open(ctx context.Context, cfg Config) (*PostgresSink, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse journal dsn")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open journal pool")
	}
	s := New(pool, cfg.Table)
	s.pool = pool
	return s, nil
}

// New wraps an existing connection.
func New(db Execer, table string) *PostgresSink {
	if table == "" {
		table = "behavior_alerts"
	}
	return &PostgresSink{db: db, table: table}
}

// EnsureSchema creates the table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
	id uuid PRIMARY KEY,
	detector text NOT NULL,
	message text NOT NULL,
	label text NOT NULL,
	confidence real NOT NULL,
	raised_at timestamptz NOT NULL
)`)
	return errors.Wrapf(err, "create table %s", s.table)
}

// Send inserts e. Duplicate ids are ignored.
func (s *PostgresSink) Send(ctx context.Context, e alerts.Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO `+s.table+` (id, detector, message, label, confidence, raised_at)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Detector, e.Message, e.Label, e.Confidence, e.Timestamp,
	)
	return errors.Wrapf(err, "insert alert %s", e.ID)
}

// Close releases the pool opened by Open.
func (s *PostgresSink) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
