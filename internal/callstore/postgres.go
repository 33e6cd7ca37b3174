package callstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the calls table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT PRIMARY KEY,
    direction   TEXT NOT NULL DEFAULT 'inbound',
    from_number TEXT NOT NULL DEFAULT '',
    to_number   TEXT NOT NULL DEFAULT '',
    agent       TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'in_progress',
    end_reason  TEXT NOT NULL DEFAULT '',
    transcript  JSONB NOT NULL DEFAULT '[]',
    summary     TEXT NOT NULL DEFAULT '',
    turn_count  INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status);
CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. The transcript
// is serialised as JSONB.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool // nil when constructed over an external connection
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] over the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries, and for closing the
// connection.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [PostgresStore.Migrate]. The returned
// store owns the pool; release it with [PostgresStore.Close].
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("callstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: ping: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL against the database, creating the calls
// table and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("callstore: migrate: %w", err)
	}
	return nil
}

// Create implements [Store.Create].
func (s *PostgresStore) Create(ctx context.Context, c *Call) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	c.Status = StatusInProgress

	const query = `
		INSERT INTO calls (id, direction, from_number, to_number, agent, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := s.db.Exec(ctx, query,
		c.ID, string(c.Direction), c.FromNumber, c.ToNumber, c.Agent,
		string(c.Status), c.StartedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("callstore: call %q already exists", c.ID)
		}
		return fmt.Errorf("callstore: create: %w", err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Call, error) {
	const query = `
		SELECT id, direction, from_number, to_number, agent, status,
		       end_reason, transcript, summary, turn_count, started_at, ended_at
		FROM calls
		WHERE id = $1`

	c, err := scanCall(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("callstore: get %q: %w", id, err)
	}
	return c, nil
}

// Finish implements [Store.Finish].
func (s *PostgresStore) Finish(ctx context.Context, id string, end CallEnd) error {
	transcriptJSON, err := json.Marshal(emptyTranscript(end.Transcript))
	if err != nil {
		return fmt.Errorf("callstore: marshal transcript: %w", err)
	}
	endedAt := end.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	const query = `
		UPDATE calls SET
			status = $2, end_reason = $3, transcript = $4,
			summary = $5, turn_count = $6, ended_at = $7
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		id, string(end.Status), end.Reason, transcriptJSON,
		end.Summary, len(end.Transcript), endedAt,
	)
	if err != nil {
		return fmt.Errorf("callstore: finish %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callstore: call %q not found", id)
	}
	return nil
}

// List implements [Store.List].
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]Call, error) {
	var (
		rows pgx.Rows
		err  error
	)
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // LIMIT -1 is "no limit" in PostgreSQL via NULLIF below
	}
	if opts.Status == "" {
		const query = `
			SELECT id, direction, from_number, to_number, agent, status,
			       end_reason, transcript, summary, turn_count, started_at, ended_at
			FROM calls
			ORDER BY started_at DESC
			LIMIT NULLIF($1, -1)`
		rows, err = s.db.Query(ctx, query, limit)
	} else {
		const query = `
			SELECT id, direction, from_number, to_number, agent, status,
			       end_reason, transcript, summary, turn_count, started_at, ended_at
			FROM calls
			WHERE status = $1
			ORDER BY started_at DESC
			LIMIT NULLIF($2, -1)`
		rows, err = s.db.Query(ctx, query, string(opts.Status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("callstore: list: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("callstore: list scan: %w", err)
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: list: %w", err)
	}
	return calls, nil
}

// Close implements [Store.Close]. It releases the connection pool when the
// store owns one.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// scanCall reads one calls row. The column order must match the SELECT lists
// above.
func scanCall(row pgx.Row) (*Call, error) {
	var (
		c              Call
		transcriptJSON []byte
		endedAt        *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Direction, &c.FromNumber, &c.ToNumber, &c.Agent, &c.Status,
		&c.EndReason, &transcriptJSON, &c.Summary, &c.TurnCount, &c.StartedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(transcriptJSON, &c.Transcript); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	if endedAt != nil {
		c.EndedAt = *endedAt
	}
	return &c, nil
}

// emptyTranscript returns t if non-nil, otherwise an empty non-nil slice.
// This ensures JSON marshalling produces "[]" instead of "null".
func emptyTranscript(t []TranscriptEntry) []TranscriptEntry {
	if t == nil {
		return []TranscriptEntry{}
	}
	return t
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
