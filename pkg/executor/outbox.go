package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // registers the "postgres" driver
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Dialect selects SQL placeholder and DDL syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Outbox statuses.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
)

// OutboxRecord is an action waiting in the outbox.
type OutboxRecord struct {
	Action
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
}

// OutboxExecutor hands actions to downstream workers through a SQL outbox
// table. Scheduling is idempotent on proposal id.
type OutboxExecutor struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewOutboxExecutor wraps an open database.
func NewOutboxExecutor(db *sql.DB, dialect Dialect) *OutboxExecutor {
	return &OutboxExecutor{db: db, dialect: dialect, clock: time.Now}
}

// OpenOutbox opens driver ("sqlite" or "postgres") at dsn and creates the
// outbox table if needed.
func OpenOutbox(ctx context.Context, driver, dsn string) (*OutboxExecutor, error) {
	dialect := Dialect(driver)
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("executor: unsupported outbox driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("executor: open outbox: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("executor: ping outbox: %w", err)
	}
	o := NewOutboxExecutor(db, dialect)
	if err := o.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

// EnsureSchema creates the outbox table.
func (o *OutboxExecutor) EnsureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if o.dialect == DialectSQLite {
		blob = "BLOB"
	}
	query := `
		CREATE TABLE IF NOT EXISTS council_outbox (
			proposal_id  BIGINT PRIMARY KEY,
			kind         TEXT NOT NULL,
			payload      ` + blob + ` NOT NULL,
			emergency    BOOLEAN NOT NULL,
			executor     TEXT NOT NULL,
			scheduled_at BIGINT NOT NULL,
			status       TEXT NOT NULL
		)`
	if _, err := o.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("executor: create outbox table: %w", err)
	}
	return nil
}

// Execute schedules a. Scheduling a proposal twice keeps the first record.
func (o *OutboxExecutor) Execute(ctx context.Context, a Action) error {
	payload := a.Payload
	if payload == nil {
		payload = []byte{}
	}
	query := o.rebind(`
		INSERT INTO council_outbox (proposal_id, kind, payload, emergency, executor, scheduled_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (proposal_id) DO NOTHING`)
	_, err := o.db.ExecContext(ctx, query,
		int64(a.ProposalID), a.Kind, payload, a.Emergency, a.Executor, o.clock().UTC().UnixNano(), StatusPending)
	if err != nil {
		return fmt.Errorf("failed to schedule proposal %d: %w", a.ProposalID, err)
	}
	return nil
}

// Pending lists scheduled actions not yet marked done, oldest first.
func (o *OutboxExecutor) Pending(ctx context.Context) ([]OutboxRecord, error) {
	query := o.rebind(`
		SELECT proposal_id, kind, payload, emergency, executor, scheduled_at, status
		FROM council_outbox
		WHERE status = ?
		ORDER BY scheduled_at ASC, proposal_id ASC`)
	rows, err := o.db.QueryContext(ctx, query, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var out []OutboxRecord
	for rows.Next() {
		var (
			r         OutboxRecord
			id        int64
			scheduled int64
		)
		if err := rows.Scan(&id, &r.Kind, &r.Payload, &r.Emergency, &r.Executor, &scheduled, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		r.ProposalID = uint64(id)
		r.ScheduledAt = time.Unix(0, scheduled).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDone records that a downstream worker completed proposal id.
func (o *OutboxExecutor) MarkDone(ctx context.Context, id uint64) error {
	res, err := o.db.ExecContext(ctx, o.rebind(`UPDATE council_outbox SET status = ? WHERE proposal_id = ?`), StatusDone, int64(id))
	if err != nil {
		return fmt.Errorf("failed to mark proposal %d done: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("proposal %d is not in the outbox", id)
	}
	return nil
}

// Close closes the underlying database.
func (o *OutboxExecutor) Close() error { return o.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (o *OutboxExecutor) rebind(query string) string {
	if o.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
