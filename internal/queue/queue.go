// Package queue implements the durable per-channel transcript queue on
// Postgres. Each channel gets its own message table; readers lease messages
// for a visibility timeout and delete them explicitly, so unacknowledged
// messages are redelivered after a consumer crash (at-least-once delivery).
package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/discord-voice-bridge/internal/logging"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Message is one leased queue entry. Payload is the raw JSON the producer
// enqueued; callers unmarshal it into their own event type.
type Message struct {
	MsgID      int64
	ReadCount  int
	EnqueuedAt time.Time
	VT         time.Time
	Payload    []byte
}

// Queue provides the durable queue operations over a shared pgx pool. All
// access from producers and the per-channel consumer goes through these
// methods; there is no shared in-memory state.
type Queue struct {
	pool        *pgxpool.Pool
	sendRetries int
}

var queueNameRe = regexp.MustCompile(`^[0-9A-Za-z_]+$`)

// Open connects to Postgres, runs embedded schema migrations, and returns a
// ready Queue. A failure here is fatal to process startup.
func Open(ctx context.Context, databaseURL string, sendRetries int) (*Queue, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("queue migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("queue pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue ping: %w", err)
	}
	if sendRetries < 1 {
		sendRetries = 1
	}
	return &Queue{pool: pool, sendRetries: sendRetries}, nil
}

// runMigrations applies the embedded goose migrations through database/sql
// using the pgx stdlib driver.
func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the underlying pool.
func (q *Queue) Close() {
	if q.pool != nil {
		q.pool.Close()
	}
}

func tableName(queueName string) (string, error) {
	if !queueNameRe.MatchString(queueName) {
		return "", fmt.Errorf("invalid queue name %q", queueName)
	}
	return "tq_" + queueName, nil
}

// EnsureQueue idempotently creates the message table for a channel and
// records it in the registry.
func (q *Queue) EnsureQueue(ctx context.Context, queueName string) error {
	tbl, err := tableName(queueName)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		msg_id      BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		read_ct     INT NOT NULL DEFAULT 0,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		vt          TIMESTAMPTZ NOT NULL DEFAULT now(),
		payload     JSONB NOT NULL
	)`, tbl)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure queue %s: %w", queueName, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_vt_idx ON %s (vt ASC)`, tbl, tbl)
	if _, err := q.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("ensure queue index %s: %w", queueName, err)
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO turn_queues (queue_name) VALUES ($1) ON CONFLICT (queue_name) DO NOTHING`,
		queueName)
	if err != nil {
		return fmt.Errorf("register queue %s: %w", queueName, err)
	}
	return nil
}

// Send enqueues a JSON payload. It retries a bounded number of times with a
// short backoff; a persistent failure is surfaced to the caller rather than
// retried forever.
func (q *Queue) Send(ctx context.Context, queueName string, payload []byte) error {
	tbl, err := tableName(queueName)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1)`, tbl)
	var lastErr error
	for attempt := 0; attempt < q.sendRetries; attempt++ {
		if _, err := q.pool.Exec(ctx, stmt, payload); err != nil {
			lastErr = err
			logging.Warnw("queue: send attempt failed", "queue", queueName, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("queue send %s: %w", queueName, lastErr)
}

// ReadBatch leases up to limit messages whose visibility timeout has passed.
// Leased messages become invisible to other readers for vt; they reappear if
// not deleted before the lease expires.
func (q *Queue) ReadBatch(ctx context.Context, queueName string, vt time.Duration, limit int) ([]Message, error) {
	tbl, err := tableName(queueName)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`WITH leased AS (
		SELECT msg_id FROM %s
		WHERE vt <= clock_timestamp()
		ORDER BY msg_id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE %s t
	SET vt = clock_timestamp() + $2::interval, read_ct = read_ct + 1
	FROM leased
	WHERE t.msg_id = leased.msg_id
	RETURNING t.msg_id, t.read_ct, t.enqueued_at, t.vt, t.payload`, tbl, tbl)

	interval := fmt.Sprintf("%f seconds", vt.Seconds())
	rows, err := q.pool.Query(ctx, stmt, limit, interval)
	if err != nil {
		return nil, fmt.Errorf("queue read %s: %w", queueName, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &m.Payload); err != nil {
			return nil, fmt.Errorf("queue scan %s: %w", queueName, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue read %s: %w", queueName, err)
	}
	return out, nil
}

// Delete permanently removes a message. Deleting an already-deleted message
// is not an error, so delete is safe to retry.
func (q *Queue) Delete(ctx context.Context, queueName string, msgID int64) error {
	tbl, err := tableName(queueName)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, tbl)
	if _, err := q.pool.Exec(ctx, stmt, msgID); err != nil {
		return fmt.Errorf("queue delete %s/%d: %w", queueName, msgID, err)
	}
	return nil
}

// Purge discards all pending messages. Called when a fresh channel session
// starts so transcripts from before the (re)join are never processed.
func (q *Queue) Purge(ctx context.Context, queueName string) error {
	tbl, err := tableName(queueName)
	if err != nil {
		return err
	}
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, tbl))
	if err != nil {
		return fmt.Errorf("queue purge %s: %w", queueName, err)
	}
	logging.Infow("queue: purged", "queue", queueName, "discarded", tag.RowsAffected())
	return nil
}

// ListQueues returns the registered queue names.
func (q *Queue) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx, `SELECT queue_name FROM turn_queues ORDER BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("queue list: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DropQueue removes a channel's table and registry entry. Used by teardown
// tooling, not the normal disconnect path, which only purges.
func (q *Queue) DropQueue(ctx context.Context, queueName string) error {
	tbl, err := tableName(queueName)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tbl)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM turn_queues WHERE queue_name = $1`, queueName)
		return err
	})
	if err != nil {
		return fmt.Errorf("queue drop %s: %w", queueName, err)
	}
	return nil
}
