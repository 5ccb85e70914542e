// Package store is the durable record of every message this node has seen,
// and the single owner of delivery state. All status changes go through
// Transition, a compare-and-set against the current row status, so concurrent
// scheduler and ack activity cannot apply transitions out of order.
package store

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    _ "github.com/mattn/go-sqlite3"

    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/mail"
    "github.com/AkitaEngineering/Akita-Meshtastic-eMail/pkg/wire"
)

// Options configures a Store. Durations come straight from the delivery
// section of the config.
type Options struct {
    // Path of the sqlite file. Parent directories are created.
    Path string

    RetryInterval time.Duration
    Expiry        time.Duration

    MaxSubjectBytes int
    MaxBodyBytes    int
    // PayloadLimit is the radio single-packet budget; enqueue rejects
    // anything that encodes larger.
    PayloadLimit int
}

// Store wraps the sqlite database holding the inbox and outbox tables.
type Store struct {
    db   *sql.DB
    opts Options
}

// Open opens (creating if needed) the message database.
func Open(ctx context.Context, opts Options) (*Store, error) {
    if opts.Path == "" {
        return nil, errors.New("store: path required")
    }
    if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
        return nil, fmt.Errorf("store: create data dir: %w", err)
    }

    db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
    if err != nil {
        return nil, fmt.Errorf("store: open: %w", err)
    }
    if err := db.PingContext(ctx); err != nil {
        db.Close()
        return nil, fmt.Errorf("store: ping: %w", err)
    }

    s := &Store{db: db, opts: opts}
    if err := s.initSchema(ctx); err != nil {
        db.Close()
        return nil, err
    }
    return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
    schema := `
    CREATE TABLE IF NOT EXISTS outbox (
        message_id      TEXT PRIMARY KEY,
        to_node         INTEGER NOT NULL,
        from_node       INTEGER NOT NULL,
        subject         TEXT NOT NULL DEFAULT '',
        body            TEXT NOT NULL,
        created_at      INTEGER NOT NULL,
        hops            INTEGER NOT NULL DEFAULT 0,
        status          TEXT NOT NULL DEFAULT 'pending',
        attempt_count   INTEGER NOT NULL DEFAULT 0,
        last_attempt_at INTEGER NOT NULL DEFAULT 0,
        expires_at      INTEGER NOT NULL,
        acked_by        INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_outbox_status_attempt ON outbox(status, last_attempt_at);
    CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);

    CREATE TABLE IF NOT EXISTS inbox (
        message_id  TEXT PRIMARY KEY,
        to_node     INTEGER NOT NULL,
        from_node   INTEGER NOT NULL,
        subject     TEXT NOT NULL DEFAULT '',
        body        TEXT NOT NULL,
        created_at  INTEGER NOT NULL,
        hops        INTEGER NOT NULL DEFAULT 0,
        received_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_inbox_received ON inbox(received_at);
    `
    if _, err := s.db.ExecContext(ctx, schema); err != nil {
        return fmt.Errorf("store: init schema: %w", err)
    }
    return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// EnqueueOutbound validates m, stamps the delivery bookkeeping and inserts it
// into the outbox. Expiry counts from now, not from the message's CreatedAt:
// a forwarded copy keeps its original creation time but still gets a full
// expiry budget on this node. Returns false when a row with the same id
// already exists (normal when a forwarded copy is seen twice). Oversized or
// malformed input is a *mail.ValidationError and nothing is stored.
func (s *Store) EnqueueOutbound(ctx context.Context, m *mail.Message, now time.Time) (bool, error) {
    if err := m.Validate(s.opts.MaxSubjectBytes, s.opts.MaxBodyBytes); err != nil {
        return false, err
    }
    size, err := wire.EncodedSize(m)
    if err != nil {
        return false, err
    }
    if size > s.opts.PayloadLimit {
        return false, &mail.ValidationError{
            Field:  "payload",
            Reason: fmt.Sprintf("encodes to %d bytes, radio limit is %d", size, s.opts.PayloadLimit),
        }
    }

    m.Direction = mail.Outbound
    m.Status = mail.StatusPending
    m.AttemptCount = 0
    m.ExpiresAt = now.Add(s.opts.Expiry)

    res, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO outbox
            (message_id, to_node, from_node, subject, body, created_at, hops, status, expires_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
        m.ID, uint32(m.To), uint32(m.From), m.Subject, m.Body,
        m.CreatedAt.UnixMilli(), m.Hops, string(mail.StatusPending), m.ExpiresAt.UnixMilli())
    if err != nil {
        return false, fmt.Errorf("store: enqueue %s: %w", m.ID, err)
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n > 0, nil
}

// StoreInbound persists a received message. Returns false for a duplicate id,
// which is an expected outcome under retransmission, never an error.
func (s *Store) StoreInbound(ctx context.Context, m *mail.Message, receivedAt time.Time) (bool, error) {
    res, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO inbox
            (message_id, to_node, from_node, subject, body, created_at, hops, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
        m.ID, uint32(m.To), uint32(m.From), m.Subject, m.Body,
        m.CreatedAt.UnixMilli(), m.Hops, receivedAt.UnixMilli())
    if err != nil {
        return false, fmt.Errorf("store: store inbound %s: %w", m.ID, err)
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n > 0, nil
}

// ListPendingDue returns outbound messages whose next attempt is due at now:
// never attempted, or last attempted at least a retry interval ago. Expired
// rows are excluded (ListExpiredPending owns those). Order is oldest-attempt
// first, ties broken by creation time, so no message starves.
func (s *Store) ListPendingDue(ctx context.Context, now time.Time) ([]*mail.Message, error) {
    cutoff := now.Add(-s.opts.RetryInterval).UnixMilli()
    rows, err := s.db.QueryContext(ctx, `
        SELECT `+outboxCols+` FROM outbox
        WHERE status IN ('pending', 'sent')
          AND expires_at >= ?
          AND (attempt_count = 0 OR last_attempt_at <= ?)
        ORDER BY last_attempt_at ASC, created_at ASC`,
        now.UnixMilli(), cutoff)
    if err != nil {
        return nil, fmt.Errorf("store: list due: %w", err)
    }
    return scanOutbox(rows)
}

// ListExpiredPending returns non-terminal outbound messages past their expiry.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]*mail.Message, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT `+outboxCols+` FROM outbox
        WHERE status IN ('pending', 'sent') AND expires_at < ?
        ORDER BY created_at ASC`,
        now.UnixMilli())
    if err != nil {
        return nil, fmt.Errorf("store: list expired: %w", err)
    }
    return scanOutbox(rows)
}

// Meta carries the side effects applied with a transition.
type Meta struct {
    // At is the transition time (injected, never time.Now inside the store).
    At time.Time
    // AckedBy is recorded on transitions to acked.
    AckedBy mail.NodeID
}

// Transition applies from→to atomically. It is a no-op returning false when
// the row's current status is not `from` — a late duplicate ack or a racing
// expiry simply loses the compare-and-set. Transitions to sent bump the
// attempt counter and stamp the attempt time.
func (s *Store) Transition(ctx context.Context, id string, from, to mail.Status, meta Meta) (bool, error) {
    if !from.Valid() || !to.Valid() {
        return false, fmt.Errorf("store: unknown status %q -> %q", from, to)
    }
    var (
        res sql.Result
        err error
    )
    switch to {
    case mail.StatusSent:
        res, err = s.db.ExecContext(ctx, `
            UPDATE outbox
            SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ?
            WHERE message_id = ? AND status = ?`,
            string(to), meta.At.UnixMilli(), id, string(from))
    case mail.StatusAcked:
        res, err = s.db.ExecContext(ctx, `
            UPDATE outbox SET status = ?, acked_by = ?
            WHERE message_id = ? AND status = ?`,
            string(to), uint32(meta.AckedBy), id, string(from))
    default:
        res, err = s.db.ExecContext(ctx, `
            UPDATE outbox SET status = ?
            WHERE message_id = ? AND status = ?`,
            string(to), id, string(from))
    }
    if err != nil {
        return false, fmt.Errorf("store: transition %s %s->%s: %w", id, from, to, err)
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n > 0, nil
}

// GetOutbound fetches one outbox row by id; (nil, nil) when absent.
func (s *Store) GetOutbound(ctx context.Context, id string) (*mail.Message, error) {
    row := s.db.QueryRowContext(ctx, `SELECT `+outboxCols+` FROM outbox WHERE message_id = ?`, id)
    m, err := scanOutboxRow(row.Scan)
    if errors.Is(err, sql.ErrNoRows) {
        return nil, nil
    }
    return m, err
}

// ListInbox returns up to limit received messages, newest first.
func (s *Store) ListInbox(ctx context.Context, limit int) ([]*mail.Message, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT message_id, to_node, from_node, subject, body, created_at, hops, received_at
        FROM inbox ORDER BY received_at DESC LIMIT ?`, limit)
    if err != nil {
        return nil, fmt.Errorf("store: list inbox: %w", err)
    }
    defer rows.Close()
    var out []*mail.Message
    for rows.Next() {
        var (
            m                  mail.Message
            to, from           uint32
            createdMS, recvdMS int64
        )
        if err := rows.Scan(&m.ID, &to, &from, &m.Subject, &m.Body, &createdMS, &m.Hops, &recvdMS); err != nil {
            return nil, err
        }
        m.To, m.From = mail.NodeID(to), mail.NodeID(from)
        m.CreatedAt = time.UnixMilli(createdMS)
        m.Direction = mail.Inbound
        m.Status = mail.StatusReceived
        out = append(out, &m)
    }
    return out, rows.Err()
}

// ListOutbox returns up to limit outbound messages, newest first.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]*mail.Message, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT `+outboxCols+` FROM outbox ORDER BY created_at DESC LIMIT ?`, limit)
    if err != nil {
        return nil, fmt.Errorf("store: list outbox: %w", err)
    }
    return scanOutbox(rows)
}

const outboxCols = `message_id, to_node, from_node, subject, body, created_at, hops,
    status, attempt_count, last_attempt_at, expires_at, acked_by`

func scanOutbox(rows *sql.Rows) ([]*mail.Message, error) {
    defer rows.Close()
    var out []*mail.Message
    for rows.Next() {
        m, err := scanOutboxRow(rows.Scan)
        if err != nil {
            return nil, err
        }
        out = append(out, m)
    }
    return out, rows.Err()
}

func scanOutboxRow(scan func(...any) error) (*mail.Message, error) {
    var (
        m                             mail.Message
        to, from, ackedBy             uint32
        status                        string
        createdMS, attemptMS, expMS   int64
    )
    err := scan(&m.ID, &to, &from, &m.Subject, &m.Body, &createdMS, &m.Hops,
        &status, &m.AttemptCount, &attemptMS, &expMS, &ackedBy)
    if err != nil {
        return nil, err
    }
    m.To, m.From, m.AckedBy = mail.NodeID(to), mail.NodeID(from), mail.NodeID(ackedBy)
    m.CreatedAt = time.UnixMilli(createdMS)
    if attemptMS > 0 {
        m.LastAttemptAt = time.UnixMilli(attemptMS)
    }
    m.ExpiresAt = time.UnixMilli(expMS)
    m.Status = mail.Status(status)
    m.Direction = mail.Outbound
    return &m, nil
}
