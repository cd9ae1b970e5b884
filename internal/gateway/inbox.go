package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// InboxRow is one accepted webhook event awaiting dispatch onto the bus.
type InboxRow struct {
	ID         int64
	Channel    string
	ReceivedAt time.Time
	Payload    []byte
}

// Inbox is a local SQLite journal of accepted webhook events. Handlers
// append before acknowledging the provider, so a crash between ack and
// dispatch cannot lose a delivery.
type Inbox struct {
	db *sql.DB
}

const inboxSchema = `
CREATE TABLE IF NOT EXISTS webhook_inbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	channel      TEXT NOT NULL,
	received_at  TIMESTAMP NOT NULL,
	payload      BLOB NOT NULL,
	processed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_inbox_pending
	ON webhook_inbox(id) WHERE processed_at IS NULL;
`

// OpenInbox opens the journal at path, creating file and parent directory
// as needed.
func OpenInbox(path string) (*Inbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	// _pragma in the DSN applies to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	// One connection serializes handler appends against dispatcher reads.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(inboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init inbox schema: %w", err)
	}
	return &Inbox{db: db}, nil
}

// Append journals one event and returns its row id.
func (in *Inbox) Append(ctx context.Context, channel string, payload []byte) (int64, error) {
	res, err := in.db.ExecContext(ctx,
		`INSERT INTO webhook_inbox (channel, received_at, payload) VALUES (?, ?, ?)`,
		channel, time.Now().UTC(), payload)
	if err != nil {
		return 0, fmt.Errorf("append inbox event: %w", err)
	}
	return res.LastInsertId()
}

// Next returns up to limit unprocessed events in arrival order.
func (in *Inbox) Next(ctx context.Context, limit int) ([]InboxRow, error) {
	rows, err := in.db.QueryContext(ctx,
		`SELECT id, channel, received_at, payload FROM webhook_inbox
		 WHERE processed_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox events: %w", err)
	}
	defer rows.Close()

	var out []InboxRow
	for rows.Next() {
		var r InboxRow
		if err := rows.Scan(&r.ID, &r.Channel, &r.ReceivedAt, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan inbox event: %w", err)
		}
		r.ReceivedAt = r.ReceivedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkProcessed records that the event reached the bus.
func (in *Inbox) MarkProcessed(ctx context.Context, id int64) error {
	if _, err := in.db.ExecContext(ctx,
		`UPDATE webhook_inbox SET processed_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("mark inbox event %d: %w", id, err)
	}
	return nil
}

// Prune deletes processed events older than olderThan and reports how many
// went away.
func (in *Inbox) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := in.db.ExecContext(ctx,
		`DELETE FROM webhook_inbox WHERE processed_at IS NOT NULL AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune inbox: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (in *Inbox) Close() error {
	return in.db.Close()
}
