package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// MessageStore is the Postgres store.MessageStore.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Insert(ctx context.Context, m *store.Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = store.DeliveryPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, sender_id, session_id, external_id, direction, content, delivery_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		m.ID, m.TenantID, m.SenderID, m.SessionID, nilStr(m.ExternalID),
		m.Direction, m.Content, m.DeliveryStatus, m.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const messageCols = `id, tenant_id, sender_id, session_id, external_id, direction, content, delivery_status, created_at`

func (s *MessageStore) ListRecent(ctx context.Context, tenantID uuid.UUID, senderID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE tenant_id = $1 AND sender_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`, tenantID, senderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *MessageStore) Search(ctx context.Context, tenantID uuid.UUID, query string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE tenant_id = $1 AND tsv @@ plainto_tsquery('simple', $2)
		 ORDER BY ts_rank(tsv, plainto_tsquery('simple', $2)) DESC
		 LIMIT $3`, tenantID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *MessageStore) SetDeliveryStatus(ctx context.Context, id uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanMessageRows(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		var externalID sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SenderID, &m.SessionID,
			&externalID, &m.Direction, &m.Content, &m.DeliveryStatus, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ExternalID = strPtr(externalID)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
