package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// CredentialStore is the Postgres store.CredentialStore. Values arrive
// already encrypted; this layer never sees plaintext.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) Upsert(ctx context.Context, c *store.Credential) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_credentials (tenant_id, service_name, encrypted_value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, service_name)
		 DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value, updated_at = EXCLUDED.updated_at`,
		c.TenantID, c.ServiceName, c.EncryptedValue, c.UpdatedAt)
	return err
}

func (s *CredentialStore) Get(ctx context.Context, tenantID uuid.UUID, serviceName string) (*store.Credential, error) {
	var c store.Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, service_name, encrypted_value, updated_at
		 FROM tenant_credentials WHERE tenant_id = $1 AND service_name = $2`,
		tenantID, serviceName).
		Scan(&c.TenantID, &c.ServiceName, &c.EncryptedValue, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *CredentialStore) ListServices(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_name FROM tenant_credentials WHERE tenant_id = $1 ORDER BY service_name`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *CredentialStore) Delete(ctx context.Context, tenantID uuid.UUID, serviceName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_credentials WHERE tenant_id = $1 AND service_name = $2`,
		tenantID, serviceName)
	return err
}
