package pg

import (
	"database/sql"

	"github.com/tidewater-labs/concierge/internal/store"
)

// NewStores creates all stores backed by one Postgres pool.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Tenants:     NewTenantStore(db),
		Sessions:    NewSessionStore(db),
		Messages:    NewMessageStore(db),
		Tasks:       NewTaskStore(db),
		Triggers:    NewTriggerStore(db),
		Browsers:    NewBrowserStore(db),
		Credentials: NewCredentialStore(db),
	}
}
