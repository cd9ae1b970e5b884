package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrSessionLeased means another live instance holds the session lease;
	// retry after the lease TTL.
	ErrSessionLeased = errors.New("store: session leased by another instance")
)

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tenants     TenantStore
	Sessions    SessionStore
	Messages    MessageStore
	Tasks       TaskStore
	Triggers    TriggerStore
	Browsers    BrowserStore
	Credentials CredentialStore
}

// TenantStore manages tenant identity rows.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	// GetByRecipient attributes an inbound sender to a tenant.
	GetByRecipient(ctx context.Context, channel, recipientID string) (*Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	SetOnboardingPhase(ctx context.Context, id uuid.UUID, phase string) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionStore manages conversation session rows and their leases.
// Acquire performs the whole get-or-create contract in one transaction:
// return the active session when its last activity is inside idleWindow,
// else end any stale row and insert a fresh one; in both cases stamp the
// lease for owner. Returns ErrSessionLeased while another owner's lease is
// live on the active session.
type SessionStore interface {
	Acquire(ctx context.Context, tenantID uuid.UUID, senderID, owner string, leaseTTL, idleWindow time.Duration) (sess *ConvoSession, isNew bool, err error)
	GetActive(ctx context.Context, tenantID uuid.UUID, senderID string) (*ConvoSession, error)
	// Touch advances last_activity_at. Called for every stored message.
	Touch(ctx context.Context, sessionID uuid.UUID) error
	// End marks the session over. Idempotent; distinct from lease release.
	End(ctx context.Context, sessionID uuid.UUID) error
	// ReleaseLease clears the lease fields and never ends the session.
	ReleaseLease(ctx context.Context, sessionID uuid.UUID) error
}

// MessageStore appends immutable message rows.
type MessageStore interface {
	// Insert stores a message. Returns false when a row with the same
	// (tenant, external id) already exists; the duplicate is not stored.
	Insert(ctx context.Context, m *Message) (bool, error)
	ListRecent(ctx context.Context, tenantID uuid.UUID, senderID string, limit int) ([]Message, error)
	// Search runs full-text search over message content, best match first.
	Search(ctx context.Context, tenantID uuid.UUID, query string, limit int) ([]Message, error)
	SetDeliveryStatus(ctx context.Context, id uuid.UUID, status string) error
}

// TaskStore manages scheduled task rows. ClaimDue is the sole mechanism
// preventing double execution: it stamps leases on up to limit due,
// unleased, enabled tasks in one transaction and returns them in
// next_run_at order.
type TaskStore interface {
	Create(ctx context.Context, t *ScheduledTask) error
	Get(ctx context.Context, id uuid.UUID) (*ScheduledTask, error)
	ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]ScheduledTask, error)
	ClaimDue(ctx context.Context, owner string, limit int, leaseTTL time.Duration) ([]ScheduledTask, error)
	// DeleteCompleted removes a finished one-time task.
	DeleteCompleted(ctx context.Context, id uuid.UUID) error
	// CompleteRecurring advances a recurring task past a successful run:
	// set next_run_at, clear the lease and error count, and append output to
	// previous_outputs keeping at most historyLimit entries.
	CompleteRecurring(ctx context.Context, id uuid.UUID, nextRun time.Time, output string, historyLimit int) error
	// Fail records a failed run: increment error_count, store the error,
	// clear the lease, and disable the task once error_count reaches
	// disableThreshold.
	Fail(ctx context.Context, id uuid.UUID, taskErr string, disableThreshold int) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TriggerStore manages trigger rows.
type TriggerStore interface {
	Create(ctx context.Context, t *Trigger) error
	Get(ctx context.Context, id uuid.UUID) (*Trigger, error)
	ListActive(ctx context.Context) ([]Trigger, error)
	ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]Trigger, error)
	// MarkTriggered stamps last_triggered_at after an accepted event.
	MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
	// AdvanceNextCheck records when the adapter will next evaluate.
	AdvanceNextCheck(ctx context.Context, id uuid.UUID, at time.Time) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// BrowserStore manages the persisted coordination rows for browser handles.
type BrowserStore interface {
	Insert(ctx context.Context, b *BrowserSession) error
	// Touch advances last_used_at and renews the lease for owner.
	Touch(ctx context.Context, id uuid.UUID, owner string, leaseTTL time.Duration) error
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteOwned removes every row owned by owner. Shutdown cleanup.
	DeleteOwned(ctx context.Context, owner string) (int64, error)
	// DeleteExpiredExcept removes rows whose lease expired and whose id is
	// not in keep. Orphan reclamation for handles lost by dead instances.
	DeleteExpiredExcept(ctx context.Context, keep []uuid.UUID) (int64, error)
	ListOwned(ctx context.Context, owner string) ([]BrowserSession, error)
}

// CredentialStore manages encrypted tenant secrets.
type CredentialStore interface {
	Upsert(ctx context.Context, c *Credential) error
	Get(ctx context.Context, tenantID uuid.UUID, serviceName string) (*Credential, error)
	ListServices(ctx context.Context, tenantID uuid.UUID) ([]string, error)
	Delete(ctx context.Context, tenantID uuid.UUID, serviceName string) error
}
