package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a new time-ordered UUID (v7).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Channel names accepted in tenant configuration.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
)

// Tenant lifecycle statuses.
const (
	TenantStatusActive = "active"
	TenantStatusPaused = "paused"
)

// Tenant is an isolated customer: own filesystem root, credentials,
// sessions, tasks, and triggers. Created once; mutated only by
// administrative flows.
type Tenant struct {
	ID              uuid.UUID
	Name            string
	Channel         string // ChannelWhatsApp, ChannelTelegram, ChannelDiscord
	RecipientID     string // channel-native recipient (phone, chat id, user id)
	Status          string
	OnboardingPhase string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ConvoSession is one bounded conversation between a tenant's user and the
// agent. At most one row per (tenant, sender) has EndedAt == nil.
type ConvoSession struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SenderID       string
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery statuses.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Message is an immutable conversation record.
type Message struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SenderID       string
	SessionID      uuid.UUID
	ExternalID     *string // provider message id; unique per tenant when set
	Direction      string
	Content        string
	DeliveryStatus string
	CreatedAt      time.Time
}

// Scheduled task types.
const (
	TaskTypeReminder = "reminder"
	TaskTypeExecute  = "execute"
)

// ScheduledTask is one unit of autonomous work. Exactly one of CronExpr and
// RunAt is set; NextRunAt is always defined. A disabled task is never claimed.
type ScheduledTask struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	UserID          string
	TaskPrompt      string
	TaskType        string // TaskTypeReminder or TaskTypeExecute
	IsOneTime       bool
	CronExpr        *string
	RunAt           *time.Time
	Timezone        string
	NextRunAt       time.Time
	Enabled         bool
	ErrorCount      int
	LastError       *string
	LeaseOwner      *string
	LeaseExpiresAt  *time.Time
	PreviousOutputs []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trigger types and statuses.
const (
	TriggerTypeEvent     = "event"
	TriggerTypeCondition = "condition"
	TriggerTypeWebhook   = "webhook"

	TriggerStatusActive = "active"
	TriggerStatusPaused = "paused"
)

// Trigger is an event source whose firings dispatch the same kind of
// execution as a scheduled task. Config is an opaque event-source descriptor
// interpreted by the matching adapter.
type Trigger struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	UserID          string
	TriggerType     string
	Status          string
	TaskPrompt      string
	Autonomy        string
	Config          json.RawMessage
	CooldownSeconds int
	DebounceSeconds int
	LastTriggeredAt *time.Time
	NextCheckAt     *time.Time
	CreatedAt       time.Time
}

// BrowserSession is the persisted coordination record for a process-local
// browser handle. Other instances use it to avoid collision and to detect
// orphans; the live handle never leaves its owning process.
type BrowserSession struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Persistent     bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// Credential is an encrypted per-tenant secret, opaque to everything except
// the tool runtime, which decrypts at point of use.
type Credential struct {
	TenantID       uuid.UUID
	ServiceName    string
	EncryptedValue string
	UpdatedAt      time.Time
}
