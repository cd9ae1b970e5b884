package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the concierge node.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Security  SecurityConfig  `json:"security"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Agent     AgentConfig     `json:"agent"`
	Tools     ToolsConfig     `json:"tools"`
	Browser   BrowserConfig   `json:"browser"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Triggers  TriggersConfig  `json:"triggers"`
	Tenants   TenantsConfig   `json:"tenants"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	LogLevel  string          `json:"log_level,omitempty"` // "debug", "info" (default), "warn", "error"
}

// ServerConfig configures the gateway HTTP listener.
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	MaxMessageChars int    `json:"max_message_chars"` // inbound/outbound text cap
	// UnknownTenant picks the webhook response for senders that resolve to no
	// tenant: "404" (default) or "200" for silent no-op. Stable per deployment.
	UnknownTenant string `json:"unknown_tenant,omitempty"`
	// InboxPath is the local SQLite journal that holds accepted webhook
	// events until the async dispatcher processes them.
	InboxPath string `json:"inbox_path,omitempty"`
}

// DatabaseConfig configures Postgres.
// URL is NEVER read from the config file (secret) — only from env CONCIERGE_DATABASE_URL.
type DatabaseConfig struct {
	URL string `json:"-"`
}

// SecurityConfig holds the tenant-credential encryption key.
// Key is env-only (CONCIERGE_ENCRYPTION_KEY), hex or base64, 32 bytes decoded.
type SecurityConfig struct {
	EncryptionKey string `json:"-"`
}

// ChannelsConfig holds per-channel transport settings.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// WhatsAppConfig configures the WhatsApp Cloud API transport.
// Secrets come from env only.
type WhatsAppConfig struct {
	Enabled      bool    `json:"enabled,omitempty"`
	PhoneID      string  `json:"phone_id,omitempty"`
	AccessToken  string  `json:"-"` // CONCIERGE_WHATSAPP_ACCESS_TOKEN
	VerifyToken  string  `json:"-"` // CONCIERGE_WHATSAPP_VERIFY_TOKEN
	AppSecret    string  `json:"-"` // CONCIERGE_WHATSAPP_APP_SECRET
	APIBase      string  `json:"api_base,omitempty"`
	RateLimitMPS float64 `json:"rate_limit_mps,omitempty"` // outbound messages per second
}

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	Enabled       bool    `json:"enabled,omitempty"`
	BotToken      string  `json:"-"` // CONCIERGE_TELEGRAM_BOT_TOKEN
	WebhookSecret string  `json:"-"` // CONCIERGE_TELEGRAM_WEBHOOK_SECRET
	RateLimitMPS  float64 `json:"rate_limit_mps,omitempty"`
}

// DiscordConfig configures the Discord bot transport.
type DiscordConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	BotToken     string `json:"-"` // CONCIERGE_DISCORD_BOT_TOKEN
	RateLimitMPS float64 `json:"rate_limit_mps,omitempty"`
}

// SessionsConfig governs conversation sessions and all lease TTLs.
type SessionsConfig struct {
	IdleHours int `json:"idle_hours"`  // conversation idle expiry (default 24)
	LeaseTTLS int `json:"lease_ttl_s"` // every lease in the system (default 300)
}

// IdleWindow returns the conversation idle expiry window.
func (s SessionsConfig) IdleWindow() time.Duration {
	return time.Duration(s.IdleHours) * time.Hour
}

// LeaseTTL returns the lease TTL shared by sessions, tasks, and browser rows.
func (s SessionsConfig) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLS) * time.Second
}

// AgentConfig configures the agent CLI child process.
type AgentConfig struct {
	Command   []string `json:"command"`    // argv for the agent child, e.g. ["aide", "--stdio"]
	TimeoutMS int      `json:"timeout_ms"` // per-prompt wall clock (default 1800000)
	// ReflectionPrompt is the final prompt injected into a session before it
	// closes. Empty disables the hook.
	ReflectionPrompt string `json:"reflection_prompt,omitempty"`
}

// Timeout returns the per-prompt wall clock limit.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// ToolsConfig configures the tenant tool runtime.
type ToolsConfig struct {
	TimeoutMS      int   `json:"timeout_ms"`       // per-subprocess wall clock (default 30000)
	MaxConcurrent  int   `json:"max_concurrent"`   // per-instance subprocess cap (default 10)
	MaxOutputBytes int64 `json:"max_output_bytes"` // stdout cap (default 1 MiB)
}

// Timeout returns the per-subprocess wall clock limit.
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// BrowserConfig configures the browser session pool.
type BrowserConfig struct {
	MaxPerTenant int  `json:"max_per_tenant"` // pool cap (default 5)
	IdleTTLMS    int  `json:"idle_ttl_ms"`    // non-persistent expiry (default 1800000)
	PersistTTLMS int  `json:"persist_ttl_ms"` // persistent expiry (default 86400000)
	Headless     bool `json:"headless"`
}

// IdleTTL returns the non-persistent session expiry.
func (b BrowserConfig) IdleTTL() time.Duration {
	return time.Duration(b.IdleTTLMS) * time.Millisecond
}

// PersistTTL returns the persistent session expiry.
func (b BrowserConfig) PersistTTL() time.Duration {
	return time.Duration(b.PersistTTLMS) * time.Millisecond
}

// SchedulerConfig configures the distributed task scheduler.
type SchedulerConfig struct {
	Batch         int `json:"batch"`           // claims per tick (default 50)
	GraceSeconds  int `json:"grace_seconds"`   // shutdown wait for in-flight tasks (default 30)
	OutputHistory int `json:"output_history"`  // previous_outputs kept per recurring task (default 5)
	// Learning cadence knobs. The upstream system disagrees with itself about
	// how these interact; both are exposed and documented, neither is inferred
	// from the other.
	LearningCron            string `json:"learning_cron,omitempty"`              // default "0 */8 * * *"
	MinHoursBetweenLearning int    `json:"min_hours_between_learning,omitempty"` // default 8
}

// Grace returns the shutdown grace window for in-flight tasks.
func (s SchedulerConfig) Grace() time.Duration {
	return time.Duration(s.GraceSeconds) * time.Second
}

// TriggersConfig configures the trigger evaluator.
type TriggersConfig struct {
	PollFloorMinutes int `json:"poll_floor_minutes"` // minimum adapter poll interval (default 5)
	DedupeKeep       int `json:"dedupe_keep"`        // provider IDs remembered per mailbox trigger (default 100)
}

// PollFloor returns the minimum polling interval for polled adapters.
func (t TriggersConfig) PollFloor() time.Duration {
	return time.Duration(t.PollFloorMinutes) * time.Minute
}

// TenantsConfig locates tenant filesystem roots.
type TenantsConfig struct {
	Root        string `json:"root"`                   // directory holding tenants/<id>/
	SharedTools string `json:"shared_tools,omitempty"` // source dir symlinked into each tenant
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // CONCIERGE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// Validate checks the settings that are fatal at startup.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url required (CONCIERGE_DATABASE_URL)")
	}
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("config: encryption key required (CONCIERGE_ENCRYPTION_KEY)")
	}
	if c.Sessions.IdleHours <= 0 {
		return fmt.Errorf("config: session idle hours must be positive, got %d", c.Sessions.IdleHours)
	}
	if c.Sessions.LeaseTTLS <= 0 {
		return fmt.Errorf("config: lease ttl must be positive, got %d", c.Sessions.LeaseTTLS)
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("config: agent command required")
	}
	if c.Scheduler.Batch <= 0 {
		return fmt.Errorf("config: scheduler batch must be positive, got %d", c.Scheduler.Batch)
	}
	return nil
}

// EnabledChannels lists the channels with transports configured.
func (c *Config) EnabledChannels() []string {
	var out []string
	if c.Channels.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if c.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Channels.Discord.Enabled {
		out = append(out, "discord")
	}
	return out
}
