package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/secrets"
	"github.com/tidewater-labs/concierge/internal/store"
	"github.com/tidewater-labs/concierge/internal/trigger"
)

// CredBridge adapts the encrypted credential store to the consumers that
// need plaintext at point of use: tool subprocess environments and mailbox
// pollers. Nothing here caches decrypted values.
type CredBridge struct {
	creds store.CredentialStore
	box   *secrets.Box
}

func NewCredBridge(creds store.CredentialStore, box *secrets.Box) *CredBridge {
	return &CredBridge{creds: creds, box: box}
}

// Env returns the tenant's credentials as CRED_<SERVICE>=value pairs for a
// tool subprocess. A credential that no longer decrypts is skipped so one
// stale row cannot block every tool.
func (c *CredBridge) Env(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	services, err := c.creds.ListServices(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	env := make([]string, 0, len(services))
	for _, service := range services {
		cred, err := c.creds.Get(ctx, tenantID, service)
		if err != nil {
			return nil, fmt.Errorf("load credential %s: %w", service, err)
		}
		plain, err := c.box.Decrypt(cred.EncryptedValue)
		if err != nil {
			slog.Warn("runtime: credential does not decrypt, skipped",
				"tenant_id", tenantID, "service", service, "error", err)
			continue
		}
		env = append(env, envName(service)+"="+plain)
	}
	return env, nil
}

// Load returns a tenant's decrypted mailbox credentials.
func (c *CredBridge) Load(ctx context.Context, tenantID uuid.UUID, service string) (trigger.MailCreds, error) {
	cred, err := c.creds.Get(ctx, tenantID, service)
	if err != nil {
		return trigger.MailCreds{}, fmt.Errorf("load credential %s: %w", service, err)
	}
	plain, err := c.box.Decrypt(cred.EncryptedValue)
	if err != nil {
		return trigger.MailCreds{}, fmt.Errorf("decrypt credential %s: %w", service, err)
	}
	var mc trigger.MailCreds
	if err := json.Unmarshal([]byte(plain), &mc); err != nil {
		return trigger.MailCreds{}, fmt.Errorf("decode credential %s: %w", service, err)
	}
	return mc, nil
}

// Save persists refreshed mailbox credentials, encrypted.
func (c *CredBridge) Save(ctx context.Context, tenantID uuid.UUID, service string, mc trigger.MailCreds) error {
	raw, err := json.Marshal(mc)
	if err != nil {
		return fmt.Errorf("encode credential %s: %w", service, err)
	}
	sealed, err := c.box.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("encrypt credential %s: %w", service, err)
	}
	return c.creds.Upsert(ctx, &store.Credential{
		TenantID:       tenantID,
		ServiceName:    service,
		EncryptedValue: sealed,
	})
}

// envName maps a service name to its environment variable: upper-cased,
// with everything outside [A-Z0-9] collapsed to underscores.
func envName(service string) string {
	up := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			return r
		default:
			return '_'
		}
	}, service)
	return "CRED_" + up
}
