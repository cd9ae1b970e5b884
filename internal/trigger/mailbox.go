package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/store"
)

// MailCreds is the decrypted credential payload for a mailbox provider.
// Access tokens are short-lived; the refresh token plus token endpoint let
// the poller renew them without operator involvement.
type MailCreds struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	TokenURL     string    `json:"token_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CredentialManager loads and persists mailbox credentials for a tenant.
// Save is called after a token refresh so the next poll reuses the renewed
// access token.
type CredentialManager interface {
	Load(ctx context.Context, tenantID uuid.UUID, service string) (MailCreds, error)
	Save(ctx context.Context, tenantID uuid.UUID, service string, creds MailCreds) error
}

type mailboxConfig struct {
	APIBase           string `json:"api_base"`
	CredentialService string `json:"credential_service"`
	IntervalSeconds   int    `json:"interval_seconds"`
	FromContains      string `json:"from_contains"`
	SubjectContains   string `json:"subject_contains"`
}

// mailMessage is the provider-agnostic unread listing shape.
type mailMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Snippet string `json:"snippet"`
}

// mailboxPoller lists unread mail on an interval, filters by sender and
// subject, and emits one event per message not seen before.
type mailboxPoller struct {
	trig     store.Trigger
	cfg      mailboxConfig
	creds    CredentialManager
	interval time.Duration
	seen     *bus.DedupeCache
	http     *http.Client

	emit    func(Event)
	checked func(uuid.UUID, time.Time)

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	cached MailCreds
	loaded bool
}

func newMailboxPoller(trig store.Trigger, creds CredentialManager, floor time.Duration, keep int) (*mailboxPoller, error) {
	if creds == nil {
		return nil, fmt.Errorf("trigger: no credential manager configured")
	}
	var cfg mailboxConfig
	if err := json.Unmarshal(trig.Config, &cfg); err != nil {
		return nil, fmt.Errorf("mailbox config: %w", err)
	}
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("mailbox config: api_base is required")
	}
	if cfg.CredentialService == "" {
		return nil, fmt.Errorf("mailbox config: credential_service is required")
	}
	return &mailboxPoller{
		trig:     trig,
		cfg:      cfg,
		creds:    creds,
		interval: pollEvery(cfg.IntervalSeconds, trig.DebounceSeconds, floor),
		seen:     bus.NewDedupeCache(24*time.Hour, keep),
		http:     &http.Client{Timeout: 15 * time.Second},
		done:     make(chan struct{}),
	}, nil
}

func (p *mailboxPoller) OnEvent(fn func(Event))                  { p.emit = fn }
func (p *mailboxPoller) OnChecked(fn func(uuid.UUID, time.Time)) { p.checked = fn }

func (p *mailboxPoller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
	return nil
}

func (p *mailboxPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *mailboxPoller) poll(ctx context.Context) {
	now := time.Now().UTC()
	defer func() {
		if p.checked != nil {
			p.checked(p.trig.ID, now.Add(p.interval))
		}
	}()

	token, err := p.token(ctx)
	if err != nil {
		slog.Warn("trigger: mailbox credentials unavailable", "trigger_id", p.trig.ID, "error", err)
		return
	}
	msgs, err := p.listUnread(ctx, token)
	if err != nil {
		slog.Debug("trigger: mailbox poll failed", "trigger_id", p.trig.ID, "error", err)
		return
	}

	for _, m := range msgs {
		if !p.matches(m) {
			continue
		}
		if p.seen.IsDuplicate(m.ID) {
			continue
		}
		if p.emit != nil {
			p.emit(Event{
				TriggerID: p.trig.ID,
				TenantID:  p.trig.TenantID,
				Source:    "mailbox",
				Payload:   formatMail(m),
				At:        now,
			})
		}
	}
}

func (p *mailboxPoller) matches(m mailMessage) bool {
	if f := p.cfg.FromContains; f != "" && !strings.Contains(strings.ToLower(m.From), strings.ToLower(f)) {
		return false
	}
	if s := p.cfg.SubjectContains; s != "" && !strings.Contains(strings.ToLower(m.Subject), strings.ToLower(s)) {
		return false
	}
	return true
}

// token returns a usable access token, refreshing and re-persisting the
// credential when the cached one is missing or about to expire.
func (p *mailboxPoller) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		creds, err := p.creds.Load(ctx, p.trig.TenantID, p.cfg.CredentialService)
		if err != nil {
			return "", fmt.Errorf("load %s credential: %w", p.cfg.CredentialService, err)
		}
		p.cached = creds
		p.loaded = true
	}
	if p.cached.AccessToken != "" && time.Until(p.cached.ExpiresAt) > time.Minute {
		return p.cached.AccessToken, nil
	}

	refreshed, err := refreshToken(ctx, p.http, p.cached)
	if err != nil {
		return "", err
	}
	p.cached = refreshed
	if err := p.creds.Save(ctx, p.trig.TenantID, p.cfg.CredentialService, refreshed); err != nil {
		slog.Warn("trigger: persisting refreshed token failed", "trigger_id", p.trig.ID, "error", err)
	}
	return refreshed.AccessToken, nil
}

func refreshToken(ctx context.Context, client *http.Client, creds MailCreds) (MailCreds, error) {
	if creds.RefreshToken == "" || creds.TokenURL == "" {
		return creds, fmt.Errorf("credential has no refresh token")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return creds, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return creds, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return creds, fmt.Errorf("token refresh: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return creds, fmt.Errorf("token refresh: decode: %w", err)
	}
	if out.AccessToken == "" {
		return creds, fmt.Errorf("token refresh: empty access_token")
	}
	creds.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		creds.RefreshToken = out.RefreshToken
	}
	if out.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
	} else {
		creds.ExpiresAt = time.Now().UTC().Add(time.Hour)
	}
	return creds, nil
}

func (p *mailboxPoller) listUnread(ctx context.Context, token string) ([]mailMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.APIBase, "/")+"/messages?unread=true", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		// Force a refresh on the next poll.
		p.mu.Lock()
		p.cached.AccessToken = ""
		p.mu.Unlock()
		return nil, fmt.Errorf("mailbox list: unauthorized")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mailbox list: status %d", resp.StatusCode)
	}

	var msgs []mailMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("mailbox list: decode: %w", err)
	}
	return msgs, nil
}

func formatMail(m mailMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New email from %s", m.From)
	if m.Subject != "" {
		fmt.Fprintf(&b, " with subject %q", m.Subject)
	}
	b.WriteString(".")
	if m.Snippet != "" {
		b.WriteString("\n")
		b.WriteString(m.Snippet)
	}
	return b.String()
}
