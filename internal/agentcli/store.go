// Package agentcli keeps one long-lived agent child process per
// conversation and injects prompts into it over a newline-delimited JSON
// stdio protocol.
package agentcli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/metrics"
)

var (
	// ErrCliTimeout means the prompt's wall clock expired; the session is
	// torn down.
	ErrCliTimeout = errors.New("agentcli: prompt timed out")
	// ErrCliExited means the child died before or during the prompt.
	ErrCliExited = errors.New("agentcli: child exited")
	// ErrCliProtocol means the child wrote output the codec cannot accept.
	ErrCliProtocol = errors.New("agentcli: protocol violation")
)

// Key identifies a conversation's child process.
func Key(tenantID uuid.UUID, senderID string) string {
	return tenantID.String() + ":" + senderID
}

// SplitKey recovers the tenant from a session key.
func SplitKey(key string) (uuid.UUID, string, bool) {
	if len(key) < 37 || key[36] != ':' {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(key[:36])
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, key[37:], true
}

// ToolHandler services tool calls the child emits mid-prompt. It returns
// the tool's textual result; failures come back as text with an error
// prefix so the agent can react.
type ToolHandler func(ctx context.Context, key, name string, args json.RawMessage) string

// SpawnSpec is everything tenant-specific about a child: where it runs and
// what extra environment it sees.
type SpawnSpec struct {
	Dir string
	Env []string
}

// Config for the store. Command is the agent argv; PromptTimeout bounds one
// Inject; CloseGrace is how long a child gets to exit on stdin close before
// signals escalate.
type Config struct {
	Command       []string
	PromptTimeout time.Duration
	CloseGrace    time.Duration
	Tools         ToolHandler
}

// Store owns every live agent child on this instance.
type Store struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg Config) *Store {
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 30 * time.Minute
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 5 * time.Second
	}
	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Prompt injects text into the conversation's child, spawning it first if
// needed. A child that times out or dies is closed so the next prompt
// starts clean.
func (s *Store) Prompt(ctx context.Context, key string, spec SpawnSpec, text string) (string, error) {
	sess, err := s.ensure(key, spec)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PromptTimeout)
	defer cancel()

	start := time.Now()
	out, err := sess.Inject(ctx, text)
	metrics.CliPromptSeconds.Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrCliTimeout) || errors.Is(err, ErrCliExited) {
		s.Close(key)
	}
	return out, err
}

func (s *Store) ensure(key string, spec SpawnSpec) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess, err := spawn(key, s.cfg.Command, spec.Dir, spec.Env, s.cfg.Tools)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = sess
	metrics.CliSessionsActive.Inc()
	return sess, nil
}

// Has reports whether a live child exists for the key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[key]
	return ok
}

// Get returns the live child for the key, if any.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Cancel aborts the key's in-flight prompt and drops the child. The next
// prompt starts a fresh agent context.
func (s *Store) Cancel(key string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.CancelInflight()
	s.Close(key)
	return true
}

// Close tears down the key's child. No-op when absent.
func (s *Store) Close(key string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.close(s.cfg.CloseGrace)
	metrics.CliSessionsActive.Dec()
	slog.Info("agentcli: session closed", "key", key)
}

// CloseAll tears down every child. Shutdown path.
func (s *Store) CloseAll() {
	s.mu.Lock()
	all := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		all = append(all, key)
	}
	s.mu.Unlock()

	for _, key := range all {
		s.Close(key)
	}
	if len(all) > 0 {
		slog.Info("agentcli: all sessions closed", "count", len(all))
	}
}

// Len reports the number of live children.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
