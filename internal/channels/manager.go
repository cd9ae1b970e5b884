package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/metrics"
)

// Recorder observes every successfully dispatched outbound message, e.g. to
// persist it in the message log. Called from the dispatch loop.
type Recorder func(ctx context.Context, msg bus.OutboundMessage, externalID string)

// Manager owns the registered transports, their lifecycle, and the outbound
// dispatch loop. Synchronous sends go through Deliver; fire-and-forget sends
// go through the bus and are drained by the loop.
type Manager struct {
	transports map[string]Transport
	bus        *bus.MessageBus
	pacer      *Pacer
	recorder   Recorder

	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

// NewManager creates a manager. Transports are registered externally via
// Register before StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		transports: make(map[string]Transport),
		bus:        msgBus,
		pacer:      NewPacer(1, 3),
	}
}

// Register adds a transport under its name.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Name()] = t
}

// SetRecorder installs the outbound message observer. Must be called before
// StartAll.
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SetPacer replaces the default outbound pacer. Must be called before
// StartAll.
func (m *Manager) SetPacer(p *Pacer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p != nil {
		m.pacer = p
	}
}

// Transport returns a registered transport by name.
func (m *Manager) Transport(name string) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[name]
	return t, ok
}

// Names returns the registered transport names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.transports))
	for name := range m.transports {
		names = append(names, name)
	}
	return names
}

// Status reports the running state of every transport.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.transports))
	for name, t := range m.transports {
		status[name] = t.IsRunning()
	}
	return status
}

// StartAll starts every transport and the outbound dispatch loop. A
// transport that fails to start is logged and skipped so one provider
// outage does not take the others down.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel}
	go m.dispatchOutbound(dispatchCtx)

	if len(m.transports) == 0 {
		slog.Warn("channels: no transports configured")
		return nil
	}

	for name, t := range m.transports {
		slog.Info("channels: starting transport", "channel", name)
		if err := t.Start(ctx); err != nil {
			slog.Error("channels: transport failed to start", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatch loop and every transport.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}
	for name, t := range m.transports {
		slog.Info("channels: stopping transport", "channel", name)
		if err := t.Stop(ctx); err != nil {
			slog.Error("channels: transport stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// Deliver sends text to a recipient on the named channel and returns the
// provider message id. Pacing and per-transport retry apply. This is the
// synchronous path; callers decide what a failure means.
func (m *Manager) Deliver(ctx context.Context, channel, recipient, text string) (string, error) {
	m.mu.RLock()
	t, ok := m.transports[channel]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if !t.IsRunning() {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, channel)
	}

	if err := m.pacer.Wait(ctx, channel+":"+recipient); err != nil {
		return "", err
	}
	externalID, err := t.SendText(ctx, recipient, text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(channel, "outbound_failed").Inc()
		return "", err
	}
	metrics.MessagesTotal.WithLabelValues(channel, "outbound").Inc()
	return externalID, nil
}

// dispatchOutbound drains the bus queue. Used by paths that do not need the
// send result inline; successful sends are reported to the recorder.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("channels: outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("channels: outbound dispatcher stopped")
			return
		}

		externalID, err := m.Deliver(ctx, msg.Channel, msg.ChatID, msg.Content)
		if err != nil {
			slog.Error("channels: outbound dispatch failed",
				"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			continue
		}

		m.mu.RLock()
		record := m.recorder
		m.mu.RUnlock()
		if record != nil {
			record(ctx, msg, externalID)
		}
	}
}
