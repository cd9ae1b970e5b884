// Package protocol defines the wire frames of the operational event stream
// served at /ws and consumed by the events tail command.
package protocol

import "time"

// Frame types.
const (
	FrameHello = "hello" // first frame after connect
	FrameEvent = "event" // node activity push
)

// Event names pushed to connected clients.
const (
	EventMessageInbound  = "message.inbound"
	EventMessageOutbound = "message.outbound"
	EventSessionStarted  = "session.started"
	EventSessionEnded    = "session.ended"
	EventTaskExecuted    = "task.executed"
	EventTaskDisabled    = "task.disabled"
	EventTriggerFired    = "trigger.fired"
	EventToolRun         = "tool.run"
	EventBrowserOpened   = "browser.opened"
	EventBrowserClosed   = "browser.closed"
	EventShutdown        = "shutdown"
)

// EventFrame is one server-to-client push.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// NewEvent builds an event frame stamped now.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameEvent,
		Event:   name,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Hello is the payload of the first frame on a new connection. Node is the
// emitting process identity, "<hostname>-<pid>".
type Hello struct {
	Version string `json:"version"`
	Node    string `json:"node"`
}

// NewHello builds the handshake frame.
func NewHello(version, node string) *EventFrame {
	return &EventFrame{
		Type:    FrameHello,
		Payload: Hello{Version: version, Node: node},
		At:      time.Now().UTC(),
	}
}
