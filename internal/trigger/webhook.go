package trigger

import (
	"context"

	"github.com/tidewater-labs/concierge/internal/store"
)

// webhookAdapter is passive. Deliveries arrive through the HTTP gateway and
// reach the evaluator via FireWebhook; arming only marks the trigger as an
// acceptable destination.
type webhookAdapter struct {
	trig store.Trigger
	emit func(Event)
}

func newWebhookAdapter(trig store.Trigger) *webhookAdapter {
	return &webhookAdapter{trig: trig}
}

func (w *webhookAdapter) Start(context.Context) error { return nil }
func (w *webhookAdapter) Stop()                       {}
func (w *webhookAdapter) OnEvent(fn func(Event))      { w.emit = fn }
