package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(InboundMessage{Channel: "telegram", SenderID: "u1", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned ok=false")
	}
	if msg.SenderID != "u1" || msg.Content != "hi" {
		t.Errorf("got %+v", msg)
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected ok=false after cancellation")
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	b.PublishOutbound(OutboundMessage{Channel: "whatsapp", ChatID: "c9", Content: "done"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("SubscribeOutbound returned ok=false")
	}
	if msg.ChatID != "c9" {
		t.Errorf("ChatID = %q, want c9", msg.ChatID)
	}
}

func TestInboundQueueFullDrops(t *testing.T) {
	b := NewMessageBus()
	for i := 0; i < defaultQueueSize+10; i++ {
		b.PublishInbound(InboundMessage{Channel: "telegram", SenderID: fmt.Sprintf("u%d", i)})
	}
	// The publisher must not have blocked; drain what fit.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n := 0
	for {
		drainCtx, drainCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_, ok := b.ConsumeInbound(drainCtx)
		drainCancel()
		if !ok {
			break
		}
		n++
	}
	if n != defaultQueueSize {
		t.Errorf("drained %d messages, want %d", n, defaultQueueSize)
	}
}

func TestBroadcastSubscribeUnsubscribe(t *testing.T) {
	b := NewMessageBus()
	got := make(chan Event, 2)
	b.Subscribe("ops", func(e Event) { got <- e })

	b.Broadcast(Event{Name: "task.fired"})
	select {
	case e := <-got:
		if e.Name != "task.fired" {
			t.Errorf("event name = %q", e.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	b.Unsubscribe("ops")
	b.Broadcast(Event{Name: "task.fired"})
	select {
	case <-got:
		t.Error("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDedupeCacheTTLAndCap(t *testing.T) {
	d := NewDedupeCache(time.Hour, 3)
	now := time.Now()

	if d.isDuplicateAt("a", now) {
		t.Error("fresh key reported duplicate")
	}
	if !d.isDuplicateAt("a", now.Add(time.Minute)) {
		t.Error("repeat within TTL not reported duplicate")
	}
	if d.isDuplicateAt("a", now.Add(2*time.Hour)) {
		t.Error("repeat after TTL reported duplicate")
	}

	// Cap eviction: oldest insertions fall out.
	d = NewDedupeCache(time.Hour, 3)
	for _, k := range []string{"a", "b", "c", "d"} {
		d.isDuplicateAt(k, now)
	}
	if d.Len() != 3 {
		t.Errorf("Len = %d, want 3", d.Len())
	}
	if d.isDuplicateAt("a", now.Add(time.Minute)) {
		t.Error("evicted key still reported duplicate")
	}
	if !d.isDuplicateAt("d", now.Add(time.Minute)) {
		t.Error("recent key lost")
	}
}
