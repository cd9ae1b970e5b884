package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/config"
	"github.com/tidewater-labs/concierge/internal/trigger"
	"github.com/tidewater-labs/concierge/pkg/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels.WhatsApp.Enabled = true
	cfg.Channels.WhatsApp.VerifyToken = "verify-1"
	cfg.Channels.WhatsApp.AppSecret = "app-secret"
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.WebhookSecret = "tg-secret"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, withInbox bool) (*Server, *bus.MessageBus, *httptest.Server) {
	t.Helper()
	b := bus.NewMessageBus()
	var inbox *Inbox
	if withInbox {
		var err error
		inbox, err = OpenInbox(filepath.Join(t.TempDir(), "inbox.db"))
		if err != nil {
			t.Fatalf("open inbox: %v", err)
		}
		t.Cleanup(func() { inbox.Close() })
	}
	s := NewServer(cfg, "1.2.3-test", b, b, inbox)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, b, ts
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func whatsappDelivery(from, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"id": "ent-1", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"metadata": {"display_phone_number": "15550001111", "phone_number_id": "phone-1"},
			"contacts": [{"profile": {"name": "Dana"}, "wa_id": %q}],
			"messages": [{"from": %q, "id": "wamid.X1", "timestamp": "1717243200", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, from, from, text))
}

type fakeTenants struct {
	known map[string]bool // channel + ":" + senderID
}

func (f *fakeTenants) HasTenant(_ context.Context, channel, senderID string) bool {
	return f.known[channel+":"+senderID]
}

func TestHealth(t *testing.T) {
	s, _, ts := newTestServer(t, testConfig(), false)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Version != "1.2.3-test" {
		t.Fatalf("health = %+v", body)
	}

	s.SetDraining(true)
	resp2, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health draining: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining status = %d, want 503", resp2.StatusCode)
	}
}

func TestWhatsAppVerifyChallenge(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig(), false)

	resp, err := http.Get(ts.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-1&hub.challenge=314159")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.String() != "314159" {
		t.Fatalf("challenge echo = %q", buf.String())
	}

	resp2, err := http.Get(ts.URL + "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1")
	if err != nil {
		t.Fatalf("get bad token: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("bad token status = %d, want 403", resp2.StatusCode)
	}
}

func TestWhatsAppRejectsBadSignature(t *testing.T) {
	_, b, ts := newTestServer(t, testConfig(), false)

	body := whatsappDelivery("15550002222", "hello")
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("rejected delivery reached the bus")
	}
}

func TestWhatsAppRejectsMalformedPayload(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig(), false)

	body := []byte(`{"object": "page"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signBody("app-secret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWhatsAppDeliverySpoolsAndDispatches(t *testing.T) {
	cfg := testConfig()
	s, b, ts := newTestServer(t, cfg, true)
	s.SetTenantChecker(&fakeTenants{known: map[string]bool{"whatsapp:15550002222": true}})

	ctx, cancel := context.WithCancel(context.Background())
	s.dispatchWG.Add(1)
	go s.dispatchInbox(ctx)
	t.Cleanup(func() {
		cancel()
		s.dispatchWG.Wait()
	})

	body := whatsappDelivery("15550002222", "hello from the road")
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signBody("app-secret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	msg, ok := b.ConsumeInbound(recvCtx)
	if !ok {
		t.Fatal("no inbound message dispatched")
	}
	if msg.Channel != "whatsapp" || msg.SenderID != "15550002222" || msg.Content != "hello from the road" {
		t.Fatalf("dispatched = %+v", msg)
	}

	// The row is marked processed only after the bus takes it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := s.inbox.Next(context.Background(), 10)
		if err != nil {
			t.Fatalf("inbox next: %v", err)
		}
		if len(rows) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d inbox rows still pending", len(rows))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWhatsAppUnknownSenderKnob(t *testing.T) {
	cfg := testConfig()
	s, b, ts := newTestServer(t, cfg, false)
	s.SetTenantChecker(&fakeTenants{known: map[string]bool{}})

	body := whatsappDelivery("15550009999", "anyone there")
	post := func() int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/whatsapp", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", signBody("app-secret", body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(); code != http.StatusNotFound {
		t.Fatalf("default unknown-sender status = %d, want 404", code)
	}

	cfg.Server.UnknownTenant = "200"
	if code := post(); code != http.StatusOK {
		t.Fatalf("silent unknown-sender status = %d, want 200", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("unknown-sender delivery reached the bus")
	}
}

func TestTelegramWebhook(t *testing.T) {
	_, b, ts := newTestServer(t, testConfig(), false)

	update := []byte(`{"update_id":7,"message":{"message_id":11,"date":1717243200,"text":"hi there","from":{"id":99,"is_bot":false,"username":"dana"},"chat":{"id":99,"type":"private"}}}`)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/telegram", bytes.NewReader(update))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post without secret: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d, want 401", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/telegram", bytes.NewReader(update))
	req2.Header.Set("X-Telegram-Bot-Api-Secret-Token", "tg-secret")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "telegram" || msg.SenderID != "99" || msg.ExternalID != "11" || msg.Content != "hi there" {
		t.Fatalf("published = %+v", msg)
	}
}

func TestUnknownChannelWebhook(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig(), false)

	resp, err := http.Post(ts.URL+"/webhooks/signal", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

type fakeTriggerHooks struct {
	secret  string
	unknown bool
	notHook bool
	fired   [][]byte
}

func (f *fakeTriggerHooks) WebhookSecret(_ context.Context, _ uuid.UUID) (string, error) {
	if f.unknown {
		return "", ErrUnknownTrigger
	}
	return f.secret, nil
}

func (f *fakeTriggerHooks) FireWebhook(_ uuid.UUID, payload []byte) (bool, error) {
	if f.notHook {
		return false, trigger.ErrNotWebhook
	}
	f.fired = append(f.fired, payload)
	return true, nil
}

func TestTriggerWebhook(t *testing.T) {
	hooks := &fakeTriggerHooks{secret: "hook-secret"}
	s, _, ts := newTestServer(t, testConfig(), false)
	s.SetTriggerHooks(hooks, hooks)

	id := uuid.NewString()
	post := func(path, secret, body string) int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
		if secret != "" {
			req.Header.Set("X-Trigger-Secret", secret)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post("/webhooks/trigger/not-a-uuid", "hook-secret", "{}"); code != http.StatusNotFound {
		t.Fatalf("bad id status = %d, want 404", code)
	}
	if code := post("/webhooks/trigger/"+id, "wrong", "{}"); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", code)
	}
	if code := post("/webhooks/trigger/"+id, "hook-secret", "not json"); code != http.StatusBadRequest {
		t.Fatalf("bad payload status = %d, want 400", code)
	}
	if code := post("/webhooks/trigger/"+id, "hook-secret", `{"run":1}`); code != http.StatusOK {
		t.Fatalf("fire status = %d, want 200", code)
	}
	if len(hooks.fired) != 1 || string(hooks.fired[0]) != `{"run":1}` {
		t.Fatalf("fired = %q", hooks.fired)
	}

	hooks.notHook = true
	if code := post("/webhooks/trigger/"+id, "hook-secret", "{}"); code != http.StatusNotFound {
		t.Fatalf("non-webhook trigger status = %d, want 404", code)
	}

	hooks.notHook = false
	hooks.unknown = true
	if code := post("/webhooks/trigger/"+id, "hook-secret", "{}"); code != http.StatusNotFound {
		t.Fatalf("unknown trigger status = %d, want 404", code)
	}

	hooks.unknown = false
	hooks.secret = ""
	if code := post("/webhooks/trigger/"+id, "", "{}"); code != http.StatusUnauthorized {
		t.Fatalf("unprovisioned secret status = %d, want 401", code)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	_, b, ts := newTestServer(t, testConfig(), false)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello protocol.EventFrame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != protocol.FrameHello {
		t.Fatalf("first frame type = %q, want %q", hello.Type, protocol.FrameHello)
	}

	b.Broadcast(bus.Event{Name: protocol.EventTaskExecuted, Payload: map[string]string{"task": "t1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Type != protocol.FrameEvent || frame.Event != protocol.EventTaskExecuted {
		t.Fatalf("frame = %+v", frame)
	}
}
