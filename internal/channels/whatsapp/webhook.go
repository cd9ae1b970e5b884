package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidewater-labs/concierge/internal/bus"
	"github.com/tidewater-labs/concierge/internal/channels"
)

// VerifyChallenge answers the Cloud API webhook verification handshake.
// Returns the challenge to echo and whether the token matched.
func VerifyChallenge(verifyToken string, query url.Values) (string, bool) {
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if verifyToken == "" || query.Get("hub.verify_token") != verifyToken {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

// ValidateSignature checks the X-Hub-Signature-256 header against the
// verbatim request body.
func ValidateSignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts inbound messages from a Cloud API delivery. Status
// updates and other non-message changes yield no messages and no error.
func ParseWebhook(body []byte) ([]bus.InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}
	if payload.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("whatsapp: unexpected webhook object %q", payload.Object)
	}

	var out []bus.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				content := msg.Text.Body
				if msg.Type != "text" {
					content = fmt.Sprintf("[%s message]", msg.Type)
				}
				received := time.Now().UTC()
				if secs, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					received = time.Unix(secs, 0).UTC()
				}
				metadata := map[string]string{
					"phone_number_id": change.Value.Metadata.PhoneNumberID,
				}
				if name := names[msg.From]; name != "" {
					metadata["user_name"] = name
				}
				out = append(out, bus.InboundMessage{
					Channel:    channels.ChannelWhatsApp,
					SenderID:   msg.From,
					ChatID:     msg.From,
					Content:    content,
					ExternalID: msg.ID,
					ReceivedAt: received,
					Metadata:   metadata,
				})
			}
		}
	}
	return out, nil
}
