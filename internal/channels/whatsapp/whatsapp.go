// Package whatsapp implements the WhatsApp Cloud API transport. Inbound
// messages arrive through the HTTP gateway webhook; this transport only
// sends.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tidewater-labs/concierge/internal/channels"
)

const defaultAPIBase = "https://graph.facebook.com/v19.0"

// maxTextLen is the Cloud API text body limit.
const maxTextLen = 4096

// Config holds the Cloud API credentials.
type Config struct {
	APIBase     string // override for tests, default graph.facebook.com
	PhoneID     string // sending phone number id
	AccessToken string
	VerifyToken string // webhook verification echo secret
	AppSecret   string // webhook signature key
}

// Transport sends text through the Cloud API messages endpoint.
type Transport struct {
	cfg     Config
	http    *http.Client
	policy  channels.RetryPolicy
	running atomic.Bool
}

func New(cfg Config) (*Transport, error) {
	if cfg.PhoneID == "" {
		return nil, fmt.Errorf("whatsapp: phone id is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp: access token is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &Transport{
		cfg:  cfg,
		http: &http.Client{},
	}, nil
}

func (t *Transport) Name() string { return channels.ChannelWhatsApp }

// Start arms the transport. Inbound flow is webhook-fed, so there is no
// receive loop to run.
func (t *Transport) Start(context.Context) error {
	t.running.Store(true)
	slog.Info("whatsapp: transport armed", "phone_id", t.cfg.PhoneID)
	return nil
}

func (t *Transport) Stop(context.Context) error {
	t.running.Store(false)
	return nil
}

func (t *Transport) IsRunning() bool { return t.running.Load() }

// SendText posts one text message per chunk and returns the provider id of
// the last chunk.
func (t *Transport) SendText(ctx context.Context, recipient, text string) (string, error) {
	var lastID string
	for _, chunk := range channels.SplitText(text, maxTextLen) {
		id, err := channels.SendWithRetry(ctx, t.Name(), t.policy, func(ctx context.Context) (string, error) {
			return t.sendOnce(ctx, recipient, chunk)
		})
		if err != nil {
			return "", err
		}
		lastID = id
	}
	return lastID, nil
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (t *Transport) sendOnce(ctx context.Context, recipient, text string) (string, error) {
	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             sendText{Body: text},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.AccessToken)

	resp, err := t.http.Do(req)
	if err != nil {
		return "", &channels.ProviderError{
			Channel: t.Name(),
			Message: err.Error(),
			Class:   channels.ErrTransport,
		}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out sendResponse
	if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode == http.StatusOK {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || out.Error != nil {
		perr := &channels.ProviderError{
			Channel: t.Name(),
			Status:  resp.StatusCode,
			Class:   channels.ClassifyStatus(resp.StatusCode),
		}
		if out.Error != nil {
			perr.Code = out.Error.Code
			perr.Message = out.Error.Message
			perr.Class = classifyCode(out.Error.Code, perr.Class)
		} else {
			perr.Message = strings.TrimSpace(string(data))
		}
		return "", perr
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: response carries no message id")
	}
	return out.Messages[0].ID, nil
}

// classifyCode refines the class using Cloud API error codes that disagree
// with their HTTP status.
func classifyCode(code int, fallback error) error {
	switch code {
	case 0:
		return fallback
	case 190: // expired or invalid access token
		return channels.ErrAuth
	case 131026, 131030, 131047: // recipient unreachable / not permitted / re-engagement window closed
		return channels.ErrRecipient
	case 130429, 131048, 131056: // throughput and spam rate limits
		return channels.ErrTransport
	default:
		return fallback
	}
}
