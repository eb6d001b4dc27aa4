// Package alert delivers alert events to users over their configured
// channels.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is a rendered notification. Event is nil for daily summaries.
type Message struct {
	Text  string
	Event *models.AlertEvent
}

// Channel sends a message to one user. Implementations resolve the user's
// address themselves and bound every send with a timeout.
type Channel interface {
	Name() string
	Send(ctx context.Context, userID string, msg Message) error
}

// errNoRecipient means the user has no address configured for the channel.
// It is permanent for the current preferences.
var errNoRecipient = errors.New("no recipient configured")

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramChannel posts through the Telegram Bot API sendMessage method.
type TelegramChannel struct {
	token      string
	baseURL    string
	httpClient *http.Client
	prefs      storage.PreferenceStore
}

// NewTelegramChannel creates a Telegram channel. An empty baseURL uses the
// public Bot API.
func NewTelegramChannel(token, baseURL string, timeout time.Duration, prefs storage.PreferenceStore) *TelegramChannel {
	if baseURL == "" {
		baseURL = defaultTelegramAPI
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramChannel{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		prefs:      prefs,
	}
}

func (c *TelegramChannel) Name() string { return models.ChannelTelegram }

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *TelegramChannel) Send(ctx context.Context, userID string, msg Message) error {
	pref, err := c.prefs.GetPreference(ctx, userID)
	if err != nil || pref.TelegramChatID == "" {
		return apperrors.NewDeliveryError(c.Name(), errNoRecipient)
	}

	payload, err := json.Marshal(telegramRequest{ChatID: pref.TelegramChatID, Text: msg.Text, DisableWebPagePreview: true})
	if err != nil {
		return apperrors.NewDeliveryError(c.Name(), err)
	}

	reqURL := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewDeliveryError(c.Name(), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return apperrors.NewDeliveryError(c.Name(), redact(err, c.token))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK || !tr.OK {
		if tr.Parameters.RetryAfter > 0 {
			return apperrors.NewDeliveryError(c.Name(), fmt.Errorf("telegram rate limited, retry after %ds", tr.Parameters.RetryAfter))
		}
		return apperrors.NewDeliveryError(c.Name(), fmt.Errorf("telegram API error: status=%d, description=%s", resp.StatusCode, tr.Description))
	}
	return nil
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), secret, "<redacted>"))
}

// WebhookChannel posts a JSON document to the user's webhook URL.
type WebhookChannel struct {
	httpClient *http.Client
	prefs      storage.PreferenceStore
}

// NewWebhookChannel creates an outbound webhook channel.
func NewWebhookChannel(timeout time.Duration, prefs storage.PreferenceStore) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		httpClient: &http.Client{Timeout: timeout},
		prefs:      prefs,
	}
}

func (c *WebhookChannel) Name() string { return models.ChannelWebhook }

// WebhookPayload is the document posted to user webhooks.
type WebhookPayload struct {
	UserID string             `json:"userId"`
	Text   string             `json:"text"`
	Event  *models.AlertEvent `json:"event,omitempty"`
	SentAt time.Time          `json:"sentAt"`
}

func (c *WebhookChannel) Send(ctx context.Context, userID string, msg Message) error {
	pref, err := c.prefs.GetPreference(ctx, userID)
	if err != nil || pref.WebhookURL == "" {
		return apperrors.NewDeliveryError(c.Name(), errNoRecipient)
	}

	payload, err := json.Marshal(WebhookPayload{UserID: userID, Text: msg.Text, Event: msg.Event, SentAt: time.Now().UTC()})
	if err != nil {
		return apperrors.NewDeliveryError(c.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pref.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewDeliveryError(c.Name(), fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "position-monitor")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewDeliveryError(c.Name(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewDeliveryError(c.Name(), fmt.Errorf("webhook responded with status %d", resp.StatusCode))
	}
	return nil
}
