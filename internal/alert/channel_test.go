package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
)

func prefsWith(t *testing.T, p models.UserAlertPreference) *storage.MemoryPreferenceStore {
	t.Helper()
	store := storage.NewMemoryPreferenceStore()
	require.NoError(t, store.SavePreference(context.Background(), p))
	return store
}

func TestTelegramChannel_Send(t *testing.T) {
	var gotPath string
	var got telegramRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	prefs := prefsWith(t, models.UserAlertPreference{UserID: testUser, TelegramChatID: "12345"})
	ch := NewTelegramChannel("secret-token", srv.URL, time.Second, prefs)

	err := ch.Send(context.Background(), testUser, Message{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "/botsecret-token/sendMessage", gotPath)
	assert.Equal(t, "12345", got.ChatID)
	assert.Equal(t, "hello", got.Text)
}

func TestTelegramChannel_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	prefs := prefsWith(t, models.UserAlertPreference{UserID: testUser, TelegramChatID: "1"})
	ch := NewTelegramChannel("secret-token", srv.URL, time.Second, prefs)

	err := ch.Send(context.Background(), testUser, Message{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDeliveryFailure)
	assert.Contains(t, err.Error(), "retry after 7s")
}

func TestTelegramChannel_RedactsTokenFromTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	prefs := prefsWith(t, models.UserAlertPreference{UserID: testUser, TelegramChatID: "1"})
	ch := NewTelegramChannel("secret-token", url, time.Second, prefs)

	err := ch.Send(context.Background(), testUser, Message{Text: "x"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestTelegramChannel_NoChatID(t *testing.T) {
	ch := NewTelegramChannel("t", "http://unused.invalid", time.Second, storage.NewMemoryPreferenceStore())
	err := ch.Send(context.Background(), testUser, Message{Text: "x"})
	assert.True(t, errors.Is(err, errNoRecipient))
}

func TestWebhookChannel_Send(t *testing.T) {
	var got WebhookPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	prefs := prefsWith(t, models.UserAlertPreference{UserID: testUser, WebhookURL: srv.URL + "/hook"})
	ch := NewWebhookChannel(time.Second, prefs)

	e := testEvent(types.AlertOutOfRange, 3, time.Now())
	err := ch.Send(context.Background(), testUser, Message{Text: Render(e), Event: &e})
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, testUser, got.UserID)
	require.NotNil(t, got.Event)
	assert.Equal(t, e.ID, got.Event.ID)
	assert.True(t, got.Event.Payload.NewPrice.Equal(decimal.NewFromInt(112)))
}

func TestWebhookChannel_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	prefs := prefsWith(t, models.UserAlertPreference{UserID: testUser, WebhookURL: srv.URL})
	ch := NewWebhookChannel(time.Second, prefs)

	err := ch.Send(context.Background(), testUser, Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookChannel_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	prefs := prefsWith(t, models.UserAlertPreference{UserID: testUser, WebhookURL: srv.URL})
	ch := NewWebhookChannel(50*time.Millisecond, prefs)

	start := time.Now()
	err := ch.Send(context.Background(), testUser, Message{Text: "x"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRender(t *testing.T) {
	e := testEvent(types.AlertOutOfRange, 1, time.Now())
	assert.Contains(t, Render(e), "OUT OF RANGE")
	assert.Contains(t, Render(e), "[100, 110)")

	e.Kind = types.AlertBackInRange
	assert.Contains(t, Render(e), "back IN RANGE")

	e.Kind = types.AlertPriceMove
	e.Payload.OldPrice = decimal.NewFromInt(100)
	e.Payload.MovePercent = decimal.NewFromInt(12)
	assert.Contains(t, Render(e), "Price moved 12%")

	e.Kind = types.AlertRebalanceRecommended
	e.Payload.OutOfRangeFor = 5*time.Hour + 30*time.Minute
	assert.Contains(t, Render(e), "5h30m")
}

func TestRenderSummary_Empty(t *testing.T) {
	out := RenderSummary(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), nil)
	assert.Equal(t, "Daily summary for 2026-01-02\nNo tracked positions.", out)
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "45m", humanDuration(45*time.Minute))
	assert.Equal(t, "2h", humanDuration(2*time.Hour))
	assert.Equal(t, "1h1m", humanDuration(61*time.Minute))
}
