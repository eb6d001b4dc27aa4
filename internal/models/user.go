package models

import (
	"time"

	"github.com/position-monitor/internal/types"
)

// Channel names understood by the dispatcher.
const (
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

// UserAlertPreference is owned by the settings surface; the monitor only reads it.
type UserAlertPreference struct {
	UserID            string         `json:"userId" db:"user_id"`
	AlertOnOutOfRange bool           `json:"alertOnOutOfRange" db:"alert_on_out_of_range"`
	AutoRebalance     bool           `json:"autoRebalance" db:"auto_rebalance"`
	DailySummary      bool           `json:"dailySummary" db:"daily_summary"`
	AlertOnPriceMove  bool           `json:"alertOnPriceMove" db:"alert_on_price_move"`
	CooldownOverride  *time.Duration `json:"cooldownOverride,omitempty" db:"cooldown_override"`
	Channels          []string       `json:"channels" db:"channels"`
	TelegramChatID    string         `json:"telegramChatId,omitempty" db:"telegram_chat_id"`
	WebhookURL        string         `json:"webhookUrl,omitempty" db:"webhook_url"`
	UpdatedAt         time.Time      `json:"updatedAt" db:"updated_at"`
}

// DefaultPreference is used for users who never saved settings.
func DefaultPreference(userID string) UserAlertPreference {
	return UserAlertPreference{
		UserID:            userID,
		AlertOnOutOfRange: true,
		AlertOnPriceMove:  true,
		Channels:          []string{ChannelTelegram},
	}
}

// Allows reports whether the user wants alerts of kind. Range transitions are
// gated by AlertOnOutOfRange; rebalance advice is also sent to users who opted
// into auto-rebalance.
func (p UserAlertPreference) Allows(kind types.AlertKind) bool {
	switch kind {
	case types.AlertOutOfRange, types.AlertBackInRange:
		return p.AlertOnOutOfRange
	case types.AlertRebalanceRecommended:
		return p.AlertOnOutOfRange || p.AutoRebalance
	case types.AlertPriceMove:
		return p.AlertOnPriceMove
	}
	return false
}

// TrackedWallet is a wallet registered for monitoring.
type TrackedWallet struct {
	Address     string    `json:"address" db:"address"`
	UserID      string    `json:"userId" db:"user_id"`
	Active      bool      `json:"active" db:"active"`
	OnboardedAt time.Time `json:"onboardedAt" db:"onboarded_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// MonitoringStatus is the process-wide health summary returned by the status query.
type MonitoringStatus struct {
	PositionsTracked  int        `json:"positionsTracked"`
	WebhookConfigured bool       `json:"webhookConfigured"`
	LastCheck         *time.Time `json:"lastCheck"`
	LastWebhookAt     *time.Time `json:"lastWebhookAt,omitempty"`
	LastCycleFailures int        `json:"lastCycleFailures"`
	Degraded          bool       `json:"degraded"`
}
