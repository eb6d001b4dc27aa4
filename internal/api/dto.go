package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/models"
)

var validate = validator.New()

// TrackWalletRequest is the body of POST /api/wallets.
type TrackWalletRequest struct {
	Wallet string `json:"wallet" validate:"required,eth_addr"`
	UserID string `json:"userId" validate:"required,max=128"`
}

// PreferenceRequest is the body of PUT /api/users/{id}/preferences.
type PreferenceRequest struct {
	AlertOnOutOfRange bool     `json:"alertOnOutOfRange"`
	AutoRebalance     bool     `json:"autoRebalance"`
	DailySummary      bool     `json:"dailySummary"`
	AlertOnPriceMove  bool     `json:"alertOnPriceMove"`
	CooldownOverride  string   `json:"cooldownOverride,omitempty" validate:"omitempty,max=32"`
	Channels          []string `json:"channels" validate:"max=4,dive,oneof=telegram webhook"`
	TelegramChatID    string   `json:"telegramChatId,omitempty" validate:"omitempty,max=64"`
	WebhookURL        string   `json:"webhookUrl,omitempty" validate:"omitempty,url,startswith=http"`
}

// toPreference converts the request for userID. CooldownOverride is a Go
// duration string such as "30m".
func (r PreferenceRequest) toPreference(userID string) (models.UserAlertPreference, error) {
	p := models.UserAlertPreference{
		UserID:            userID,
		AlertOnOutOfRange: r.AlertOnOutOfRange,
		AutoRebalance:     r.AutoRebalance,
		DailySummary:      r.DailySummary,
		AlertOnPriceMove:  r.AlertOnPriceMove,
		Channels:          r.Channels,
		TelegramChatID:    r.TelegramChatID,
		WebhookURL:        r.WebhookURL,
	}
	if r.CooldownOverride != "" {
		d, err := time.ParseDuration(r.CooldownOverride)
		if err != nil || d < 0 {
			return p, apperrors.NewInvalidParameterError("cooldownOverride", "must be a non-negative duration like 30m")
		}
		p.CooldownOverride = &d
	}
	if p.Channels == nil {
		p.Channels = []string{}
	}
	return p, nil
}

// validateRequest runs struct validation and turns the first failures into
// an invalid-parameter error.
func validateRequest(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.NewInvalidParameterError("body", err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", jsonFieldName(fe), fe.Tag()))
	}
	return apperrors.NewInvalidParameterError(jsonFieldName(verrs[0]), strings.Join(fields, "; "))
}

func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		return fe.StructField()
	}
	return strings.ToLower(name[:1]) + name[1:]
}
