package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/position-monitor/internal/models"
)

// PostgresUserStore implements PreferenceStore and WalletStore.
type PostgresUserStore struct {
	db *PostgresDB
}

// NewPostgresUserStore creates a preference and wallet store on db.
func NewPostgresUserStore(db *PostgresDB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

const preferenceColumns = `user_id, alert_on_out_of_range, auto_rebalance, daily_summary, alert_on_price_move,
	cooldown_override_ns, channels, telegram_chat_id, webhook_url, updated_at`

func (s *PostgresUserStore) GetPreference(ctx context.Context, userID string) (models.UserAlertPreference, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT `+preferenceColumns+` FROM user_alert_preferences WHERE user_id = $1`, userID)
	p, err := scanPreference(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UserAlertPreference{}, ErrNotFound
		}
		return models.UserAlertPreference{}, fmt.Errorf("failed to get preference: %w", err)
	}
	return p, nil
}

func (s *PostgresUserStore) SavePreference(ctx context.Context, p models.UserAlertPreference) error {
	if p.UserID == "" {
		return ErrInvalidInput
	}
	var cooldown *int64
	if p.CooldownOverride != nil {
		ns := p.CooldownOverride.Nanoseconds()
		cooldown = &ns
	}
	channels := p.Channels
	if channels == nil {
		channels = []string{}
	}

	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO user_alert_preferences (`+preferenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			alert_on_out_of_range = EXCLUDED.alert_on_out_of_range,
			auto_rebalance = EXCLUDED.auto_rebalance,
			daily_summary = EXCLUDED.daily_summary,
			alert_on_price_move = EXCLUDED.alert_on_price_move,
			cooldown_override_ns = EXCLUDED.cooldown_override_ns,
			channels = EXCLUDED.channels,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			webhook_url = EXCLUDED.webhook_url,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.AlertOnOutOfRange, p.AutoRebalance, p.DailySummary, p.AlertOnPriceMove,
		cooldown, channels, p.TelegramChatID, p.WebhookURL, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) ListDailySummary(ctx context.Context) ([]models.UserAlertPreference, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+preferenceColumns+` FROM user_alert_preferences
		WHERE daily_summary ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list preferences: %w", err)
	}
	defer rows.Close()

	var out []models.UserAlertPreference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPreference(row pgx.Row) (models.UserAlertPreference, error) {
	var (
		p        models.UserAlertPreference
		cooldown *int64
	)
	err := row.Scan(&p.UserID, &p.AlertOnOutOfRange, &p.AutoRebalance, &p.DailySummary, &p.AlertOnPriceMove,
		&cooldown, &p.Channels, &p.TelegramChatID, &p.WebhookURL, &p.UpdatedAt)
	if err != nil {
		return models.UserAlertPreference{}, err
	}
	if cooldown != nil {
		d := time.Duration(*cooldown)
		p.CooldownOverride = &d
	}
	return p, nil
}

func (s *PostgresUserStore) SaveWallet(ctx context.Context, w models.TrackedWallet) error {
	if w.Address == "" {
		return ErrInvalidInput
	}
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO tracked_wallets (address, user_id, active, onboarded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, strings.ToLower(w.Address), w.UserID, w.Active, w.OnboardedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetWallet(ctx context.Context, address string) (models.TrackedWallet, error) {
	var w models.TrackedWallet
	err := s.db.Pool().QueryRow(ctx, `
		SELECT address, user_id, active, onboarded_at, updated_at
		FROM tracked_wallets WHERE address = $1
	`, strings.ToLower(address)).Scan(&w.Address, &w.UserID, &w.Active, &w.OnboardedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TrackedWallet{}, ErrNotFound
		}
		return models.TrackedWallet{}, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresUserStore) ListWallets(ctx context.Context, activeOnly bool) ([]models.TrackedWallet, error) {
	query := `SELECT address, user_id, active, onboarded_at, updated_at FROM tracked_wallets`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY address`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var out []models.TrackedWallet
	for rows.Next() {
		var w models.TrackedWallet
		if err := rows.Scan(&w.Address, &w.UserID, &w.Active, &w.OnboardedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
