package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const alertColumns = `id, position_ref, wallet, user_id, kind, epoch, detected_at, delivered_at, suppressed, payload, deliveries`

// PostgresAlertStore is an AlertStore on Postgres.
type PostgresAlertStore struct {
	db *PostgresDB
}

// NewPostgresAlertStore creates an alert store on db.
func NewPostgresAlertStore(db *PostgresDB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

func (s *PostgresAlertStore) Create(ctx context.Context, e models.AlertEvent) error {
	if e.ID == uuid.Nil || e.Ref == "" {
		return ErrInvalidInput
	}
	payload, deliveries, err := encodeAlert(e)
	if err != nil {
		return err
	}

	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO alert_events (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Ref, e.Wallet, e.UserID, e.Kind, int64(e.Epoch), e.DetectedAt, e.DeliveredAt, e.Suppressed, payload, deliveries)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create alert event: %w", err)
	}
	return nil
}

func (s *PostgresAlertStore) Get(ctx context.Context, id uuid.UUID) (models.AlertEvent, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT `+alertColumns+` FROM alert_events WHERE id = $1`, id)
	return scanAlertOrNotFound(row)
}

func (s *PostgresAlertStore) GetByKey(ctx context.Context, key models.AlertKey) (models.AlertEvent, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alert_events
		WHERE position_ref = $1 AND kind = $2 AND epoch = $3
	`, key.Ref, key.Kind, int64(key.Epoch))
	return scanAlertOrNotFound(row)
}

func (s *PostgresAlertStore) Update(ctx context.Context, e models.AlertEvent) error {
	payload, deliveries, err := encodeAlert(e)
	if err != nil {
		return err
	}
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE alert_events
		SET delivered_at = $2, suppressed = $3, payload = $4, deliveries = $5
		WHERE id = $1
	`, e.ID, e.DeliveredAt, e.Suppressed, payload, deliveries)
	if err != nil {
		return fmt.Errorf("failed to update alert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresAlertStore) List(ctx context.Context, filter models.AlertFilter) ([]models.AlertEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Ref != "" {
		add("position_ref = $%d", filter.Ref)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if !filter.Since.IsZero() {
		add("detected_at >= $%d", filter.Since)
	}
	if filter.PendingOnly {
		where = append(where, "suppressed = ''")
	}

	query := `SELECT ` + alertColumns + ` FROM alert_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at ASC`

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	var out []models.AlertEvent
	for rows.Next() {
		e, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		// Pending depends on per-channel state held in JSON.
		if filter.PendingOnly && !e.Pending() {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *PostgresAlertStore) LastDeliveredAt(ctx context.Context, ref types.PositionRef, kind types.AlertKind) (time.Time, error) {
	var last *time.Time
	err := s.db.Pool().QueryRow(ctx, `
		SELECT MAX(delivered_at) FROM alert_events WHERE position_ref = $1 AND kind = $2
	`, ref, kind).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last delivery: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// PurgeBefore deletes events detected before cutoff. Events with channels
// still awaiting retry are kept; the dispatcher settles them first. Candidate
// rows are locked so a concurrent retry cannot race the delete.
func (s *PostgresAlertStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	purged := 0
	err := s.db.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+alertColumns+` FROM alert_events WHERE detected_at < $1 FOR UPDATE`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to select expired alert events: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			e, err := scanAlert(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan alert event: %w", err)
			}
			if !e.Pending() {
				ids = append(ids, e.ID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, `DELETE FROM alert_events WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("failed to purge alert events: %w", err)
		}
		purged = int(tag.RowsAffected())
		return nil
	})
	return purged, err
}

func encodeAlert(e models.AlertEvent) ([]byte, []byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode alert payload: %w", err)
	}
	deliveries := e.Deliveries
	if deliveries == nil {
		deliveries = map[string]*models.ChannelDelivery{}
	}
	encoded, err := json.Marshal(deliveries)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode deliveries: %w", err)
	}
	return payload, encoded, nil
}

func scanAlertOrNotFound(row pgx.Row) (models.AlertEvent, error) {
	e, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AlertEvent{}, ErrNotFound
		}
		return models.AlertEvent{}, fmt.Errorf("failed to get alert event: %w", err)
	}
	return e, nil
}

func scanAlert(row pgx.Row) (models.AlertEvent, error) {
	var (
		e                   models.AlertEvent
		epoch               int64
		payload, deliveries []byte
	)
	err := row.Scan(&e.ID, &e.Ref, &e.Wallet, &e.UserID, &e.Kind, &epoch,
		&e.DetectedAt, &e.DeliveredAt, &e.Suppressed, &payload, &deliveries)
	if err != nil {
		return models.AlertEvent{}, err
	}
	e.Epoch = uint64(epoch) // #nosec G115 - epochs are small counters
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return models.AlertEvent{}, fmt.Errorf("invalid alert payload: %w", err)
	}
	if len(deliveries) > 0 {
		if err := json.Unmarshal(deliveries, &e.Deliveries); err != nil {
			return models.AlertEvent{}, fmt.Errorf("invalid deliveries: %w", err)
		}
		if len(e.Deliveries) == 0 {
			e.Deliveries = nil
		}
	}
	return e, nil
}
