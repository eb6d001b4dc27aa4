package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxCreateRaces bounds how often Upsert retries after losing an insert race.
const maxCreateRaces = 3

const snapshotColumns = `
	position_ref, wallet, user_id, chain, dex, pool_id, token0, token1,
	tick_lower, tick_upper, current_tick,
	lower_price::text, upper_price::text, active_price::text, liquidity::text, fees_accrued::text,
	is_active, status, version, source, observed_at, last_checked_at, updated_at, risk_state`

// PostgresSnapshotStore is a SnapshotStore on Postgres. Compare-and-set runs
// under a row lock, so writers to different positions never block each other.
type PostgresSnapshotStore struct {
	db  *PostgresDB
	now func() time.Time
}

// NewPostgresSnapshotStore creates a snapshot store on db.
func NewPostgresSnapshotStore(db *PostgresDB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db, now: time.Now}
}

func (s *PostgresSnapshotStore) Upsert(ctx context.Context, candidate models.Snapshot, opts UpsertOptions) (UpsertResult, error) {
	if candidate.Ref == "" {
		return UpsertResult{}, ErrInvalidInput
	}

	for attempt := 0; attempt < maxCreateRaces; attempt++ {
		result, raced, err := s.upsertOnce(ctx, candidate, opts)
		if err != nil {
			return UpsertResult{}, err
		}
		if !raced {
			return result, nil
		}
	}
	return UpsertResult{}, fmt.Errorf("upsert %s: lost create race %d times", candidate.Ref, maxCreateRaces)
}

func (s *PostgresSnapshotStore) upsertOnce(ctx context.Context, candidate models.Snapshot, opts UpsertOptions) (result UpsertResult, raced bool, err error) {
	err = s.db.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM position_snapshots WHERE position_ref = $1 FOR UPDATE`, candidate.Ref)
		old, err := scanSnapshot(row)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if !opts.AllowCreate {
				result = UpsertResult{Outcome: OutcomeUnknownPosition}
				return nil
			}
			next := opts.derive(nil, candidate, s.now())
			inserted, err := insertSnapshot(ctx, tx, next)
			if err != nil {
				return err
			}
			if !inserted {
				raced = true
				return nil
			}
			result = UpsertResult{Outcome: OutcomeAccepted, New: next}
			return nil

		case err != nil:
			return fmt.Errorf("failed to load snapshot: %w", err)
		}

		if candidate.Version <= old.Version {
			result = UpsertResult{Outcome: OutcomeStale, New: old}
			return nil
		}

		next := opts.derive(&old, candidate, s.now())
		if err := updateSnapshot(ctx, tx, next); err != nil {
			return err
		}
		result = UpsertResult{Outcome: OutcomeAccepted, Old: &old, New: next}
		return nil
	})
	if err != nil {
		return UpsertResult{}, false, err
	}
	return result, raced, nil
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, s models.Snapshot) (bool, error) {
	risk, err := json.Marshal(s.Risk)
	if err != nil {
		return false, fmt.Errorf("failed to encode risk state: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO position_snapshots (
			position_ref, wallet, user_id, chain, dex, pool_id, token0, token1,
			tick_lower, tick_upper, current_tick,
			lower_price, upper_price, active_price, liquidity, fees_accrued,
			is_active, status, version, source, observed_at, last_checked_at, updated_at, risk_state
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12::text::numeric, $13::text::numeric, $14::text::numeric, $15::text::numeric, $16::text::numeric,
			$17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (position_ref) DO NOTHING
	`,
		s.Ref, s.Wallet, s.UserID, s.Chain, s.Dex, s.PoolID, s.Token0, s.Token1,
		s.TickLower, s.TickUpper, s.CurrentTick,
		s.LowerPrice.String(), s.UpperPrice.String(), s.ActivePrice.String(), s.Liquidity.String(), s.FeesAccrued.String(),
		s.IsActive, s.Status, int64(s.Version), s.Source, s.ObservedAt, s.LastCheckedAt, s.UpdatedAt, risk,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func updateSnapshot(ctx context.Context, tx pgx.Tx, s models.Snapshot) error {
	risk, err := json.Marshal(s.Risk)
	if err != nil {
		return fmt.Errorf("failed to encode risk state: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE position_snapshots SET
			wallet = $2, user_id = $3, chain = $4, dex = $5, pool_id = $6, token0 = $7, token1 = $8,
			tick_lower = $9, tick_upper = $10, current_tick = $11,
			lower_price = $12::text::numeric, upper_price = $13::text::numeric, active_price = $14::text::numeric,
			liquidity = $15::text::numeric, fees_accrued = $16::text::numeric,
			is_active = $17, status = $18, version = $19, source = $20,
			observed_at = $21, last_checked_at = $22, updated_at = $23, risk_state = $24
		WHERE position_ref = $1
	`,
		s.Ref, s.Wallet, s.UserID, s.Chain, s.Dex, s.PoolID, s.Token0, s.Token1,
		s.TickLower, s.TickUpper, s.CurrentTick,
		s.LowerPrice.String(), s.UpperPrice.String(), s.ActivePrice.String(), s.Liquidity.String(), s.FeesAccrued.String(),
		s.IsActive, s.Status, int64(s.Version), s.Source, s.ObservedAt, s.LastCheckedAt, s.UpdatedAt, risk,
	)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Get(ctx context.Context, ref types.PositionRef) (models.Snapshot, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT `+snapshotColumns+` FROM position_snapshots WHERE position_ref = $1`, ref)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresSnapshotStore) ListActive(ctx context.Context, filter models.SnapshotFilter) ([]models.Snapshot, error) {
	var (
		where = []string{"is_active"}
		args  []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Wallet != "" {
		add("wallet = $%d", strings.ToLower(filter.Wallet))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Chain != "" {
		add("chain = $%d", filter.Chain)
	}
	if filter.PoolID != "" {
		add("pool_id = $%d", filter.PoolID)
	}
	if !filter.CheckedBefore.IsZero() {
		add("last_checked_at < $%d", filter.CheckedBefore)
	}

	query := `SELECT ` + snapshotColumns + ` FROM position_snapshots WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY last_checked_at ASC, position_ref ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresSnapshotStore) Touch(ctx context.Context, ref types.PositionRef, opts TouchOptions) error {
	var status *string
	if opts.Status != "" {
		v := string(opts.Status)
		status = &v
	}
	var checked *time.Time
	if !opts.CheckedAt.IsZero() {
		checked = &opts.CheckedAt
	}

	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE position_snapshots SET
			status = COALESCE($2, status),
			last_checked_at = GREATEST(last_checked_at, COALESCE($3, last_checked_at)),
			is_active = is_active AND NOT $5,
			updated_at = $4
		WHERE position_ref = $1
	`, ref, status, checked, s.now(), opts.Deactivate)
	if err != nil {
		return fmt.Errorf("failed to touch snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresSnapshotStore) DeactivateWallet(ctx context.Context, wallet string) (int, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE position_snapshots SET is_active = FALSE, updated_at = $2
		WHERE wallet = $1 AND is_active
	`, strings.ToLower(wallet), s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate wallet positions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSnapshot(row pgx.Row) (models.Snapshot, error) {
	var (
		s                               models.Snapshot
		lower, upper, active, liq, fees string
		version                         int64
		risk                            []byte
	)
	err := row.Scan(
		&s.Ref, &s.Wallet, &s.UserID, &s.Chain, &s.Dex, &s.PoolID, &s.Token0, &s.Token1,
		&s.TickLower, &s.TickUpper, &s.CurrentTick,
		&lower, &upper, &active, &liq, &fees,
		&s.IsActive, &s.Status, &version, &s.Source, &s.ObservedAt, &s.LastCheckedAt, &s.UpdatedAt, &risk,
	)
	if err != nil {
		return models.Snapshot{}, err
	}
	s.Version = uint64(version) // #nosec G115 - versions are written from uint64 block positions

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&s.LowerPrice, lower}, {&s.UpperPrice, upper}, {&s.ActivePrice, active},
		{&s.Liquidity, liq}, {&s.FeesAccrued, fees},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("invalid numeric %q: %w", f.src, err)
		}
		*f.dst = d
	}
	if len(risk) > 0 {
		if err := json.Unmarshal(risk, &s.Risk); err != nil {
			return models.Snapshot{}, fmt.Errorf("invalid risk state: %w", err)
		}
	}
	return s, nil
}
