// Package storage provides the snapshot, alert, preference and wallet stores
// together with their in-memory, Postgres, Redis and ClickHouse backings.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a unique key is already taken.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// Outcome is the result of a compare-and-set snapshot write.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeStale           Outcome = "stale"
	OutcomeUnknownPosition Outcome = "unknown_position"
)

// DeriveFunc computes the record to commit from the stored snapshot (nil when
// absent) and the candidate. It runs inside the compare-and-set and may be
// called more than once per Upsert, so it must not have side effects.
type DeriveFunc func(old *models.Snapshot, candidate models.Snapshot) models.Snapshot

// UpsertOptions controls a snapshot write.
type UpsertOptions struct {
	// AllowCreate lets the write create a position that is not stored yet.
	AllowCreate bool
	// Derive defaults to returning the candidate unchanged.
	Derive DeriveFunc
}

// UpsertResult reports what a write did. On OutcomeAccepted New is the
// committed record and Old the one it replaced (nil on create). On
// OutcomeStale New is the record that won.
type UpsertResult struct {
	Outcome Outcome
	Old     *models.Snapshot
	New     models.Snapshot
}

// TouchOptions annotates a snapshot without a version change.
type TouchOptions struct {
	// Status replaces the status when non-empty.
	Status types.PositionStatus
	// CheckedAt replaces LastCheckedAt when non-zero.
	CheckedAt time.Time
	// Deactivate marks the position inactive.
	Deactivate bool
}

// SnapshotStore holds the last-known state per position. Writes are
// compare-and-set on Version: a candidate is accepted only when its version
// is strictly greater than the stored one.
type SnapshotStore interface {
	Upsert(ctx context.Context, candidate models.Snapshot, opts UpsertOptions) (UpsertResult, error)
	Get(ctx context.Context, ref types.PositionRef) (models.Snapshot, error)
	ListActive(ctx context.Context, filter models.SnapshotFilter) ([]models.Snapshot, error)
	Touch(ctx context.Context, ref types.PositionRef, opts TouchOptions) error
	// DeactivateWallet marks every position of wallet inactive and returns how
	// many changed.
	DeactivateWallet(ctx context.Context, wallet string) (int, error)
}

// AlertStore persists alert events, unique per (position, kind, epoch).
type AlertStore interface {
	// Create stores e; it returns ErrDuplicateKey when the key exists.
	Create(ctx context.Context, e models.AlertEvent) error
	Get(ctx context.Context, id uuid.UUID) (models.AlertEvent, error)
	GetByKey(ctx context.Context, key models.AlertKey) (models.AlertEvent, error)
	Update(ctx context.Context, e models.AlertEvent) error
	List(ctx context.Context, filter models.AlertFilter) ([]models.AlertEvent, error)
	// LastDeliveredAt returns the latest delivery time of kind for ref, or
	// the zero time when nothing was delivered.
	LastDeliveredAt(ctx context.Context, ref types.PositionRef, kind types.AlertKind) (time.Time, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PreferenceStore holds per-user alert preferences.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string) (models.UserAlertPreference, error)
	SavePreference(ctx context.Context, p models.UserAlertPreference) error
	ListDailySummary(ctx context.Context) ([]models.UserAlertPreference, error)
}

// WalletStore holds the wallets registered for monitoring.
type WalletStore interface {
	SaveWallet(ctx context.Context, w models.TrackedWallet) error
	GetWallet(ctx context.Context, address string) (models.TrackedWallet, error)
	ListWallets(ctx context.Context, activeOnly bool) ([]models.TrackedWallet, error)
}

// InvalidationSet records wallets whose positions must be re-read on the
// next poll regardless of staleness.
type InvalidationSet interface {
	Mark(ctx context.Context, wallet string) error
	// Drain returns and clears the marked wallets.
	Drain(ctx context.Context) ([]string, error)
}

// SeenSet remembers inbound delivery ids for a bounded time.
type SeenSet interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, id string) (bool, error)
	// Forget drops id so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

func defaultDerive(_ *models.Snapshot, candidate models.Snapshot) models.Snapshot {
	return candidate
}

// derive applies opts.Derive and pins the fields a derive function must not
// change.
func (o UpsertOptions) derive(old *models.Snapshot, candidate models.Snapshot, now time.Time) models.Snapshot {
	fn := o.Derive
	if fn == nil {
		fn = defaultDerive
	}
	var oldCopy *models.Snapshot
	if old != nil {
		cp := *old
		oldCopy = &cp
	}
	next := fn(oldCopy, candidate)
	next.Ref = candidate.Ref
	next.Version = candidate.Version
	next.UpdatedAt = now
	return next
}
