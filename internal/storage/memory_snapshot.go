package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

// MemorySnapshotStore keeps snapshots in a sync.Map of immutable pointers.
// Writers publish a fresh pointer with CompareAndSwap, so different
// positions never contend and there is no store-wide lock.
type MemorySnapshotStore struct {
	items sync.Map // types.PositionRef -> *models.Snapshot
	now   func() time.Time
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{now: time.Now}
}

func (s *MemorySnapshotStore) Upsert(ctx context.Context, candidate models.Snapshot, opts UpsertOptions) (UpsertResult, error) {
	if candidate.Ref == "" {
		return UpsertResult{}, ErrInvalidInput
	}

	for {
		if err := ctx.Err(); err != nil {
			return UpsertResult{}, err
		}

		cur, loaded := s.items.Load(candidate.Ref)
		if !loaded {
			if !opts.AllowCreate {
				return UpsertResult{Outcome: OutcomeUnknownPosition}, nil
			}
			next := opts.derive(nil, candidate, s.now())
			if _, raced := s.items.LoadOrStore(candidate.Ref, &next); raced {
				continue
			}
			return UpsertResult{Outcome: OutcomeAccepted, New: next}, nil
		}

		old := cur.(*models.Snapshot)
		if candidate.Version <= old.Version {
			return UpsertResult{Outcome: OutcomeStale, New: *old}, nil
		}

		next := opts.derive(old, candidate, s.now())
		if s.items.CompareAndSwap(candidate.Ref, cur, &next) {
			prev := *old
			return UpsertResult{Outcome: OutcomeAccepted, Old: &prev, New: next}, nil
		}
	}
}

func (s *MemorySnapshotStore) Get(_ context.Context, ref types.PositionRef) (models.Snapshot, error) {
	cur, ok := s.items.Load(ref)
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}
	return *cur.(*models.Snapshot), nil
}

func (s *MemorySnapshotStore) ListActive(_ context.Context, filter models.SnapshotFilter) ([]models.Snapshot, error) {
	var out []models.Snapshot
	s.items.Range(func(_, value any) bool {
		snap := *value.(*models.Snapshot)
		if filter.Matches(snap) {
			out = append(out, snap)
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastCheckedAt.Equal(out[j].LastCheckedAt) {
			return out[i].LastCheckedAt.Before(out[j].LastCheckedAt)
		}
		return out[i].Ref < out[j].Ref
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemorySnapshotStore) Touch(ctx context.Context, ref types.PositionRef, opts TouchOptions) error {
	return s.mutate(ctx, ref, func(snap *models.Snapshot) bool {
		changed := false
		if opts.Status != "" && snap.Status != opts.Status {
			snap.Status = opts.Status
			changed = true
		}
		if !opts.CheckedAt.IsZero() && opts.CheckedAt.After(snap.LastCheckedAt) {
			snap.LastCheckedAt = opts.CheckedAt
			changed = true
		}
		if opts.Deactivate && snap.IsActive {
			snap.IsActive = false
			changed = true
		}
		return changed
	})
}

func (s *MemorySnapshotStore) DeactivateWallet(ctx context.Context, wallet string) (int, error) {
	wallet = strings.ToLower(wallet)
	var refs []types.PositionRef
	s.items.Range(func(key, value any) bool {
		if snap := value.(*models.Snapshot); snap.Wallet == wallet && snap.IsActive {
			refs = append(refs, key.(types.PositionRef))
		}
		return true
	})

	changed := 0
	for _, ref := range refs {
		flipped := false
		err := s.mutate(ctx, ref, func(snap *models.Snapshot) bool {
			flipped = snap.IsActive
			snap.IsActive = false
			return flipped
		})
		if err != nil {
			return changed, err
		}
		if flipped {
			changed++
		}
	}
	return changed, nil
}

// mutate applies fn to a copy of the stored snapshot and publishes it with
// CompareAndSwap, retrying on contention. fn returns false to skip the write.
func (s *MemorySnapshotStore) mutate(ctx context.Context, ref types.PositionRef, fn func(*models.Snapshot) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, ok := s.items.Load(ref)
		if !ok {
			return ErrNotFound
		}
		next := *cur.(*models.Snapshot)
		if !fn(&next) {
			return nil
		}
		next.UpdatedAt = s.now()
		if s.items.CompareAndSwap(ref, cur, &next) {
			return nil
		}
	}
}

// Len returns the number of stored snapshots, active or not.
func (s *MemorySnapshotStore) Len() int {
	n := 0
	s.items.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
