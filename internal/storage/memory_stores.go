package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

// MemoryAlertStore is an in-memory AlertStore.
type MemoryAlertStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*models.AlertEvent
	byKey map[models.AlertKey]uuid.UUID
}

// NewMemoryAlertStore creates an empty alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{
		byID:  make(map[uuid.UUID]*models.AlertEvent),
		byKey: make(map[models.AlertKey]uuid.UUID),
	}
}

func (s *MemoryAlertStore) Create(_ context.Context, e models.AlertEvent) error {
	if e.ID == uuid.Nil || e.Ref == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[e.Key()]; exists {
		return ErrDuplicateKey
	}
	if _, exists := s.byID[e.ID]; exists {
		return ErrDuplicateKey
	}
	cp := e.Clone()
	s.byID[e.ID] = &cp
	s.byKey[e.Key()] = e.ID
	return nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id uuid.UUID) (models.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return models.AlertEvent{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryAlertStore) GetByKey(_ context.Context, key models.AlertKey) (models.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return models.AlertEvent{}, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryAlertStore) Update(_ context.Context, e models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.ID]; !ok {
		return ErrNotFound
	}
	cp := e.Clone()
	s.byID[e.ID] = &cp
	return nil
}

func (s *MemoryAlertStore) List(_ context.Context, filter models.AlertFilter) ([]models.AlertEvent, error) {
	s.mu.RLock()
	var out []models.AlertEvent
	for _, e := range s.byID {
		if filter.Matches(*e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryAlertStore) LastDeliveredAt(_ context.Context, ref types.PositionRef, kind types.AlertKind) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, e := range s.byID {
		if e.Ref == ref && e.Kind == kind && e.DeliveredAt != nil && e.DeliveredAt.After(last) {
			last = *e.DeliveredAt
		}
	}
	return last, nil
}

func (s *MemoryAlertStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.byID {
		if e.DetectedAt.Before(cutoff) && !e.Pending() {
			delete(s.byKey, e.Key())
			delete(s.byID, id)
			purged++
		}
	}
	return purged, nil
}

// MemoryPreferenceStore is an in-memory PreferenceStore.
type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]models.UserAlertPreference
}

// NewMemoryPreferenceStore creates an empty preference store.
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[string]models.UserAlertPreference)}
}

func (s *MemoryPreferenceStore) GetPreference(_ context.Context, userID string) (models.UserAlertPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prefs[userID]
	if !ok {
		return models.UserAlertPreference{}, ErrNotFound
	}
	return copyPreference(p), nil
}

func (s *MemoryPreferenceStore) SavePreference(_ context.Context, p models.UserAlertPreference) error {
	if p.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = copyPreference(p)
	return nil
}

func (s *MemoryPreferenceStore) ListDailySummary(_ context.Context) ([]models.UserAlertPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.UserAlertPreference
	for _, p := range s.prefs {
		if p.DailySummary {
			out = append(out, copyPreference(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func copyPreference(p models.UserAlertPreference) models.UserAlertPreference {
	p.Channels = append([]string(nil), p.Channels...)
	if p.CooldownOverride != nil {
		d := *p.CooldownOverride
		p.CooldownOverride = &d
	}
	return p
}

// MemoryWalletStore is an in-memory WalletStore.
type MemoryWalletStore struct {
	mu      sync.RWMutex
	wallets map[string]models.TrackedWallet
}

// NewMemoryWalletStore creates an empty wallet store.
func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{wallets: make(map[string]models.TrackedWallet)}
}

func (s *MemoryWalletStore) SaveWallet(_ context.Context, w models.TrackedWallet) error {
	if w.Address == "" {
		return ErrInvalidInput
	}
	w.Address = strings.ToLower(w.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.Address] = w
	return nil
}

func (s *MemoryWalletStore) GetWallet(_ context.Context, address string) (models.TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[strings.ToLower(address)]
	if !ok {
		return models.TrackedWallet{}, ErrNotFound
	}
	return w, nil
}

func (s *MemoryWalletStore) ListWallets(_ context.Context, activeOnly bool) ([]models.TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TrackedWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		if activeOnly && !w.Active {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// MemoryInvalidationSet is a process-local InvalidationSet.
type MemoryInvalidationSet struct {
	mu      sync.Mutex
	wallets map[string]struct{}
}

// NewMemoryInvalidationSet creates an empty set.
func NewMemoryInvalidationSet() *MemoryInvalidationSet {
	return &MemoryInvalidationSet{wallets: make(map[string]struct{})}
}

func (s *MemoryInvalidationSet) Mark(_ context.Context, wallet string) error {
	s.mu.Lock()
	s.wallets[strings.ToLower(wallet)] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryInvalidationSet) Drain(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.wallets))
	for w := range s.wallets {
		out = append(out, w)
	}
	s.wallets = make(map[string]struct{})
	sort.Strings(out)
	return out, nil
}
