package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/position-monitor/internal/config"
	"github.com/position-monitor/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Ping checks that ClickHouse is reachable.
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// AuditRecord is one delivery outcome for one channel.
type AuditRecord struct {
	EventID    uuid.UUID
	Ref        string
	UserID     string
	Kind       string
	Epoch      uint64
	Channel    string
	Outcome    string
	Attempts   int
	Error      string
	DetectedAt time.Time
	RecordedAt time.Time
}

// AuditRecordsFor flattens an event's per-channel state into audit rows.
// Suppressed events yield a single row with an empty channel.
func AuditRecordsFor(e models.AlertEvent, outcome string, now time.Time) []AuditRecord {
	base := AuditRecord{
		EventID:    e.ID,
		Ref:        string(e.Ref),
		UserID:     e.UserID,
		Kind:       string(e.Kind),
		Epoch:      e.Epoch,
		Outcome:    outcome,
		DetectedAt: e.DetectedAt,
		RecordedAt: now,
	}
	if len(e.Deliveries) == 0 {
		return []AuditRecord{base}
	}

	names := make([]string, 0, len(e.Deliveries))
	for name := range e.Deliveries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]AuditRecord, 0, len(names))
	for _, name := range names {
		d := e.Deliveries[name]
		r := base
		r.Channel = name
		r.Attempts = d.Attempts
		r.Error = d.LastError
		switch {
		case d.DeliveredAt != nil:
			r.Outcome = "delivered"
		case d.Dropped:
			r.Outcome = "dropped"
		}
		out = append(out, r)
	}
	return out
}

// AlertAuditRepository appends delivery outcomes to ClickHouse.
type AlertAuditRepository struct {
	db *ClickHouseDB
}

// NewAlertAuditRepository creates an audit repository on db.
func NewAlertAuditRepository(db *ClickHouseDB) *AlertAuditRepository {
	return &AlertAuditRepository{db: db}
}

// Record inserts records in one batch.
func (r *AlertAuditRepository) Record(ctx context.Context, records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := r.db.conn.PrepareBatch(ctx, `
		INSERT INTO alert_audit (
			event_id, position_ref, user_id, kind, epoch, channel,
			outcome, attempts, error, detected_at, recorded_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, rec := range records {
		err := batch.Append(
			rec.EventID,
			rec.Ref,
			rec.UserID,
			rec.Kind,
			rec.Epoch,
			rec.Channel,
			rec.Outcome,
			uint32(rec.Attempts), // #nosec G115 - attempts are bounded by config
			rec.Error,
			rec.DetectedAt,
			rec.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit record: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send audit batch: %w", err)
	}
	return nil
}
