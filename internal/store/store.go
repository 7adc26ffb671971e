package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/omsbridge/bridge/internal/pipeline"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// telegramHistoryCap limits stored telegrams per meter. Older rows are
// pruned when new ones arrive so the table stays bounded.
const telegramHistoryCap = 20

// MeterKey is a provisioned decryption key for one meter.
type MeterKey struct {
	MeterID   string    `db:"meter_id" json:"meter_id"`
	KeyHex    string    `db:"key_hex" json:"key_hex"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// KnownMeter is a meter with a provisioned key, with its stored telegram count.
type KnownMeter struct {
	MeterID       string    `db:"meter_id" json:"meter_id"`
	KeyUpdatedAt  time.Time `db:"key_updated_at" json:"key_updated_at"`
	TelegramCount int64     `db:"telegram_count" json:"telegram_count"`
}

// PendingMeter is a meter seen on the air without a provisioned key.
type PendingMeter struct {
	MeterID       string    `db:"meter_id" json:"meter_id"`
	Manufacturer  string    `db:"manufacturer" json:"manufacturer,omitempty"`
	FirstSeenAt   time.Time `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt    time.Time `db:"last_seen_at" json:"last_seen_at"`
	TelegramCount int64     `db:"telegram_count" json:"telegram_count"`
}

// Telegram is one processed telegram outcome.
type Telegram struct {
	ID          string          `db:"id" json:"id"`
	GatewayID   string          `db:"gateway_id" json:"gateway_id"`
	MeterID     sql.NullString  `db:"meter_id" json:"-"`
	RawHex      string          `db:"raw_hex" json:"raw_hex"`
	Status      string          `db:"status" json:"status"`
	Reason      sql.NullString  `db:"reason" json:"-"`
	Parsed      json.RawMessage `db:"parsed" json:"parsed,omitempty"`
	ReceivedAt  time.Time       `db:"received_at" json:"received_at"`
	ProcessedAt time.Time       `db:"processed_at" json:"processed_at"`
}

// MarshalJSON flattens the nullable columns for API responses.
func (t Telegram) MarshalJSON() ([]byte, error) {
	type alias Telegram
	return json.Marshal(struct {
		alias
		MeterID string `json:"meter_id,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}{
		alias:   alias(t),
		MeterID: t.MeterID.String,
		Reason:  t.Reason.String,
	})
}

// Storage handles all database operations for the bridge
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the bridge tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meter_keys (
			meter_id   TEXT PRIMARY KEY,
			key_hex    TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS pending_meters (
			meter_id       TEXT PRIMARY KEY,
			manufacturer   TEXT NOT NULL DEFAULT '',
			first_seen_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			telegram_count BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS telegrams (
			id           TEXT PRIMARY KEY,
			gateway_id   TEXT NOT NULL,
			meter_id     TEXT,
			raw_hex      TEXT NOT NULL,
			status       TEXT NOT NULL,
			reason       TEXT,
			parsed       JSONB,
			received_at  TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telegrams_meter_id ON telegrams (meter_id, processed_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	s.logger.Info("Database schema ready")
	return nil
}

// GetKey returns the stored key for a meter, or "" when none exists.
func (s *Storage) GetKey(ctx context.Context, meterID string) (string, error) {
	var keyHex string
	err := s.db.GetContext(ctx, &keyHex,
		`SELECT key_hex FROM meter_keys WHERE meter_id = $1`, meterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return keyHex, nil
}

// SetKey provisions or replaces the key for a meter and clears its pending
// entry, since the meter is now decodable.
func (s *Storage) SetKey(ctx context.Context, meterID, keyHex string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meter_keys (meter_id, key_hex, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (meter_id) DO UPDATE SET key_hex = $2, updated_at = NOW()
	`, meterID, keyHex)
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_meters WHERE meter_id = $1`, meterID); err != nil {
		return fmt.Errorf("failed to clear pending meter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("Meter key provisioned", slog.String("meter_id", meterID))
	return nil
}

// DeleteKey removes the key for a meter.
func (s *Storage) DeleteKey(ctx context.Context, meterID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM meter_keys WHERE meter_id = $1`, meterID)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Info("Meter key deleted", slog.String("meter_id", meterID))
	return nil
}

// ListKeys returns all provisioned keys.
func (s *Storage) ListKeys(ctx context.Context) ([]MeterKey, error) {
	keys := []MeterKey{}
	err := s.db.SelectContext(ctx, &keys,
		`SELECT meter_id, key_hex, updated_at FROM meter_keys ORDER BY meter_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// ListKnownMeters returns meters with a provisioned key and how many
// telegrams are stored for each.
func (s *Storage) ListKnownMeters(ctx context.Context) ([]KnownMeter, error) {
	meters := []KnownMeter{}
	err := s.db.SelectContext(ctx, &meters, `
		SELECT k.meter_id, k.updated_at AS key_updated_at, COUNT(t.id) AS telegram_count
		FROM meter_keys k
		LEFT JOIN telegrams t ON t.meter_id = k.meter_id
		GROUP BY k.meter_id, k.updated_at
		ORDER BY k.meter_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list known meters: %w", err)
	}
	return meters, nil
}

// MarkPendingMeter upserts a pending entry for a meter seen without a key.
func (s *Storage) MarkPendingMeter(ctx context.Context, meterID, manufacturer string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_meters (meter_id, manufacturer)
		VALUES ($1, $2)
		ON CONFLICT (meter_id) DO UPDATE SET
			last_seen_at   = NOW(),
			telegram_count = pending_meters.telegram_count + 1,
			manufacturer   = CASE
				WHEN EXCLUDED.manufacturer <> '' THEN EXCLUDED.manufacturer
				ELSE pending_meters.manufacturer
			END
	`, meterID, manufacturer)
	if err != nil {
		return fmt.Errorf("failed to mark pending meter: %w", err)
	}
	return nil
}

// ClearPendingMeter removes a meter from the pending list.
func (s *Storage) ClearPendingMeter(ctx context.Context, meterID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_meters WHERE meter_id = $1`, meterID)
	if err != nil {
		return fmt.Errorf("failed to clear pending meter: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to clear pending meter: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingMeters returns meters waiting for a key, most recently seen first.
func (s *Storage) ListPendingMeters(ctx context.Context) ([]PendingMeter, error) {
	meters := []PendingMeter{}
	err := s.db.SelectContext(ctx, &meters, `
		SELECT meter_id, manufacturer, first_seen_at, last_seen_at, telegram_count
		FROM pending_meters
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending meters: %w", err)
	}
	return meters, nil
}

// RecordOutcome persists a job's terminal outcome and prunes the meter's
// history beyond the cap. Implements the pipeline's history contract.
func (s *Storage) RecordOutcome(ctx context.Context, job *pipeline.Job, parsed json.RawMessage) error {
	meterID := sql.NullString{String: job.MeterID(), Valid: job.MeterID() != ""}
	reason := sql.NullString{String: job.FailureReason, Valid: job.FailureReason != ""}

	var parsedArg any
	if len(parsed) > 0 {
		parsedArg = []byte(parsed)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telegrams (id, gateway_id, meter_id, raw_hex, status, reason, parsed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.GatewayID, meterID, job.RawHex, job.Status, reason, parsedArg, job.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	if meterID.Valid {
		if err := s.pruneTelegrams(ctx, meterID.String); err != nil {
			s.logger.Warn("Failed to prune telegram history",
				slog.String("meter_id", meterID.String),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

func (s *Storage) pruneTelegrams(ctx context.Context, meterID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM telegrams
		WHERE meter_id = $1 AND id NOT IN (
			SELECT id FROM telegrams
			WHERE meter_id = $1
			ORDER BY processed_at DESC
			LIMIT $2
		)
	`, meterID, telegramHistoryCap)
	return err
}

// ListTelegrams returns recent outcomes, optionally filtered by meter.
func (s *Storage) ListTelegrams(ctx context.Context, meterID string, limit int) ([]Telegram, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	telegrams := []Telegram{}
	var err error
	if meterID != "" {
		err = s.db.SelectContext(ctx, &telegrams, `
			SELECT id, gateway_id, meter_id, raw_hex, status, reason, parsed, received_at, processed_at
			FROM telegrams
			WHERE meter_id = $1
			ORDER BY processed_at DESC
			LIMIT $2
		`, meterID, limit)
	} else {
		err = s.db.SelectContext(ctx, &telegrams, `
			SELECT id, gateway_id, meter_id, raw_hex, status, reason, parsed, received_at, processed_at
			FROM telegrams
			ORDER BY processed_at DESC
			LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list telegrams: %w", err)
	}
	return telegrams, nil
}

// GetTelegram returns one outcome by ingest id.
func (s *Storage) GetTelegram(ctx context.Context, id string) (*Telegram, error) {
	var t Telegram
	err := s.db.GetContext(ctx, &t, `
		SELECT id, gateway_id, meter_id, raw_hex, status, reason, parsed, received_at, processed_at
		FROM telegrams
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get telegram: %w", err)
	}
	return &t, nil
}
