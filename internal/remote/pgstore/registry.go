package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 2
	defaultConnLifetime = time.Hour
	defaultPingTimeout  = 5 * time.Second
)

// NewPostgres creates a pgx/stdlib backed *sql.DB pool and validates the
// connection.
func NewPostgres(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("pgstore: empty DSN")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Registry persists device ownership and flush history in postgres.
type Registry struct {
	db *sql.DB
}

// NewRegistry returns the repository.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// SetDeviceOwner upserts the device↔user association. The reconciler calls
// it on every flush, so the write is idempotent.
func (r *Registry) SetDeviceOwner(ctx context.Context, deviceID, userID string) error {
	const query = `
		INSERT INTO device_owners (device_id, user_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (device_id) DO UPDATE SET user_id = EXCLUDED.user_id, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, deviceID, userID); err != nil {
		return fmt.Errorf("pgstore: set device owner: %w", err)
	}
	return nil
}

// RecordSync appends one row per successful ledger flush.
func (r *Registry) RecordSync(ctx context.Context, userID, deviceID string, events int, totalMl float64) error {
	const query = `
		INSERT INTO sync_history (user_id, device_id, event_count, total_ml, synced_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, events, totalMl); err != nil {
		return fmt.Errorf("pgstore: record sync: %w", err)
	}
	return nil
}

// LastSync returns the most recent flush time for the user, with found=false
// when the user never synced.
func (r *Registry) LastSync(ctx context.Context, userID string) (time.Time, bool, error) {
	const query = `
		SELECT synced_at FROM sync_history
		WHERE user_id = $1
		ORDER BY synced_at DESC
		LIMIT 1
	`
	var ts time.Time
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("pgstore: last sync: %w", err)
	}
	return ts, true, nil
}
