package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/courier/internal/model"
)

// DeviceStore is the SQLite backed Device Registry.
type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

const deviceCols = `id, user_id, token, platform, device_id, active, version, created_at, updated_at`

func scanDevice(scanner interface{ Scan(...any) error }) (model.DeviceEndpoint, error) {
	var d model.DeviceEndpoint
	var platform string
	err := scanner.Scan(&d.ID, &d.UserID, &d.Token, &platform, &d.DeviceID, &d.Active, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return model.DeviceEndpoint{}, err
	}
	d.Platform = model.Platform(platform)
	return d, nil
}

// Upsert registers token for userID. An existing row with the same token is
// taken over by the caller and reactivated (last writer wins).
func (s *DeviceStore) Upsert(ctx context.Context, userID, token string, platform model.Platform, deviceID string, when time.Time) (model.DeviceEndpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("begin upsert device endpoint: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_endpoints (user_id, token, platform, device_id, active, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, 1, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
			user_id = excluded.user_id,
			platform = excluded.platform,
			device_id = excluded.device_id,
			active = 1,
			version = device_endpoints.version + 1,
			updated_at = excluded.updated_at`,
		userID, token, string(platform), deviceID, when.UTC(), when.UTC(),
	)
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("upsert device endpoint: %w", err)
	}

	// Re-query inside the transaction so the returned row is the one we wrote.
	d, err := scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM device_endpoints WHERE token = ?`, token))
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("get upserted device endpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("commit upsert device endpoint: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) GetByToken(ctx context.Context, token string) (model.DeviceEndpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM device_endpoints WHERE token = ?`, token)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceEndpoint{}, model.ErrNotFound
	}
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("get device endpoint: %w", err)
	}
	return d, nil
}

// ListActive returns the active endpoints of userID, most recently updated first.
func (s *DeviceStore) ListActive(ctx context.Context, userID string) ([]model.DeviceEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM device_endpoints
		 WHERE user_id = ? AND active = 1 ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active device endpoints: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *DeviceStore) ListByUser(ctx context.Context, userID string) ([]model.DeviceEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceCols+` FROM device_endpoints
		 WHERE user_id = ? ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device endpoints: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

// Deactivate flips the endpoint to inactive if it is still at version. It
// reports whether a row changed; repeating the call is harmless.
func (s *DeviceStore) Deactivate(ctx context.Context, token string, version int64, when time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE device_endpoints SET active = 0, version = version + 1, updated_at = ?
		 WHERE token = ? AND version = ? AND active = 1`,
		when.UTC(), token, version,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate device endpoint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate device endpoint: %w", err)
	}
	return n > 0, nil
}

// DeactivateForUser deactivates a token owned by userID regardless of version.
func (s *DeviceStore) DeactivateForUser(ctx context.Context, userID, token string, when time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE device_endpoints SET active = 0, version = version + 1, updated_at = ?
		 WHERE token = ? AND user_id = ?`,
		when.UTC(), token, userID,
	)
	if err != nil {
		return fmt.Errorf("deactivate device endpoint for user: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanDevices(rows *sql.Rows) ([]model.DeviceEndpoint, error) {
	var out []model.DeviceEndpoint
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device endpoint: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
