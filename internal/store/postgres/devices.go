package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/courier/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeviceStore struct {
	pool *pgxpool.Pool
}

func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

const deviceCols = `id, user_id, token, platform, device_id, active, version, created_at, updated_at`

func scanDevice(row pgx.Row) (model.DeviceEndpoint, error) {
	var (
		d        model.DeviceEndpoint
		platform string
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.Token, &platform, &d.DeviceID, &d.Active, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return model.DeviceEndpoint{}, err
	}
	d.Platform = model.Platform(platform)
	return d, nil
}

func (s *DeviceStore) Upsert(ctx context.Context, userID, token string, platform model.Platform, deviceID string, when time.Time) (model.DeviceEndpoint, error) {
	const q = `
		INSERT INTO device_endpoints (user_id, token, platform, device_id, active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, 1, $5, $5)
		ON CONFLICT (token)
		DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			device_id = EXCLUDED.device_id,
			active = TRUE,
			version = device_endpoints.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + deviceCols

	d, err := scanDevice(s.pool.QueryRow(ctx, q, userID, token, string(platform), deviceID, when))
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("upsert device endpoint: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) GetByToken(ctx context.Context, token string) (model.DeviceEndpoint, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `SELECT `+deviceCols+` FROM device_endpoints WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DeviceEndpoint{}, model.ErrNotFound
	}
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("get device endpoint: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) ListActive(ctx context.Context, userID string) ([]model.DeviceEndpoint, error) {
	const q = `
		SELECT ` + deviceCols + `
		FROM device_endpoints
		WHERE user_id = $1 AND active
		ORDER BY updated_at DESC, id DESC
	`
	return s.list(ctx, q, userID)
}

func (s *DeviceStore) ListByUser(ctx context.Context, userID string) ([]model.DeviceEndpoint, error) {
	const q = `
		SELECT ` + deviceCols + `
		FROM device_endpoints
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
	`
	return s.list(ctx, q, userID)
}

func (s *DeviceStore) list(ctx context.Context, q string, args ...any) ([]model.DeviceEndpoint, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list device endpoints: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceEndpoint
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device endpoint: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list device endpoints: %w", err)
	}
	return out, nil
}

func (s *DeviceStore) Deactivate(ctx context.Context, token string, version int64, when time.Time) (bool, error) {
	const q = `
		UPDATE device_endpoints
		SET active = FALSE, version = version + 1, updated_at = $3
		WHERE token = $1 AND version = $2 AND active
	`
	tag, err := s.pool.Exec(ctx, q, token, version, when)
	if err != nil {
		return false, fmt.Errorf("deactivate device endpoint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *DeviceStore) DeactivateForUser(ctx context.Context, userID, token string, when time.Time) error {
	const q = `
		UPDATE device_endpoints
		SET active = FALSE, version = version + 1, updated_at = $3
		WHERE token = $1 AND user_id = $2
	`
	tag, err := s.pool.Exec(ctx, q, token, userID, when)
	if err != nil {
		return fmt.Errorf("deactivate device endpoint for user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
