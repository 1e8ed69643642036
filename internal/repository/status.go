package repository

import (
	"context"
	"time"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

func (r *Repos) RecordStatusSuccess(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO system_status (key, last_success_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET last_success_at = EXCLUDED.last_success_at, updated_at = now()`,
		key, at)
	return err
}

func (r *Repos) RecordStatusError(ctx context.Context, key string, at time.Time, msg string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO system_status (key, last_error_at, last_error, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET last_error_at = EXCLUDED.last_error_at,
			last_error = EXCLUDED.last_error, updated_at = now()`,
		key, at, msg)
	return err
}

func (r *Repos) ClearStatusError(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE system_status
		SET last_error_at = NULL, last_error = NULL, updated_at = now()
		WHERE key = $1`, key)
	return err
}

func (r *Repos) ListStatus(ctx context.Context) ([]domain.SystemStatus, error) {
	var out []domain.SystemStatus
	err := r.db.SelectContext(ctx, &out, `SELECT key, last_success_at, last_error_at, last_error
		FROM system_status ORDER BY key`)
	return out, err
}
