package repository

import (
	"context"
	"fmt"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

// WriteTelemetry appends the points, upserts the device snapshot and bumps
// the device's last-seen state in one transaction. The snapshot never moves
// backwards in time.
func (r *Repos) WriteTelemetry(ctx context.Context, points []domain.TelemetryPoint, snap domain.DeviceSnapshot) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(points) > 0 {
		ins := psql.Insert("telemetry_points").Columns("device_id", "metric", "ts", "value", "quality")
		for _, p := range points {
			ins = ins.Values(p.DeviceID, p.Metric, p.Ts, p.Value, p.Quality)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert points: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO device_snapshots (device_id, last_seen_at, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at, data = EXCLUDED.data
		WHERE device_snapshots.last_seen_at <= EXCLUDED.last_seen_at`,
		snap.DeviceID, snap.LastSeenAt, snap.Data); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE devices
		SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2), status = $3
		WHERE id = $1`, snap.DeviceID, snap.LastSeenAt, domain.DeviceOnline); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}

	return tx.Commit()
}

func (r *Repos) ListSnapshots(ctx context.Context) ([]domain.SnapshotState, error) {
	var out []domain.SnapshotState
	err := r.db.SelectContext(ctx, &out, `SELECT ds.device_id, ds.last_seen_at, ds.data,
			d.site_id, s.organisation_id
		FROM device_snapshots ds
		JOIN devices d ON d.id = ds.device_id
		JOIN sites s ON s.id = d.site_id
		ORDER BY ds.device_id`)
	return out, err
}

// TelemetryAfter pages through points in insertion order, starting after the
// given id.
func (r *Repos) TelemetryAfter(ctx context.Context, afterID int64, limit int) ([]domain.TelemetryPoint, error) {
	var out []domain.TelemetryPoint
	err := r.db.SelectContext(ctx, &out, `SELECT id, device_id, metric, ts, value, quality
		FROM telemetry_points
		WHERE id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	return out, err
}
