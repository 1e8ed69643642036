package repository

import (
	"context"
	"time"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

func (r *Repos) InsertCommand(ctx context.Context, cmd *domain.ControlCommand) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO control_commands
			(id, device_id, user_id, command_type, payload, status, requested_at)
		VALUES (:id, :device_id, :user_id, :command_type, :payload, :status, :requested_at)`, cmd)
	return err
}

// CompleteCommand moves a pending command to a terminal status. Terminal
// rows are never touched again.
func (r *Repos) CompleteCommand(ctx context.Context, id, status string, at time.Time, errMsg *string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE control_commands
		SET status = $2, completed_at = $3, error_message = $4
		WHERE id = $1 AND status = $5`, id, status, at, errMsg, domain.CommandPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repos) ListCommands(ctx context.Context, deviceID string, limit int) ([]domain.ControlCommand, error) {
	query, args, err := psql.Select("id", "device_id", "user_id", "command_type", "payload", "status",
		"requested_at", "completed_at", "error_message").
		From("control_commands").
		Where("device_id = ?", deviceID).
		OrderBy("requested_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []domain.ControlCommand
	err = r.db.SelectContext(ctx, &out, query, args...)
	return out, err
}
