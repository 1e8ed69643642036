package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

const alertColumns = `id, device_id, type, severity, message, status, first_seen_at, last_seen_at,
	cleared_at, acknowledged_by, acknowledged_at, muted_until, rule_id`

func (r *Repos) ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	query, args, err := psql.Select("id", "organisation_id", "site_id", "device_id", "metric",
		"rule_type", "threshold", "offline_grace_sec", "severity", "snooze_default_sec", "enabled").
		From("alert_rules").
		Where("enabled").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []domain.AlertRule
	err = r.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

func (r *Repos) RuleByID(ctx context.Context, id string) (domain.AlertRule, error) {
	var rule domain.AlertRule
	err := r.db.GetContext(ctx, &rule, `SELECT id, organisation_id, site_id, device_id, metric,
			rule_type, threshold, offline_grace_sec, severity, snooze_default_sec, enabled
		FROM alert_rules WHERE id = $1`, id)
	return rule, notFound(err)
}

type upsertedAlert struct {
	domain.Alert
	Inserted bool `db:"inserted"`
}

// UpsertActiveAlert updates the active alert for (device, type) in place or
// inserts a new one. The partial unique index alerts_one_active makes this a
// single atomic statement; xmax = 0 marks a freshly inserted row.
func (r *Repos) UpsertActiveAlert(ctx context.Context, in domain.AlertInput) (domain.Alert, bool, error) {
	var row upsertedAlert
	err := r.db.GetContext(ctx, &row, `INSERT INTO alerts
			(id, device_id, type, severity, message, status, first_seen_at, last_seen_at, rule_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
		ON CONFLICT (device_id, type) WHERE status = 'active'
		DO UPDATE SET severity = EXCLUDED.severity,
			message = EXCLUDED.message,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING `+alertColumns+`, (xmax = 0) AS inserted`,
		uuid.NewString(), in.DeviceID, in.Type, in.Severity, in.Message, domain.AlertActive, in.At, in.RuleID)
	if err != nil {
		return domain.Alert{}, false, err
	}
	return row.Alert, row.Inserted, nil
}

// ClearActiveAlert moves the active alert for (device, type), if any, to
// cleared. It reports whether a row changed.
func (r *Repos) ClearActiveAlert(ctx context.Context, deviceID, alertType string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE alerts
		SET status = $3, cleared_at = $4
		WHERE device_id = $1 AND type = $2 AND status = 'active'`,
		deviceID, alertType, domain.AlertCleared, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repos) AlertForOrg(ctx context.Context, alertID, orgID string) (domain.Alert, error) {
	var a domain.Alert
	err := r.db.GetContext(ctx, &a, `SELECT a.id, a.device_id, a.type, a.severity, a.message, a.status,
			a.first_seen_at, a.last_seen_at, a.cleared_at, a.acknowledged_by, a.acknowledged_at,
			a.muted_until, a.rule_id
		FROM alerts a
		JOIN devices d ON d.id = a.device_id
		JOIN sites s ON s.id = d.site_id
		WHERE a.id = $1 AND s.organisation_id = $2`, alertID, orgID)
	return a, notFound(err)
}

func (r *Repos) AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (domain.Alert, error) {
	var a domain.Alert
	err := r.db.GetContext(ctx, &a, `UPDATE alerts SET acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 RETURNING `+alertColumns, alertID, userID, at)
	return a, notFound(err)
}

func (r *Repos) MuteAlert(ctx context.Context, alertID string, until time.Time) (domain.Alert, error) {
	var a domain.Alert
	err := r.db.GetContext(ctx, &a, `UPDATE alerts SET muted_until = $2
		WHERE id = $1 RETURNING `+alertColumns, alertID, until)
	return a, notFound(err)
}
