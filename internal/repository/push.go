package repository

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

// RecipientTokens returns the active push tokens of active users holding one
// of the roles in the organisation. Duplicates are possible when a token is
// registered to more than one user.
func (r *Repos) RecipientTokens(ctx context.Context, orgID string, roles []string) ([]domain.PushToken, error) {
	query, args, err := psql.Select("pt.id", "pt.user_id", "pt.token", "pt.last_used_at").
		From("push_tokens pt").
		Join("users u ON u.id = pt.user_id").
		Where(squirrel.Eq{"u.organisation_id": orgID, "u.role": roles}).
		Where("u.is_active AND pt.is_active").
		OrderBy("pt.user_id", "pt.id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []domain.PushToken
	err = r.db.SelectContext(ctx, &out, query, args...)
	return out, err
}

func (r *Repos) LatestPushToken(ctx context.Context) (domain.PushToken, error) {
	var t domain.PushToken
	err := r.db.GetContext(ctx, &t, `SELECT id, user_id, token, last_used_at
		FROM push_tokens
		WHERE is_active AND last_used_at IS NOT NULL
		ORDER BY last_used_at DESC
		LIMIT 1`)
	return t, notFound(err)
}

func (r *Repos) TouchPushTokens(ctx context.Context, tokens []string, at time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	query, args, err := psql.Update("push_tokens").
		Set("last_used_at", at).
		Where(squirrel.Eq{"token": tokens}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *Repos) InsertAudit(ctx context.Context, a domain.NotificationAudit) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO notification_audit
			(id, alert_id, organisation_id, outcome, reason, token_count, recipients, created_at)
		VALUES (:id, :alert_id, :organisation_id, :outcome, :reason, :token_count, :recipients, :created_at)`, a)
	return err
}
