package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
)

const DefaultSnooze = 60 * time.Minute

var (
	ErrAlertNotFound  = errors.New("alert not found")
	ErrInvalidSnooze  = errors.New("mute duration must be positive")
	ErrAlertNotActive = errors.New("alert is not active")
)

type ActionStore interface {
	AlertForOrg(ctx context.Context, alertID, orgID string) (domain.Alert, error)
	RuleByID(ctx context.Context, id string) (domain.AlertRule, error)
	AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (domain.Alert, error)
	MuteAlert(ctx context.Context, alertID string, until time.Time) (domain.Alert, error)
}

// Actions are the operator-side alert mutations, always scoped to the
// caller's organisation.
type Actions struct {
	store ActionStore
	clock clock.Clock
}

func NewActions(store ActionStore, c clock.Clock) *Actions {
	if c == nil {
		c = clock.Real()
	}
	return &Actions{store: store, clock: c}
}

func (a *Actions) Acknowledge(ctx context.Context, alertID, orgID, userID string) (domain.Alert, error) {
	if _, err := a.load(ctx, alertID, orgID); err != nil {
		return domain.Alert{}, err
	}
	return a.store.AcknowledgeAlert(ctx, alertID, userID, a.clock.Now().UTC())
}

// Mute suppresses notifications for d. A zero d uses the originating rule's
// default snooze, or DefaultSnooze for built-in alerts.
func (a *Actions) Mute(ctx context.Context, alertID, orgID string, d time.Duration) (domain.Alert, error) {
	if d < 0 {
		return domain.Alert{}, ErrInvalidSnooze
	}
	alert, err := a.load(ctx, alertID, orgID)
	if err != nil {
		return domain.Alert{}, err
	}
	if alert.Status != domain.AlertActive {
		return domain.Alert{}, ErrAlertNotActive
	}
	if d == 0 {
		d = a.defaultSnooze(ctx, alert)
	}
	return a.store.MuteAlert(ctx, alertID, a.clock.Now().UTC().Add(d))
}

func (a *Actions) load(ctx context.Context, alertID, orgID string) (domain.Alert, error) {
	alert, err := a.store.AlertForOrg(ctx, alertID, orgID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Alert{}, ErrAlertNotFound
	}
	if err != nil {
		return domain.Alert{}, fmt.Errorf("load alert: %w", err)
	}
	return alert, nil
}

func (a *Actions) defaultSnooze(ctx context.Context, alert domain.Alert) time.Duration {
	if alert.RuleID == nil {
		return DefaultSnooze
	}
	rule, err := a.store.RuleByID(ctx, *alert.RuleID)
	if err != nil || rule.SnoozeDefaultSec == nil || *rule.SnoozeDefaultSec <= 0 {
		return DefaultSnooze
	}
	return time.Duration(*rule.SnoozeDefaultSec) * time.Second
}
