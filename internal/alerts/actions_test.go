package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
)

func seedAlert(t *testing.T, store *repository.Memory, ruleID *string) domain.Alert {
	t.Helper()
	store.AddSite("site-1", "org-1", "SITE-A")
	store.AddDevice(domain.Device{ID: "dev-1", SiteID: "site-1"})
	alertType := domain.AlertTypeOffline
	if ruleID != nil {
		alertType = RuleAlertType(*ruleID)
	}
	a, _, err := store.UpsertActiveAlert(context.Background(), domain.AlertInput{
		DeviceID: "dev-1", Type: alertType, Severity: domain.SeverityCritical, RuleID: ruleID, At: start,
	})
	require.NoError(t, err)
	return a
}

func TestAcknowledge(t *testing.T) {
	store := repository.NewMemory()
	alert := seedAlert(t, store, nil)
	actions := NewActions(store, clock.NewFake(start))

	got, err := actions.Acknowledge(context.Background(), alert.ID, "org-1", "user-7")

	require.NoError(t, err)
	require.NotNil(t, got.AcknowledgedBy)
	assert.Equal(t, "user-7", *got.AcknowledgedBy)
	assert.Equal(t, start, *got.AcknowledgedAt)
}

func TestActionsAreOrgScoped(t *testing.T) {
	store := repository.NewMemory()
	alert := seedAlert(t, store, nil)
	actions := NewActions(store, clock.NewFake(start))

	_, err := actions.Acknowledge(context.Background(), alert.ID, "org-2", "user-7")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	_, err = actions.Mute(context.Background(), "missing", "org-1", time.Hour)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestMuteDefaults(t *testing.T) {
	ctx := context.Background()

	store := repository.NewMemory()
	alert := seedAlert(t, store, nil)
	got, err := NewActions(store, clock.NewFake(start)).Mute(ctx, alert.ID, "org-1", 0)
	require.NoError(t, err)
	assert.Equal(t, start.Add(DefaultSnooze), *got.MutedUntil)

	store = repository.NewMemory()
	snooze := 900
	store.AddRule(domain.AlertRule{ID: "r-1", OrganisationID: "org-1", RuleType: domain.RuleThresholdAbove, SnoozeDefaultSec: &snooze, Enabled: true})
	ruleID := "r-1"
	alert = seedAlert(t, store, &ruleID)
	got, err = NewActions(store, clock.NewFake(start)).Mute(ctx, alert.ID, "org-1", 0)
	require.NoError(t, err)
	assert.Equal(t, start.Add(15*time.Minute), *got.MutedUntil)

	got, err = NewActions(store, clock.NewFake(start)).Mute(ctx, alert.ID, "org-1", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), *got.MutedUntil)
	assert.True(t, got.Muted(start.Add(time.Hour)))
}

func TestMuteRejectsClearedAndNegative(t *testing.T) {
	store := repository.NewMemory()
	alert := seedAlert(t, store, nil)
	actions := NewActions(store, clock.NewFake(start))
	ctx := context.Background()

	_, err := actions.Mute(ctx, alert.ID, "org-1", -time.Minute)
	assert.ErrorIs(t, err, ErrInvalidSnooze)

	_, err = store.ClearActiveAlert(ctx, "dev-1", domain.AlertTypeOffline, start)
	require.NoError(t, err)
	_, err = actions.Mute(ctx, alert.ID, "org-1", time.Hour)
	assert.ErrorIs(t, err, ErrAlertNotActive)
}
