package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func newAggregator(store Store, opts Options) *Aggregator {
	opts.Clock = clock.NewFake(now)
	return NewAggregator(store, opts)
}

func TestStaleFeedMakesReportUnhealthy(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.RecordStatusSuccess(ctx, domain.StatusKeyMQTTIngest, *ago(10 * time.Minute)))

	r := newAggregator(store, Options{MQTT: Check{Configured: true, StaleAfter: 5 * time.Minute}}).Check(ctx)

	assert.True(t, r.MQTT.Configured)
	assert.False(t, r.MQTT.Healthy)
	assert.False(t, r.OK)
	assert.Equal(t, "ok", r.DB)
}

func TestHealthyFleet(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.RecordStatusSuccess(ctx, domain.StatusKeyMQTTIngest, *ago(time.Minute)))
	require.NoError(t, store.RecordStatusSuccess(ctx, domain.StatusKeyAlertsWorker, *ago(time.Minute)))
	require.NoError(t, store.RecordStatusError(ctx, domain.StatusKeyControl, *ago(time.Hour), "vendor 500"))
	require.NoError(t, store.RecordStatusSuccess(ctx, domain.StatusKeyControl, *ago(time.Minute)))

	r := newAggregator(store, Options{
		MQTT:         Check{Configured: true, StaleAfter: 5 * time.Minute},
		AlertsWorker: Check{Configured: true, StaleAfter: 5 * time.Minute},
		Control:      Check{Configured: true},
	}).Check(ctx)

	assert.True(t, r.OK)
	assert.True(t, r.Control.Healthy)
	require.NotNil(t, r.Control.LastError)
	assert.Equal(t, "vendor 500", *r.Control.LastError)
	assert.True(t, r.Push.Healthy, "unconfigured subsystems are healthy")
	assert.False(t, r.Push.Configured)
}

func TestEvaluate(t *testing.T) {
	msg := "boom"
	tests := []struct {
		name    string
		check   Check
		row     *domain.SystemStatus
		healthy bool
	}{
		{"unconfigured", Check{}, &domain.SystemStatus{LastErrorAt: ago(0), LastError: &msg}, true},
		{"never ran with window", Check{Configured: true, StaleAfter: time.Minute}, nil, false},
		{"never ran without window", Check{Configured: true}, nil, true},
		{"error newer than success", Check{Configured: true}, &domain.SystemStatus{LastSuccessAt: ago(2 * time.Minute), LastErrorAt: ago(time.Minute)}, false},
		{"error without success", Check{Configured: true}, &domain.SystemStatus{LastErrorAt: ago(time.Hour)}, false},
		{"success newer than error", Check{Configured: true, StaleAfter: time.Hour}, &domain.SystemStatus{LastSuccessAt: ago(time.Minute), LastErrorAt: ago(2 * time.Minute)}, true},
		{"stale", Check{Configured: true, StaleAfter: time.Hour}, &domain.SystemStatus{LastSuccessAt: ago(2 * time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, Evaluate(tt.check, tt.row, false, now).Healthy)
		})
	}
}

func TestHTTPIngestErrorDoesNotFailAggregate(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.RecordStatusError(ctx, domain.StatusKeyHTTPIngest, *ago(time.Minute), "INVALID_PAYLOAD: bad json"))

	r := newAggregator(store, Options{HTTPIngest: Check{Configured: true}}).Check(ctx)

	assert.False(t, r.HTTPIngest.Healthy)
	assert.True(t, r.OK)
}

func TestUnreadableStatusNeverReportsOK(t *testing.T) {
	store := repository.NewMemory()
	store.StatusErr = errors.New("relation system_status does not exist")

	r := newAggregator(store, Options{
		MQTT: Check{Configured: true, StaleAfter: 5 * time.Minute},
	}).Check(context.Background())

	assert.False(t, r.OK)
	assert.Equal(t, "ok", r.DB)
	assert.False(t, r.MQTT.Healthy)
	assert.True(t, r.Push.Healthy)
}

func TestDatabaseDown(t *testing.T) {
	store := repository.NewMemory()
	store.PingErr = errors.New("dial tcp: connection refused")

	r := newAggregator(store, Options{}).Check(context.Background())

	assert.False(t, r.OK)
	assert.Equal(t, "error", r.DB)
}

func TestReportJSONShape(t *testing.T) {
	r := newAggregator(repository.NewMemory(), Options{}).Check(context.Background())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{"ok", "db", "mqtt", "control", "alertsWorker", "push", "heatPumpHistory"} {
		assert.Contains(t, m, key)
	}
	mqtt := m["mqtt"].(map[string]any)
	for _, key := range []string{"configured", "healthy", "lastSuccessAt", "lastErrorAt", "lastError"} {
		assert.Contains(t, mqtt, key)
	}
}
