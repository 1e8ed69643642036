package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/database"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

// setupPostgres starts a throwaway Postgres, applies the schema and seeds one
// organisation with a site and a device.
func setupPostgres(t *testing.T) *Repos {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "greenbro_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/greenbro_test?sslmode=disable", host, port.Port())

	var db *sqlx.DB
	for i := 0; i < 10; i++ {
		if db, err = database.Connect(dsn); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(ctx, db))
	require.NoError(t, database.Migrate(ctx, db), "schema must be re-appliable")

	db.MustExecContext(ctx, `INSERT INTO organisations (id, name) VALUES ('org-1', 'Acme'), ('org-2', 'Other')`)
	db.MustExecContext(ctx, `INSERT INTO sites (id, organisation_id, external_id) VALUES ('site-1', 'org-1', 'SITE-A')`)
	db.MustExecContext(ctx, `INSERT INTO devices (id, site_id, external_id, capabilities)
		VALUES ('dev-1', 'site-1', 'HP-001', '{"max_setpoint": 55}')`)
	return New(db)
}

func TestPostgresTelemetryAndSnapshot(t *testing.T) {
	r := setupPostgres(t)
	ctx := context.Background()

	d, err := r.DeviceByExternalID(ctx, "HP-001")
	require.NoError(t, err)
	assert.Equal(t, "org-1", d.OrganisationID)
	require.NotNil(t, d.Capabilities.MaxSetpoint)
	assert.Equal(t, 55.0, *d.Capabilities.MaxSetpoint)

	write := func(at time.Time, cop float64) {
		points := []domain.TelemetryPoint{{DeviceID: "dev-1", Metric: "cop", Ts: at, Value: cop, Quality: domain.QualityGood}}
		snap := domain.DeviceSnapshot{DeviceID: "dev-1", LastSeenAt: at, Data: domain.MustJSON(map[string]float64{"cop": cop})}
		require.NoError(t, r.WriteTelemetry(ctx, points, snap))
	}
	write(t0, 3.5)
	write(t0.Add(-time.Hour), 2.0)

	snaps, err := r.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].LastSeenAt.Equal(t0))
	assert.Equal(t, "org-1", snaps[0].OrganisationID)

	points, err := r.TelemetryAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, points, 2)
	rest, err := r.TelemetryAfter(ctx, points[0].ID, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	_, err = r.DeviceForOrg(ctx, "dev-1", "org-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresAlertUpsert(t *testing.T) {
	r := setupPostgres(t)
	ctx := context.Background()
	in := domain.AlertInput{DeviceID: "dev-1", Type: domain.AlertTypeOffline, Severity: domain.SeverityWarning, Message: "m", At: t0}

	first, inserted, err := r.UpsertActiveAlert(ctx, in)
	require.NoError(t, err)
	assert.True(t, inserted)

	in.Severity = domain.SeverityCritical
	second, inserted, err := r.UpsertActiveAlert(ctx, in)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.SeverityCritical, second.Severity)

	cleared, err := r.ClearActiveAlert(ctx, "dev-1", domain.AlertTypeOffline, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, cleared)

	third, inserted, err := r.UpsertActiveAlert(ctx, in)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, first.ID, third.ID)

	acked, err := r.AcknowledgeAlert(ctx, third.ID, "user-1", t0)
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "user-1", *acked.AcknowledgedBy)

	_, err = r.AlertForOrg(ctx, third.ID, "org-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresCommandsAndStatus(t *testing.T) {
	r := setupPostgres(t)
	ctx := context.Background()

	cmd := domain.ControlCommand{
		ID: "cmd-1", DeviceID: "dev-1", UserID: "user-1", CommandType: domain.CommandMode,
		Payload: domain.MustJSON(map[string]string{"mode": "AUTO"}), Status: domain.CommandPending, RequestedAt: t0,
	}
	require.NoError(t, r.InsertCommand(ctx, &cmd))
	msg := "timed out"
	require.NoError(t, r.CompleteCommand(ctx, "cmd-1", domain.CommandFailed, t0, &msg))
	assert.ErrorIs(t, r.CompleteCommand(ctx, "cmd-1", domain.CommandSuccess, t0, nil), ErrNotFound)

	cmds, err := r.ListCommands(ctx, "dev-1", 5)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, domain.CommandFailed, cmds[0].Status)
	assert.JSONEq(t, `{"mode":"AUTO"}`, string(cmds[0].Payload))

	require.NoError(t, r.RecordStatusSuccess(ctx, domain.StatusKeyControl, t0))
	require.NoError(t, r.RecordStatusError(ctx, domain.StatusKeyControl, t0.Add(time.Minute), "boom"))
	rows, err := r.ListStatus(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "boom", *rows[0].LastError)

	require.NoError(t, r.ClearStatusError(ctx, domain.StatusKeyControl))
	rows, err = r.ListStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, rows[0].LastError)
	assert.NotNil(t, rows[0].LastSuccessAt)
}
