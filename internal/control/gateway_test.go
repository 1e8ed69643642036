package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

type fakeTransport struct {
	mu    sync.Mutex
	err   error
	block bool
	sent  []Message
}

func (t *fakeTransport) Name() string { return "fake" }
func (t *fakeTransport) Close()       {}

func (t *fakeTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	if t.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return t.err
}

func strPtr(s string) *string { return &s }

func newGateway(t *testing.T, transport Transport, interval time.Duration) (*Gateway, *repository.Memory, *clock.Fake) {
	t.Helper()
	store := repository.NewMemory()
	store.AddSite("site-1", "org-1", "SITE-A")
	store.AddDevice(domain.Device{ID: "dev-1", SiteID: "site-1", ExternalID: strPtr("HP-001")})
	store.AddDevice(domain.Device{ID: "dev-bare", SiteID: "site-1"})
	store.AddDevice(domain.Device{
		ID: "dev-heat", SiteID: "site-1", ExternalID: strPtr("HP-002"),
		Capabilities: domain.Capabilities{AllowedModes: []string{"OFF", "HEATING"}},
	})
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	gw := NewGateway(store, Options{
		Transport:   transport,
		Timeout:     50 * time.Millisecond,
		MinInterval: interval,
		Status:      status.NewRecorder(store, domain.StatusKeyControl, clk.Now),
		Clock:       clk,
	})
	return gw, store, clk
}

func setpoint(device string, v float64) SetpointRequest {
	return SetpointRequest{DeviceID: device, UserID: "user-1", OrgID: "org-1", Metric: MetricFlowTemp, Value: v}
}

func TestSetpointDispatchesAndRecordsSuccess(t *testing.T) {
	transport := &fakeTransport{}
	gw, store, _ := newGateway(t, transport, 0)

	cmd, err := gw.Setpoint(context.Background(), setpoint("dev-1", 45))

	require.NoError(t, err)
	assert.Equal(t, domain.CommandSuccess, cmd.Status)
	require.Len(t, transport.sent, 1)
	msg := transport.sent[0]
	assert.Equal(t, "HP-001", msg.DeviceExternalID)
	assert.Equal(t, "SITE-A", msg.SiteExternalID)
	assert.JSONEq(t, `{"metric":"flow_temp","value":45}`, string(msg.Payload))

	stored := store.Commands()
	require.Len(t, stored, 1)
	assert.Equal(t, domain.CommandSuccess, stored[0].Status)
	assert.NotNil(t, stored[0].CompletedAt)
	assert.Equal(t, "user-1", stored[0].UserID)
}

func TestValidationFailuresWriteNothing(t *testing.T) {
	transport := &fakeTransport{}
	gw, store, _ := newGateway(t, transport, 0)
	ctx := context.Background()

	_, err := gw.Setpoint(ctx, setpoint("dev-1", 70))
	assert.Equal(t, ReasonAboveMax, ReasonOf(err))

	_, err = gw.Mode(ctx, ModeRequest{DeviceID: "dev-heat", UserID: "user-1", OrgID: "org-1", Mode: ModeCooling})
	assert.Equal(t, ReasonNotCapable, ReasonOf(err))

	assert.Empty(t, store.Commands())
	assert.Empty(t, transport.sent)
}

func TestPreconditions(t *testing.T) {
	gw, store, _ := newGateway(t, &fakeTransport{}, 0)
	ctx := context.Background()

	_, err := gw.Setpoint(ctx, SetpointRequest{DeviceID: "dev-1", OrgID: "org-2", Metric: MetricFlowTemp, Value: 45})
	assert.Equal(t, ReasonDeviceNotFound, ReasonOf(err))

	_, err = gw.Setpoint(ctx, setpoint("dev-404", 45))
	assert.Equal(t, ReasonDeviceNotFound, ReasonOf(err))

	_, err = gw.Mode(ctx, ModeRequest{DeviceID: "dev-bare", OrgID: "org-1", Mode: ModeOff})
	assert.Equal(t, ReasonNotControllable, ReasonOf(err))

	assert.Empty(t, store.Commands())
}

func TestUnconfiguredChannelFailsFast(t *testing.T) {
	gw, store, _ := newGateway(t, nil, 0)

	_, err := gw.Setpoint(context.Background(), setpoint("dev-404", 999))

	assert.Equal(t, ReasonChannelUnavailable, ReasonOf(err))
	assert.False(t, gw.Configured())
	assert.Empty(t, store.Commands())
}

func TestTransportFailureMarksCommandFailed(t *testing.T) {
	transport := &fakeTransport{err: errors.New("vendor api 500")}
	gw, store, _ := newGateway(t, transport, 0)

	cmd, err := gw.Mode(context.Background(), ModeRequest{DeviceID: "dev-1", UserID: "user-1", OrgID: "org-1", Mode: ModeHeating})

	assert.Equal(t, ReasonCommandFailed, ReasonOf(err))
	assert.Equal(t, domain.CommandFailed, cmd.Status)
	stored := store.Commands()
	require.Len(t, stored, 1)
	assert.Equal(t, domain.CommandFailed, stored[0].Status)
	require.NotNil(t, stored[0].ErrorMessage)
	assert.Equal(t, "vendor api 500", *stored[0].ErrorMessage)

	rows, _ := store.ListStatus(context.Background())
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusKeyControl, rows[0].Key)
	assert.NotNil(t, rows[0].LastErrorAt)
}

func TestTransportTimeoutIsCommandFailed(t *testing.T) {
	transport := &fakeTransport{block: true}
	gw, store, _ := newGateway(t, transport, 0)

	_, err := gw.Setpoint(context.Background(), setpoint("dev-1", 40))

	assert.Equal(t, ReasonCommandFailed, ReasonOf(err))
	stored := store.Commands()
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].ErrorMessage)
	assert.Contains(t, *stored[0].ErrorMessage, "timed out")
}

func TestLeaseThrottlesPerDevice(t *testing.T) {
	transport := &fakeTransport{}
	gw, store, clk := newGateway(t, transport, 5*time.Second)
	ctx := context.Background()

	_, err := gw.Setpoint(ctx, setpoint("dev-1", 40))
	require.NoError(t, err)

	_, err = gw.Setpoint(ctx, setpoint("dev-1", 41))
	assert.Equal(t, ReasonThrottled, ReasonOf(err))

	_, err = gw.Mode(ctx, ModeRequest{DeviceID: "dev-heat", UserID: "user-1", OrgID: "org-1", Mode: ModeHeating})
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	_, err = gw.Setpoint(ctx, setpoint("dev-1", 42))
	require.NoError(t, err)

	assert.Len(t, store.Commands(), 3)
}

func TestHistoryIsOrgScoped(t *testing.T) {
	gw, _, _ := newGateway(t, &fakeTransport{}, 0)
	ctx := context.Background()
	for _, v := range []float64{40, 41, 42} {
		_, err := gw.Setpoint(ctx, setpoint("dev-1", v))
		require.NoError(t, err)
	}

	cmds, err := gw.History(ctx, "dev-1", "org-1", 2)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.JSONEq(t, `{"metric":"flow_temp","value":42}`, string(cmds[0].Payload))

	_, err = gw.History(ctx, "dev-1", "org-2", 10)
	assert.Equal(t, ReasonDeviceNotFound, ReasonOf(err))
}

func TestHTTPTransportPostsCommand(t *testing.T) {
	var got Message
	var key, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("x-api-key")
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL+"/", "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := transport.Send(ctx, Message{CommandID: "c-1", DeviceExternalID: "HP-001", Type: domain.CommandMode, Payload: json.RawMessage(`{"mode":"AUTO"}`)})

	require.NoError(t, err)
	assert.Equal(t, "secret", key)
	assert.Equal(t, "/devices/HP-001/commands", path)
	assert.Equal(t, "c-1", got.CommandID)
	assert.JSONEq(t, `{"mode":"AUTO"}`, string(got.Payload))
}

func TestHTTPTransportRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "device asleep", http.StatusConflict)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := NewHTTPTransport(srv.URL, "").Send(ctx, Message{DeviceExternalID: "HP-001"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestHTTPTransportRejectsUnsupportedScheme(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		err := NewHTTPTransport("ftp://control.local", "").Send(ctx, Message{DeviceExternalID: "HP-001"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported protocol")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	assert.NoError(t, NewHTTPTransport(srv.URL, "").Send(ctx, Message{DeviceExternalID: "HP-001"}))
}

func TestNewTransportSelection(t *testing.T) {
	_, err := NewTransport(TransportConfig{})
	assert.ErrorIs(t, err, ErrNoTransport)

	tr, err := NewTransport(TransportConfig{APIURL: "http://control.local"})
	require.NoError(t, err)
	assert.Equal(t, "http", tr.Name())

	_, err = NewTransport(TransportConfig{Kind: "nsq"})
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = NewTransport(TransportConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}
