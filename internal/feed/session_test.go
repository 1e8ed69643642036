package feed

import (
	"context"
	"errors"
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

type fakeConn struct {
	connectErr error
	onLost     func(error)
	topic      string
	handle     func(string, []byte)
	closed     bool
}

func (c *fakeConn) Connect(context.Context) error { return c.connectErr }

func (c *fakeConn) Subscribe(topic string, handle func(string, []byte)) error {
	c.topic = topic
	c.handle = handle
	return nil
}

func (c *fakeConn) Disconnect() { c.closed = true }

type fakeBroker struct {
	mu      sync.Mutex
	results []error
	conns   []*fakeConn
}

func (b *fakeBroker) dial(onLost func(error)) Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeConn{onLost: onLost}
	if len(b.results) > 0 {
		c.connectErr = b.results[0]
		b.results = b.results[1:]
	}
	b.conns = append(b.conns, c)
	return c
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

var refused = errors.New("connection refused")

func newTestSession(t *testing.T, broker *fakeBroker, handle Handler) (*Session, *clock.Fake, *repository.Memory) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := repository.NewMemory()
	if handle == nil {
		handle = func(context.Context, string, []byte) bool { return true }
	}
	s := NewSession(broker.dial, handle, Options{
		Topic:            "greenbro/+/+/telemetry",
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		Clock:            clk,
		Status:           status.NewRecorder(store, domain.StatusKeyMQTTIngest, clk.Now),
	})
	return s, clk, store
}

func TestReconnectBackoffDoublesAndResets(t *testing.T) {
	broker := &fakeBroker{results: []error{refused, refused, refused, nil}}
	s, clk, _ := newTestSession(t, broker, nil)

	s.Start(context.Background())
	assert.Equal(t, []time.Duration{time.Second}, clk.Pending())

	clk.Advance(time.Second)
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.Pending())

	clk.Advance(2 * time.Second)
	assert.Equal(t, []time.Duration{4 * time.Second}, clk.Pending())

	clk.Advance(4 * time.Second)
	require.True(t, s.Connected())
	assert.Empty(t, clk.Pending())
	assert.NoError(t, s.LastError())

	broker.last().onLost(errors.New("eof"))
	assert.False(t, s.Connected())
	assert.Equal(t, []time.Duration{time.Second}, clk.Pending())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second}, s.ScheduledDelays())
}

func TestReconnectDelayIsCapped(t *testing.T) {
	broker := &fakeBroker{results: []error{refused, refused, refused, refused, refused, refused, refused}}
	s, clk, _ := newTestSession(t, broker, nil)

	s.Start(context.Background())
	for i := 0; i < 6; i++ {
		pending := clk.Pending()
		require.Len(t, pending, 1)
		clk.Advance(pending[0])
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, s.ScheduledDelays())
}

func TestOnlyOneReconnectPending(t *testing.T) {
	broker := &fakeBroker{}
	s, clk, _ := newTestSession(t, broker, nil)
	s.Start(context.Background())

	s.onError(refused)
	s.onError(refused)

	assert.Len(t, clk.Pending(), 1)
}

func TestConnectRecordsAndClearsFeedError(t *testing.T) {
	broker := &fakeBroker{results: []error{refused, nil}}
	s, clk, store := newTestSession(t, broker, nil)
	ctx := context.Background()

	s.Start(ctx)
	rows, err := store.ListStatus(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].LastError)
	assert.Contains(t, *rows[0].LastError, "connection refused")

	clk.Advance(time.Second)
	rows, err = store.ListStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, rows[0].LastError)
	assert.Nil(t, rows[0].LastErrorAt)
}

func TestMessagesRouteToHandler(t *testing.T) {
	var got []string
	handle := func(_ context.Context, topic string, payload []byte) bool {
		got = append(got, topic+" "+string(payload))
		return true
	}
	broker := &fakeBroker{}
	s, _, _ := newTestSession(t, broker, handle)
	s.Start(context.Background())

	conn := broker.last()
	assert.Equal(t, "greenbro/+/+/telemetry", conn.topic)
	conn.handle("greenbro/S/D/telemetry", []byte(`{"cop":3}`))
	conn.handle("greenbro/S/D/telemetry", []byte(`{"cop":4}`))

	assert.Equal(t, []string{
		`greenbro/S/D/telemetry {"cop":3}`,
		`greenbro/S/D/telemetry {"cop":4}`,
	}, got)
}

func TestStopCancelsReconnect(t *testing.T) {
	broker := &fakeBroker{results: []error{refused}}
	s, clk, _ := newTestSession(t, broker, nil)
	s.Start(context.Background())
	require.Len(t, clk.Pending(), 1)

	s.Stop()

	assert.Empty(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Len(t, broker.conns, 1)
}

func TestLossFromAbandonedConnectionIsIgnored(t *testing.T) {
	broker := &fakeBroker{results: []error{refused, nil}}
	s, clk, _ := newTestSession(t, broker, nil)

	s.Start(context.Background())
	clk.Advance(time.Second)
	require.True(t, s.Connected())
	require.Len(t, broker.conns, 2)
	assert.True(t, broker.conns[0].closed, "failed attempt must be torn down")

	broker.conns[0].onLost(errors.New("kicked by broker"))

	assert.True(t, s.Connected())
	assert.Empty(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Len(t, broker.conns, 2)
	assert.False(t, broker.conns[1].closed)
}

func TestReconnectReplacesLiveConnection(t *testing.T) {
	broker := &fakeBroker{}
	s, clk, _ := newTestSession(t, broker, nil)
	s.Start(context.Background())
	first := broker.last()

	s.onError(refused)
	clk.Advance(time.Second)

	require.Len(t, broker.conns, 2)
	assert.True(t, first.closed)
	assert.False(t, broker.last().closed)
	assert.True(t, s.Connected())
}
