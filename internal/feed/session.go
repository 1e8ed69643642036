package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

// ErrConnectionLost is reported when an established connection drops
// without an error from the broker.
var ErrConnectionLost = errors.New("feed connection lost")

// Conn is one broker connection attempt. onLost must be called at most once
// when an established connection closes.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handle func(topic string, payload []byte)) error
	Disconnect()
}

// Dialer builds a fresh connection whose loss is reported to onLost.
type Dialer func(onLost func(error)) Conn

// Handler processes one message to completion.
type Handler func(ctx context.Context, topic string, payload []byte) bool

// Session owns the single feed connection and its reconnect schedule.
type Session struct {
	dial   Dialer
	handle Handler
	topic  string
	clock  clock.Clock
	status *status.Recorder
	log    zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	backoff *backoff.ExponentialBackOff
	conn    Conn
	timer   clock.Timer
	delays  []time.Duration
	lastErr error
	stopped bool
}

type Options struct {
	Topic            string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Clock            clock.Clock
	Status           *status.Recorder
}

func NewSession(dial Dialer, handle Handler, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	return &Session{
		dial:    dial,
		handle:  handle,
		topic:   opts.Topic,
		clock:   opts.Clock,
		status:  opts.Status,
		backoff: b,
		log:     log.With().Str("component", "feed").Str("topic", opts.Topic).Logger(),
	}
}

// Start makes the first connection attempt. Failures are retried in the
// background until Stop.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.connect()
}

func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx := s.ctx
	s.mu.Unlock()

	var conn Conn
	conn = s.dial(func(err error) { s.onClose(conn, err) })
	if err := conn.Connect(ctx); err != nil {
		// A timed-out attempt may still complete in the background.
		conn.Disconnect()
		s.onError(err)
		return
	}
	if err := conn.Subscribe(s.topic, s.onMessage); err != nil {
		conn.Disconnect()
		s.onError(err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Disconnect()
		return
	}
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()
	if prev != nil && prev != conn {
		prev.Disconnect()
	}
	s.onConnect()
}

func (s *Session) onConnect() {
	s.mu.Lock()
	s.backoff.Reset()
	s.lastErr = nil
	ctx := s.ctx
	s.mu.Unlock()

	s.status.ClearError(ctx)
	s.log.Info().Msg("feed connected and subscribed")
}

func (s *Session) onMessage(topic string, payload []byte) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.handle(ctx, topic, payload)
}

// onClose ignores losses reported by connections the session has already
// replaced or abandoned.
func (s *Session) onClose(conn Conn, err error) {
	s.mu.Lock()
	if s.conn == nil || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	if err == nil {
		err = ErrConnectionLost
	}
	s.onError(err)
}

// onError records the failure and replaces any pending reconnect with a new
// one at the next backoff delay.
func (s *Session) onError(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.backoff.NextBackOff()
	s.delays = append(s.delays, delay)
	s.timer = s.clock.AfterFunc(delay, s.connect)
	ctx := s.ctx
	s.mu.Unlock()

	s.status.Error(ctx, err)
	s.log.Warn().Err(err).Dur("retry_in", delay).Msg("feed connection failed")
}

// ScheduledDelays returns every reconnect delay chosen so far.
func (s *Session) ScheduledDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
