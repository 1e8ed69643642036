// Package health correlates datastore liveness and per-subsystem status rows
// into the health-plus payload.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

type Store interface {
	Ping(ctx context.Context) error
	ListStatus(ctx context.Context) ([]domain.SystemStatus, error)
}

// Check describes one monitored subsystem. A zero StaleAfter disables the
// staleness rule, leaving only the error-newer-than-success rule.
type Check struct {
	Configured bool
	StaleAfter time.Duration
}

type Options struct {
	MQTT         Check
	HTTPIngest   Check
	Control      Check
	AlertsWorker Check
	Push         Check
	History      Check
	QueryTimeout time.Duration
	Clock        clock.Clock
}

type Subsystem struct {
	Configured    bool       `json:"configured"`
	Healthy       bool       `json:"healthy"`
	LastSuccessAt *time.Time `json:"lastSuccessAt"`
	LastErrorAt   *time.Time `json:"lastErrorAt"`
	LastError     *string    `json:"lastError"`
}

type Report struct {
	OK              bool      `json:"ok"`
	DB              string    `json:"db"`
	MQTT            Subsystem `json:"mqtt"`
	HTTPIngest      Subsystem `json:"httpIngest"`
	Control         Subsystem `json:"control"`
	AlertsWorker    Subsystem `json:"alertsWorker"`
	Push            Subsystem `json:"push"`
	HeatPumpHistory Subsystem `json:"heatPumpHistory"`
	CheckedAt       time.Time `json:"checkedAt"`
}

type Aggregator struct {
	store Store
	opts  Options
	clock clock.Clock
	log   zerolog.Logger
}

func NewAggregator(store Store, opts Options) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 3 * time.Second
	}
	return &Aggregator{
		store: store,
		opts:  opts,
		clock: opts.Clock,
		log:   log.With().Str("component", "health").Logger(),
	}
}

// Check probes the datastore and reads every status row concurrently. A
// failure of either query degrades the report, never the call.
func (a *Aggregator) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
	defer cancel()

	var (
		g         errgroup.Group
		pingErr   error
		statusErr error
		rows      []domain.SystemStatus
	)
	g.Go(func() error {
		pingErr = a.store.Ping(ctx)
		return pingErr
	})
	g.Go(func() error {
		rows, statusErr = a.store.ListStatus(ctx)
		return statusErr
	})
	_ = g.Wait()

	if pingErr != nil {
		a.log.Warn().Err(pingErr).Msg("datastore ping failed")
	}
	if statusErr != nil {
		a.log.Warn().Err(statusErr).Msg("status rows unavailable")
	}

	byKey := make(map[string]domain.SystemStatus, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r
	}
	now := a.clock.Now()
	eval := func(c Check, key string) Subsystem {
		var row *domain.SystemStatus
		if r, ok := byKey[key]; ok {
			row = &r
		}
		return Evaluate(c, row, statusErr != nil, now)
	}

	r := Report{
		DB:              "ok",
		MQTT:            eval(a.opts.MQTT, domain.StatusKeyMQTTIngest),
		HTTPIngest:      eval(a.opts.HTTPIngest, domain.StatusKeyHTTPIngest),
		Control:         eval(a.opts.Control, domain.StatusKeyControl),
		AlertsWorker:    eval(a.opts.AlertsWorker, domain.StatusKeyAlertsWorker),
		Push:            eval(a.opts.Push, domain.StatusKeyPush),
		HeatPumpHistory: eval(a.opts.History, domain.StatusKeyHistory),
		CheckedAt:       now.UTC(),
	}
	if pingErr != nil {
		r.DB = "error"
	}
	// httpIngest is informational: any client can post a bad payload, so it
	// never decides the aggregate.
	r.OK = pingErr == nil && statusErr == nil &&
		r.MQTT.Healthy && r.Control.Healthy &&
		r.AlertsWorker.Healthy && r.Push.Healthy && r.HeatPumpHistory.Healthy
	return r
}

// Evaluate applies the health rule to one subsystem: unconfigured is
// healthy, otherwise it is unhealthy when its last success is stale or an
// error is newer than the last success. unreadable marks a configured
// subsystem unhealthy because its row could not be read.
func Evaluate(c Check, row *domain.SystemStatus, unreadable bool, now time.Time) Subsystem {
	s := Subsystem{Configured: c.Configured, Healthy: true}
	if row != nil {
		s.LastSuccessAt = row.LastSuccessAt
		s.LastErrorAt = row.LastErrorAt
		s.LastError = row.LastError
	}
	if !c.Configured {
		return s
	}
	if unreadable {
		s.Healthy = false
		return s
	}

	stale := c.StaleAfter > 0 && (s.LastSuccessAt == nil || now.Sub(*s.LastSuccessAt) > c.StaleAfter)
	erroring := s.LastErrorAt != nil && (s.LastSuccessAt == nil || s.LastErrorAt.After(*s.LastSuccessAt))
	s.Healthy = !stale && !erroring
	return s
}
