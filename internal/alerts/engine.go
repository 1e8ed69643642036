// Package alerts runs the periodic rule engine that keeps the alert table in
// step with device state.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

// ErrTickInProgress is returned when a run is requested while the previous
// one is still evaluating.
var ErrTickInProgress = errors.New("rule engine tick already running")

type Store interface {
	ListSnapshots(ctx context.Context) ([]domain.SnapshotState, error)
	ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error)
	UpsertActiveAlert(ctx context.Context, in domain.AlertInput) (domain.Alert, bool, error)
	ClearActiveAlert(ctx context.Context, deviceID, alertType string, at time.Time) (bool, error)
	MarkDeviceOffline(ctx context.Context, deviceID string) error
}

type Notifier interface {
	NotifyAlert(ctx context.Context, alert domain.Alert) error
}

type Options struct {
	Interval        time.Duration
	OfflineWarning  time.Duration
	OfflineCritical time.Duration
	// HighTempCelsius is used as given; zero is a valid threshold.
	HighTempCelsius float64
	// NotifyHigh extends notification to new alerts at high severity.
	NotifyHigh bool
	Notifier   Notifier
	Status     *status.Recorder
	Clock      clock.Clock
}

type Engine struct {
	store   Store
	opts    Options
	clock   clock.Clock
	running atomic.Bool
	log     zerolog.Logger
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.OfflineWarning <= 0 {
		opts.OfflineWarning = 10 * time.Minute
	}
	if opts.OfflineCritical <= 0 {
		opts.OfflineCritical = time.Hour
	}
	return &Engine{
		store: store,
		opts:  opts,
		clock: opts.Clock,
		log:   log.With().Str("component", "alerts").Logger(),
	}
}

// Run evaluates once immediately and then on every interval until ctx is
// done. Ticks that fire while a run is in flight are skipped.
func (e *Engine) Run(ctx context.Context) {
	_ = e.RunOnce(ctx)

	ticker := e.clock.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = e.RunOnce(ctx)
			}()
		}
	}
}

// RunOnce performs a single guarded evaluation pass.
func (e *Engine) RunOnce(ctx context.Context) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Warn().Msg("previous tick still running, skipping")
		return ErrTickInProgress
	}
	defer e.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule engine panic: %v", r)
			e.log.Error().Err(err).Msg("tick aborted")
			e.opts.Status.Error(ctx, err)
		}
	}()

	start := e.clock.Now()
	err = e.evaluate(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("tick failed")
		e.opts.Status.Error(ctx, err)
		return err
	}
	e.opts.Status.Success(ctx)
	e.log.Debug().Dur("took", e.clock.Now().Sub(start)).Msg("tick complete")
	return nil
}

func (e *Engine) evaluate(ctx context.Context) error {
	snaps, err := e.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	now := e.clock.Now()
	var errs []error
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := snap.Document()
		if err != nil {
			e.log.Warn().Err(err).Str("device_id", snap.DeviceID).Msg("unreadable snapshot")
		}
		scoped := applicable(rules, snap)

		if err := e.checkOffline(ctx, snap, scoped, now); err != nil {
			errs = append(errs, err)
		}
		if err := e.checkHighTemp(ctx, snap.DeviceID, doc, now); err != nil {
			errs = append(errs, err)
		}
		for _, rule := range scoped {
			if err := e.checkRule(ctx, snap.DeviceID, rule, doc, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) checkOffline(ctx context.Context, snap domain.SnapshotState, rules []domain.AlertRule, now time.Time) error {
	warnAfter := e.opts.OfflineWarning
	var ruleID *string
	if r := offlineRule(rules); r != nil {
		warnAfter = time.Duration(*r.OfflineGraceSec) * time.Second
		ruleID = &r.ID
	}

	age := now.Sub(snap.LastSeenAt)
	if age <= warnAfter {
		return e.clear(ctx, snap.DeviceID, domain.AlertTypeOffline, now)
	}

	in := domain.AlertInput{
		DeviceID: snap.DeviceID,
		Type:     domain.AlertTypeOffline,
		Severity: domain.SeverityWarning,
		Message:  "Device offline for more than " + humanDuration(warnAfter),
		RuleID:   ruleID,
		At:       now,
	}
	if age > e.opts.OfflineCritical {
		in.Severity = domain.SeverityCritical
		in.Message = "Device offline for more than " + humanDuration(e.opts.OfflineCritical)
	}
	if err := e.raise(ctx, in); err != nil {
		return err
	}
	if err := e.store.MarkDeviceOffline(ctx, snap.DeviceID); err != nil {
		return fmt.Errorf("mark %s offline: %w", snap.DeviceID, err)
	}
	return nil
}

func (e *Engine) checkHighTemp(ctx context.Context, deviceID string, doc domain.SnapshotDocument, now time.Time) error {
	v := supplyTemp(doc)
	if v == nil || *v <= e.opts.HighTempCelsius {
		return e.clear(ctx, deviceID, domain.AlertTypeHighTemp, now)
	}
	return e.raise(ctx, domain.AlertInput{
		DeviceID: deviceID,
		Type:     domain.AlertTypeHighTemp,
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("Supply temperature %.1f°C above threshold %.1f°C", *v, e.opts.HighTempCelsius),
		At:       now,
	})
}

func (e *Engine) checkRule(ctx context.Context, deviceID string, rule domain.AlertRule, doc domain.SnapshotDocument, now time.Time) error {
	if rule.Metric == nil || rule.Threshold == nil {
		return nil
	}
	var op string
	switch rule.RuleType {
	case domain.RuleThresholdAbove:
		op = "above"
	case domain.RuleThresholdBelow:
		op = "below"
	default:
		return nil
	}

	alertType := RuleAlertType(rule.ID)
	v := metricValue(doc, *rule.Metric)
	if v == nil || !breaches(rule.RuleType, *v, *rule.Threshold) {
		return e.clear(ctx, deviceID, alertType, now)
	}

	severity := rule.Severity
	if severity == "" {
		severity = domain.SeverityWarning
	}
	return e.raise(ctx, domain.AlertInput{
		DeviceID: deviceID,
		Type:     alertType,
		Severity: severity,
		Message:  fmt.Sprintf("%s %.2f %s threshold %.2f", *rule.Metric, *v, op, *rule.Threshold),
		RuleID:   &rule.ID,
		At:       now,
	})
}

// raise upserts the active alert and notifies only when the episode is new.
func (e *Engine) raise(ctx context.Context, in domain.AlertInput) error {
	alert, isNew, err := e.store.UpsertActiveAlert(ctx, in)
	if err != nil {
		return fmt.Errorf("upsert %s alert for %s: %w", in.Type, in.DeviceID, err)
	}
	if isNew {
		e.log.Info().
			Str("device_id", in.DeviceID).
			Str("type", in.Type).
			Str("severity", in.Severity).
			Str("alert_id", alert.ID).
			Msg("alert raised")
	}
	if !isNew || !e.notifiable(alert.Severity) || e.opts.Notifier == nil {
		return nil
	}
	if err := e.opts.Notifier.NotifyAlert(ctx, alert); err != nil {
		e.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("notification failed")
	}
	return nil
}

func (e *Engine) clear(ctx context.Context, deviceID, alertType string, now time.Time) error {
	cleared, err := e.store.ClearActiveAlert(ctx, deviceID, alertType, now)
	if err != nil {
		return fmt.Errorf("clear %s alert for %s: %w", alertType, deviceID, err)
	}
	if cleared {
		e.log.Info().Str("device_id", deviceID).Str("type", alertType).Msg("alert cleared")
	}
	return nil
}

func (e *Engine) notifiable(severity string) bool {
	return severity == domain.SeverityCritical || (e.opts.NotifyHigh && severity == domain.SeverityHigh)
}
