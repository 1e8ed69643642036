// Package history periodically archives newly ingested telemetry to object
// storage, one document per device per export.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

type Store interface {
	TelemetryAfter(ctx context.Context, afterID int64, limit int) ([]domain.TelemetryPoint, error)
}

type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
}

type Options struct {
	Interval  time.Duration
	PageSize  int
	MaxPoints int
	Status    *status.Recorder
	Clock     clock.Clock
}

// Document is the archived shape for one device.
type Document struct {
	DeviceID   string       `json:"deviceId"`
	ExportedAt time.Time    `json:"exportedAt"`
	From       time.Time    `json:"from"`
	To         time.Time    `json:"to"`
	Points     []PointEntry `json:"points"`
}

type PointEntry struct {
	Metric  string    `json:"metric"`
	Ts      time.Time `json:"ts"`
	Value   float64   `json:"value"`
	Quality string    `json:"quality"`
}

type Exporter struct {
	store   Store
	archive Archive
	opts    Options
	clock   clock.Clock
	log     zerolog.Logger

	mu     sync.Mutex
	cursor int64
}

func NewExporter(store Store, archive Archive, opts Options) *Exporter {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 50000
	}
	return &Exporter{
		store:   store,
		archive: archive,
		opts:    opts,
		clock:   opts.Clock,
		log:     log.With().Str("component", "history").Logger(),
	}
}

// Key is the object key for one device's export.
func Key(deviceID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("history/%04d/%02d/%02d/%s/%d.json", at.Year(), at.Month(), at.Day(), deviceID, at.Unix())
}

// ExportOnce uploads every point past the cursor. The cursor only advances
// when all uploads succeed, so a failed export is retried in full.
func (e *Exporter) ExportOnce(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	points, last, err := e.collect(ctx)
	if err != nil {
		e.opts.Status.Error(ctx, err)
		return 0, err
	}
	if len(points) == 0 {
		e.opts.Status.Success(ctx)
		return 0, nil
	}

	now := e.clock.Now().UTC()
	byDevice := map[string][]domain.TelemetryPoint{}
	for _, p := range points {
		byDevice[p.DeviceID] = append(byDevice[p.DeviceID], p)
	}
	devices := make([]string, 0, len(byDevice))
	for id := range byDevice {
		devices = append(devices, id)
	}
	sort.Strings(devices)

	for _, id := range devices {
		body, err := json.Marshal(document(id, now, byDevice[id]))
		if err != nil {
			return 0, err
		}
		if err := e.archive.Put(ctx, Key(id, now), body); err != nil {
			e.opts.Status.Error(ctx, err)
			e.log.Error().Err(err).Str("device_id", id).Msg("history upload failed")
			return 0, err
		}
	}

	e.cursor = last
	e.opts.Status.Success(ctx)
	e.log.Info().Int("points", len(points)).Int("devices", len(devices)).Int64("cursor", last).Msg("history exported")
	return len(points), nil
}

func (e *Exporter) collect(ctx context.Context) ([]domain.TelemetryPoint, int64, error) {
	cursor := e.cursor
	var out []domain.TelemetryPoint
	for len(out) < e.opts.MaxPoints {
		page, err := e.store.TelemetryAfter(ctx, cursor, e.opts.PageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("read telemetry after %d: %w", cursor, err)
		}
		out = append(out, page...)
		if len(page) > 0 {
			cursor = page[len(page)-1].ID
		}
		if len(page) < e.opts.PageSize {
			break
		}
	}
	return out, cursor, nil
}

func document(deviceID string, at time.Time, points []domain.TelemetryPoint) Document {
	doc := Document{DeviceID: deviceID, ExportedAt: at, Points: make([]PointEntry, 0, len(points))}
	for i, p := range points {
		if i == 0 || p.Ts.Before(doc.From) {
			doc.From = p.Ts
		}
		if p.Ts.After(doc.To) {
			doc.To = p.Ts
		}
		doc.Points = append(doc.Points, PointEntry{Metric: p.Metric, Ts: p.Ts, Value: p.Value, Quality: p.Quality})
	}
	return doc
}

// Run exports on every interval until ctx is done.
func (e *Exporter) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_, _ = e.ExportOnce(ctx)
		}
	}
}
