package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

type Store interface {
	DeviceByExternalID(ctx context.Context, externalID string) (*domain.Device, error)
	WriteTelemetry(ctx context.Context, points []domain.TelemetryPoint, snap domain.DeviceSnapshot) error
}

// Mirror receives a copy of every written batch. Mirror failures never fail
// the ingest.
type Mirror interface {
	MirrorPoints(ctx context.Context, points []domain.TelemetryPoint) error
}

// Reason explains why a payload was not written.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonInvalidPayload Reason = "INVALID_PAYLOAD"
	ReasonUnknownDevice  Reason = "UNKNOWN_DEVICE"
	ReasonSiteMismatch   Reason = "SITE_MISMATCH"
	ReasonNoMetrics      Reason = "NO_METRICS"
	ReasonStoreError     Reason = "STORE_ERROR"
)

// Outcome is the detailed result behind the boolean the transports see.
type Outcome struct {
	OK       bool
	Reason   Reason
	DeviceID string
	Written  int
	Err      error
}

type Service struct {
	store      Store
	mirror     Mirror
	feedStatus *status.Recorder
	httpStatus *status.Recorder
	topicRoot  string
	now        func() time.Time
	log        zerolog.Logger
}

type Options struct {
	TopicRoot  string
	Mirror     Mirror
	FeedStatus *status.Recorder
	HTTPStatus *status.Recorder
	Now        func() time.Time
}

func NewService(store Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TopicRoot == "" {
		opts.TopicRoot = "greenbro"
	}
	return &Service{
		store:      store,
		mirror:     opts.Mirror,
		feedStatus: opts.FeedStatus,
		httpStatus: opts.HTTPStatus,
		topicRoot:  opts.TopicRoot,
		now:        opts.Now,
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

func (s *Service) TopicRoot() string { return s.topicRoot }

// FeedStatus is shared with the feed session so connection failures land on
// the same status row as ingest failures.
func (s *Service) FeedStatus() *status.Recorder { return s.feedStatus }

// IngestTopic handles one feed message. It never panics on malformed input;
// anything that is not written returns false.
func (s *Service) IngestTopic(ctx context.Context, topic string, payload []byte) bool {
	out := s.ProcessTopic(ctx, topic, payload)
	s.finish(ctx, s.feedStatus, "feed", out)
	return out.OK
}

// IngestHTTP handles one keyed HTTP payload.
func (s *Service) IngestHTTP(ctx context.Context, body []byte) bool {
	return s.HandleHTTP(ctx, body).OK
}

// HandleHTTP is IngestHTTP for callers that report the reject reason.
func (s *Service) HandleHTTP(ctx context.Context, body []byte) Outcome {
	out := s.ProcessHTTP(ctx, body)
	s.finish(ctx, s.httpStatus, "http", out)
	return out
}

func (s *Service) ProcessTopic(ctx context.Context, topic string, payload []byte) Outcome {
	siteExt, deviceExt, ok := ParseTopic(s.topicRoot, topic)
	if !ok {
		return Outcome{Reason: ReasonInvalidPayload, Err: fmt.Errorf("unexpected topic %q", topic)}
	}
	sensor, err := ParseSensor(payload)
	if err != nil {
		return Outcome{Reason: ReasonInvalidPayload, Err: err}
	}
	return s.process(ctx, deviceExt, &siteExt, sensor, payload)
}

func (s *Service) ProcessHTTP(ctx context.Context, body []byte) Outcome {
	p, err := ParseHTTP(body)
	if err != nil {
		return Outcome{Reason: ReasonInvalidPayload, Err: err}
	}
	return s.process(ctx, p.DeviceExternalID, nil, p.Sensor, body)
}

// process resolves the device and writes the payload. topicSite is set only
// on the feed path, where the topic's site must match the device's site.
func (s *Service) process(ctx context.Context, deviceExt string, topicSite *string, sensor Sensor, raw []byte) Outcome {
	device, err := s.store.DeviceByExternalID(ctx, deviceExt)
	if errors.Is(err, repository.ErrNotFound) {
		return Outcome{Reason: ReasonUnknownDevice, Err: fmt.Errorf("unknown device %q", deviceExt)}
	}
	if err != nil {
		return Outcome{Reason: ReasonStoreError, Err: err}
	}

	if topicSite != nil && !siteMatches(device, *topicSite) {
		return Outcome{
			Reason:   ReasonSiteMismatch,
			DeviceID: device.ID,
			Err:      fmt.Errorf("topic site %q does not own device %q", *topicSite, deviceExt),
		}
	}

	metrics := sensor.Metrics()
	if !hasAnyMetric(metrics) {
		return Outcome{OK: true, Reason: ReasonNoMetrics, DeviceID: device.ID}
	}

	received := s.now().UTC()
	ts := received
	if sensor.Timestamp != nil {
		ts = sensor.Timestamp.Time
	}

	points := make([]domain.TelemetryPoint, 0, len(MetricOrder))
	for _, name := range MetricOrder {
		if v := metrics[name]; v != nil {
			points = append(points, domain.TelemetryPoint{
				DeviceID: device.ID,
				Metric:   name,
				Ts:       ts,
				Value:    *v,
				Quality:  domain.QualityGood,
			})
		}
	}

	doc, err := json.Marshal(domain.SnapshotDocument{Metrics: metrics, Raw: json.RawMessage(raw)})
	if err != nil {
		return Outcome{Reason: ReasonInvalidPayload, DeviceID: device.ID, Err: err}
	}
	// The snapshot is stamped with the receive time; device clocks only date
	// the points.
	snap := domain.DeviceSnapshot{DeviceID: device.ID, LastSeenAt: received, Data: doc}

	if err := s.store.WriteTelemetry(ctx, points, snap); err != nil {
		return Outcome{Reason: ReasonStoreError, DeviceID: device.ID, Err: err}
	}

	if s.mirror != nil {
		if err := s.mirror.MirrorPoints(ctx, points); err != nil {
			s.log.Warn().Err(err).Str("device_id", device.ID).Msg("telemetry mirror failed")
		}
	}
	return Outcome{OK: true, DeviceID: device.ID, Written: len(points)}
}

// siteMatches accepts the internal site id only for sites that have no
// external id, so one tenant's external id can never name another's site.
func siteMatches(d *domain.Device, topicSite string) bool {
	if d.SiteExternalID != nil && *d.SiteExternalID != "" {
		return *d.SiteExternalID == topicSite
	}
	return d.SiteID == topicSite
}

func (s *Service) finish(ctx context.Context, rec *status.Recorder, source string, out Outcome) {
	ev := s.log.Debug()
	if !out.OK {
		ev = s.log.Warn().Err(out.Err)
	}
	ev.Str("source", source).
		Str("device_id", out.DeviceID).
		Str("reason", string(out.Reason)).
		Int("points", out.Written).
		Bool("ok", out.OK).
		Msg("telemetry processed")

	if out.OK {
		rec.Success(ctx)
		return
	}
	rec.Error(ctx, fmt.Errorf("%s: %w", out.Reason, out.Err))
}
