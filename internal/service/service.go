package service

import (
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/alerts"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/config"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/control"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/health"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/history"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/ingest"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/notify"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

type Services struct {
	Store   Store
	Config  config.Config
	Ingest  *ingest.Service
	Alerts  *alerts.Engine
	Actions *alerts.Actions
	Control *control.Gateway
	Notify  *notify.Dispatcher
	Health  *health.Aggregator
	History *history.Exporter
	Clock   clock.Clock
}

// New wires the core over store. ext may be nil, which leaves every external
// channel unconfigured.
func New(store Store, cfg config.Config, ext *External, clk clock.Clock) *Services {
	if ext == nil {
		ext = &External{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	recorder := func(key string) *status.Recorder { return status.NewRecorder(store, key, clk.Now) }

	dispatcher := notify.NewDispatcher(store, notify.Options{
		Sender:           ext.Push,
		Roles:            cfg.Push.Roles,
		BatchSize:        cfg.Push.BatchSize,
		NotifyHigh:       cfg.Push.NotifyHigh,
		SelfTestEnabled:  cfg.Push.HealthCheckEnabled,
		SelfTestInterval: cfg.Push.HealthCheckInterval,
		Status:           recorder(domain.StatusKeyPush),
		Clock:            clk,
	})

	s := &Services{
		Store:  store,
		Config: cfg,
		Clock:  clk,
		Notify: dispatcher,
		Ingest: ingest.NewService(store, ingest.Options{
			TopicRoot:  cfg.Feed.TopicRoot,
			Mirror:     ext.Mirror,
			FeedStatus: recorder(domain.StatusKeyMQTTIngest),
			HTTPStatus: recorder(domain.StatusKeyHTTPIngest),
			Now:        clk.Now,
		}),
		Alerts: alerts.NewEngine(store, alerts.Options{
			Interval:        cfg.Alerts.Interval,
			OfflineWarning:  cfg.Alerts.OfflineWarning,
			OfflineCritical: cfg.Alerts.OfflineCritical,
			HighTempCelsius: cfg.Alerts.HighTempCelsius,
			NotifyHigh:      cfg.Push.NotifyHigh,
			Notifier:        dispatcher,
			Status:          recorder(domain.StatusKeyAlertsWorker),
			Clock:           clk,
		}),
		Actions: alerts.NewActions(store, clk),
		Control: control.NewGateway(store, control.Options{
			Transport:   ext.Transport,
			Lease:       ext.Lease,
			Timeout:     cfg.Control.Timeout,
			MinInterval: cfg.Control.MinInterval,
			Status:      recorder(domain.StatusKeyControl),
			Clock:       clk,
		}),
		Health: health.NewAggregator(store, health.Options{
			MQTT:         health.Check{Configured: cfg.Feed.URL != "", StaleAfter: cfg.Health.MQTTStale},
			HTTPIngest:   health.Check{Configured: cfg.Ingest.APIKey != ""},
			Control:      health.Check{Configured: ext.Transport != nil, StaleAfter: cfg.Health.ControlStale},
			AlertsWorker: health.Check{Configured: cfg.Alerts.Enabled, StaleAfter: cfg.Health.AlertsStale},
			Push:         health.Check{Configured: ext.Push != nil, StaleAfter: cfg.Health.PushStale},
			History:      health.Check{Configured: ext.Archive != nil, StaleAfter: cfg.Health.HistoryStale},
			Clock:        clk,
		}),
	}
	if ext.Archive != nil {
		s.History = history.NewExporter(store, ext.Archive, history.Options{
			Interval: cfg.History.Interval,
			Status:   recorder(domain.StatusKeyHistory),
			Clock:    clk,
		})
	}
	return s
}
