package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/cloud"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/config"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/control"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/history"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/ingest"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/notify"
)

// External holds the adapters to systems outside the process. Any of them
// may be nil when the matching setting is empty.
type External struct {
	Transport control.Transport
	Lease     control.Lease
	Push      notify.Sender
	Archive   history.Archive
	Mirror    ingest.Mirror

	closers []func()
}

func (e *External) Close() {
	for _, c := range e.closers {
		c()
	}
}

// Connect builds every external adapter selected by cfg. Only a broken AWS
// config or control transport is fatal; an unconfigured adapter is simply
// left nil.
func Connect(ctx context.Context, cfg config.Config) (*External, error) {
	ext, err := ConnectCloud(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := ext.connectControl(cfg); err != nil {
		ext.Close()
		return nil, err
	}
	return ext, nil
}

// ConnectCloud builds the AWS adapters only. Processes that never issue
// device commands use it so no control transport or lease is opened.
func ConnectCloud(ctx context.Context, cfg config.Config) (*External, error) {
	ext := &External{}
	if !cfg.Push.Enabled && cfg.History.Bucket == "" && cfg.Ingest.MirrorTable == "" {
		return ext, nil
	}
	awsCfg, err := cloud.LoadConfig(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	if cfg.Push.Enabled {
		ext.Push = cloud.NewSNSPushSender(awsCfg)
	}
	if cfg.History.Bucket != "" {
		ext.Archive = cloud.NewS3Archive(awsCfg, cfg.History.Bucket)
	}
	if cfg.Ingest.MirrorTable != "" {
		ext.Mirror = cloud.NewTelemetryMirror(awsCfg, cfg.Ingest.MirrorTable)
	}
	return ext, nil
}

func (e *External) connectControl(cfg config.Config) error {
	transport, err := control.NewTransport(control.TransportConfig{
		Kind:          cfg.Control.Transport,
		APIURL:        cfg.Control.APIURL,
		APIKey:        cfg.Control.APIKey,
		MQTTURL:       cfg.Control.MQTTURL,
		MQTTUsername:  cfg.Control.MQTTUsername,
		MQTTPassword:  cfg.Control.MQTTPassword,
		MQTTTopicRoot: cfg.Control.MQTTTopicRoot,
		NSQDAddr:      cfg.Control.NSQDAddr,
		NSQTopic:      cfg.Control.NSQTopic,
	})
	switch {
	case errors.Is(err, control.ErrNoTransport):
		log.Warn().Msg("no control transport configured, commands will be rejected")
	case err != nil:
		return err
	default:
		e.Transport = transport
		e.closers = append(e.closers, transport.Close)
		log.Info().Str("transport", transport.Name()).Msg("control transport selected")
	}

	if cfg.Control.RedisAddr != "" {
		lease := control.NewRedisLease(cfg.Control.RedisAddr)
		e.Lease = lease
		e.closers = append(e.closers, func() { _ = lease.Close() })
	}
	return nil
}
