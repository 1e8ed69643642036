package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/alerts"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/control"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/database"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/health"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/history"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/ingest"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/notify"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

// Store is everything the core needs from persistence. Both the Postgres
// repository and the in-memory store satisfy it.
type Store interface {
	ingest.Store
	alerts.Store
	alerts.ActionStore
	control.Store
	notify.Store
	health.Store
	history.Store
	status.Store
}

var (
	_ Store = (*repository.Repos)(nil)
	_ Store = (*repository.Memory)(nil)
)

// OpenStore connects to Postgres, or falls back to the in-memory store when
// dsn is empty. The returned close func is never nil.
func OpenStore(ctx context.Context, dsn string, migrate bool) (Store, func(), error) {
	if dsn == "" {
		log.Warn().Msg("DB_DSN empty, using in-memory store")
		return repository.NewMemory(), func() {}, nil
	}

	db, err := database.Connect(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	if migrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return repository.New(db), func() { db.Close() }, nil
}
