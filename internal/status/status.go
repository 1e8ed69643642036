package status

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Store interface {
	RecordStatusSuccess(ctx context.Context, key string, at time.Time) error
	RecordStatusError(ctx context.Context, key string, at time.Time, msg string) error
	ClearStatusError(ctx context.Context, key string) error
}

// Recorder writes SystemStatus rows on behalf of one subsystem. Every write
// is best-effort: failures are logged and never returned.
type Recorder struct {
	store Store
	key   string
	now   func() time.Time
	log   zerolog.Logger
}

func NewRecorder(store Store, key string, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		store: store,
		key:   key,
		now:   now,
		log:   log.With().Str("component", "status").Str("key", key).Logger(),
	}
}

func (r *Recorder) Key() string { return r.key }

func (r *Recorder) Success(ctx context.Context) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.RecordStatusSuccess(ctx, r.key, r.now()); err != nil {
		r.log.Warn().Err(err).Msg("record status success failed")
	}
}

func (r *Recorder) Error(ctx context.Context, cause error) {
	if r == nil || r.store == nil || cause == nil {
		return
	}
	if err := r.store.RecordStatusError(ctx, r.key, r.now(), cause.Error()); err != nil {
		r.log.Warn().Err(err).Msg("record status error failed")
	}
}

func (r *Recorder) ClearError(ctx context.Context) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.ClearStatusError(ctx, r.key); err != nil {
		r.log.Warn().Err(err).Msg("clear status error failed")
	}
}
