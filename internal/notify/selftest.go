package notify

import (
	"context"
	"errors"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
)

var errNoToken = errors.New("no push token has been used yet")

// SelfTest pushes a synthetic health-check message to the most recently used
// token, at most once per interval. It reports whether a probe was attempted.
func (d *Dispatcher) SelfTest(ctx context.Context) (bool, error) {
	if d.opts.Sender == nil || !d.opts.SelfTestEnabled {
		return false, nil
	}

	d.mu.Lock()
	now := d.clock.Now()
	if !d.lastSelfTest.IsZero() && now.Sub(d.lastSelfTest) < d.opts.SelfTestInterval {
		d.mu.Unlock()
		return false, nil
	}
	d.lastSelfTest = now
	d.mu.Unlock()

	audit := domain.NotificationAudit{Outcome: domain.AuditSkipped, Reason: ReasonSelfTestNoToken}
	token, err := d.store.LatestPushToken(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		err = errNoToken
	}
	if err != nil {
		d.audit(ctx, audit)
		d.opts.Status.Error(ctx, err)
		d.log.Warn().Err(err).Msg("push self-test skipped")
		return true, err
	}

	audit.TokenCount = 1
	audit.Recipients = domain.MustJSON([]string{token.UserID})
	_, err = d.sendBatch(ctx, []string{token.Token}, domain.PushMessage{
		Title: "Greenbro health check",
		Body:  "Push delivery is working.",
		Data:  map[string]string{"type": "health_check"},
	})
	if err != nil {
		audit.Outcome = domain.AuditFailed
		audit.Reason = ReasonSelfTest + ": " + err.Error()
		d.audit(ctx, audit)
		d.opts.Status.Error(ctx, err)
		d.log.Warn().Err(err).Msg("push self-test failed")
		return true, err
	}

	audit.Outcome = domain.AuditSent
	audit.Reason = ReasonSelfTest
	d.audit(ctx, audit)
	d.opts.Status.Success(ctx)
	if err := d.store.TouchPushTokens(ctx, []string{token.Token}, now); err != nil {
		d.log.Warn().Err(err).Msg("touch push token failed")
	}
	return true, nil
}

// RunSelfTests probes on every tick until ctx is done; SelfTest's own gate
// keeps the rate at one per interval.
func (d *Dispatcher) RunSelfTests(ctx context.Context) {
	if d.opts.Sender == nil || !d.opts.SelfTestEnabled {
		return
	}
	_, _ = d.SelfTest(ctx)
	ticker := d.clock.NewTicker(d.opts.SelfTestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_, _ = d.SelfTest(ctx)
		}
	}
}
