// Package notify fans alerts out to operators' push endpoints and runs the
// push self-test.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

// Audit reasons.
const (
	ReasonDelivered       = "DELIVERED"
	ReasonPartial         = "PARTIAL_DELIVERY"
	ReasonPushDisabled    = "PUSH_DISABLED"
	ReasonNotEligible     = "SEVERITY_NOT_ELIGIBLE"
	ReasonMuted           = "MUTED"
	ReasonOrgUnresolved   = "ORG_UNRESOLVED"
	ReasonNoRecipients    = "NO_RECIPIENTS"
	ReasonLookupFailed    = "TOKEN_LOOKUP_FAILED"
	ReasonSendFailed      = "SEND_FAILED"
	ReasonSelfTest        = "SELF_TEST"
	ReasonSelfTestNoToken = "SELF_TEST_NO_TOKEN"
)

type Store interface {
	OrganisationForDevice(ctx context.Context, deviceID string) (string, error)
	RecipientTokens(ctx context.Context, orgID string, roles []string) ([]domain.PushToken, error)
	LatestPushToken(ctx context.Context) (domain.PushToken, error)
	TouchPushTokens(ctx context.Context, tokens []string, at time.Time) error
	InsertAudit(ctx context.Context, a domain.NotificationAudit) error
}

// Sender delivers one batch and reports how many tokens accepted it.
type Sender interface {
	Send(ctx context.Context, tokens []string, msg domain.PushMessage) (int, error)
}

type Options struct {
	// Sender is nil when push is disabled.
	Sender           Sender
	Roles            []string
	BatchSize        int
	NotifyHigh       bool
	SelfTestEnabled  bool
	SelfTestInterval time.Duration
	Status           *status.Recorder
	Clock            clock.Clock
}

type Dispatcher struct {
	store Store
	opts  Options
	clock clock.Clock
	log   zerolog.Logger

	mu           sync.Mutex
	lastSelfTest time.Time
}

func NewDispatcher(store Store, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if len(opts.Roles) == 0 {
		opts.Roles = []string{"owner", "admin", "facilities"}
	}
	if opts.SelfTestInterval <= 0 {
		opts.SelfTestInterval = 6 * time.Hour
	}
	return &Dispatcher{
		store: store,
		opts:  opts,
		clock: opts.Clock,
		log:   log.With().Str("component", "notify").Logger(),
	}
}

// Eligible reports whether alerts of this severity are pushed at all.
func (d *Dispatcher) Eligible(severity string) bool {
	return severity == domain.SeverityCritical || (d.opts.NotifyHigh && severity == domain.SeverityHigh)
}

// NotifyAlert pushes a newly raised alert to its organisation's operators.
// Every attempt leaves an audit row; suppressed attempts return nil.
func (d *Dispatcher) NotifyAlert(ctx context.Context, alert domain.Alert) error {
	l := d.log.With().Str("alert_id", alert.ID).Str("device_id", alert.DeviceID).Logger()
	audit := domain.NotificationAudit{AlertID: &alert.ID, Outcome: domain.AuditSkipped}

	if d.opts.Sender == nil {
		audit.Reason = ReasonPushDisabled
		d.audit(ctx, audit)
		return nil
	}
	if !d.Eligible(alert.Severity) {
		audit.Reason = ReasonNotEligible
		d.audit(ctx, audit)
		return nil
	}
	now := d.clock.Now()
	if alert.Muted(now) {
		l.Info().Time("muted_until", *alert.MutedUntil).Msg("alert muted, notification suppressed")
		audit.Reason = ReasonMuted
		d.audit(ctx, audit)
		return nil
	}

	orgID, err := d.store.OrganisationForDevice(ctx, alert.DeviceID)
	if err != nil {
		l.Warn().Err(err).Msg("cannot resolve organisation for alert, notification suppressed")
		audit.Reason = ReasonOrgUnresolved
		d.audit(ctx, audit)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	audit.OrganisationID = &orgID

	recipients, err := d.store.RecipientTokens(ctx, orgID, d.opts.Roles)
	if err != nil {
		audit.Outcome = domain.AuditFailed
		audit.Reason = ReasonLookupFailed
		d.audit(ctx, audit)
		d.opts.Status.Error(ctx, err)
		return fmt.Errorf("resolve recipients: %w", err)
	}

	tokens, users := Usable(recipients)
	audit.TokenCount = len(tokens)
	audit.Recipients = domain.MustJSON(users)
	if len(tokens) == 0 {
		l.Info().Str("organisation_id", orgID).Msg("no push recipients for alert")
		audit.Reason = ReasonNoRecipients
		d.audit(ctx, audit)
		return nil
	}

	delivered, sendErr := d.send(ctx, tokens, alertMessage(alert))
	switch {
	case sendErr == nil:
		audit.Outcome = domain.AuditSent
		audit.Reason = ReasonDelivered
	case delivered > 0:
		audit.Outcome = domain.AuditSent
		audit.Reason = fmt.Sprintf("%s: %d of %d", ReasonPartial, delivered, len(tokens))
	default:
		audit.Outcome = domain.AuditFailed
		audit.Reason = ReasonSendFailed + ": " + sendErr.Error()
	}
	d.audit(ctx, audit)

	if audit.Outcome == domain.AuditFailed {
		d.opts.Status.Error(ctx, sendErr)
		return sendErr
	}
	d.opts.Status.Success(ctx)
	if err := d.store.TouchPushTokens(ctx, tokens, now); err != nil {
		l.Warn().Err(err).Msg("touch push tokens failed")
	}
	l.Info().Int("tokens", len(tokens)).Int("delivered", delivered).Msg("alert pushed")
	return nil
}

// send splits tokens into provider-sized batches. A panic or error in the
// send layer becomes a failed batch.
func (d *Dispatcher) send(ctx context.Context, tokens []string, msg domain.PushMessage) (int, error) {
	delivered := 0
	var errs []error
	for start := 0; start < len(tokens); start += d.opts.BatchSize {
		end := min(start+d.opts.BatchSize, len(tokens))
		n, err := d.sendBatch(ctx, tokens[start:end], msg)
		delivered += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return delivered, errors.Join(errs...)
}

func (d *Dispatcher) sendBatch(ctx context.Context, batch []string, msg domain.PushMessage) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("push sender panic: %v", r)
		}
	}()
	return d.opts.Sender.Send(ctx, batch, msg)
}

func (d *Dispatcher) audit(ctx context.Context, a domain.NotificationAudit) {
	a.ID = uuid.NewString()
	a.CreatedAt = d.clock.Now().UTC()
	if a.Recipients == nil {
		a.Recipients = domain.JSON("[]")
	}
	if err := d.store.InsertAudit(ctx, a); err != nil {
		d.log.Error().Err(err).Str("outcome", a.Outcome).Str("reason", a.Reason).Msg("write notification audit")
	}
}

// Usable deduplicates tokens by value and drops anything that is not an SNS
// platform endpoint ARN. It also returns the distinct recipient user ids.
func Usable(tokens []domain.PushToken) ([]string, []string) {
	seenToken := map[string]bool{}
	seenUser := map[string]bool{}
	out, users := []string{}, []string{}
	for _, t := range tokens {
		v := strings.TrimSpace(t.Token)
		if seenToken[v] || !ValidToken(v) {
			continue
		}
		seenToken[v] = true
		out = append(out, v)
		if !seenUser[t.UserID] {
			seenUser[t.UserID] = true
			users = append(users, t.UserID)
		}
	}
	sort.Strings(users)
	return out, users
}

// ValidToken accepts arn:aws:sns:<region>:<account>:endpoint/<platform>/<app>/<id>.
func ValidToken(token string) bool {
	if !arn.IsARN(token) {
		return false
	}
	a, err := arn.Parse(token)
	if err != nil {
		return false
	}
	return a.Service == "sns" && a.Region != "" && a.AccountID != "" &&
		strings.HasPrefix(a.Resource, "endpoint/") && strings.Count(a.Resource, "/") == 3
}

func alertMessage(a domain.Alert) domain.PushMessage {
	return domain.PushMessage{
		Title: fmt.Sprintf("[%s] %s alert", strings.ToUpper(a.Severity), a.Type),
		Body:  a.Message,
		Data: map[string]string{
			"alertId":  a.ID,
			"deviceId": a.DeviceID,
			"type":     a.Type,
			"severity": a.Severity,
		},
	}
}
