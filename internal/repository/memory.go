package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

// Memory is an in-process store with the same contracts as Repos. The api
// and ingestor fall back to it when no DSN is configured, and tests seed it
// directly.
type Memory struct {
	mu sync.Mutex

	orgs      map[string]string // site id -> organisation id
	siteExt   map[string]string // site id -> external id
	devices   map[string]*domain.Device
	users     map[string]memUser
	tokens    []memToken
	rules     []domain.AlertRule
	points    []domain.TelemetryPoint
	snapshots map[string]domain.DeviceSnapshot
	alerts    []domain.Alert
	commands  []domain.ControlCommand
	status    map[string]domain.SystemStatus
	audits    []domain.NotificationAudit
	nextPoint int64

	// PingErr and StatusErr let tests simulate a failing datastore.
	PingErr   error
	StatusErr error
}

type memUser struct {
	orgID  string
	role   string
	active bool
}

type memToken struct {
	domain.PushToken
	active bool
}

func NewMemory() *Memory {
	return &Memory{
		orgs:      map[string]string{},
		siteExt:   map[string]string{},
		devices:   map[string]*domain.Device{},
		users:     map[string]memUser{},
		snapshots: map[string]domain.DeviceSnapshot{},
		status:    map[string]domain.SystemStatus{},
	}
}

// Seeding

func (m *Memory) AddSite(siteID, orgID, externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[siteID] = orgID
	if externalID != "" {
		m.siteExt[siteID] = externalID
	}
}

func (m *Memory) AddDevice(d domain.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.OrganisationID = m.orgs[d.SiteID]
	if ext, ok := m.siteExt[d.SiteID]; ok {
		d.SiteExternalID = &ext
	}
	m.devices[d.ID] = &d
}

func (m *Memory) AddUser(userID, orgID, role string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = memUser{orgID: orgID, role: role, active: active}
}

func (m *Memory) AddPushToken(t domain.PushToken, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.tokens = append(m.tokens, memToken{PushToken: t, active: active})
}

func (m *Memory) AddRule(r domain.AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
}

// Inspection

func (m *Memory) Points() []domain.TelemetryPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TelemetryPoint(nil), m.points...)
}

func (m *Memory) Snapshot(deviceID string) (domain.DeviceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[deviceID]
	return s, ok
}

func (m *Memory) Alerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Alert(nil), m.alerts...)
}

func (m *Memory) Commands() []domain.ControlCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ControlCommand(nil), m.commands...)
}

func (m *Memory) Audits() []domain.NotificationAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.NotificationAudit(nil), m.audits...)
}

func (m *Memory) Device(id string) (domain.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.Device{}, false
	}
	return *d, true
}

// Store contracts

func (m *Memory) Ping(ctx context.Context) error { return m.PingErr }

func (m *Memory) DeviceByExternalID(ctx context.Context, externalID string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ExternalID != nil && *d.ExternalID == externalID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) DeviceForOrg(ctx context.Context, deviceID, orgID string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.OrganisationID != orgID {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) OrganisationForDevice(ctx context.Context, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.OrganisationID == "" {
		return "", ErrNotFound
	}
	return d.OrganisationID, nil
}

func (m *Memory) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.Status = domain.DeviceOffline
	}
	return nil
}

func (m *Memory) WriteTelemetry(ctx context.Context, points []domain.TelemetryPoint, snap domain.DeviceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.nextPoint++
		p.ID = m.nextPoint
		m.points = append(m.points, p)
	}
	if cur, ok := m.snapshots[snap.DeviceID]; !ok || !cur.LastSeenAt.After(snap.LastSeenAt) {
		m.snapshots[snap.DeviceID] = snap
	}
	if d, ok := m.devices[snap.DeviceID]; ok {
		if d.LastSeenAt == nil || d.LastSeenAt.Before(snap.LastSeenAt) {
			at := snap.LastSeenAt
			d.LastSeenAt = &at
		}
		d.Status = domain.DeviceOnline
	}
	return nil
}

// PutSnapshot overwrites a snapshot unconditionally; tests use it to age
// devices.
func (m *Memory) PutSnapshot(snap domain.DeviceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.DeviceID] = snap
}

func (m *Memory) ListSnapshots(ctx context.Context) ([]domain.SnapshotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SnapshotState, 0, len(m.snapshots))
	for id, s := range m.snapshots {
		st := domain.SnapshotState{DeviceSnapshot: s}
		if d, ok := m.devices[id]; ok {
			st.SiteID = d.SiteID
			st.OrganisationID = d.OrganisationID
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *Memory) TelemetryAfter(ctx context.Context, afterID int64, limit int) ([]domain.TelemetryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TelemetryPoint
	for _, p := range m.points {
		if p.ID > afterID {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AlertRule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) RuleByID(ctx context.Context, id string) (domain.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.AlertRule{}, ErrNotFound
}

func (m *Memory) UpsertActiveAlert(ctx context.Context, in domain.AlertInput) (domain.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.DeviceID == in.DeviceID && a.Type == in.Type && a.Status == domain.AlertActive {
			a.Severity = in.Severity
			a.Message = in.Message
			a.LastSeenAt = in.At
			return *a, false, nil
		}
	}
	a := domain.Alert{
		ID:          uuid.NewString(),
		DeviceID:    in.DeviceID,
		Type:        in.Type,
		Severity:    in.Severity,
		Message:     in.Message,
		Status:      domain.AlertActive,
		FirstSeenAt: in.At,
		LastSeenAt:  in.At,
		RuleID:      in.RuleID,
	}
	m.alerts = append(m.alerts, a)
	return a, true, nil
}

func (m *Memory) ClearActiveAlert(ctx context.Context, deviceID, alertType string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.DeviceID == deviceID && a.Type == alertType && a.Status == domain.AlertActive {
			a.Status = domain.AlertCleared
			a.ClearedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AlertForOrg(ctx context.Context, alertID, orgID string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID != alertID {
			continue
		}
		if d, ok := m.devices[a.DeviceID]; ok && d.OrganisationID == orgID {
			return a, nil
		}
	}
	return domain.Alert{}, ErrNotFound
}

func (m *Memory) AcknowledgeAlert(ctx context.Context, alertID, userID string, at time.Time) (domain.Alert, error) {
	return m.updateAlert(alertID, func(a *domain.Alert) {
		a.AcknowledgedBy = &userID
		a.AcknowledgedAt = &at
	})
}

func (m *Memory) MuteAlert(ctx context.Context, alertID string, until time.Time) (domain.Alert, error) {
	return m.updateAlert(alertID, func(a *domain.Alert) { a.MutedUntil = &until })
}

func (m *Memory) updateAlert(alertID string, fn func(*domain.Alert)) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == alertID {
			fn(&m.alerts[i])
			return m.alerts[i], nil
		}
	}
	return domain.Alert{}, ErrNotFound
}

func (m *Memory) InsertCommand(ctx context.Context, cmd *domain.ControlCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, *cmd)
	return nil
}

func (m *Memory) CompleteCommand(ctx context.Context, id, status string, at time.Time, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.commands {
		c := &m.commands[i]
		if c.ID == id && c.Status == domain.CommandPending {
			c.Status = status
			c.CompletedAt = &at
			c.ErrorMessage = errMsg
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListCommands(ctx context.Context, deviceID string, limit int) ([]domain.ControlCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ControlCommand
	for i := len(m.commands) - 1; i >= 0 && len(out) < limit; i-- {
		if m.commands[i].DeviceID == deviceID {
			out = append(out, m.commands[i])
		}
	}
	return out, nil
}

func (m *Memory) RecordStatusSuccess(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status[key]
	s.Key = key
	s.LastSuccessAt = &at
	m.status[key] = s
	return nil
}

func (m *Memory) RecordStatusError(ctx context.Context, key string, at time.Time, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status[key]
	s.Key = key
	s.LastErrorAt = &at
	s.LastError = &msg
	m.status[key] = s
	return nil
}

func (m *Memory) ClearStatusError(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[key]; ok {
		s.LastErrorAt = nil
		s.LastError = nil
		m.status[key] = s
	}
	return nil
}

func (m *Memory) ListStatus(ctx context.Context) ([]domain.SystemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	out := make([]domain.SystemStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) RecipientTokens(ctx context.Context, orgID string, roles []string) ([]domain.PushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := map[string]bool{}
	for _, r := range roles {
		allowed[r] = true
	}
	var out []domain.PushToken
	for _, t := range m.tokens {
		u, ok := m.users[t.UserID]
		if !ok || !u.active || !t.active || u.orgID != orgID || !allowed[u.role] {
			continue
		}
		out = append(out, t.PushToken)
	}
	return out, nil
}

func (m *Memory) LatestPushToken(ctx context.Context) (domain.PushToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.PushToken
	for i := range m.tokens {
		t := &m.tokens[i]
		if !t.active || t.LastUsedAt == nil {
			continue
		}
		if best == nil || t.LastUsedAt.After(*best.LastUsedAt) {
			best = &t.PushToken
		}
	}
	if best == nil {
		return domain.PushToken{}, ErrNotFound
	}
	return *best, nil
}

func (m *Memory) TouchPushTokens(ctx context.Context, tokens []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[string]bool{}
	for _, t := range tokens {
		set[t] = true
	}
	for i := range m.tokens {
		if set[m.tokens[i].Token] {
			ts := at
			m.tokens[i].LastUsedAt = &ts
		}
	}
	return nil
}

func (m *Memory) InsertAudit(ctx context.Context, a domain.NotificationAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, a)
	return nil
}
