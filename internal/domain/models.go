package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

type Device struct {
	ID             string       `db:"id" json:"id"`
	SiteID         string       `db:"site_id" json:"site_id"`
	OrganisationID string       `db:"organisation_id" json:"organisation_id"`
	SiteExternalID *string      `db:"site_external_id" json:"site_external_id,omitempty"`
	ExternalID     *string      `db:"external_id" json:"external_id,omitempty"`
	MAC            *string      `db:"mac" json:"mac,omitempty"`
	Status         string       `db:"status" json:"status"`
	LastSeenAt     *time.Time   `db:"last_seen_at" json:"last_seen_at,omitempty"`
	Capabilities   Capabilities `db:"capabilities" json:"capabilities"`
}

// Capabilities is the control surface a device declares. Nil bounds and
// flags mean the device said nothing about them.
type Capabilities struct {
	MinSetpoint     *float64 `json:"min_setpoint,omitempty"`
	MaxSetpoint     *float64 `json:"max_setpoint,omitempty"`
	AllowedModes    []string `json:"allowed_modes,omitempty"`
	SupportsHeating *bool    `json:"supports_heating,omitempty"`
	SupportsCooling *bool    `json:"supports_cooling,omitempty"`
	SupportsAuto    *bool    `json:"supports_auto,omitempty"`
}

func (c *Capabilities) Scan(src any) error {
	b, err := bytesOf(src)
	if err != nil || len(b) == 0 {
		*c = Capabilities{}
		return err
	}
	return json.Unmarshal(b, c)
}

func (c Capabilities) Value() (driver.Value, error) { return json.Marshal(c) }

// TelemetryPoint is one (device, metric, timestamp, value, quality) fact.
type TelemetryPoint struct {
	ID       int64     `db:"id" json:"id"`
	DeviceID string    `db:"device_id" json:"device_id"`
	Metric   string    `db:"metric" json:"metric"`
	Ts       time.Time `db:"ts" json:"ts"`
	Value    float64   `db:"value" json:"value"`
	Quality  string    `db:"quality" json:"quality"`
}

const QualityGood = "good"

// DeviceSnapshot is the single latest-known-state row per device.
type DeviceSnapshot struct {
	DeviceID   string    `db:"device_id" json:"device_id"`
	LastSeenAt time.Time `db:"last_seen_at" json:"last_seen_at"`
	Data       JSON      `db:"data" json:"data"`
}

// SnapshotDocument is the canonical shape stored in DeviceSnapshot.Data.
type SnapshotDocument struct {
	Metrics map[string]*float64 `json:"metrics"`
	Raw     json.RawMessage     `json:"raw"`
}

func (s DeviceSnapshot) Document() (SnapshotDocument, error) {
	var doc SnapshotDocument
	if len(s.Data) == 0 {
		return doc, nil
	}
	err := json.Unmarshal(s.Data, &doc)
	return doc, err
}

// SnapshotState joins a snapshot with the device ownership the rule engine
// needs for rule scoping.
type SnapshotState struct {
	DeviceSnapshot
	SiteID         string `db:"site_id"`
	OrganisationID string `db:"organisation_id"`
}

const (
	RuleThresholdAbove = "threshold_above"
	RuleThresholdBelow = "threshold_below"
	RuleRateOfChange   = "rate_of_change"
	RuleOfflineWindow  = "offline_window"
	RuleComposite      = "composite"
)

type AlertRule struct {
	ID               string   `db:"id" json:"id"`
	OrganisationID   string   `db:"organisation_id" json:"organisation_id"`
	SiteID           *string  `db:"site_id" json:"site_id,omitempty"`
	DeviceID         *string  `db:"device_id" json:"device_id,omitempty"`
	Metric           *string  `db:"metric" json:"metric,omitempty"`
	RuleType         string   `db:"rule_type" json:"rule_type"`
	Threshold        *float64 `db:"threshold" json:"threshold,omitempty"`
	OfflineGraceSec  *int     `db:"offline_grace_sec" json:"offline_grace_sec,omitempty"`
	Severity         string   `db:"severity" json:"severity"`
	SnoozeDefaultSec *int     `db:"snooze_default_sec" json:"snooze_default_sec,omitempty"`
	Enabled          bool     `db:"enabled" json:"enabled"`
}

// AppliesTo reports whether the rule's scope covers the device.
func (r AlertRule) AppliesTo(orgID, siteID, deviceID string) bool {
	if r.OrganisationID != orgID {
		return false
	}
	if r.SiteID != nil && *r.SiteID != siteID {
		return false
	}
	if r.DeviceID != nil && *r.DeviceID != deviceID {
		return false
	}
	return true
}

const (
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	AlertActive  = "active"
	AlertCleared = "cleared"

	AlertTypeOffline  = "offline"
	AlertTypeHighTemp = "high_temp"
)

type Alert struct {
	ID             string     `db:"id" json:"id"`
	DeviceID       string     `db:"device_id" json:"device_id"`
	Type           string     `db:"type" json:"type"`
	Severity       string     `db:"severity" json:"severity"`
	Message        string     `db:"message" json:"message"`
	Status         string     `db:"status" json:"status"`
	FirstSeenAt    time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time  `db:"last_seen_at" json:"last_seen_at"`
	ClearedAt      *time.Time `db:"cleared_at" json:"cleared_at,omitempty"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	MutedUntil     *time.Time `db:"muted_until" json:"muted_until,omitempty"`
	RuleID         *string    `db:"rule_id" json:"rule_id,omitempty"`
}

// Muted reports whether an unexpired mute window covers now.
func (a Alert) Muted(now time.Time) bool {
	return a.MutedUntil != nil && a.MutedUntil.After(now)
}

// AlertInput carries what the rule engine knows when it raises an alert.
type AlertInput struct {
	DeviceID string
	Type     string
	Severity string
	Message  string
	RuleID   *string
	At       time.Time
}

const (
	CommandSetpoint = "setpoint"
	CommandMode     = "mode"

	CommandPending = "pending"
	CommandSuccess = "success"
	CommandFailed  = "failed"
)

type ControlCommand struct {
	ID           string     `db:"id" json:"id"`
	DeviceID     string     `db:"device_id" json:"device_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	CommandType  string     `db:"command_type" json:"command_type"`
	Payload      JSON       `db:"payload" json:"payload"`
	Status       string     `db:"status" json:"status"`
	RequestedAt  time.Time  `db:"requested_at" json:"requested_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
}

const (
	StatusKeyMQTTIngest   = "mqtt_ingest"
	StatusKeyHTTPIngest   = "http_ingest"
	StatusKeyControl      = "control_channel"
	StatusKeyAlertsWorker = "alerts_worker"
	StatusKeyPush         = "push"
	StatusKeyHistory      = "heat_pump_history"
)

type SystemStatus struct {
	Key           string     `db:"key" json:"key"`
	LastSuccessAt *time.Time `db:"last_success_at" json:"last_success_at,omitempty"`
	LastErrorAt   *time.Time `db:"last_error_at" json:"last_error_at,omitempty"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
}

type PushToken struct {
	ID         string     `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	Token      string     `db:"token" json:"token"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// PushMessage is one notification as handed to the push provider.
type PushMessage struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

const (
	AuditSent    = "sent"
	AuditSkipped = "skipped"
	AuditFailed  = "failed"
)

type NotificationAudit struct {
	ID             string    `db:"id" json:"id"`
	AlertID        *string   `db:"alert_id" json:"alert_id,omitempty"`
	OrganisationID *string   `db:"organisation_id" json:"organisation_id,omitempty"`
	Outcome        string    `db:"outcome" json:"outcome"`
	Reason         string    `db:"reason" json:"reason"`
	TokenCount     int       `db:"token_count" json:"token_count"`
	Recipients     JSON      `db:"recipients" json:"recipients"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// JSON is a jsonb column value.
type JSON []byte

func (j *JSON) Scan(src any) error {
	b, err := bytesOf(src)
	if err != nil {
		return err
	}
	*j = append((*j)[:0], b...)
	return nil
}

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(b []byte) error {
	*j = append((*j)[:0], b...)
	return nil
}

func MustJSON(v any) JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func bytesOf(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("domain: unsupported json column type")
	}
}
