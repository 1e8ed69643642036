package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Sensor is the strict telemetry schema. Every metric is optional; unknown
// keys fail the whole payload.
type Sensor struct {
	SupplyTemperatureC *float64       `json:"supply_temperature_c"`
	ReturnTemperatureC *float64       `json:"return_temperature_c"`
	PowerW             *float64       `json:"power_w"`
	FlowLPS            *float64       `json:"flow_lps"`
	COP                *float64       `json:"cop"`
	Timestamp          *Timestamp     `json:"timestamp"`
	Meta               map[string]any `json:"meta"`
}

// HTTPPayload is the sensor schema plus explicit addressing.
type HTTPPayload struct {
	SiteExternalID   string `json:"siteExternalId"`
	DeviceExternalID string `json:"deviceExternalId"`
	Sensor
}

// Timestamp accepts an RFC 3339 string or epoch milliseconds.
type Timestamp struct{ time.Time }

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = parsed
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("timestamp: want RFC 3339 string or epoch milliseconds")
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// Canonical metric names stored in TelemetryPoint.Metric and in the snapshot.
const (
	MetricSupplyTemp = "supply_temp"
	MetricReturnTemp = "return_temp"
	MetricPowerKW    = "power_kw"
	MetricFlowRate   = "flow_rate"
	MetricCOP        = "cop"
)

// MetricOrder fixes the insertion order of points within one payload.
var MetricOrder = []string{MetricSupplyTemp, MetricReturnTemp, MetricPowerKW, MetricFlowRate, MetricCOP}

// Metrics derives the canonical metric map. Absent readings are present as
// nil so the snapshot always carries every key.
func (s Sensor) Metrics() map[string]*float64 {
	m := map[string]*float64{
		MetricSupplyTemp: s.SupplyTemperatureC,
		MetricReturnTemp: s.ReturnTemperatureC,
		MetricPowerKW:    nil,
		MetricFlowRate:   s.FlowLPS,
		MetricCOP:        s.COP,
	}
	if s.PowerW != nil {
		kw := *s.PowerW / 1000
		m[MetricPowerKW] = &kw
	}
	return m
}

func hasAnyMetric(m map[string]*float64) bool {
	for _, v := range m {
		if v != nil {
			return true
		}
	}
	return false
}

var errNotObject = errors.New("payload must be a JSON object")

// decodeStrict decodes a single JSON object into v, rejecting unknown
// fields and trailing data.
func decodeStrict(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after payload")
	}
	return nil
}

func ParseSensor(data []byte) (Sensor, error) {
	var s Sensor
	err := decodeStrict(data, &s)
	return s, err
}

func ParseHTTP(data []byte) (HTTPPayload, error) {
	var p HTTPPayload
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	p.SiteExternalID = strings.TrimSpace(p.SiteExternalID)
	p.DeviceExternalID = strings.TrimSpace(p.DeviceExternalID)
	if p.SiteExternalID == "" || p.DeviceExternalID == "" {
		return p, errors.New("siteExternalId and deviceExternalId are required")
	}
	return p, nil
}

// ParseTopic splits {root}/{siteExternalId}/{deviceExternalId}/telemetry.
func ParseTopic(root, topic string) (siteExternalID, deviceExternalID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != root || parts[3] != "telemetry" {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// SubscriptionTopic is the wildcard the feed subscribes to.
func SubscriptionTopic(root string) string { return root + "/+/+/telemetry" }
