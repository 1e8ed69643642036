package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

const (
	supplyTempMetric = "supply_temp"
	supplyTempRaw    = "supply_temperature_c"
)

// RuleAlertType is the alert type used for alerts raised by a configured rule.
func RuleAlertType(ruleID string) string { return "rule:" + ruleID }

func applicable(rules []domain.AlertRule, snap domain.SnapshotState) []domain.AlertRule {
	var out []domain.AlertRule
	for _, r := range rules {
		if r.Enabled && r.AppliesTo(snap.OrganisationID, snap.SiteID, snap.DeviceID) {
			out = append(out, r)
		}
	}
	return out
}

// offlineRule picks the most specific offline_window rule: device scope
// beats site scope beats organisation scope.
func offlineRule(rules []domain.AlertRule) *domain.AlertRule {
	var best *domain.AlertRule
	bestRank := -1
	for i := range rules {
		r := &rules[i]
		if r.RuleType != domain.RuleOfflineWindow || r.OfflineGraceSec == nil || *r.OfflineGraceSec <= 0 {
			continue
		}
		rank := 0
		switch {
		case r.DeviceID != nil:
			rank = 2
		case r.SiteID != nil:
			rank = 1
		}
		if rank > bestRank {
			best, bestRank = r, rank
		}
	}
	return best
}

func breaches(ruleType string, v, threshold float64) bool {
	if ruleType == domain.RuleThresholdBelow {
		return v < threshold
	}
	return v > threshold
}

func supplyTemp(doc domain.SnapshotDocument) *float64 {
	if v := doc.Metrics[supplyTempMetric]; v != nil {
		return v
	}
	return rawNumber(doc.Raw, supplyTempRaw)
}

func metricValue(doc domain.SnapshotDocument, metric string) *float64 {
	if v := doc.Metrics[metric]; v != nil {
		return v
	}
	return rawNumber(doc.Raw, metric)
}

func rawNumber(raw json.RawMessage, field string) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	if v, ok := fields[field].(float64); ok {
		return &v
	}
	return nil
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
