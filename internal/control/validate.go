package control

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

const (
	DefaultMinSetpoint = 30.0
	DefaultMaxSetpoint = 60.0

	MetricFlowTemp = "flow_temp"
)

const (
	ModeOff     = "OFF"
	ModeHeating = "HEATING"
	ModeCooling = "COOLING"
	ModeAuto    = "AUTO"
)

var Modes = []string{ModeOff, ModeHeating, ModeCooling, ModeAuto}

// SetpointBounds returns the inclusive range a device accepts, filling
// undeclared ends with the defaults.
func SetpointBounds(c domain.Capabilities) (float64, float64) {
	lo, hi := DefaultMinSetpoint, DefaultMaxSetpoint
	if c.MinSetpoint != nil {
		lo = *c.MinSetpoint
	}
	if c.MaxSetpoint != nil {
		hi = *c.MaxSetpoint
	}
	return lo, hi
}

// ValidateSetpoint has no side effects; schedulers call it to pre-validate
// commands they will issue later.
func ValidateSetpoint(c domain.Capabilities, metric string, value float64) error {
	if metric != MetricFlowTemp {
		return newError(ReasonInvalidValue, "Unsupported setpoint metric "+strconv.Quote(metric))
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return newError(ReasonInvalidValue, "Setpoint must be a finite number")
	}
	lo, hi := SetpointBounds(c)
	if value < lo {
		return newError(ReasonBelowMin, "Setpoint below minimum of "+celsius(lo))
	}
	if value > hi {
		return newError(ReasonAboveMax, "Setpoint above maximum of "+celsius(hi))
	}
	return nil
}

// AllowedModes derives the device's mode set: an explicit list wins, then
// the per-capability flags (OFF is always allowed), and a device that
// declares neither accepts every mode.
func AllowedModes(c domain.Capabilities) []string {
	if len(c.AllowedModes) > 0 {
		out := make([]string, 0, len(c.AllowedModes))
		for _, m := range c.AllowedModes {
			out = append(out, strings.ToUpper(strings.TrimSpace(m)))
		}
		return out
	}
	if c.SupportsHeating == nil && c.SupportsCooling == nil && c.SupportsAuto == nil {
		return slices.Clone(Modes)
	}
	out := []string{ModeOff}
	if isTrue(c.SupportsHeating) {
		out = append(out, ModeHeating)
	}
	if isTrue(c.SupportsCooling) {
		out = append(out, ModeCooling)
	}
	if isTrue(c.SupportsAuto) {
		out = append(out, ModeAuto)
	}
	return out
}

func ValidateMode(c domain.Capabilities, mode string) error {
	if !slices.Contains(Modes, mode) {
		return newError(ReasonInvalidMode, "Unknown mode "+strconv.Quote(mode))
	}
	if !slices.Contains(AllowedModes(c), mode) {
		return newError(ReasonNotCapable, "Device does not support mode "+mode)
	}
	return nil
}

func isTrue(b *bool) bool { return b != nil && *b }

func celsius(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) + "C" }
