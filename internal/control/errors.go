package control

import (
	"errors"
	"net/http"
)

// Reason is the closed set of ways a control request can fail.
type Reason string

const (
	ReasonBelowMin           Reason = "BELOW_MIN"
	ReasonAboveMax           Reason = "ABOVE_MAX"
	ReasonInvalidValue       Reason = "INVALID_VALUE"
	ReasonInvalidMode        Reason = "INVALID_MODE"
	ReasonNotCapable         Reason = "DEVICE_NOT_CAPABLE"
	ReasonDeviceNotFound     Reason = "DEVICE_NOT_FOUND"
	ReasonNotControllable    Reason = "DEVICE_NOT_CONTROLLABLE"
	ReasonChannelUnavailable Reason = "CONTROL_CHANNEL_UNCONFIGURED"
	ReasonCommandFailed      Reason = "COMMAND_FAILED"
	ReasonThrottled          Reason = "COMMAND_THROTTLED"
)

type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

func newError(r Reason, msg string) *Error { return &Error{Reason: r, Message: msg} }

// ReasonOf extracts the reason from err, or "" when err is not a control
// error.
func ReasonOf(err error) Reason {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// HTTPStatus maps a reason onto the status code the API returns for it.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonDeviceNotFound:
		return http.StatusNotFound
	case ReasonChannelUnavailable:
		return http.StatusServiceUnavailable
	case ReasonCommandFailed:
		return http.StatusBadGateway
	case ReasonThrottled:
		return http.StatusTooManyRequests
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
