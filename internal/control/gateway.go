package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/clock"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/repository"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/status"
)

type Store interface {
	DeviceForOrg(ctx context.Context, deviceID, orgID string) (*domain.Device, error)
	InsertCommand(ctx context.Context, cmd *domain.ControlCommand) error
	CompleteCommand(ctx context.Context, id, status string, at time.Time, errMsg *string) error
	ListCommands(ctx context.Context, deviceID string, limit int) ([]domain.ControlCommand, error)
}

type SetpointRequest struct {
	DeviceID string
	UserID   string
	OrgID    string
	Metric   string
	Value    float64
}

type ModeRequest struct {
	DeviceID string
	UserID   string
	OrgID    string
	Mode     string
}

type Options struct {
	// Transport is nil when no control channel is configured.
	Transport   Transport
	Lease       Lease
	Timeout     time.Duration
	MinInterval time.Duration
	Status      *status.Recorder
	Clock       clock.Clock
}

type Gateway struct {
	store     Store
	transport Transport
	lease     Lease
	timeout   time.Duration
	interval  time.Duration
	status    *status.Recorder
	clock     clock.Clock
	log       zerolog.Logger
}

func NewGateway(store Store, opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Lease == nil && opts.MinInterval > 0 {
		opts.Lease = NewMemoryLease(opts.Clock)
	}
	return &Gateway{
		store:     store,
		transport: opts.Transport,
		lease:     opts.Lease,
		timeout:   opts.Timeout,
		interval:  opts.MinInterval,
		status:    opts.Status,
		clock:     opts.Clock,
		log:       log.With().Str("component", "control").Logger(),
	}
}

// Configured reports whether a control transport was selected at startup.
func (g *Gateway) Configured() bool { return g.transport != nil }

func (g *Gateway) Setpoint(ctx context.Context, req SetpointRequest) (domain.ControlCommand, error) {
	device, err := g.resolve(ctx, req.DeviceID, req.OrgID)
	if err != nil {
		return domain.ControlCommand{}, err
	}
	if err := ValidateSetpoint(device.Capabilities, req.Metric, req.Value); err != nil {
		return domain.ControlCommand{}, err
	}
	payload := map[string]any{"metric": req.Metric, "value": req.Value}
	return g.dispatch(ctx, device, req.UserID, domain.CommandSetpoint, payload)
}

func (g *Gateway) Mode(ctx context.Context, req ModeRequest) (domain.ControlCommand, error) {
	device, err := g.resolve(ctx, req.DeviceID, req.OrgID)
	if err != nil {
		return domain.ControlCommand{}, err
	}
	if err := ValidateMode(device.Capabilities, req.Mode); err != nil {
		return domain.ControlCommand{}, err
	}
	payload := map[string]any{"mode": req.Mode}
	return g.dispatch(ctx, device, req.UserID, domain.CommandMode, payload)
}

// History lists the device's most recent commands, newest first.
func (g *Gateway) History(ctx context.Context, deviceID, orgID string, limit int) ([]domain.ControlCommand, error) {
	if _, err := g.store.DeviceForOrg(ctx, deviceID, orgID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ReasonDeviceNotFound, "Device not found")
		}
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return g.store.ListCommands(ctx, deviceID, limit)
}

// resolve checks the preconditions shared by every command. The transport
// check runs first so an unconfigured channel never touches the database.
func (g *Gateway) resolve(ctx context.Context, deviceID, orgID string) (*domain.Device, error) {
	if g.transport == nil {
		return nil, newError(ReasonChannelUnavailable, "Control channel is not configured")
	}
	device, err := g.store.DeviceForOrg(ctx, deviceID, orgID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(ReasonDeviceNotFound, "Device not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device.ExternalID == nil || *device.ExternalID == "" {
		return nil, newError(ReasonNotControllable, "Device has no external id")
	}
	return device, nil
}

func (g *Gateway) dispatch(ctx context.Context, device *domain.Device, userID, cmdType string, payload map[string]any) (domain.ControlCommand, error) {
	l := g.log.With().Str("device_id", device.ID).Str("command_type", cmdType).Logger()

	if g.lease != nil && g.interval > 0 {
		ok, err := g.lease.Acquire(ctx, device.ID, g.interval)
		switch {
		case err != nil:
			l.Warn().Err(err).Msg("command lease unavailable, dispatching without it")
		case !ok:
			return domain.ControlCommand{}, newError(ReasonThrottled, "Another command was sent to this device recently")
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ControlCommand{}, err
	}
	cmd := domain.ControlCommand{
		ID:          uuid.NewString(),
		DeviceID:    device.ID,
		UserID:      userID,
		CommandType: cmdType,
		Payload:     body,
		Status:      domain.CommandPending,
		RequestedAt: g.clock.Now().UTC(),
	}
	if err := g.store.InsertCommand(ctx, &cmd); err != nil {
		return domain.ControlCommand{}, fmt.Errorf("insert command: %w", err)
	}

	msg := Message{
		CommandID:        cmd.ID,
		DeviceExternalID: *device.ExternalID,
		Type:             cmdType,
		Payload:          body,
		RequestedAt:      cmd.RequestedAt,
	}
	if device.SiteExternalID != nil {
		msg.SiteExternalID = *device.SiteExternalID
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
	sendErr := g.transport.Send(sendCtx, msg)
	if sendErr == nil && sendCtx.Err() != nil {
		sendErr = sendCtx.Err()
	}
	cancel()

	now := g.clock.Now().UTC()
	if sendErr != nil {
		if errors.Is(sendErr, context.DeadlineExceeded) {
			sendErr = fmt.Errorf("%s transport timed out after %s", g.transport.Name(), g.timeout)
		}
		text := sendErr.Error()
		if err := g.store.CompleteCommand(ctx, cmd.ID, domain.CommandFailed, now, &text); err != nil {
			l.Error().Err(err).Str("command_id", cmd.ID).Msg("mark command failed")
		}
		cmd.Status = domain.CommandFailed
		cmd.CompletedAt = &now
		cmd.ErrorMessage = &text
		g.status.Error(ctx, sendErr)
		l.Warn().Err(sendErr).Str("command_id", cmd.ID).Msg("command dispatch failed")
		return cmd, newError(ReasonCommandFailed, "Command could not be delivered to the device")
	}

	if err := g.store.CompleteCommand(ctx, cmd.ID, domain.CommandSuccess, now, nil); err != nil {
		l.Error().Err(err).Str("command_id", cmd.ID).Msg("mark command succeeded")
	}
	cmd.Status = domain.CommandSuccess
	cmd.CompletedAt = &now
	g.status.Success(ctx)
	l.Info().Str("command_id", cmd.ID).Str("transport", g.transport.Name()).Msg("command dispatched")
	return cmd, nil
}
