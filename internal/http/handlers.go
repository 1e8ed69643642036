package http

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/alerts"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/control"
	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/service"
)

const (
	headerAPIKey = "x-api-key"
	headerUserID = "X-User-ID"
	headerOrgID  = "X-Org-ID"
)

// Register mounts the core's routes. Identity arrives in headers set by the
// authenticating REST layer in front of this process.
func Register(app *fiber.App, svcs *service.Services) {
	app.Post("/telemetry/http", ingestHTTP(svcs))
	app.Get("/health-plus", func(c *fiber.Ctx) error {
		report := svcs.Health.Check(c.UserContext())
		code := fiber.StatusOK
		if !report.OK {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(report)
	})

	devices := app.Group("/devices/:id")
	devices.Post("/commands/setpoint", requireIdentity, setpoint(svcs))
	devices.Post("/commands/mode", requireIdentity, mode(svcs))
	devices.Get("/commands", requireIdentity, func(c *fiber.Ctx) error {
		items, err := svcs.Control.History(c.UserContext(), c.Params("id"), orgID(c), c.QueryInt("limit", 50))
		if err != nil {
			return controlError(c, err)
		}
		return c.JSON(items)
	})

	alertGroup := app.Group("/alerts/:id")
	alertGroup.Post("/ack", requireIdentity, func(c *fiber.Ctx) error {
		alert, err := svcs.Actions.Acknowledge(c.UserContext(), c.Params("id"), orgID(c), userID(c))
		if err != nil {
			return alertError(c, err)
		}
		return c.JSON(alert)
	})
	alertGroup.Post("/mute", requireIdentity, func(c *fiber.Ctx) error {
		var body struct {
			Minutes int `json:"minutes"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
			}
		}
		d := time.Duration(body.Minutes) * time.Minute
		alert, err := svcs.Actions.Mute(c.UserContext(), c.Params("id"), orgID(c), d)
		if err != nil {
			return alertError(c, err)
		}
		return c.JSON(alert)
	})
}

func ingestHTTP(svcs *service.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := svcs.Config.Ingest.APIKey
		if key == "" {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "HTTP ingest is not configured"})
		}
		given := c.Get(headerAPIKey)
		if subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid api key"})
		}
		out := svcs.Ingest.HandleHTTP(c.UserContext(), c.Body())
		if !out.OK {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": out.Reason})
		}
		return c.JSON(fiber.Map{"ok": true, "written": out.Written})
	}
}

func setpoint(svcs *service.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			Metric string   `json:"metric"`
			Value  *float64 `json:"value"`
		}
		if err := c.BodyParser(&body); err != nil || body.Value == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   control.ReasonInvalidValue,
				"message": "Setpoint value must be a number",
			})
		}
		cmd, err := svcs.Control.Setpoint(c.UserContext(), control.SetpointRequest{
			DeviceID: c.Params("id"),
			UserID:   userID(c),
			OrgID:    orgID(c),
			Metric:   body.Metric,
			Value:    *body.Value,
		})
		if err != nil {
			return controlError(c, err)
		}
		return c.JSON(cmd)
	}
}

func mode(svcs *service.Services) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": control.ReasonInvalidMode, "message": "invalid body"})
		}
		cmd, err := svcs.Control.Mode(c.UserContext(), control.ModeRequest{
			DeviceID: c.Params("id"),
			UserID:   userID(c),
			OrgID:    orgID(c),
			Mode:     body.Mode,
		})
		if err != nil {
			return controlError(c, err)
		}
		return c.JSON(cmd)
	}
}

func requireIdentity(c *fiber.Ctx) error {
	if userID(c) == "" || orgID(c) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing caller identity"})
	}
	return c.Next()
}

func userID(c *fiber.Ctx) string { return c.Get(headerUserID) }
func orgID(c *fiber.Ctx) string  { return c.Get(headerOrgID) }

func controlError(c *fiber.Ctx, err error) error {
	var ce *control.Error
	if errors.As(err, &ce) {
		return c.Status(ce.Reason.HTTPStatus()).JSON(fiber.Map{"error": ce.Reason, "message": ce.Message})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("control request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func alertError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, alerts.ErrInvalidSnooze):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, alerts.ErrAlertNotActive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("alert action failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
