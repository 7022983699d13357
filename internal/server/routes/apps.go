package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/server"
	"github.com/any-hub/appshell/internal/worker"
)

// RegisterAppRoutes 暴露 /-/apps 诊断与控制接口。ctx 作为后台消息处理的生命周期，
// 服务关闭时取消即可中止仍在执行的 downloadOffline。
func RegisterAppRoutes(ctx context.Context, app *fiber.App, registry *server.AppRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeApp(c.Context(), route))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, ok := registry.Route(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		return c.JSON(encodeApp(c.Context(), route))
	})

	app.Post("/-/apps/:name/message", func(c fiber.Ctx) error {
		route, ok := registry.Route(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		if route.Lifecycle == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "lifecycle_unavailable"})
		}
		msg := worker.ParseMessage(c.Body())
		if strings.TrimSpace(string(msg)) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_required"})
		}
		fields := logrus.Fields{
			"action":  "message",
			"app":     route.Config.Name,
			"message": string(msg),
		}
		if !msg.Known() {
			logger.WithFields(fields).Debug("message_ignored")
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"app": route.Config.Name, "message": msg, "status": "ignored"})
		}

		if c.Query("wait") == "true" {
			if _, err := route.Lifecycle.PostMessage(c.Context(), msg); err != nil {
				logger.WithFields(fields).WithError(err).Warn("message_failed")
				return c.Status(messageErrorStatus(err)).JSON(fiber.Map{"error": "message_failed", "detail": err.Error()})
			}
			return c.JSON(fiber.Map{"app": route.Config.Name, "message": msg, "status": "done"})
		}

		go func() {
			if _, err := route.Lifecycle.PostMessage(ctx, msg); err != nil {
				logger.WithFields(fields).WithError(err).Warn("message_failed")
				return
			}
			logger.WithFields(fields).Info("message_handled")
		}()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"app": route.Config.Name, "message": msg, "status": "accepted"})
	})
}

type appPayload struct {
	Name     string         `json:"name"`
	Domain   string         `json:"domain"`
	Upstream string         `json:"upstream"`
	Manifest string         `json:"manifest"`
	Watch    bool           `json:"watch_manifest"`
	Status   *worker.Status `json:"lifecycle,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func encodeApp(ctx context.Context, route *server.AppRoute) appPayload {
	payload := appPayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Upstream: route.Config.Upstream,
		Manifest: route.Config.Manifest,
		Watch:    route.Config.WatchManifest,
	}
	if route.Lifecycle == nil {
		return payload
	}
	status, err := route.Lifecycle.Status(ctx)
	payload.Status = &status
	if err != nil {
		payload.Error = err.Error()
	}
	return payload
}

func messageErrorStatus(err error) int {
	if errors.Is(err, worker.ErrNoActiveWorker) {
		return fiber.StatusConflict
	}
	return fiber.StatusBadGateway
}
