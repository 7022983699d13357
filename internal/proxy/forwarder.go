package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/logging"
	"github.com/any-hub/appshell/internal/server"
)

// Forwarder 包裹实际的 ProxyHandler：缺少回源入口的路由直接返回 503，
// handler panic 被转换为 500 JSON 并记录日志，避免中断整个服务。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 500。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.AppRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondError(c, route, fiber.StatusInternalServerError, "proxy_handler_missing", nil, requestID)
	}
	if route == nil || route.Upstream == nil {
		return f.respondError(c, route, fiber.StatusServiceUnavailable, "upstream_unavailable", nil, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.AppRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondError(c, route, fiber.StatusInternalServerError, "proxy_handler_panic", fmt.Errorf("panic: %v", r), requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondError(c fiber.Ctx, route *server.AppRoute, status int, code string, err error, requestID string) error {
	f.logError(route, code, err, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (f *Forwarder) logError(route *server.AppRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func (f *Forwarder) routeFields(route *server.AppRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "", false)
	} else {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", false)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
