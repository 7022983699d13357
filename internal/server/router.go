package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler serves every request whose Host belongs to an App.
type ProxyHandler interface {
	Handle(fiber.Ctx, *AppRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *AppRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *AppRoute) error {
	return f(c, route)
}

// AppOptions 描述单个监听端口上的 Fiber 应用。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *AppRegistry
	Proxy      ProxyHandler
	ListenPort int
}

func (o AppOptions) validate() error {
	switch {
	case o.Logger == nil:
		return errors.New("logger is required")
	case o.Registry == nil:
		return errors.New("app registry is required")
	case o.Proxy == nil:
		return errors.New("proxy handler is required")
	case o.ListenPort <= 0:
		return fmt.Errorf("invalid listen port: %d", o.ListenPort)
	}
	return nil
}

const (
	contextKeyRoute     = "_appshell_route"
	contextKeyRequestID = "_appshell_request_id"

	// controlPrefix 是控制面路径前缀，只在不属于任何 App 的 Host 上开放。
	controlPrefix = "/-/"
)

// NewApp 构建 Fiber 应用。请求按 Host 分为两类：
//   - App 的 Host：所有路径（包括 /-/ 开头的资源）都交给 ProxyHandler；
//   - 其他 Host：只开放控制面路由（/-/apps 等，由 routes 包注册），其余返回 host_unmapped。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(appScopeMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if route, ok := routeFromContext(c); ok {
			return opts.Proxy.Handle(c, route)
		}
		return c.Next()
	})

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// appScopeMiddleware 基于 Host/Host:port 将请求归属到 App。
func appScopeMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		host := strings.TrimSpace(hostHeader(c))
		if route, ok := opts.Registry.Lookup(host); ok {
			c.Locals(contextKeyRoute, route)
			return c.Next()
		}
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return renderHostUnmapped(c, opts.Logger, host, opts.ListenPort)
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
		"path":   string(c.Request().URI().Path()),
	}).Warn("host unmapped")

	if host != "" {
		c.Set("X-Appshell-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func routeFromContext(c fiber.Ctx) (*AppRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*AppRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, controlPrefix)
}
