package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/logging"
	"github.com/any-hub/appshell/internal/server"
	"github.com/any-hub/appshell/internal/worker"
)

// policyPassthrough 标记未被生命周期拦截、直接透传源站的请求。
const policyPassthrough = "passthrough"

// Handler 将请求交给 App 的生命周期控制器；未被拦截的请求原样透传源站。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared logger.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler：先尝试 worker 拦截，失败时输出结构化日志并返回 502。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if route.Lifecycle != nil && c.Method() == http.MethodGet {
		req, err := buildClientRequest(ctx, c)
		if err != nil {
			return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
		}
		result, err := route.Lifecycle.Fetch(ctx, req)
		switch {
		case err == nil:
			return h.serveResult(c, route, result, requestID, started)
		case errors.Is(err, worker.ErrNotIntercepted):
		default:
			h.logResult(route, requestPath(c), "", requestID, 0, false, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}

	return h.passThrough(c, route, requestID, started)
}

// serveResult 输出 worker 产生的响应，无论来自缓存还是源站。
func (h *Handler) serveResult(c fiber.Ctx, route *server.AppRoute, result *worker.Result, requestID string, started time.Time) error {
	resp := result.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Shell-Cache-Hit", strconv.FormatBool(result.CacheHit()))
	c.Set("X-Shell-Cache-Policy", string(result.Policy))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, result.Key, string(result.Policy), requestID, resp.StatusCode, result.CacheHit(), started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("stream response failed: %v", err))
	}
	return nil
}

// passThrough 透明转发请求到源站，不读写任何缓存。
func (h *Handler) passThrough(c fiber.Ctx, route *server.AppRoute, requestID string, started time.Time) error {
	req, err := buildUpstreamRequest(c, route, route.Upstream.Resolve(requestTarget(c)))
	if err != nil {
		h.logResult(route, requestPath(c), policyPassthrough, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := route.Upstream.Do(req)
	if err != nil {
		h.logResult(route, requestPath(c), policyPassthrough, requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Shell-Cache-Hit", "false")
	c.Set("X-Shell-Cache-Policy", policyPassthrough)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, requestPath(c), policyPassthrough, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, requestPath(c), policyPassthrough, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildClientRequest 以客户端看到的绝对地址还原请求，供 worker 计算逻辑 key。
func buildClientRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	rawURL := c.Scheme() + "://" + c.Host() + requestTarget(c)
	req, err := http.NewRequestWithContext(ctx, c.Method(), rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	return req, nil
}

// requestTarget 返回 origin-form 的请求目标：保留原始转义的路径与查询串。
// absolute-form 请求行（GET http://host/path）同样只取路径部分。
func requestTarget(c fiber.Ctx) string {
	uri := c.Request().URI()
	target := string(uri.PathOriginal())
	if !strings.HasPrefix(target, "/") {
		target = string(uri.Path())
	}
	if target == "" {
		target = "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	return target
}

func buildUpstreamRequest(c fiber.Ctx, route *server.AppRoute, upstream string) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream, bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	if route.UpstreamURL != nil {
		req.Host = route.UpstreamURL.Host
	}
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	key string,
	policy string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, key, policy, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return ""
	}
	return strconv.Itoa(route.ListenPort)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
