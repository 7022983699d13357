package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/appshell/internal/config"
	"github.com/any-hub/appshell/internal/manifest"
	"github.com/any-hub/appshell/internal/worker"
)

// AppRoute 将 App 配置与派生属性（解析后的 Upstream/Proxy URL、生命周期控制器）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type AppRoute struct {
	// Config 是用户在 config.toml 中声明的 App 字段副本，避免外部修改。
	Config config.AppConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成，便于后续请求快速复用。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Lifecycle 由 AttachLifecycles 注入；为 nil 时所有请求直接透传。
	Lifecycle *worker.Registration
	// Upstream 是该 App 的回源入口，透传与 worker 共用同一个客户端。
	Upstream *UpstreamFetcher
}

// LoadManifest 读取配置指向的资源清单，并应用 Core 覆盖。
func (r *AppRoute) LoadManifest() (manifest.Manifest, error) {
	m, err := manifest.Load(r.Config.Manifest)
	if err != nil {
		return manifest.Manifest{}, err
	}
	m = m.WithCore(r.Config.Core)
	if err := m.Validate(); err != nil {
		return manifest.Manifest{}, fmt.Errorf("app %s: %w", r.Config.Name, err)
	}
	return m, nil
}

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有 App 共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	byName  map[string]*AppRoute
	ordered []*AppRoute
}

// NewAppRegistry 根据配置构建 Host/端口映射。调用方应在启动阶段创建一次并复用。
func NewAppRegistry(cfg *config.Config) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
		byName: make(map[string]*AppRoute, len(cfg.Apps)),
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for app %s", app.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[app.Name]; exists {
			return nil, fmt.Errorf("duplicate app name %s", app.Name)
		}

		route, err := buildAppRoute(cfg, app)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[app.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Route 按 App 名称查找，供诊断与控制接口使用。
func (r *AppRegistry) Route(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 AppRoute 列表（按配置定义的顺序）。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*AppRoute(nil), r.ordered...)
}

func buildAppRoute(cfg *config.Config, app config.AppConfig) (*AppRoute, error) {
	upstreamURL, err := url.Parse(app.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for app %s: %w", app.Name, err)
	}

	var proxyURL *url.URL
	if app.HasProxy() {
		proxyURL, err = url.Parse(app.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for app %s: %w", app.Name, err)
		}
	}

	return &AppRoute{
		Config:      app,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		Upstream:    NewUpstreamFetcher(NewUpstreamClient(cfg, proxyURL), upstreamURL),
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
