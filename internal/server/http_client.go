package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/appshell/internal/config"
	"github.com/any-hub/appshell/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回回源使用的 http.Client；proxyURL 非空时覆盖环境变量代理。
func NewUpstreamClient(cfg *config.Config, proxyURL *url.URL) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		// 重定向交给客户端处理，缓存只保存源站的原始响应。
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// UpstreamFetcher 面向单个 App 源站发起请求，同时服务 worker 与透传路径。
type UpstreamFetcher struct {
	client *http.Client
	base   *url.URL
}

// NewUpstreamFetcher 绑定 client 与源站地址。
func NewUpstreamFetcher(client *http.Client, base *url.URL) *UpstreamFetcher {
	return &UpstreamFetcher{client: client, base: base}
}

// Fetch 实现 worker.Fetcher：以 GET 请求 target；reload 时要求所有中间缓存重新验证。
func (f *UpstreamFetcher) Fetch(ctx context.Context, target string, reload bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.Resolve(target), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent())
	if reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	return resp, nil
}

// Do 透传任意客户端请求，调用方负责设置方法、头与正文。
func (f *UpstreamFetcher) Do(req *http.Request) (*http.Response, error) {
	return f.client.Do(req)
}

// Resolve 将相对路径（可带查询串）拼接到源站地址上，保留源站自带的路径前缀。
// target 视为已转义的 origin-form，原样保留其中的 %XX 序列。
func (f *UpstreamFetcher) Resolve(target string) string {
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	base := *f.base
	escaped, query, _ := strings.Cut(target, "?")
	escaped = strings.TrimSuffix(base.EscapedPath(), "/") + escaped
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		decoded = escaped
	}
	base.Path = decoded
	base.RawPath = escaped
	base.RawQuery = query
	base.Fragment = ""
	return base.String()
}

func userAgent() string {
	return "appshell/" + version.Version
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
