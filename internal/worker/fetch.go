package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/manifest"
)

// Policy 标识请求采用的缓存策略。
type Policy string

const (
	PolicyCacheFirst   Policy = "cache-first"
	PolicyNetworkFirst Policy = "network-first"
)

// Source 标识响应来自缓存还是源站。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Result 是一次被拦截请求的处理结果，调用方负责关闭 Response.Body。
type Result struct {
	Key      string
	Policy   Policy
	Source   Source
	Response *http.Response
}

// CacheHit 报告响应是否直接由内容缓存提供。
func (r *Result) CacheHit() bool {
	return r != nil && r.Source == SourceCache
}

// Fetch 处理一次客户端请求。非 GET 请求、未激活的 worker 或不在清单中的 key
// 都返回 ErrNotIntercepted，调用方应原样透传给源站。
// req.URL 必须是包含 scheme 与 host 的绝对地址。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotIntercepted
	}
	if w.State() != StateActivated {
		return nil, ErrNotIntercepted
	}
	key := manifest.KeyFor(originOf(req.URL), req.URL.String())
	if !w.manifest.Has(key) {
		return nil, ErrNotIntercepted
	}

	target := req.URL.RequestURI()
	if key == manifest.RootKey {
		return w.networkFirst(ctx, key, target)
	}
	return w.cacheFirst(ctx, key, target)
}

// networkFirst 优先请求源站以尽快拿到新版本入口；传输失败时回退到缓存。
func (w *Worker) networkFirst(ctx context.Context, key, target string) (*Result, error) {
	resp, err := w.fetcher.Fetch(ctx, target, false)
	if err != nil {
		cached, cacheErr := w.content.Get(ctx, key)
		if cacheErr == nil {
			w.logger.WithFields(w.fields("fetch")).
				WithField("key", key).
				WithError(err).
				Info("network_fallback_cache")
			return &Result{Key: key, Policy: PolicyNetworkFirst, Source: SourceCache, Response: cached.HTTPResponse()}, nil
		}
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return &Result{Key: key, Policy: PolicyNetworkFirst, Source: SourceNetwork, Response: resp}, nil
	}
	return w.storeAndServe(ctx, key, target, PolicyNetworkFirst, resp)
}

// cacheFirst 命中缓存直接返回，否则请求源站并在成功时写入缓存。
func (w *Worker) cacheFirst(ctx context.Context, key, target string) (*Result, error) {
	cached, err := w.content.Get(ctx, key)
	if err == nil {
		return &Result{Key: key, Policy: PolicyCacheFirst, Source: SourceCache, Response: cached.HTTPResponse()}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithFields(w.fields("fetch")).
			WithField("key", key).
			WithError(err).
			Warn("cache_read_failed")
	}

	resp, err := w.fetcher.Fetch(ctx, target, false)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return &Result{Key: key, Policy: PolicyCacheFirst, Source: SourceNetwork, Response: resp}, nil
	}
	return w.storeAndServe(ctx, key, target, PolicyCacheFirst, resp)
}

// storeAndServe 先将成功响应写入内容缓存，再从缓存返回同一份正文。
// 写入失败时不缓存，重新请求源站直接返回。
func (w *Worker) storeAndServe(ctx context.Context, key, target string, policy Policy, resp *http.Response) (*Result, error) {
	_, putErr := w.content.PutResponse(ctx, key, resp)
	resp.Body.Close()
	if putErr == nil {
		cached, err := w.content.Get(ctx, key)
		if err == nil {
			return &Result{Key: key, Policy: policy, Source: SourceNetwork, Response: cached.HTTPResponse()}, nil
		}
		putErr = err
	}

	w.logger.WithFields(w.fields("fetch")).
		WithField("key", key).
		WithError(putErr).
		Warn("cache_write_failed")
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	fresh, err := w.fetcher.Fetch(ctx, target, false)
	if err != nil {
		return nil, err
	}
	return &Result{Key: key, Policy: policy, Source: SourceNetwork, Response: fresh}, nil
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
