package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
)

// ErrStoreUnavailable 表示 Region 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Region 是绑定到某个 App 的命名缓存句柄（对应浏览器 caches.open(name) 的结果）。
type Region struct {
	store Store
	app   string
	name  string
}

// NewRegion 构造命名缓存句柄；目录在首次写入时才会创建。
func NewRegion(store Store, app, name string) Region {
	return Region{store: store, app: app, name: name}
}

// Name 返回命名缓存的名称。
func (r Region) Name() string {
	return r.name
}

// Locator 返回 key 在当前 Region 下的定位信息。
func (r Region) Locator(key string) Locator {
	return Locator{App: r.app, Cache: r.name, Path: key}
}

func (r Region) Get(ctx context.Context, key string) (*ReadResult, error) {
	if r.store == nil {
		return nil, ErrStoreUnavailable
	}
	return r.store.Get(ctx, r.Locator(key))
}

func (r Region) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if r.store == nil {
		return nil, ErrStoreUnavailable
	}
	return r.store.Put(ctx, r.Locator(key), body, opts)
}

// PutResponse 写入一个上游响应，保留状态码与响应头；调用方负责关闭 resp.Body。
func (r Region) PutResponse(ctx context.Context, key string, resp *http.Response) (*Entry, error) {
	return r.Put(ctx, key, resp.Body, PutOptions{
		Status: resp.StatusCode,
		Header: storableHeader(resp.Header),
	})
}

func (r Region) Remove(ctx context.Context, key string) error {
	if r.store == nil {
		return ErrStoreUnavailable
	}
	return r.store.Remove(ctx, r.Locator(key))
}

func (r Region) Keys(ctx context.Context) ([]string, error) {
	if r.store == nil {
		return nil, ErrStoreUnavailable
	}
	return r.store.Keys(ctx, r.app, r.name)
}

func (r Region) Drop(ctx context.Context) error {
	if r.store == nil {
		return ErrStoreUnavailable
	}
	return r.store.Drop(ctx, r.app, r.name)
}

// CopyTo 将当前 Region 的全部条目逐个复制到 dst，已存在的 key 会被覆盖。
func (r Region) CopyTo(ctx context.Context, dst Region) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, key := range keys {
		result, err := r.Get(ctx, key)
		if err != nil {
			return copied, fmt.Errorf("read %s/%s: %w", r.name, key, err)
		}
		_, err = dst.Put(ctx, key, result.Reader, PutOptions{
			Status: result.Entry.Status,
			Header: result.Entry.Header,
		})
		result.Reader.Close()
		if err != nil {
			return copied, fmt.Errorf("write %s/%s: %w", dst.name, key, err)
		}
		copied++
	}
	return copied, nil
}

// HTTPResponse 将缓存条目还原为 http.Response，Body 直接复用文件句柄。
func (r *ReadResult) HTTPResponse() *http.Response {
	header := http.Header{}
	if r.Entry.Header != nil {
		header = r.Entry.Header.Clone()
	}
	if header.Get("Content-Type") == "" {
		if ct := inferContentType(r.Entry.Locator.Path); ct != "" {
			header.Set("Content-Type", ct)
		}
	}
	header.Set("Content-Length", strconv.FormatInt(r.Entry.SizeBytes, 10))
	status := r.Entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          r.Reader,
		ContentLength: r.Entry.SizeBytes,
	}
}

// inferContentType 依据 key 扩展名推断类型，根路径按 HTML 处理。
func inferContentType(key string) string {
	if key == "" || key == "/" {
		return "text/html; charset=utf-8"
	}
	switch ext := path.Ext(key); ext {
	case "":
		return ""
	case ".wasm":
		return "application/wasm"
	case ".symbols", ".frag":
		return "application/octet-stream"
	default:
		return mime.TypeByExtension(ext)
	}
}

// storableHeader 去除与具体连接或编码绑定、不应随缓存正文保存的响应头。
func storableHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := h.Clone()
	for _, key := range []string{
		"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length",
		"Set-Cookie", "Date", "Proxy-Connection", "Trailer", "Upgrade",
	} {
		out.Del(key)
	}
	return out
}
