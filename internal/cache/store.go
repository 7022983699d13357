package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<App>/<Cache>/<key>.body        # 实际正文
//	<StoragePath>/<App>/<Cache>/<key>.meta.json   # 状态码、响应头与逻辑 key
//
// 根路径 "/" 以 __root__ 存储。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入响应正文与元数据，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// Keys 返回指定命名缓存中全部逻辑 key（已排序）；缓存不存在时返回空切片。
	Keys(ctx context.Context, app, cacheName string) ([]string, error)

	// Drop 删除整个命名缓存，对应 caches.delete。
	Drop(ctx context.Context, app, cacheName string) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
	Status  int
	Header  http.Header
}

// Locator 唯一定位一个缓存条目（App + 命名缓存 + 逻辑 key）。
type Locator struct {
	App   string
	Cache string
	Path  string
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及响应元数据。
type Entry struct {
	Locator   Locator     `json:"locator"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
