package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/logging"
	"github.com/any-hub/appshell/internal/manifest"
)

// State 描述 worker 所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// snapshotKey 是 manifest 命名缓存中唯一一条记录的 key。
const snapshotKey = "manifest"

var (
	// ErrNotIntercepted 表示请求不归 worker 处理，应交还给默认网络路径。
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrInstallFailed 表示壳资源下载失败，安装被中止。
	ErrInstallFailed = errors.New("install failed")
	// ErrActivateFailed 表示激活过程出现异常，缓存已整体清空。
	ErrActivateFailed = errors.New("activate failed")
	// ErrNoActiveWorker 表示当前 App 尚无已激活的 worker。
	ErrNoActiveWorker = errors.New("no active worker")
	// ErrInvalidState 表示在错误的生命周期阶段调用了操作。
	ErrInvalidState = errors.New("invalid worker state")
)

// Fetcher 负责从源站拉取资源。target 为相对 origin 的路径（可带查询串），
// reload 为 true 时需绕过所有中间 HTTP 缓存。
type Fetcher interface {
	Fetch(ctx context.Context, target string, reload bool) (*http.Response, error)
}

// FetcherFunc 将函数适配为 Fetcher。
type FetcherFunc func(ctx context.Context, target string, reload bool) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, target string, reload bool) (*http.Response, error) {
	return f(ctx, target, reload)
}

// CacheNames 给出三个命名缓存的名称。
type CacheNames struct {
	Staging  string
	Content  string
	Manifest string
}

// DefaultCacheNames 返回默认命名：临时缓存、内容缓存与清单快照缓存。
func DefaultCacheNames() CacheNames {
	return CacheNames{
		Staging:  "app-temp-cache",
		Content:  "app-cache",
		Manifest: "app-manifest",
	}
}

// Options 为构造 Worker 所需的依赖。
type Options struct {
	App         string
	Manifest    manifest.Manifest
	Store       cache.Store
	Fetcher     Fetcher
	Logger      *logrus.Logger
	Names       CacheNames
	Concurrency int
	// ManualActivation 为 true 时安装完成后停留在 waiting，直到收到 skipWaiting 消息。
	ManualActivation bool
}

// Worker 对应一个清单版本的缓存生命周期实例。
type Worker struct {
	id          string
	app         string
	manifest    manifest.Manifest
	digest      string
	fetcher     Fetcher
	logger      *logrus.Logger
	concurrency int

	manualActivation bool

	staging  cache.Region
	content  cache.Region
	snapshot cache.Region

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	controlling bool
}

// New 校验依赖并构造处于 installing 阶段的 Worker。
func New(opts Options) (*Worker, error) {
	if opts.App == "" {
		return nil, errors.New("app name required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	names := opts.Names
	defaults := DefaultCacheNames()
	if names.Staging == "" {
		names.Staging = defaults.Staging
	}
	if names.Content == "" {
		names.Content = defaults.Content
	}
	if names.Manifest == "" {
		names.Manifest = defaults.Manifest
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		id:          uuid.NewString(),
		app:         opts.App,
		manifest:    opts.Manifest,
		digest:      opts.Manifest.Digest(),
		fetcher:     opts.Fetcher,
		logger:      logger,
		concurrency: concurrency,

		manualActivation: opts.ManualActivation,

		staging:  cache.NewRegion(opts.Store, opts.App, names.Staging),
		content:  cache.NewRegion(opts.Store, opts.App, names.Content),
		snapshot: cache.NewRegion(opts.Store, opts.App, names.Manifest),
		state:    StateInstalling,
	}, nil
}

// ID 返回 worker 的唯一标识。
func (w *Worker) ID() string { return w.id }

// Digest 返回所承载清单的摘要。
func (w *Worker) Digest() string { return w.digest }

// Manifest 返回 worker 绑定的清单。
func (w *Worker) Manifest() manifest.Manifest { return w.manifest }

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaiting 标记 worker 安装后无需等待旧实例退出即可激活。
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// ShouldSkipWaiting 报告是否已请求跳过等待。
func (w *Worker) ShouldSkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Controlling 报告 worker 是否已接管客户端请求。
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.controlling
}

// CachedKeys 返回内容缓存中当前的全部逻辑 key。
func (w *Worker) CachedKeys(ctx context.Context) ([]string, error) {
	return w.content.Keys(ctx)
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// claim 让 worker 立即接管所有客户端请求。
func (w *Worker) claim() {
	w.mu.Lock()
	w.controlling = true
	w.mu.Unlock()
}

// retire 将被替换的 worker 标记为 redundant 并停止接管。
func (w *Worker) retire() {
	w.mu.Lock()
	w.state = StateRedundant
	w.controlling = false
	w.mu.Unlock()
}

func (w *Worker) fields(action string) logrus.Fields {
	return logging.LifecycleFields(action, w.app, w.id, w.digest)
}
