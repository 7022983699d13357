package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/manifest"
)

// RegistrationOptions 描述单个 App 的生命周期控制器依赖。
type RegistrationOptions struct {
	App              string
	Store            cache.Store
	Fetcher          Fetcher
	Logger           *logrus.Logger
	Names            CacheNames
	Concurrency      int
	ManualActivation bool
}

// RetryPolicy 控制安装失败后的重试次数与指数退避起点。
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// Registration 管理某个 App 的 active/waiting worker，串行化所有生命周期迁移。
type Registration struct {
	opts   RegistrationOptions
	logger *logrus.Logger

	// updateMu 串行化 install/activate；gate 让激活期间的新请求等待激活完成。
	updateMu sync.Mutex
	gate     sync.RWMutex

	mu        sync.RWMutex
	active    *Worker
	waiting   *Worker
	lastError string
	updatedAt time.Time
}

// NewRegistration 构造空的 Registration，首个清单通过 Register/Update 安装。
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.App == "" {
		return nil, errors.New("app name required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{opts: opts, logger: logger}, nil
}

// App 返回所属 App 名称。
func (r *Registration) App() string { return r.opts.App }

// Active 返回当前接管请求的 worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已安装但尚未激活的 worker，可能为 nil。
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Update 为新清单安装一个 worker。摘要与当前 worker 相同视为无变化；
// 需要跳过等待或尚无 active worker 时立即激活，旧 worker 随之进入 redundant。
// 激活失败不影响新 worker 接管，错误包装 ErrActivateFailed 返回。
func (r *Registration) Update(ctx context.Context, m manifest.Manifest) (*Worker, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	digest := m.Digest()
	if cur := r.newest(); cur != nil && cur.Digest() == digest {
		return cur, nil
	}

	w, err := New(Options{
		App:              r.opts.App,
		Manifest:         m,
		Store:            r.opts.Store,
		Fetcher:          r.opts.Fetcher,
		Logger:           r.logger,
		Names:            r.opts.Names,
		Concurrency:      r.opts.Concurrency,
		ManualActivation: r.opts.ManualActivation,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Install(ctx); err != nil {
		r.recordError(err)
		return nil, err
	}

	r.mu.Lock()
	if r.waiting != nil {
		r.waiting.retire()
	}
	r.waiting = w
	noActive := r.active == nil
	r.mu.Unlock()

	if noActive || w.ShouldSkipWaiting() {
		return w, r.activateWaiting(ctx)
	}
	r.logger.WithFields(w.fields("update")).Info("worker_waiting")
	return w, nil
}

// Register 以指数退避重试 Update，直到安装成功、重试耗尽或 ctx 结束。
func (r *Registration) Register(ctx context.Context, m manifest.Manifest, policy RetryPolicy) error {
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 0; ; attempt++ {
		_, err := r.Update(ctx, m)
		if err == nil || !errors.Is(err, ErrInstallFailed) || attempt >= policy.MaxRetries {
			return err
		}
		r.logger.WithFields(logrus.Fields{
			"action":  "register",
			"app":     r.opts.App,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).WithError(err).Warn("install_retry")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

// Fetch 交由 active worker 处理请求；没有 active worker 时返回 ErrNotIntercepted。
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	r.gate.RLock()
	defer r.gate.RUnlock()
	w := r.Active()
	if w == nil {
		return nil, ErrNotIntercepted
	}
	return w.Fetch(ctx, req)
}

// PostMessage 投递控制消息：skipWaiting 作用于 waiting worker 并触发激活，
// downloadOffline 作用于 active worker。返回值报告消息是否被识别。
func (r *Registration) PostMessage(ctx context.Context, msg Message) (bool, error) {
	switch msg {
	case MessageSkipWaiting:
		r.updateMu.Lock()
		defer r.updateMu.Unlock()
		w := r.Waiting()
		if w == nil {
			return true, nil
		}
		w.SkipWaiting()
		return true, r.activateWaiting(ctx)
	case MessageDownloadOffline:
		// 持有读闸门，激活需等待离线下载结束后才能回收内容缓存。
		r.gate.RLock()
		defer r.gate.RUnlock()
		w := r.Active()
		if w == nil {
			return true, ErrNoActiveWorker
		}
		_, err := w.DownloadOffline(ctx)
		return true, err
	default:
		r.logger.WithFields(logrus.Fields{
			"action":  "message",
			"app":     r.opts.App,
			"message": string(msg),
		}).Debug("message_ignored")
		return false, nil
	}
}

// activateWaiting 激活 waiting worker 并替换 active，调用方须持有 updateMu。
func (r *Registration) activateWaiting(ctx context.Context) error {
	w := r.Waiting()
	if w == nil {
		return nil
	}

	r.gate.Lock()
	err := w.Activate(ctx)
	r.mu.Lock()
	prev := r.active
	r.active = w
	r.waiting = nil
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
	r.gate.Unlock()

	if prev != nil {
		prev.retire()
	}
	if err != nil {
		r.recordError(err)
		return err
	}
	r.recordError(nil)
	r.logger.WithFields(w.fields("activate")).Info("worker_activated")
	return nil
}

// newest 返回最近安装的 worker（waiting 优先）。
func (r *Registration) newest() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.waiting != nil {
		return r.waiting
	}
	return r.active
}

func (r *Registration) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.lastError = ""
		return
	}
	r.lastError = err.Error()
}

// WorkerStatus 是单个 worker 的诊断快照。
type WorkerStatus struct {
	ID          string `json:"id"`
	State       State  `json:"state"`
	Digest      string `json:"digest"`
	Controlling bool   `json:"controlling"`
	Resources   int    `json:"resources"`
	Core        int    `json:"core"`
}

// Status 汇总 Registration 的诊断信息。
type Status struct {
	App       string        `json:"app"`
	Active    *WorkerStatus `json:"active,omitempty"`
	Waiting   *WorkerStatus `json:"waiting,omitempty"`
	Cached    int           `json:"cached"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// Status 返回当前快照；Cached 为内容缓存中的条目数。
func (r *Registration) Status(ctx context.Context) (Status, error) {
	r.mu.RLock()
	status := Status{
		App:       r.opts.App,
		Active:    workerStatus(r.active),
		Waiting:   workerStatus(r.waiting),
		LastError: r.lastError,
		UpdatedAt: r.updatedAt,
	}
	active := r.active
	r.mu.RUnlock()

	if active != nil {
		keys, err := active.CachedKeys(ctx)
		if err != nil {
			return status, fmt.Errorf("list cached keys: %w", err)
		}
		status.Cached = len(keys)
	}
	return status, nil
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	m := w.Manifest()
	return &WorkerStatus{
		ID:          w.ID(),
		State:       w.State(),
		Digest:      w.Digest(),
		Controlling: w.Controlling(),
		Resources:   len(m.Resources),
		Core:        len(m.Core),
	}
}
