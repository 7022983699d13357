package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/config"
	"github.com/any-hub/appshell/internal/manifest"
	"github.com/any-hub/appshell/internal/worker"
)

// AttachLifecycles 为每个 App 创建生命周期控制器，共享同一个磁盘缓存。
func (r *AppRegistry) AttachLifecycles(cfg *config.Config, store cache.Store, logger *logrus.Logger) error {
	if r == nil {
		return nil
	}
	for _, route := range r.ordered {
		reg, err := worker.NewRegistration(worker.RegistrationOptions{
			App:              route.Config.Name,
			Store:            store,
			Fetcher:          route.Upstream,
			Logger:           logger,
			Concurrency:      cfg.Global.OfflineConcurrency,
			ManualActivation: route.Config.ManualActivation,
		})
		if err != nil {
			return fmt.Errorf("app %s: %w", route.Config.Name, err)
		}
		route.Lifecycle = reg
	}
	return nil
}

// InstallAll 依次加载每个 App 的清单并完成 install/activate。单个 App 失败不会阻塞其他 App，
// 对应 App 保持透传，错误记录在日志与诊断接口中。
func (r *AppRegistry) InstallAll(ctx context.Context, cfg *config.Config, logger *logrus.Logger) {
	policy := retryPolicy(cfg)
	for _, route := range r.List() {
		if route.Lifecycle == nil {
			continue
		}
		fields := logrus.Fields{
			"action": "install",
			"app":    route.Config.Name,
			"domain": route.Config.Domain,
		}
		m, err := route.LoadManifest()
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("manifest_load_failed")
			continue
		}
		if err := route.Lifecycle.Register(ctx, m, policy); err != nil {
			if errors.Is(err, worker.ErrActivateFailed) {
				// 激活失败后 worker 仍以冷缓存接管请求。
				logger.WithFields(fields).WithError(err).Warn("app_ready_cold_cache")
				continue
			}
			logger.WithFields(fields).WithError(err).Error("register_failed")
			continue
		}
		fields["digest"] = m.Digest()
		logger.WithFields(fields).Info("app_ready")
	}
}

// WatchManifests 为开启 WatchManifest 的 App 监听清单文件，新部署按全局重试策略安装。
// 返回的 wait 函数在 ctx 结束且全部 watcher 退出后返回。
func (r *AppRegistry) WatchManifests(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (wait func()) {
	policy := retryPolicy(cfg)
	var wg sync.WaitGroup
	for _, route := range r.List() {
		if !route.Config.WatchManifest || route.Lifecycle == nil {
			continue
		}
		fields := logrus.Fields{
			"action": "watch_manifest",
			"app":    route.Config.Name,
			"path":   route.Config.Manifest,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			onChange := func(m manifest.Manifest) {
				m = m.WithCore(route.Config.Core)
				if err := route.Lifecycle.Register(ctx, m, policy); err != nil {
					logger.WithFields(fields).WithError(err).Warn("manifest_update_failed")
					return
				}
				logger.WithFields(fields).WithField("digest", m.Digest()).Info("manifest_updated")
			}
			onError := func(err error) {
				logger.WithFields(fields).WithError(err).Warn("manifest_reload_failed")
			}
			if err := manifest.Watch(ctx, route.Config.Manifest, onChange, onError); err != nil {
				logger.WithFields(fields).WithError(err).Error("manifest_watch_failed")
			}
		}()
	}
	return wg.Wait
}

func retryPolicy(cfg *config.Config) worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	}
}
