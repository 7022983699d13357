package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/manifest"
)

// Install 以绕过 HTTP 缓存的方式下载全部壳资源到临时缓存。任一资源失败即中止安装，
// worker 进入 redundant，由 Registration 按退避策略重新安装。
func (w *Worker) Install(ctx context.Context) error {
	if state := w.State(); state != StateInstalling {
		return fmt.Errorf("%w: install in state %s", ErrInvalidState, state)
	}
	if !w.manualActivation {
		w.SkipWaiting()
	}

	// 上一次失败安装残留的条目不能被激活阶段提升。
	if err := w.staging.Drop(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: reset staging: %w", ErrInstallFailed, err)
	}

	for _, key := range w.manifest.Core {
		if err := w.fetchInto(ctx, w.staging, key, true); err != nil {
			w.setState(StateRedundant)
			w.logger.WithFields(w.fields("install")).
				WithField("key", key).
				WithError(err).
				Warn("install_failed")
			return fmt.Errorf("%w: %s: %w", ErrInstallFailed, key, err)
		}
	}

	w.setState(StateInstalled)
	w.logger.WithFields(w.fields("install")).
		WithField("core", len(w.manifest.Core)).
		Info("install_complete")
	return nil
}

// Activate 用临时缓存与上一版清单快照调和内容缓存。任何异常都会整体清空三个命名缓存，
// worker 仍进入 activated（冷缓存），失败以 ErrActivateFailed 返回供调用方上报。
func (w *Worker) Activate(ctx context.Context) error {
	if state := w.State(); state != StateInstalled {
		return fmt.Errorf("%w: activate in state %s", ErrInvalidState, state)
	}
	w.setState(StateActivating)

	if err := w.reconcile(ctx); err != nil {
		w.logger.WithFields(w.fields("activate")).WithError(err).Error("activate_failed")
		if tdErr := w.teardown(context.WithoutCancel(ctx)); tdErr != nil {
			w.logger.WithFields(w.fields("activate")).WithError(tdErr).Error("cache_teardown_failed")
		}
		w.setState(StateActivated)
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	w.setState(StateActivated)
	w.claim()
	return nil
}

func (w *Worker) reconcile(ctx context.Context) error {
	prev, found, err := w.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	evicted := 0
	if !found {
		// 没有历史快照时内容缓存的来历无法确认，整体重建。
		if err := w.content.Drop(ctx); err != nil {
			return fmt.Errorf("reset content cache: %w", err)
		}
	} else {
		keys, err := w.content.Keys(ctx)
		if err != nil {
			return fmt.Errorf("list content cache: %w", err)
		}
		for _, key := range keys {
			if !w.manifest.Stale(prev, key) {
				continue
			}
			if err := w.content.Remove(ctx, key); err != nil {
				return fmt.Errorf("evict %s: %w", key, err)
			}
			evicted++
		}
	}

	promoted, err := w.staging.CopyTo(ctx, w.content)
	if err != nil {
		return fmt.Errorf("promote staging: %w", err)
	}
	if err := w.staging.Drop(ctx); err != nil {
		return fmt.Errorf("drop staging: %w", err)
	}
	if err := w.saveSnapshot(ctx); err != nil {
		return err
	}

	w.logger.WithFields(w.fields("activate")).WithFields(logrus.Fields{
		"first_install": !found,
		"evicted":       evicted,
		"promoted":      promoted,
	}).Info("activate_complete")
	return nil
}

// teardown 删除全部命名缓存，下次激活将从空状态重建。
func (w *Worker) teardown(ctx context.Context) error {
	var err error
	err = multierr.Append(err, w.content.Drop(ctx))
	err = multierr.Append(err, w.staging.Drop(ctx))
	err = multierr.Append(err, w.snapshot.Drop(ctx))
	return err
}

func (w *Worker) loadSnapshot(ctx context.Context) (manifest.Resources, bool, error) {
	result, err := w.snapshot.Get(ctx, snapshotKey)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open manifest snapshot: %w", err)
	}
	defer result.Reader.Close()

	raw, err := io.ReadAll(result.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("read manifest snapshot: %w", err)
	}
	prev, err := manifest.ParseSnapshot(raw)
	if err != nil {
		return nil, false, err
	}
	return prev, true, nil
}

func (w *Worker) saveSnapshot(ctx context.Context) error {
	raw, err := w.manifest.Snapshot()
	if err != nil {
		return fmt.Errorf("encode manifest snapshot: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if _, err := w.snapshot.Put(ctx, snapshotKey, bytes.NewReader(raw), cache.PutOptions{Header: header}); err != nil {
		return fmt.Errorf("write manifest snapshot: %w", err)
	}
	return nil
}

// fetchInto 拉取 key 并写入 region；非 2xx 响应视为失败，不会写入。
func (w *Worker) fetchInto(ctx context.Context, region cache.Region, key string, reload bool) error {
	resp, err := w.fetcher.Fetch(ctx, targetForKey(key), reload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !isOK(resp.StatusCode) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	_, err = region.PutResponse(ctx, key, resp)
	return err
}

// targetForKey 将逻辑 key 还原为相对 origin 的请求路径。
func targetForKey(key string) string {
	if key == manifest.RootKey {
		return "/"
	}
	return "/" + key
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}
