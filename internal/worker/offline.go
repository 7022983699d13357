package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// DownloadOffline 补齐内容缓存中缺失的清单资源，使应用可以完全离线运行。
// 已缓存的 key 不会重新下载；返回本次成功写入的条目数，失败条目的错误合并返回。
func (w *Worker) DownloadOffline(ctx context.Context) (int, error) {
	cached, err := w.content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content cache: %w", err)
	}
	missing := w.manifest.Missing(cached)
	if len(missing) == 0 {
		w.logger.WithFields(w.fields("download_offline")).Debug("offline_complete")
		return 0, nil
	}

	var fetched atomic.Int64
	p := pool.New().WithMaxGoroutines(w.concurrency).WithContext(ctx)
	for _, key := range missing {
		p.Go(func(ctx context.Context) error {
			if err := w.fetchInto(ctx, w.content, key, false); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			fetched.Add(1)
			return nil
		})
	}
	err = p.Wait()

	entry := w.logger.WithFields(w.fields("download_offline")).WithFields(logrus.Fields{
		"missing": len(missing),
		"fetched": fetched.Load(),
	})
	if err != nil {
		entry.WithError(err).Warn("offline_incomplete")
	} else {
		entry.Info("offline_complete")
	}
	return int(fetched.Load()), err
}
