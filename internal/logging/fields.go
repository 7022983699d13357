package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/缓存策略与命中状态字段，供代理请求日志复用。
func RequestFields(app, domain, key, policy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":       app,
		"domain":    domain,
		"key":       key,
		"policy":    policy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述 worker 生命周期事件（install/activate/message）的公共字段。
func LifecycleFields(action, app, workerID, digest string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"app":       app,
		"worker_id": workerID,
		"digest":    digest,
	}
}
