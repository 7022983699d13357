// Package manifest 描述一次部署的资源清单（逻辑 key → 内容指纹）与壳资源列表，
// 并提供版本比对、缺失计算以及请求 URL 到逻辑 key 的换算。
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RootKey 是主文档的逻辑 key。
const RootKey = "/"

// Resources 为逻辑 key → 指纹映射，对应一次部署的完整资源集合。
type Resources map[string]string

// Manifest 描述一个部署版本：资源集合 + 安装阶段必须就绪的壳资源。
type Manifest struct {
	Resources Resources `json:"resources"`
	Core      []string  `json:"core"`
}

// ErrEmptyManifest 表示清单中没有任何资源。
var ErrEmptyManifest = errors.New("manifest has no resources")

// Validate 确保资源非空，且每个壳资源都出现在资源集合中。
func (m Manifest) Validate() error {
	if len(m.Resources) == 0 {
		return ErrEmptyManifest
	}
	for _, key := range m.Core {
		if _, ok := m.Resources[key]; !ok {
			return fmt.Errorf("core resource %q not listed in resources", key)
		}
	}
	return nil
}

// Has 报告 key 是否属于当前清单。空指纹视为不存在。
func (m Manifest) Has(key string) bool {
	return m.Resources[key] != ""
}

// Keys 返回排序后的全部资源 key。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m.Resources))
	for key := range m.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stale 判断缓存中的 key 在升级到 m 之后是否失效：
// 新清单不包含该 key，或指纹与上一版快照 prev 不同。
func (m Manifest) Stale(prev Resources, key string) bool {
	current := m.Resources[key]
	if current == "" {
		return true
	}
	return current != prev[key]
}

// Missing 返回清单中尚未出现在 cached 里的 key（已排序）。
func (m Manifest) Missing(cached []string) []string {
	present := make(map[string]struct{}, len(cached))
	for _, key := range cached {
		present[key] = struct{}{}
	}
	var missing []string
	for _, key := range m.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// WithCore 返回替换了壳资源列表的副本；core 为空时原样返回。
func (m Manifest) WithCore(core []string) Manifest {
	if len(core) == 0 {
		return m
	}
	m.Core = append([]string(nil), core...)
	return m
}

// Digest 返回资源集合与壳资源列表的稳定 sha256，用于识别部署版本。
func (m Manifest) Digest() string {
	raw, _ := json.Marshal(struct {
		Resources Resources `json:"resources"`
		Core      []string  `json:"core"`
	}{m.Resources, m.Core})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Snapshot 序列化资源集合，写入 manifest 命名缓存。
func (m Manifest) Snapshot() ([]byte, error) {
	return json.Marshal(m.Resources)
}

// ParseSnapshot 解析上一次激活保存的资源集合快照。
func ParseSnapshot(raw []byte) (Resources, error) {
	var res Resources
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode manifest snapshot: %w", err)
	}
	if res == nil {
		return nil, errors.New("decode manifest snapshot: null document")
	}
	return res, nil
}

// KeyFor 按 origin 计算请求 URL 的逻辑 key：截掉 origin + "/"，去掉 ?v= 缓存破坏参数，
// 裸 origin、origin/#片段以及空 key 均归一为 "/"。
func KeyFor(origin, rawURL string) string {
	origin = strings.TrimRight(origin, "/")
	if rawURL == origin || strings.HasPrefix(rawURL, origin+"/#") {
		return RootKey
	}
	if !strings.HasPrefix(rawURL, origin+"/") {
		// 跨源请求保留原始 URL，不会命中任何清单 key。
		return rawURL
	}
	key := rawURL[len(origin)+1:]
	if idx := strings.Index(key, "?v="); idx != -1 {
		key = key[:idx]
	}
	if key == "" {
		key = RootKey
	}
	return key
}
