package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	resourcesLiteral = regexp.MustCompile(`(?s)const\s+RESOURCES\s*=\s*(\{.*?\})\s*;`)
	coreLiteral      = regexp.MustCompile(`(?s)const\s+CORE\s*=\s*(\[.*?\])\s*;`)
)

// Load 读取清单文件：.js 视为构建产物中的 service worker 脚本，其余按 JSON 解析。
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if strings.EqualFold(filepath.Ext(path), ".js") {
		m, err = ParseServiceWorker(raw)
	} else {
		m, err = ParseJSON(raw)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseJSON 解析 {"resources": {...}, "core": [...]} 形式的清单。
func ParseJSON(raw []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ParseServiceWorker 从生成的 flutter_service_worker.js 中提取 RESOURCES 与 CORE 字面量。
func ParseServiceWorker(src []byte) (Manifest, error) {
	res := resourcesLiteral.FindSubmatch(src)
	if res == nil {
		return Manifest{}, errors.New("RESOURCES literal not found")
	}
	var m Manifest
	if err := json.Unmarshal(res[1], &m.Resources); err != nil {
		return Manifest{}, fmt.Errorf("decode RESOURCES: %w", err)
	}
	if core := coreLiteral.FindSubmatch(src); core != nil {
		if err := json.Unmarshal(core[1], &m.Core); err != nil {
			return Manifest{}, fmt.Errorf("decode CORE: %w", err)
		}
	}
	return m, nil
}
