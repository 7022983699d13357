package config

import (
	"path/filepath"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "web"
Domain = "app.local"
Upstream = "https://origin.example.com"
Manifest = "resources.json"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsAppLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "web"
Domain = "app.local"
Port = 6000
Upstream = "https://origin.example.com"
Manifest = "resources.json"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("App 级 Port 应被拒绝")
	}
	if _, ok := err.(FieldError); !ok {
		t.Fatalf("expected FieldError, got %T", err)
	}
}

func TestLoadResolvesManifestRelativeToConfig(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "web"
Domain = "app.local"
Upstream = "https://origin.example.com"
Manifest = "build/resources.json"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "build", "resources.json")
	if loaded.Apps[0].Manifest != want {
		t.Fatalf("expected manifest path %s, got %s", want, loaded.Apps[0].Manifest)
	}
}
