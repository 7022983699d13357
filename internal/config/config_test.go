package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应该为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.InitialBackoff.DurationValue() != time.Second {
		t.Fatalf("InitialBackoff 应该自动填充默认值")
	}
	if cfg.Global.MaxRetries != 5 {
		t.Fatalf("MaxRetries 默认值应为 5，得到 %d", cfg.Global.MaxRetries)
	}
	if cfg.Global.OfflineConcurrency != 2 {
		t.Fatalf("OfflineConcurrency 应被解析")
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Apps[0].Upstream != "https://origin.example.com" {
		t.Fatalf("Upstream 末尾斜杠应被去除，得到 %s", cfg.Apps[0].Upstream)
	}
}

func TestValidateRejectsBadApp(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateAppFields(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*AppConfig)
		shouldErr bool
	}{
		{"valid", func(*AppConfig) {}, false},
		{"missing manifest", func(a *AppConfig) { a.Manifest = "" }, true},
		{"path in name", func(a *AppConfig) { a.Name = "../web" }, true},
		{"domain with scheme", func(a *AppConfig) { a.Domain = "http://app.local" }, true},
		{"ftp upstream", func(a *AppConfig) { a.Upstream = "ftp://origin" }, true},
		{"bad proxy", func(a *AppConfig) { a.Proxy = "socks" }, true},
		{"empty core entry", func(a *AppConfig) { a.Core = []string{"index.html", " "} }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Apps[0])
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Apps = append(cfg.Apps, cfg.Apps[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的 App 名称应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			MaxRetries:         1,
			InitialBackoff:     Duration(time.Second),
			UpstreamTimeout:    Duration(time.Second),
			OfflineConcurrency: 1,
		},
		Apps: []AppConfig{
			{
				Name:     "web",
				Domain:   "app.local",
				Upstream: "https://origin.example.com",
				Manifest: "resources.json",
			},
		},
	}
}
