package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	// 以普通文件充当父目录，任何用户都无法在其下创建日志文件。
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o600); err != nil {
		t.Fatalf("创建占位文件失败: %v", err)
	}
	manifestPath := filepath.Join(dir, "resources.json")
	if err := os.WriteFile(manifestPath, []byte(`{"resources":{"/":"a","main.dart.js":"b"},"core":["main.dart.js"]}`), 0o600); err != nil {
		t.Fatalf("写入清单失败: %v", err)
	}

	logPath := filepath.Join(blocked, "sub", "appshell.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 5000

[[App]]
Name = "web"
Domain = "app.local"
Upstream = "https://origin.example.com"
Manifest = "%s"
`, logPath, filepath.Join(dir, "storage"), manifestPath))

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d (%s)", code, stdErrBuffer().String())
	}
	t.Log(stdOutBuffer().String())
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
