package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/config"
	"github.com/any-hub/appshell/internal/manifest"
	"github.com/any-hub/appshell/internal/proxy"
	"github.com/any-hub/appshell/internal/server"
	"github.com/any-hub/appshell/internal/server/routes"
)

const (
	manifestV1 = `{"resources":{"/":"root-1","index.html":"index-1","main.dart.js":"main-1","assets/logo.png":"logo-1","assets/font.otf":"font-1"},"core":["main.dart.js","index.html"]}`
	manifestV2 = `{"resources":{"/":"root-1","index.html":"index-1","main.dart.js":"main-2","assets/logo.png":"logo-1","assets/new.json":"new-1"},"core":["main.dart.js","index.html"]}`
)

type shellEnv struct {
	app      *fiber.App
	registry *server.AppRegistry
	origin   *originStub
	manifest string
}

func newShellEnv(t *testing.T) *shellEnv {
	t.Helper()

	origin := newOriginStub(t, map[string]string{
		"/":                "<html>root</html>",
		"/index.html":      "<html>index</html>",
		"/main.dart.js":    "main v1",
		"/assets/logo.png": "logo v1",
		"/assets/font.otf": "font v1",
	})

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "resources.json")
	writeManifest(t, manifestPath, manifestV1)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StoragePath:        filepath.Join(dir, "storage"),
			UpstreamTimeout:    config.Duration(5 * time.Second),
			MaxRetries:         1,
			InitialBackoff:     config.Duration(10 * time.Millisecond),
			OfflineConcurrency: 3,
		},
		Apps: []config.AppConfig{
			{
				Name:          "web",
				Domain:        "app.local",
				Upstream:      origin.URL,
				Manifest:      manifestPath,
				WatchManifest: true,
			},
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := server.NewAppRegistry(cfg)
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	if err := registry.AttachLifecycles(cfg, store, logger); err != nil {
		t.Fatalf("attach lifecycles failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry.InstallAll(ctx, cfg, logger)
	wait := registry.WatchManifests(ctx, cfg, logger)
	t.Cleanup(func() {
		cancel()
		wait()
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app init failed: %v", err)
	}
	routes.RegisterAppRoutes(ctx, app, registry, logger)

	return &shellEnv{app: app, registry: registry, origin: origin, manifest: manifestPath}
}

// request 向 App 的 Host 发请求。
func (e *shellEnv) request(t *testing.T, method, target, body string) (*http.Response, string) {
	t.Helper()
	return e.send(t, "app.local", method, target, body)
}

// control 向不属于任何 App 的 Host 发请求，访问 /-/ 控制面。
func (e *shellEnv) control(t *testing.T, method, target, body string) (*http.Response, string) {
	t.Helper()
	return e.send(t, "localhost:5000", method, target, body)
}

func (e *shellEnv) send(t *testing.T, host, method, target, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://"+host+target, reader)
	req.Host = host
	resp, err := e.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app test failed: %v", err)
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(payload)
}

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("replace manifest: %v", err)
	}
}

func TestShellLifecycleAcrossDeployments(t *testing.T) {
	env := newShellEnv(t)

	for _, req := range env.origin.Requests() {
		if req.Headers.Get("Cache-Control") != "no-cache" {
			t.Fatalf("install request %s should bypass HTTP caches", req.Path)
		}
	}

	resp, body := env.request(t, http.MethodGet, "/main.dart.js", "")
	if body != "main v1" || resp.Header.Get("X-Shell-Cache-Hit") != "true" {
		t.Fatalf("core resource should be served from cache, got %q (%v)", body, resp.Header)
	}

	resp, body = env.control(t, http.MethodPost, "/-/apps/web/message?wait=true", "downloadOffline")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("downloadOffline failed: %d %s", resp.StatusCode, body)
	}
	active := mustRoute(t, env.registry).Lifecycle.Active()
	keys, err := active.CachedKeys(context.Background())
	if err != nil || len(keys) != 5 {
		t.Fatalf("expected fully populated cache, got %v (%v)", keys, err)
	}

	env.origin.Deploy(map[string]string{
		"/main.dart.js":    "main v2",
		"/assets/new.json": `{"v":2}`,
		"/assets/font.otf": "",
	})
	logoFetches := env.origin.Count("/assets/logo.png")

	v2, err := manifest.ParseJSON([]byte(manifestV2))
	if err != nil {
		t.Fatalf("parse v2 manifest: %v", err)
	}
	waitForDigest(t, env.registry, v2.Digest(), func() {
		writeManifest(t, env.manifest, manifestV2)
	})

	resp, body = env.request(t, http.MethodGet, "/main.dart.js", "")
	if body != "main v2" || resp.Header.Get("X-Shell-Cache-Hit") != "true" {
		t.Fatalf("changed core resource should be re-precached, got %q", body)
	}

	resp, body = env.request(t, http.MethodGet, "/assets/logo.png", "")
	if body != "logo v1" || resp.Header.Get("X-Shell-Cache-Hit") != "true" {
		t.Fatalf("unchanged resource should survive the upgrade, got %q", body)
	}
	if env.origin.Count("/assets/logo.png") != logoFetches {
		t.Fatalf("unchanged resource must not be downloaded again")
	}

	resp, _ = env.request(t, http.MethodGet, "/assets/font.otf", "")
	if resp.StatusCode != fiber.StatusNotFound || resp.Header.Get("X-Shell-Cache-Policy") != "passthrough" {
		t.Fatalf("removed resource should pass through to origin, got %d %s", resp.StatusCode, resp.Header.Get("X-Shell-Cache-Policy"))
	}

	resp, body = env.request(t, http.MethodGet, "/assets/new.json", "")
	if body != `{"v":2}` || resp.Header.Get("X-Shell-Cache-Hit") != "false" {
		t.Fatalf("new resource should be fetched lazily, got %q", body)
	}
	resp, _ = env.request(t, http.MethodGet, "/assets/new.json?v=99", "")
	if resp.Header.Get("X-Shell-Cache-Hit") != "true" {
		t.Fatalf("new resource should be cached after first fetch")
	}

	resp, body = env.control(t, http.MethodGet, "/-/apps/web", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(body, v2.Digest()) {
		t.Fatalf("diagnostics should report the v2 digest, got %s", body)
	}

	resp, _ = env.request(t, http.MethodPost, "/-/apps/web/message", "skipWaiting")
	if resp.Header.Get("X-Shell-Cache-Policy") != "passthrough" {
		t.Fatalf("control endpoint must not be reachable through the app host")
	}
}

func mustRoute(t *testing.T, registry *server.AppRegistry) *server.AppRoute {
	t.Helper()
	route, ok := registry.Route("web")
	if !ok || route.Lifecycle == nil {
		t.Fatalf("web route not registered")
	}
	return route
}

// waitForDigest 周期性调用 deploy，直到 active worker 切换到目标 digest。
// watcher 在后台 goroutine 中建立，首次写入可能早于监听就绪。
func waitForDigest(t *testing.T, registry *server.AppRegistry, digest string, deploy func()) {
	t.Helper()
	route := mustRoute(t, registry)
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		if i%25 == 0 {
			deploy()
		}
		if active := route.Lifecycle.Active(); active != nil && active.Digest() == digest {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("manifest update was not applied within deadline")
}
