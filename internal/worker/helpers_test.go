package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/appshell/internal/cache"
	"github.com/any-hub/appshell/internal/manifest"
)

const testOrigin = "http://app.local"

var errOriginDown = errors.New("origin unreachable")

// originStub 以内存表模拟源站，记录每个路径的请求次数与 reload 标记。
type originStub struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	down    bool
	hits    map[string]int
	reloads map[string]int
}

func newOriginStub(bodies map[string]string) *originStub {
	copied := make(map[string]string, len(bodies))
	for k, v := range bodies {
		copied[k] = v
	}
	return &originStub{
		bodies:  copied,
		status:  map[string]int{},
		hits:    map[string]int{},
		reloads: map[string]int{},
	}
}

func (o *originStub) Fetch(ctx context.Context, target string, reload bool) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits[target]++
	if reload {
		o.reloads[target]++
	}
	if o.down {
		return nil, errOriginDown
	}
	status := http.StatusOK
	if code, ok := o.status[target]; ok {
		status = code
	}
	body, ok := o.bodies[target]
	if !ok && status == http.StatusOK {
		status = http.StatusNotFound
		body = "not found"
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}, "X-Origin-Path": []string{target}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (o *originStub) set(target, body string) {
	o.mu.Lock()
	o.bodies[target] = body
	o.mu.Unlock()
}

func (o *originStub) setStatus(target string, status int) {
	o.mu.Lock()
	o.status[target] = status
	o.mu.Unlock()
}

func (o *originStub) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

func (o *originStub) hitCount(target string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[target]
}

func (o *originStub) reloadCount(target string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reloads[target]
}

func (o *originStub) resetHits() {
	o.mu.Lock()
	o.hits = map[string]int{}
	o.reloads = map[string]int{}
	o.mu.Unlock()
}

func manifestV1() manifest.Manifest {
	return manifest.Manifest{
		Resources: manifest.Resources{
			"/":               "root-1",
			"index.html":      "index-1",
			"main.dart.js":    "main-1",
			"assets/logo.png": "logo-1",
			"assets/font.otf": "font-1",
		},
		Core: []string{"main.dart.js", "index.html"},
	}
}

// manifestV2 修改 main.dart.js，删除 assets/font.otf，新增 assets/new.json。
func manifestV2() manifest.Manifest {
	return manifest.Manifest{
		Resources: manifest.Resources{
			"/":               "root-1",
			"index.html":      "index-1",
			"main.dart.js":    "main-2",
			"assets/logo.png": "logo-1",
			"assets/new.json": "new-1",
		},
		Core: []string{"main.dart.js", "index.html"},
	}
}

func v1Bodies() map[string]string {
	return map[string]string{
		"/":                "<html>root v1</html>",
		"/index.html":      "<html>index v1</html>",
		"/main.dart.js":    "main v1",
		"/assets/logo.png": "logo v1",
		"/assets/font.otf": "font v1",
	}
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	return store
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestWorker(t *testing.T, store cache.Store, origin Fetcher, m manifest.Manifest) *Worker {
	t.Helper()
	w, err := New(Options{
		App:         "web",
		Manifest:    m,
		Store:       store,
		Fetcher:     origin,
		Logger:      quietLogger(),
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("worker init failed: %v", err)
	}
	return w
}

// installAndActivate 走完一次完整的 install + activate。
func installAndActivate(t *testing.T, w *Worker) {
	t.Helper()
	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func readResult(t *testing.T, res *Result) string {
	t.Helper()
	defer res.Response.Body.Close()
	body, err := io.ReadAll(res.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func contentKeys(t *testing.T, store cache.Store) []string {
	t.Helper()
	keys, err := store.Keys(context.Background(), "web", DefaultCacheNames().Content)
	if err != nil {
		t.Fatalf("list content keys: %v", err)
	}
	return keys
}

func readContent(t *testing.T, store cache.Store, key string) string {
	t.Helper()
	result, err := store.Get(context.Background(), cache.Locator{App: "web", Cache: DefaultCacheNames().Content, Path: key})
	if err != nil {
		t.Fatalf("read content %s: %v", key, err)
	}
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read content %s: %v", key, err)
	}
	return string(body)
}
