package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta.json"
	rootName   = "__root__"
	tempPrefix = ".cache-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta.json 的落盘结构。
type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	// 与 Put 共用条目锁，保证读到的正文与元数据属于同一次写入。
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	meta := readMeta(metaPathFor(bodyPath))

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	status := meta.Status
	if status == 0 {
		status = http.StatusOK
	}
	entry := Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: info.Size(),
		Status:    status,
		Header:    meta.Header,
		ModTime:   info.ModTime(),
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(bodyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	// 正文写完才替换旧条目，元数据紧随其后；元数据失败时整条作废，避免新旧错配。
	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}
	meta := entryMeta{
		Key:      logicalKey(locator.Path),
		Status:   status,
		Header:   cloneHeader(opts.Header),
		StoredAt: modTime,
	}
	if err := writeMeta(metaPathFor(bodyPath), meta); err != nil {
		os.Remove(bodyPath)
		os.Remove(metaPathFor(bodyPath))
		return nil, err
	}
	if err := os.Chtimes(bodyPath, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  bodyPath,
		SizeBytes: written,
		Status:    status,
		Header:    meta.Header,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metaPathFor(bodyPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, app, cacheName string) ([]string, error) {
	root, err := s.cacheDir(app, cacheName)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, bodySuffix) {
			return nil
		}
		if meta := readMeta(metaPathFor(p)); meta.Key != "" {
			keys = append(keys, meta.Key)
			return nil
		}
		rel, err := filepath.Rel(root, strings.TrimSuffix(p, bodySuffix))
		if err != nil {
			return err
		}
		keys = append(keys, decodeKey(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Drop(ctx context.Context, app, cacheName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root, err := s.cacheDir(app, cacheName)
	if err != nil {
		return err
	}
	return os.RemoveAll(root)
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) cacheDir(app, cacheName string) (string, error) {
	if err := validateSegment("app", app); err != nil {
		return "", err
	}
	if err := validateSegment("cache", cacheName); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, app, cacheName), nil
}

func (s *fileStore) entryPath(locator Locator) (string, error) {
	root, err := s.cacheDir(locator.App, locator.Cache)
	if err != nil {
		return "", err
	}

	filePath := filepath.Join(root, filepath.FromSlash(encodeKey(locator.Path))) + bodySuffix
	if !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func validateSegment(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s name required", kind)
	}
	if strings.ContainsAny(value, `/\`) || value == "." || value == ".." {
		return fmt.Errorf("invalid %s name: %s", kind, value)
	}
	return nil
}

// encodeKey 将逻辑 key 映射为缓存目录下的相对路径。
func encodeKey(key string) string {
	key = logicalKey(key)
	if key == "/" {
		return rootName
	}
	rel := strings.TrimPrefix(path.Clean("/"+key), "/")
	if rel == "" {
		return rootName
	}
	return rel
}

func decodeKey(rel string) string {
	if rel == rootName {
		return "/"
	}
	return rel
}

// logicalKey 将空 key 归一为 "/"。
func logicalKey(key string) string {
	if key == "" {
		return "/"
	}
	return key
}

func metaPathFor(bodyPath string) string {
	return strings.TrimSuffix(bodyPath, bodySuffix) + metaSuffix
}

func readMeta(metaPath string) entryMeta {
	var meta entryMeta
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}
	}
	return meta
}

func writeMeta(metaPath string, meta entryMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(metaPath), tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, metaPath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	return h.Clone()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.App + "::" + locator.Cache + "::" + logicalKey(locator.Path)
}
