package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrTooLarge is returned when a single media file exceeds the cache
// capacity and can never be stored.
var ErrTooLarge = errors.New("media file larger than cache capacity")

// DiskCache stores downloaded media under a directory, evicting the
// least recently stored files once the total size exceeds capacity.
type DiskCache struct {
	dir      string
	capacity int64
	client   *http.Client
	logger   *zap.Logger
}

// NewDiskCache creates a media cache rooted at dir with the given byte
// capacity.
func NewDiskCache(dir string, capacity int64, logger *zap.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &DiskCache{
		dir:      dir,
		capacity: capacity,
		client:   &http.Client{},
		logger:   logger,
	}, nil
}

// Exists reports whether the media for key is already cached, and the
// local path if so.
func (c *DiskCache) Exists(key string) (string, bool) {
	path := c.pathFor(key)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Store downloads remoteURL into the cache under key and returns the
// local path. Existing entries are returned without re-downloading.
func (c *DiskCache) Store(ctx context.Context, remoteURL, key string) (string, error) {
	if path, ok := c.Exists(key); ok {
		return path, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("media request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media download: unexpected status %d", resp.StatusCode)
	}

	path := c.pathFor(key)
	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("media temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("media write: %w", err)
	}
	if n > c.capacity {
		os.Remove(tmp.Name())
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("media rename: %w", err)
	}

	if err := c.evict(); err != nil && c.logger != nil {
		c.logger.Warn("media cache eviction failed", zap.Error(err))
	}
	return path, nil
}

// Remove deletes the cached media for key, if present.
func (c *DiskCache) Remove(key string) {
	os.Remove(c.pathFor(key))
}

// evict removes least-recently-modified files until the cache fits the
// capacity again. The file just stored is the newest and survives.
func (c *DiskCache) evict() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	type cached struct {
		path    string
		size    int64
		modTime int64
	}
	var files []cached
	var total int64
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".download-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cached{
			path:    filepath.Join(c.dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
		total += info.Size()
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })
	for _, f := range files {
		if total <= c.capacity {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
		if c.logger != nil {
			c.logger.Debug("evicted cached media", zap.String("path", f.path))
		}
	}
	return nil
}

var keyReplacer = strings.NewReplacer("/", "_", ":", "_", "\\", "_")

func (c *DiskCache) pathFor(key string) string {
	return filepath.Join(c.dir, keyReplacer.Replace(key))
}
