// Package assets turns opaque storage paths into fetchable URLs and
// caches large downloaded media on disk under a size cap.
package assets

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"chatsync/internal/bus"
)

// prefetchConcurrency bounds simultaneous upstream lookups triggered
// by a large message batch.
const prefetchConcurrency = 4

// Upstream resolves a storage path to a fetchable URL.
type Upstream interface {
	ResolveURL(ctx context.Context, path string) (string, error)
}

// Resolver memoizes path→URL lookups. Concurrent calls for the same
// unresolved path collapse into one upstream request; failures are not
// memoized, so a later call retries.
type Resolver struct {
	upstream Upstream
	bus      *bus.Bus
	logger   *zap.Logger

	group singleflight.Group
	sem   *semaphore.Weighted

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver creates a resolver over the given upstream.
func NewResolver(upstream Upstream, b *bus.Bus, logger *zap.Logger) *Resolver {
	return &Resolver{
		upstream: upstream,
		bus:      b,
		logger:   logger,
		sem:      semaphore.NewWeighted(prefetchConcurrency),
		cache:    make(map[string]string),
	}
}

// Resolve returns the fetchable URL for a storage path.
func (r *Resolver) Resolve(ctx context.Context, path string) (string, error) {
	r.mu.RLock()
	url, ok := r.cache[path]
	r.mu.RUnlock()
	if ok {
		return url, nil
	}

	v, err, _ := r.group.Do(path, func() (any, error) {
		url, err := r.upstream.ResolveURL(ctx, path)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[path] = url
		r.mu.Unlock()
		r.bus.Publish(bus.Event{
			Kind:      bus.KindAssetResolved,
			Timestamp: time.Now(),
			Payload:   bus.AssetResolved{Path: path, URL: url},
		})
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Prefetch resolves a set of paths in the background under a bounded
// concurrency limit. Failures are logged and skipped; the render path
// shows a placeholder and retries on demand.
func (r *Resolver) Prefetch(ctx context.Context, paths []string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(p string) {
			defer r.sem.Release(1)
			if _, err := r.Resolve(ctx, p); err != nil && r.logger != nil {
				r.logger.Debug("prefetch resolve failed", zap.String("path", p), zap.Error(err))
			}
		}(path)
	}
}
