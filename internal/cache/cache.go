// Package cache provides the shared tile caches: encoded tile bytes for the
// tile server and decoded, immutable tile images for viewports.
package cache

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tissuestack/viewer/internal/tile"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	ImageCacheSize  int
	// Fetcher is used by prefetch workers. Prefetching is disabled when nil.
	Fetcher         tile.Fetcher
	PrefetchWorkers int
	PrefetchQueue   int
}

// Manager manages the encoded and decoded tile caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	imageCache *lru.Cache[string, image.Image]

	fetcher  tile.Fetcher
	queue    chan prefetchJob
	pending  sync.Map
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type prefetchJob struct {
	ctx context.Context
	key tile.Key
}

// NewManager creates a new cache manager and starts its prefetch workers.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileCacheSizeMB <= 0 {
		cfg.TileCacheSizeMB = 64
	}
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}
	if cfg.ImageCacheSize <= 0 {
		cfg.ImageCacheSize = 1024
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = 4
	}
	if cfg.PrefetchQueue <= 0 {
		cfg.PrefetchQueue = 256
	}

	// Configure tile cache
	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       100 * 1024, // 100KB per tile
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	imageCache, err := lru.New[string, image.Image](cfg.ImageCacheSize)
	if err != nil {
		tileCache.Close()
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	m := &Manager{
		tileCache:  tileCache,
		imageCache: imageCache,
		fetcher:    cfg.Fetcher,
		queue:      make(chan prefetchJob, cfg.PrefetchQueue),
		stopCh:     make(chan struct{}),
	}

	if m.fetcher != nil {
		for i := 0; i < cfg.PrefetchWorkers; i++ {
			m.wg.Add(1)
			go m.worker()
		}
	}

	return m, nil
}

// GetTile retrieves encoded tile bytes from cache.
func (m *Manager) GetTile(key tile.Key) ([]byte, bool) {
	data, err := m.tileCache.Get(key.String())
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores encoded tile bytes in cache.
func (m *Manager) SetTile(key tile.Key, data []byte) error {
	return m.tileCache.Set(key.String(), data)
}

// Lookup returns a decoded tile. The image is shared and must not be modified.
func (m *Manager) Lookup(key tile.Key) (image.Image, bool) {
	return m.imageCache.Get(key.String())
}

// Insert stores a decoded tile. Callers hand over ownership of img.
func (m *Manager) Insert(key tile.Key, img image.Image) {
	if img == nil {
		return
	}
	m.imageCache.Add(key.String(), img)
}

// Prefetch queues keys that are not cached yet. It never blocks: keys that do
// not fit into the queue are dropped.
func (m *Manager) Prefetch(ctx context.Context, keys []tile.Key) {
	if m.fetcher == nil {
		return
	}

	for _, key := range keys {
		if m.imageCache.Contains(key.String()) {
			continue
		}
		if _, loaded := m.pending.LoadOrStore(key.String(), struct{}{}); loaded {
			continue
		}

		select {
		case <-m.stopCh:
			m.pending.Delete(key.String())
			return
		default:
		}

		select {
		case m.queue <- prefetchJob{ctx: ctx, key: key}:
		default:
			m.pending.Delete(key.String())
			return
		}
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case job := <-m.queue:
			m.prefetch(job)
		}
	}
}

func (m *Manager) prefetch(job prefetchJob) {
	defer m.pending.Delete(job.key.String())

	if job.ctx.Err() != nil || m.imageCache.Contains(job.key.String()) {
		return
	}

	img, err := m.fetcher.Fetch(job.ctx, job.key)
	if err != nil {
		log.Printf("[Cache] prefetch %s failed: %v", job.key, err)
		return
	}
	m.Insert(job.key, img)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len":   m.tileCache.Len(),
		"tile_cache_cap":   m.tileCache.Capacity(),
		"tile_cache_bytes": humanize.Bytes(uint64(m.tileCache.Capacity())),
		"image_cache_len":  m.imageCache.Len(),
		"prefetch_queued":  len(m.queue),
	}
}

// Close stops the prefetch workers and releases the caches.
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.imageCache.Purge()
		err = m.tileCache.Close()
	})
	return err
}
