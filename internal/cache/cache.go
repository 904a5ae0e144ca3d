// Package cache holds rendered monitor tiles and encoded query results of
// the latest published snapshot.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	QueryCacheSize  int
}

// TileKey identifies one rendered tile.
type TileKey struct {
	Version int64
	Z, X, Y int
	Mode    string
}

func (k TileKey) String() string {
	return fmt.Sprintf("v%d/%d/%d/%d/%s", k.Version, k.Z, k.X, k.Y, k.Mode)
}

// QueryKey identifies one encoded query result, e.g. {v, "cell", 17}.
type QueryKey struct {
	Version int64
	Kind    string
	ID      int64
}

// Stats are cumulative cache counters.
type Stats struct {
	Version     int64 `json:"version"`
	Tiles       int   `json:"tiles"`
	TileHits    int64 `json:"tile_hits"`
	TileMisses  int64 `json:"tile_misses"`
	Queries     int   `json:"queries"`
	QueryHits   int64 `json:"query_hits"`
	QueryMisses int64 `json:"query_misses"`
	Purges      int64 `json:"purges"`
}

// Manager caches tiles in bigcache and query results in an LRU. Entries
// belong to a snapshot version; moving to a newer version drops all of them.
type Manager struct {
	tiles   *bigcache.BigCache
	queries *lru.Cache[QueryKey, []byte]

	mu      sync.Mutex
	version atomic.Int64

	queryHits, queryMisses atomic.Int64
	purges                 atomic.Int64
}

// NewManager creates a cache manager.
func NewManager(cfg Config) (*Manager, error) {
	ttl := cfg.TileTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	size := cfg.QueryCacheSize
	if size <= 0 {
		size = 1024
	}

	tiles, err := bigcache.New(context.Background(), bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 1 << 16,
		MaxEntrySize:       64 << 10,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	queries, err := lru.New[QueryKey, []byte](size)
	if err != nil {
		tiles.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &Manager{tiles: tiles, queries: queries}, nil
}

// Advance drops every entry older than version. It is a no-op when version
// is not newer than the current one.
func (m *Manager) Advance(version int64) {
	if version <= m.version.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if version <= m.version.Load() {
		return
	}
	m.tiles.Reset()
	m.queries.Purge()
	m.version.Store(version)
	m.purges.Add(1)
}

// Tile returns a cached tile.
func (m *Manager) Tile(k TileKey) ([]byte, bool) {
	m.Advance(k.Version)
	data, err := m.tiles.Get(k.String())
	return data, err == nil
}

// PutTile caches a tile. Tiles of superseded versions are ignored.
func (m *Manager) PutTile(k TileKey, data []byte) error {
	if k.Version < m.version.Load() {
		return nil
	}
	return m.tiles.Set(k.String(), data)
}

// Query returns a cached query result.
func (m *Manager) Query(k QueryKey) ([]byte, bool) {
	m.Advance(k.Version)
	data, ok := m.queries.Get(k)
	if ok {
		m.queryHits.Add(1)
	} else {
		m.queryMisses.Add(1)
	}
	return data, ok
}

// PutQuery caches a query result.
func (m *Manager) PutQuery(k QueryKey, data []byte) {
	if k.Version < m.version.Load() {
		return
	}
	m.queries.Add(k, data)
}

// Stats returns cache counters.
func (m *Manager) Stats() Stats {
	ts := m.tiles.Stats()
	return Stats{
		Version:     m.version.Load(),
		Tiles:       m.tiles.Len(),
		TileHits:    ts.Hits,
		TileMisses:  ts.Misses,
		Queries:     m.queries.Len(),
		QueryHits:   m.queryHits.Load(),
		QueryMisses: m.queryMisses.Load(),
		Purges:      m.purges.Load(),
	}
}

// Close releases the tile cache.
func (m *Manager) Close() error {
	return m.tiles.Close()
}
