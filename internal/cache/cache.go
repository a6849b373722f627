// Package cache provides caching for rendered figures and expression
// vectors.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	FigureCacheSizeMB int
	FigureTTL         time.Duration
	VectorCacheSize   int
}

// Manager manages the figure and vector caches.
type Manager struct {
	figureCache *bigcache.BigCache
	vectorCache *lru.Cache[string, []float32]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	figureConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.FigureTTL,
		CleanWindow:        cfg.FigureTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       2 * 1024 * 1024, // rendered PNGs
		HardMaxCacheSize:   cfg.FigureCacheSizeMB,
		Verbose:            false,
	}

	figureCache, err := bigcache.New(context.Background(), figureConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create figure cache: %w", err)
	}

	vectorCache, err := lru.New[string, []float32](cfg.VectorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector cache: %w", err)
	}

	return &Manager{
		figureCache: figureCache,
		vectorCache: vectorCache,
	}, nil
}

// GetFigure retrieves rendered figure bytes from cache.
func (m *Manager) GetFigure(key string) ([]byte, bool) {
	data, err := m.figureCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFigure stores rendered figure bytes in cache.
func (m *Manager) SetFigure(key string, data []byte) error {
	return m.figureCache.Set(key, data)
}

// GetVector retrieves an expression vector from cache.
func (m *Manager) GetVector(gene string) ([]float32, bool) {
	return m.vectorCache.Get(gene)
}

// SetVector stores an expression vector in cache.
func (m *Manager) SetVector(gene string, vec []float32) {
	m.vectorCache.Add(gene, vec)
}

// GroupFigureKey generates a cache key for an embedding figure colored by
// group, stable under group order.
func GroupFigureKey(embedding, colormap string, groups []string) string {
	base := fmt.Sprintf("grp:%s:%s", embedding, colormap)
	if groups == nil {
		return base
	}
	if len(groups) == 0 {
		return base + ":none"
	}

	sorted := append([]string(nil), groups...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(base))
	h.Write([]byte(strings.Join(sorted, "\x00")))
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ExpressionFigureKey generates a cache key for an embedding figure colored
// by gene expression.
func ExpressionFigureKey(embedding, gene, colormap string) string {
	return fmt.Sprintf("expr:%s:%s:%s", embedding, gene, colormap)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"figure_cache_len": m.figureCache.Len(),
		"figure_cache_cap": m.figureCache.Capacity(),
		"vector_cache_len": m.vectorCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.figureCache.Close()
}
