// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides a TTL cache for read results with prefix invalidation.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/viccon/sturdyc"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/storage/dberr"
)

// Config represents Cache configuration.
type Config struct {
	// DefaultTTL is used when a zero TTL is given.
	DefaultTTL time.Duration

	// Capacity is the maximum number of entries per TTL.
	Capacity int

	NumShards          int
	EvictionPercentage int

	// EvictionInterval is the period of removing expired entries. Zero means DefaultTTL.
	EvictionInterval time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:         5 * time.Minute,
		Capacity:           10000,
		NumShards:          16,
		EvictionPercentage: 10,
		EvictionInterval:   time.Minute,
	}
}

// Validate checks configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultTTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
}

// Stats represents cache statistics.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

// Cache stores values with per-entry TTL.
//
// Entries with the same TTL share a sturdyc client;
// in-flight fetches of the same key are deduplicated.
//
// Expired entries are removed by a background goroutine that runs until [Cache.Close] is called.
type Cache struct {
	cfg Config
	l   *zap.Logger

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	clients *xsync.MapOf[time.Duration, *sturdyc.Client[any]]

	// incremented by every invalidation
	generation atomic.Uint64

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64

	hitsDesc          *prometheus.Desc
	missesDesc        *prometheus.Desc
	invalidationsDesc *prometheus.Desc
	entriesDesc       *prometheus.Desc
}

// New creates a new Cache.
func New(cfg Config, l *zap.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dberr.NewError(dberr.ErrorCodeInvalidArgument, err)
	}

	if cfg.EvictionInterval == 0 {
		cfg.EvictionInterval = cfg.DefaultTTL
	}

	c := &Cache{
		cfg:     cfg,
		l:       l,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		clients: xsync.NewMapOf[time.Duration, *sturdyc.Client[any]](),
		hitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("recipestore", "cache", "hits_total"),
			"The total number of cache hits.",
			nil, nil,
		),
		missesDesc: prometheus.NewDesc(
			prometheus.BuildFQName("recipestore", "cache", "misses_total"),
			"The total number of cache misses.",
			nil, nil,
		),
		invalidationsDesc: prometheus.NewDesc(
			prometheus.BuildFQName("recipestore", "cache", "invalidations_total"),
			"The total number of invalidated entries.",
			nil, nil,
		),
		entriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName("recipestore", "cache", "entries"),
			"The current number of entries, including expired ones not evicted yet.",
			nil, nil,
		),
	}

	go c.evictExpired()

	return c, nil
}

// evictExpired removes expired entries every EvictionInterval until the cache is closed.
func (c *Cache) evictExpired() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		var n int

		c.clients.Range(func(_ time.Duration, client *sturdyc.Client[any]) bool {
			for _, key := range client.ScanKeys() {
				// Get reports expired entries as absent
				if _, ok := client.Get(key); !ok {
					client.Delete(key)
					n++
				}
			}

			return true
		})

		if n > 0 {
			c.l.Debug("Expired cache entries removed", zap.Int("entries", n))
		}
	}
}

// Close removes all entries and stops the background goroutine.
// The cache remains usable, but expired entries are no longer removed in the background.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	<-c.stopped

	c.Clear()
}

// client returns the client for the given TTL, creating it if needed.
func (c *Cache) client(ttl time.Duration) *sturdyc.Client[any] {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	client, _ := c.clients.LoadOrCompute(ttl, func() *sturdyc.Client[any] {
		return sturdyc.New[any](
			c.cfg.Capacity,
			c.cfg.NumShards,
			ttl,
			c.cfg.EvictionPercentage,
			sturdyc.WithNoContinuousEvictions(),
		)
	})

	return client
}

// Get returns the value stored with the given TTL.
// Zero TTL means the default one.
func (c *Cache) Get(key string, ttl time.Duration) (any, bool) {
	v, ok := c.client(ttl).Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}

	return v, ok
}

// Set stores the value with the given TTL.
// Zero TTL means the default one.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.client(ttl).Set(key, value)
}

// GetOrFetch returns the cached value or calls fetch and caches its result.
// Errors are not cached.
//
// If the cache is invalidated while fetch runs, the fetched value is returned but not kept.
func (c *Cache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	client := c.client(ttl)

	if v, ok := client.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}

	c.misses.Add(1)

	gen := c.generation.Load()

	v, err := client.GetOrFetch(ctx, key, fetch)
	if err != nil {
		return nil, err
	}

	if c.generation.Load() != gen {
		client.Delete(key)
	}

	return v, nil
}

// Delete removes the entry with the given key for all TTLs.
func (c *Cache) Delete(key string) {
	c.generation.Add(1)

	c.clients.Range(func(_ time.Duration, client *sturdyc.Client[any]) bool {
		if _, ok := client.Get(key); ok {
			c.invalidations.Add(1)
		}

		client.Delete(key)

		return true
	})
}

// matchPrefix returns true if key belongs to prefix:
// it is equal to prefix or starts with prefix and a separator.
func matchPrefix(key, prefix string) bool {
	return key == prefix || strings.HasPrefix(key, prefix+Separator)
}

// InvalidatePrefix removes all entries with keys derived from the given prefix
// and returns the number of removed entries.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.generation.Add(1)

	var n int

	c.clients.Range(func(_ time.Duration, client *sturdyc.Client[any]) bool {
		for _, key := range client.ScanKeys() {
			if matchPrefix(key, prefix) {
				client.Delete(key)
				n++
			}
		}

		return true
	})

	c.invalidations.Add(int64(n))

	c.l.Debug("Cache invalidated", zap.String("prefix", prefix), zap.Int("entries", n))

	return n
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.generation.Add(1)

	var n int

	c.clients.Range(func(_ time.Duration, client *sturdyc.Client[any]) bool {
		for _, key := range client.ScanKeys() {
			client.Delete(key)
			n++
		}

		return true
	})

	c.invalidations.Add(int64(n))
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	var entries int

	c.clients.Range(func(_ time.Duration, client *sturdyc.Client[any]) bool {
		entries += client.Size()
		return true
	})

	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       entries,
	}
}

// Describe implements prometheus.Collector.
func (c *Cache) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	s := c.Stats()

	ch <- prometheus.MustNewConstMetric(c.hitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.missesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.invalidationsDesc, prometheus.CounterValue, float64(s.Invalidations))
	ch <- prometheus.MustNewConstMetric(c.entriesDesc, prometheus.GaugeValue, float64(s.Entries))
}

// check interfaces
var (
	_ prometheus.Collector = (*Cache)(nil)
)
