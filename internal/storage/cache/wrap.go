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

package cache

import (
	"context"
	"time"

	"github.com/chefmind/recipestore/internal/storage/txn"
)

// Cacheable wraps a read function with read-through caching.
//
// The key is derived from prefix and keyFn's result; if keyFn is nil, the argument itself is used.
// On a hit within ttl, fn is not called.
// Errors are returned and not cached.
//
// Inside a transaction fn is always called and its result is not cached,
// so uncommitted data never becomes visible to other callers.
func Cacheable[A, R any](c *Cache, prefix string, ttl time.Duration, keyFn func(A) string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		if _, ok := txn.FromContext(ctx); ok {
			return fn(ctx, arg)
		}

		var key string
		if keyFn != nil {
			key = Key(prefix, keyFn(arg))
		} else {
			key = Key(prefix, arg)
		}

		v, err := c.GetOrFetch(ctx, key, ttl, func(ctx context.Context) (any, error) {
			return fn(ctx, arg)
		})
		if err != nil {
			var zero R
			return zero, err
		}

		res, _ := v.(R)

		return res, nil
	}
}

// Evicting wraps a write function so that all entries under the given prefixes
// are removed after it succeeds. Nothing is removed if it fails.
//
// See [Cache.EvictPrefixes] for writes made inside a transaction.
func Evicting[A, R any](c *Cache, fn func(context.Context, A) (R, error), prefixes ...string) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		res, err := fn(ctx, arg)
		if err != nil {
			return res, err
		}

		c.EvictPrefixes(ctx, prefixes...)

		return res, nil
	}
}

// Evict removes entries with the given keys.
//
// If ctx carries a transaction, they are removed again after it commits:
// other callers may cache the old committed values until then.
func (c *Cache) Evict(ctx context.Context, keys ...string) {
	evict := func() {
		for _, k := range keys {
			c.Delete(k)
		}
	}

	evict()
	txn.AfterCommit(ctx, evict)
}

// EvictPrefixes removes entries under the given prefixes, like [Cache.Evict] does for keys.
func (c *Cache) EvictPrefixes(ctx context.Context, prefixes ...string) {
	evict := func() {
		for _, p := range prefixes {
			c.InvalidatePrefix(p)
		}
	}

	evict()
	txn.AfterCommit(ctx, evict)
}
