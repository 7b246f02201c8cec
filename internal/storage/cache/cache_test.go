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
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefmind/recipestore/internal/util/teststress"
	rstestutil "github.com/chefmind/recipestore/internal/util/testutil"
)

func setup(t testing.TB) *Cache {
	t.Helper()

	c, err := New(DefaultConfig(), rstestutil.Logger(t))
	require.NoError(t, err)

	t.Cleanup(c.Close)

	return c
}

func TestConfig(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.EvictionPercentage = 101
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DefaultTTL = 0
	_, err := New(cfg, rstestutil.Logger(t))
	assert.Error(t, err)
}

func TestTTL(t *testing.T) {
	t.Parallel()

	c := setup(t)

	c.Set("k", "v", 100*time.Millisecond)

	v, ok := c.Get("k", 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(150 * time.Millisecond)

	_, ok = c.Get("k", 100*time.Millisecond)
	assert.False(t, ok)

	// entries with other TTLs are independent
	c.Set("k", "default", 0)

	v, ok = c.Get("k", 0)
	require.True(t, ok)
	assert.Equal(t, "default", v)

	c.Delete("k")

	_, ok = c.Get("k", 0)
	assert.False(t, ok)
}

func TestEvictExpired(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.EvictionInterval = 10 * time.Millisecond

	c, err := New(cfg, rstestutil.Logger(t))
	require.NoError(t, err)

	c.Set("short", "v", 20*time.Millisecond)
	c.Set("long", "v", time.Hour)
	assert.Equal(t, 2, c.Stats().Entries)

	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := c.Get("long", time.Hour)
	assert.True(t, ok)

	c.Close()
	c.Close()

	assert.Zero(t, c.Stats().Entries)
}

func TestCacheable(t *testing.T) {
	t.Parallel()

	c := setup(t)

	var calls atomic.Int32

	get := Cacheable(c, "recipes.get", time.Minute, nil, func(_ context.Context, id int64) (string, error) {
		calls.Add(1)
		return "recipe", nil
	})

	ctx := rstestutil.Ctx(t)

	for range 3 {
		res, err := get(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, "recipe", res)
	}

	assert.Equal(t, int32(1), calls.Load())

	_, err := get(ctx, 43)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, 2, s.Entries)
}

func TestCacheableError(t *testing.T) {
	t.Parallel()

	c := setup(t)

	var calls atomic.Int32

	expected := errors.New("boom")

	get := Cacheable(c, "failing", time.Minute, nil, func(context.Context, string) (*int, error) {
		calls.Add(1)
		return nil, expected
	})

	for range 2 {
		res, err := get(rstestutil.Ctx(t), "x")
		assert.Same(t, expected, err)
		assert.Nil(t, res)
	}

	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheableConcurrent(t *testing.T) {
	t.Parallel()

	c := setup(t)

	var calls atomic.Int32

	get := Cacheable(c, "slow", time.Minute, nil, func(context.Context, int) (int, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)

		return 7, nil
	})

	ctx := rstestutil.Ctx(t)

	teststress.StressN(t, 20, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		res, err := get(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, 7, res)
	})

	// in-flight fetches are deduplicated
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidatePrefix(t *testing.T) {
	t.Parallel()

	c := setup(t)
	ctx := rstestutil.Ctx(t)

	var listCalls, countCalls atomic.Int32

	keyFn := func(session string) string { return session }

	list := Cacheable(c, "favorites.getUserFavorites", time.Minute, keyFn, func(_ context.Context, s string) ([]string, error) {
		listCalls.Add(1)
		return []string{s + "-fav"}, nil
	})

	count := Cacheable(c, "favorites.getUserFavoritesCount", time.Minute, keyFn, func(context.Context, string) (int, error) {
		countCalls.Add(1)
		return 1, nil
	})

	add := Evicting(c, func(context.Context, string) (bool, error) {
		return true, nil
	}, "favorites.getUserFavorites")

	fail := Evicting(c, func(context.Context, string) (bool, error) {
		return false, errors.New("constraint")
	}, "favorites.getUserFavorites")

	for _, s := range []string{"s1", "s2"} {
		_, err := list(ctx, s)
		require.NoError(t, err)

		_, err = count(ctx, s)
		require.NoError(t, err)
	}

	require.Equal(t, int32(2), listCalls.Load())
	require.Equal(t, int32(2), countCalls.Load())

	// failed writes do not evict
	_, err := fail(ctx, "s1")
	require.Error(t, err)

	_, err = list(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), listCalls.Load())

	_, err = add(ctx, "s1")
	require.NoError(t, err)

	for _, s := range []string{"s1", "s2"} {
		_, err = list(ctx, s)
		require.NoError(t, err)

		_, err = count(ctx, s)
		require.NoError(t, err)
	}

	// all entries under the prefix were evicted, the other prefix stayed cached
	assert.Equal(t, int32(4), listCalls.Load())
	assert.Equal(t, int32(2), countCalls.Load())

	assert.Equal(t, int64(2), c.Stats().Invalidations)
}

func TestInvalidateDuringFetch(t *testing.T) {
	t.Parallel()

	c := setup(t)
	ctx := rstestutil.Ctx(t)

	fetching := make(chan struct{})
	proceed := make(chan struct{})

	done := make(chan any)

	go func() {
		v, err := c.GetOrFetch(ctx, Key("p", 1), 0, func(context.Context) (any, error) {
			close(fetching)
			<-proceed

			return "stale", nil
		})
		assert.NoError(t, err)

		done <- v
	}()

	<-fetching
	c.InvalidatePrefix("p")
	close(proceed)

	assert.Equal(t, "stale", <-done)

	_, ok := c.Get(Key("p", 1), 0)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := setup(t)

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Hour)
	assert.Equal(t, 2, c.Stats().Entries)

	c.Clear()

	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(2), c.Stats().Invalidations)

	assert.Equal(t, 4, testutil.CollectAndCount(c))
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "p", Key("p"))
	assert.Equal(t, `p:"s1"`, Key("p", "s1"))
	assert.Equal(t, `p:"s1":10:true`, Key("p", "s1", 10, true))
	assert.Equal(t, `p:null`, Key("p", nil))
	assert.Equal(t, `p:{"a":1,"b":2}`, Key("p", map[string]int{"b": 2, "a": 1}))
	assert.Equal(t, `p:3s`, Key("p", 3*time.Second))

	assert.Equal(t, Key("p", []string{"x", "y"}), Key("p", []string{"x", "y"}))
	assert.NotEqual(t, Key("p", 1), Key("p", "1"))

	long := Key("p", strings.Repeat("x", 200))
	assert.True(t, strings.HasPrefix(long, "p:#"), long)
	assert.Less(t, len(long), 30)
	assert.Equal(t, long, Key("p", strings.Repeat("x", 200)))

	assert.True(t, matchPrefix("favorites.getUserFavorites", "favorites.getUserFavorites"))
	assert.True(t, matchPrefix(`favorites.getUserFavorites:"s1"`, "favorites.getUserFavorites"))
	assert.False(t, matchPrefix(`favorites.getUserFavoritesCount:"s1"`, "favorites.getUserFavorites"))
}
