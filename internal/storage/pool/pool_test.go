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

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/state"
	"github.com/chefmind/recipestore/internal/util/teststress"
	"github.com/chefmind/recipestore/internal/util/testutil"
)

func setup(t testing.TB, modify func(*Config)) *Pool {
	t.Helper()

	cfg := DefaultConfig(testutil.DatabasePath(t))
	if modify != nil {
		modify(&cfg)
	}

	p, err := New(testutil.Ctx(t), cfg, testutil.Logger(t), nil)
	require.NoError(t, err)

	t.Cleanup(p.Close)

	return p
}

func checkStatus(t testing.TB, p *Pool) Status {
	t.Helper()

	s := p.Status()
	assert.Equal(t, s.Total, s.Active+s.Available, "%+v", s)

	return s
}

func TestConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("/tmp/recipes.db")
	require.NoError(t, cfg.Validate())

	assert.Equal(
		t,
		"file:/tmp/recipes.db?_pragma=busy_timeout%2810000%29&_pragma=foreign_keys%28ON%29&"+
			"_pragma=journal_mode%28WAL%29&_pragma=synchronous%28NORMAL%29&_pragma=cache_size%28-20000%29&"+
			"_pragma=temp_store%28MEMORY%29&_pragma=mmap_size%28268435456%29&_txlock=immediate",
		cfg.DSN(),
	)

	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("")
	assert.Error(t, cfg.Validate())

	_, err := New(testutil.Ctx(t), cfg, testutil.Logger(t), nil)
	assert.True(t, dberr.ErrorCodeIs(err, dberr.ErrorCodeInvalidArgument), "%v", err)
}

func TestPragmas(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, nil)

	err := p.WithConn(ctx, func(c *fsql.DB) error {
		for pragma, expected := range map[string]string{
			"journal_mode": "wal",
			"foreign_keys": "1",
			"busy_timeout": "10000",
			"synchronous":  "1",
			"cache_size":   "-20000",
			"temp_store":   "2",
		} {
			var actual string
			require.NoError(t, c.QueryRowContext(ctx, "PRAGMA "+pragma).Scan(&actual))
			assert.Equal(t, expected, actual, pragma)
		}

		return nil
	})
	require.NoError(t, err)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, nil)

	assert.Equal(t, Status{Total: 5, Available: 5}, checkStatus(t, p))

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.Equal(t, Status{Total: 5, Available: 3, Active: 2}, checkStatus(t, p))

	p.Release(c1)
	assert.Equal(t, Status{Total: 5, Available: 4, Active: 1}, checkStatus(t, p))

	// double release
	p.Release(c1)
	assert.Equal(t, Status{Total: 5, Available: 4, Active: 1}, checkStatus(t, p))

	// connection from another pool
	other := setup(t, nil)
	c3, err := other.Acquire(ctx)
	require.NoError(t, err)

	p.Release(c3)
	p.Release(nil)
	assert.Equal(t, Status{Total: 5, Available: 4, Active: 1}, checkStatus(t, p))

	other.Release(c3)
	p.Release(c2)
	assert.Equal(t, Status{Total: 5, Available: 5}, checkStatus(t, p))
}

func TestAcquireFirstAvailable(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, nil)

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conn-0", c.Name())

	p.Release(c)

	c, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conn-0", c.Name())

	p.Release(c)
}

func TestAcquireWait(t *testing.T) {
	t.Parallel()

	t.Run("Released", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		p := setup(t, func(c *Config) { c.MaxConnections = 1 })

		c1, err := p.Acquire(ctx)
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			p.Release(c1)
		}()

		c2, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.Same(t, c1, c2)

		p.Release(c2)
	})

	t.Run("Timeout", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		p := setup(t, func(c *Config) {
			c.MaxConnections = 1
			c.AcquireTimeout = 50 * time.Millisecond
		})

		c1, err := p.Acquire(ctx)
		require.NoError(t, err)

		start := time.Now()
		_, err = p.Acquire(ctx)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.True(t, dberr.ErrorCodeIs(err, dberr.ErrorCodePoolExhausted), "%v", err)

		p.Release(c1)
		assert.Equal(t, Status{Total: 1, Available: 1}, checkStatus(t, p))
	})

	t.Run("Canceled", func(t *testing.T) {
		t.Parallel()

		p := setup(t, func(c *Config) { c.MaxConnections = 1 })

		c1, err := p.Acquire(testutil.Ctx(t))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(testutil.Ctx(t), 20*time.Millisecond)
		defer cancel()

		_, err = p.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		p.Release(c1)
	})
}

func TestReplaceInvalid(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	var broken sync.Map

	p := setup(t, func(c *Config) {
		c.MaxConnections = 2
		c.Probe = func(ctx context.Context, db *fsql.DB) error {
			if _, ok := broken.Load(db); ok {
				return errors.New("connection is broken")
			}

			return db.Probe(ctx)
		}
	})

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)

	broken.Store(c1, struct{}{})
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.Equal(t, "conn-0", c2.Name())
	assert.Error(t, c1.Probe(ctx), "replaced connection should be closed")
	assert.NoError(t, c2.Probe(ctx))

	assert.Equal(t, Status{Total: 2, Available: 1, Active: 1}, checkStatus(t, p))

	// the old connection no longer belongs to the pool
	p.Release(c1)
	assert.Equal(t, Status{Total: 2, Available: 1, Active: 1}, checkStatus(t, p))

	p.Release(c2)
	assert.Equal(t, Status{Total: 2, Available: 2}, checkStatus(t, p))
}

func TestClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, func(c *Config) { c.MaxConnections = 1 })

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, time.Millisecond)

	p.Close()

	err = <-errCh
	assert.True(t, dberr.ErrorCodeIs(err, dberr.ErrorCodePoolClosed), "%v", err)

	_, err = p.Acquire(ctx)
	assert.True(t, dberr.ErrorCodeIs(err, dberr.ErrorCodePoolClosed), "%v", err)

	p.Release(c)
	assert.Equal(t, Status{}, p.Status())

	p.Close()
}

func TestLeaseUniqueness(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, nil)

	var leased sync.Map
	var violations, leases atomic.Int64

	teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		for range 20 {
			c, err := p.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}

			if _, loaded := leased.LoadOrStore(c, struct{}{}); loaded {
				violations.Add(1)
			}

			leases.Add(1)

			s := p.Status()
			if s.Active+s.Available != s.Total || s.Total != 5 {
				violations.Add(1)
			}

			var n int
			assert.NoError(t, c.QueryRowContext(ctx, "SELECT 1").Scan(&n))

			leased.Delete(c)
			p.Release(c)
		}
	})

	assert.Zero(t, violations.Load())
	assert.Positive(t, leases.Load())
	assert.Equal(t, Status{Total: 5, Available: 5}, checkStatus(t, p))
}

func TestEngineVersion(t *testing.T) {
	t.Parallel()

	sp, err := state.NewProvider("")
	require.NoError(t, err)

	p, err := New(testutil.Ctx(t), DefaultConfig(testutil.DatabasePath(t)), testutil.Logger(t), sp)
	require.NoError(t, err)

	t.Cleanup(p.Close)

	assert.NotEmpty(t, sp.Get().EngineVersion)
}

func gaugeValue(t *testing.T, mfs []*io_prometheus_client.MetricFamily, name string) float64 {
	t.Helper()

	for _, mf := range mfs {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}

	t.Fatalf("metric %q not found", name)

	return 0
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p := setup(t, nil)

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(p))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 5.0, gaugeValue(t, mfs, "recipestore_pool_connections"))
	assert.Equal(t, 1.0, gaugeValue(t, mfs, "recipestore_pool_active"))
	assert.Equal(t, 4.0, gaugeValue(t, mfs, "recipestore_pool_available"))

	p.Release(c)
}
