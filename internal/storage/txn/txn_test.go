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

package txn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/storage/pool"
	"github.com/chefmind/recipestore/internal/storage/retry"
	"github.com/chefmind/recipestore/internal/util/fsql"
	rstestutil "github.com/chefmind/recipestore/internal/util/testutil"
)

func setupPool(t testing.TB, path string, modify func(*pool.Config)) *pool.Pool {
	t.Helper()

	cfg := pool.DefaultConfig(path)
	if modify != nil {
		modify(&cfg)
	}

	p, err := pool.New(rstestutil.Ctx(t), cfg, rstestutil.Logger(t), nil)
	require.NoError(t, err)

	t.Cleanup(p.Close)

	return p
}

func setupManager(t testing.TB, p *pool.Pool, policy retry.Policy, timeout time.Duration) *Manager {
	t.Helper()

	r, err := retry.New(policy, rstestutil.Logger(t))
	require.NoError(t, err)

	return NewManager(&NewManagerParams{
		Pool:    p,
		Retrier: r,
		L:       rstestutil.Logger(t),
		Timeout: timeout,
	})
}

func setup(t testing.TB) (context.Context, *pool.Pool, *Manager) {
	t.Helper()

	ctx := rstestutil.Ctx(t)
	p := setupPool(t, rstestutil.DatabasePath(t), nil)

	policy := retry.DefaultPolicy()
	policy.BaseDelay = 10 * time.Millisecond

	m := setupManager(t, p, policy, DefaultTimeout)

	createTable(t, ctx, p)

	return ctx, p, m
}

func createTable(t testing.TB, ctx context.Context, p *pool.Pool) {
	t.Helper()

	err := p.WithConn(ctx, func(c *fsql.DB) error {
		_, err := c.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS items (name TEXT NOT NULL UNIQUE)`)
		return err
	})
	require.NoError(t, err)
}

func names(t testing.TB, ctx context.Context, p *pool.Pool) []string {
	t.Helper()

	var res []string

	err := p.WithConn(ctx, func(c *fsql.DB) error {
		rows, err := c.QueryContext(ctx, `SELECT name FROM items ORDER BY name`)
		if err != nil {
			return err
		}

		defer rows.Close()

		for rows.Next() {
			var n string
			if err = rows.Scan(&n); err != nil {
				return err
			}

			res = append(res, n)
		}

		return rows.Err()
	})
	require.NoError(t, err)

	return res
}

func insert(ctx context.Context, tx *fsql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES (?)`, name)
	return err
}

func checkReleased(t testing.TB, p *pool.Pool) {
	t.Helper()

	s := p.Status()
	assert.Equal(t, s.Total, s.Available, "%+v", s)
	assert.Zero(t, s.Active)
}

func TestCommit(t *testing.T) {
	t.Parallel()

	ctx, p, m := setup(t)

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		ctxTx, ok := FromContext(ctx)
		require.True(t, ok)
		assert.Same(t, tx, ctxTx)

		if err := insert(ctx, tx, "a"); err != nil {
			return err
		}

		return insert(ctx, tx, "b")
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, names(t, ctx, p))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits))
	checkReleased(t, p)

	_, ok := FromContext(ctx)
	assert.False(t, ok)
}

func TestRollback(t *testing.T) {
	t.Parallel()

	ctx, p, m := setup(t)

	expected := errors.New("unit failed")

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		if err := insert(ctx, tx, "a"); err != nil {
			return err
		}

		if err := insert(ctx, tx, "b"); err != nil {
			return err
		}

		return expected
	})
	require.Same(t, expected, err)

	assert.Empty(t, names(t, ctx, p))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks))
	checkReleased(t, p)
}

func TestPanic(t *testing.T) {
	t.Parallel()

	ctx, p, m := setup(t)

	assert.Panics(t, func() {
		_ = m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
			if err := insert(ctx, tx, "a"); err != nil {
				return err
			}

			panic("boom")
		})
	})

	assert.Empty(t, names(t, ctx, p))
	checkReleased(t, p)
}

func TestDo(t *testing.T) {
	t.Parallel()

	ctx, _, m := setup(t)

	id, err := Do(ctx, m, func(ctx context.Context, tx *fsql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES (?)`, "a")
		if err != nil {
			return 0, err
		}

		return res.LastInsertId()
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestAfterCommit(t *testing.T) {
	t.Parallel()

	ctx, p, m := setup(t)

	assert.False(t, AfterCommit(ctx, func() { t.Error("called outside of transaction") }))

	var calls []string

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		require.True(t, AfterCommit(ctx, func() {
			// committed changes are visible
			assert.Equal(t, []string{"a"}, names(t, ctx, p))
			calls = append(calls, "outer")
		}))

		err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
			require.True(t, AfterCommit(ctx, func() { calls = append(calls, "nested") }))
			return insert(ctx, tx, "a")
		})
		if err != nil {
			return err
		}

		assert.Empty(t, calls)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "nested"}, calls)

	calls = nil

	err = m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		AfterCommit(ctx, func() { calls = append(calls, "rolled back") })
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Empty(t, calls)
}

func TestSavepoint(t *testing.T) {
	t.Parallel()

	t.Run("Released", func(t *testing.T) {
		t.Parallel()

		ctx, p, m := setup(t)

		err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
			if err := insert(ctx, tx, "a"); err != nil {
				return err
			}

			// a nested call must reuse the leased connection
			s := p.Status()
			assert.Equal(t, 1, s.Active)

			err := m.WithTransaction(ctx, func(ctx context.Context, nested *fsql.Tx) error {
				assert.Same(t, tx, nested)
				assert.Equal(t, 1, p.Status().Active)

				return insert(ctx, nested, "b")
			})
			if err != nil {
				return err
			}

			return insert(ctx, tx, "c")
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c"}, names(t, ctx, p))
	})

	t.Run("RolledBack", func(t *testing.T) {
		t.Parallel()

		ctx, p, m := setup(t)

		expected := errors.New("nested failed")

		err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
			if err := insert(ctx, tx, "a"); err != nil {
				return err
			}

			err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
				if err := insert(ctx, tx, "b"); err != nil {
					return err
				}

				return expected
			})
			assert.Same(t, expected, err)

			return insert(ctx, tx, "c")
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "c"}, names(t, ctx, p))
		checkReleased(t, p)
	})

	t.Run("SinglePool", func(t *testing.T) {
		t.Parallel()

		ctx := rstestutil.Ctx(t)
		p := setupPool(t, rstestutil.DatabasePath(t), func(cfg *pool.Config) {
			cfg.MaxConnections = 1
			cfg.AcquireTimeout = time.Second
		})
		m := setupManager(t, p, retry.DefaultPolicy(), DefaultTimeout)
		createTable(t, ctx, p)

		err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
			return m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
				return m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
					return insert(ctx, tx, "deep")
				})
			})
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"deep"}, names(t, ctx, p))
	})
}

func TestRetryWholeUnit(t *testing.T) {
	t.Parallel()

	ctx, p, m := setup(t)

	var calls atomic.Int32

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		n := calls.Add(1)

		if err := insert(ctx, tx, "a"); err != nil {
			return err
		}

		if n == 1 {
			return dberr.NewErrorf(dberr.ErrorCodeTransientContention, "simulated contention")
		}

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())

	// the first attempt's write was rolled back, so there is no unique constraint failure
	assert.Equal(t, []string{"a"}, names(t, ctx, p))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits))
}

func TestContention(t *testing.T) {
	t.Parallel()

	ctx := rstestutil.Ctx(t)
	path := rstestutil.DatabasePath(t)

	holder := setupPool(t, path, func(cfg *pool.Config) { cfg.MaxConnections = 1 })
	createTable(t, ctx, holder)

	// no engine-level waiting: lock conflicts are reported immediately
	contender := setupPool(t, path, func(cfg *pool.Config) {
		cfg.MaxConnections = 1
		cfg.BusyTimeout = 0
	})

	m := setupManager(t, contender, retry.Policy{
		MaxAttempts: 10,
		BaseDelay:   20 * time.Millisecond,
		Backoff:     retry.Linear,
	}, DefaultTimeout)

	holding := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)

	go func() {
		holderDone <- holder.WithConn(ctx, func(c *fsql.DB) error {
			return c.InTransaction(ctx, func(tx *fsql.Tx) error {
				if err := insert(ctx, tx, "holder"); err != nil {
					return err
				}

				close(holding)
				<-release

				return nil
			})
		})
	}()

	<-holding

	// the contender sees the write lock held
	err := contender.WithConn(ctx, func(c *fsql.DB) error {
		return c.InTransaction(ctx, func(tx *fsql.Tx) error { return nil })
	})

	var se *sqlite.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sqlitelib.SQLITE_BUSY, se.Code()&0xff)

	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	err = m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		return insert(ctx, tx, "contender")
	})
	require.NoError(t, err)
	require.NoError(t, <-holderDone)

	assert.Equal(t, []string{"contender", "holder"}, names(t, ctx, holder))
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	ctx := rstestutil.Ctx(t)
	p := setupPool(t, rstestutil.DatabasePath(t), nil)
	m := setupManager(t, p, retry.DefaultPolicy(), 50*time.Millisecond)
	createTable(t, ctx, p)

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		if err := insert(ctx, tx, "slow"); err != nil {
			return err
		}

		<-ctx.Done()

		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, names(t, ctx, p))
	checkReleased(t, p)
}
