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

// Package pool provides a fixed-size pool of SQLite connections with exclusive leases.
//
// Every pooled connection is a [fsql.DB] limited to a single engine handle.
// A connection is leased by exactly one caller between Acquire and Release;
// that is the main invariant of the package.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/observability"
	"github.com/chefmind/recipestore/internal/util/resource"
	"github.com/chefmind/recipestore/internal/util/state"
)

// Status represents pool occupancy.
type Status struct {
	Total     int `json:"totalConnections"`
	Available int `json:"availableConnections"`
	Active    int `json:"activeConnections"`
	Waiting   int `json:"waitingAcquirers"`
}

// Pool owns a fixed set of connections and leases them exclusively.
//
//nolint:vet // for readability
type Pool struct {
	cfg Config
	dsn string
	l   *zap.Logger
	sp  *state.Provider

	rw        sync.Mutex
	conns     []*fsql.DB
	available []bool
	closed    bool

	// sem holds one token per available connection
	sem       chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	waiting atomic.Int64

	*metrics

	token *resource.Token
}

// New creates a new pool and eagerly opens cfg.MaxConnections connections.
//
// State provider sp may be nil.
func New(ctx context.Context, cfg Config, l *zap.Logger, sp *state.Provider) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dberr.NewError(dberr.ErrorCodeInvalidArgument, err)
	}

	p := &Pool{
		cfg:       cfg,
		dsn:       cfg.DSN(),
		l:         l,
		sp:        sp,
		conns:     make([]*fsql.DB, cfg.MaxConnections),
		available: make([]bool, cfg.MaxConnections),
		sem:       make(chan struct{}, cfg.MaxConnections),
		done:      make(chan struct{}),
		metrics:   newMetrics(),
		token:     resource.NewToken(),
	}

	if p.cfg.Probe == nil {
		p.cfg.Probe = func(ctx context.Context, db *fsql.DB) error {
			return db.Probe(ctx)
		}
	}

	// the first connection creates the file and switches it to WAL mode,
	// the rest are opened concurrently
	first, err := p.open(ctx, 0)
	if err != nil {
		return nil, err
	}

	p.conns[0] = first

	g, gCtx := errgroup.WithContext(ctx)

	for i := 1; i < cfg.MaxConnections; i++ {
		g.Go(func() error {
			c, err := p.open(gCtx, i)
			if err != nil {
				return err
			}

			p.conns[i] = c

			return nil
		})
	}

	if err = g.Wait(); err != nil {
		for _, c := range p.conns {
			if c != nil {
				_ = c.Close()
			}
		}

		return nil, err
	}

	for i := range p.available {
		p.available[i] = true
		p.sem <- struct{}{}
	}

	resource.Track(p, p.token)

	l.Info(
		"Pool opened",
		zap.String("path", cfg.Path), zap.Int("connections", cfg.MaxConnections),
		zap.Duration("acquireTimeout", cfg.AcquireTimeout),
	)

	return p, nil
}

// Config returns pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// OpenConnection opens a new connection that is not a part of the pool.
// It uses the same file and pragmas as pooled connections.
//
// The caller is responsible for closing it.
func (p *Pool) OpenConnection(ctx context.Context, name string) (*fsql.DB, error) {
	return openConnection(ctx, p.dsn, name, p.l)
}

// open opens the connection for the given slot.
func (p *Pool) open(ctx context.Context, i int) (*fsql.DB, error) {
	db, err := openConnection(ctx, p.dsn, fmt.Sprintf("conn-%d", i), p.l)
	if err != nil {
		return nil, err
	}

	if p.sp != nil && p.sp.Get().EngineVersion == "" {
		var v string
		if err = db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&v); err != nil {
			p.l.Error("Failed to query SQLite version", zap.Error(err))
			return db, nil
		}

		if err = p.sp.Update(func(s *state.State) { s.EngineVersion = v }); err != nil {
			p.l.Error("Failed to update state", zap.Error(err))
		}
	}

	return db, nil
}

// openConnection opens a single-handle database and checks it with a probe,
// which also applies all DSN pragmas.
func openConnection(ctx context.Context, dsn, name string, l *zap.Logger) (*fsql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	sqlDB.SetConnMaxIdleTime(0)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	db := fsql.WrapDB(sqlDB, name, l)

	if err = db.Probe(ctx); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	return db, nil
}

// closedError returns the error for operations on the closed pool.
func closedError() error {
	return dberr.NewErrorf(dberr.ErrorCodePoolClosed, "connection pool is closed")
}

// Acquire leases a connection.
//
// It blocks until a connection is available, the acquire timeout passes (ErrorCodePoolExhausted),
// ctx is canceled (ctx.Err() is returned), or the pool is closed (ErrorCodePoolClosed).
// The leased connection is validated with a probe and transparently replaced if it fails.
//
// Every successful Acquire must be paired with exactly one Release.
func (p *Pool) Acquire(ctx context.Context) (*fsql.DB, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()
	defer func() {
		p.acquireDuration.Observe(time.Since(start).Seconds())
	}()

	select {
	case <-p.done:
		return nil, closedError()
	default:
	}

	select {
	case <-p.sem:
	default:
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}

	return p.lease(ctx)
}

// wait blocks until a semaphore token is received.
func (p *Pool) wait(ctx context.Context) error {
	p.waits.Inc()

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	var timeout <-chan time.Time

	if d := p.cfg.AcquireTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()

		timeout = t.C
	}

	select {
	case <-p.sem:
		return nil

	case <-p.done:
		return closedError()

	case <-ctx.Done():
		return ctx.Err()

	case <-timeout:
		p.timeouts.Inc()

		return dberr.NewErrorf(
			dberr.ErrorCodePoolExhausted,
			"no connection became available in %s (%d connections)", p.cfg.AcquireTimeout, p.cfg.MaxConnections,
		)
	}
}

// lease marks the first available slot as leased and returns its validated connection.
//
// The caller must hold a semaphore token.
func (p *Pool) lease(ctx context.Context) (*fsql.DB, error) {
	p.rw.Lock()

	if p.closed {
		p.rw.Unlock()
		return nil, closedError()
	}

	i := slices.Index(p.available, true)
	if i < 0 {
		p.rw.Unlock()
		panic("pool: semaphore token without available connection")
	}

	p.available[i] = false
	c := p.conns[i]

	p.rw.Unlock()

	p.acquisitions.Inc()

	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProbeTimeout)
	defer cancel()

	err := p.cfg.Probe(probeCtx, c)
	if err == nil {
		return c, nil
	}

	p.l.Warn("Connection failed validation, replacing", zap.String("name", c.Name()), zap.Error(err))

	fresh, err := p.open(probeCtx, i)
	if err != nil {
		p.Release(c)
		return nil, dberr.NewError(dberr.ErrorCodeConnectionInvalid, err)
	}

	p.rw.Lock()

	if p.closed {
		p.rw.Unlock()
		_ = fresh.Close()

		return nil, closedError()
	}

	p.conns[i] = fresh

	p.rw.Unlock()

	_ = c.Close()

	p.replacements.Inc()

	return fresh, nil
}

// Release returns a leased connection to the pool.
//
// Releasing a connection that is not leased from this pool (including double release,
// and release after Close) is a no-op.
func (p *Pool) Release(c *fsql.DB) {
	if c == nil {
		return
	}

	p.rw.Lock()

	i := slices.Index(p.conns, c)
	if i < 0 || p.available[i] {
		p.rw.Unlock()
		return
	}

	p.available[i] = true

	p.rw.Unlock()

	// never blocks: there are never more tokens than connections
	p.sem <- struct{}{}
}

// WithConn acquires a connection, calls f, and releases the connection on every exit path,
// including panics.
func (p *Pool) WithConn(ctx context.Context, f func(*fsql.DB) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer p.Release(c)

	return f(c)
}

// Status reports the number of total, available, and leased connections.
//
// Active + Available is always equal to Total.
func (p *Pool) Status() Status {
	p.rw.Lock()
	defer p.rw.Unlock()

	res := Status{
		Total:   len(p.conns),
		Waiting: int(p.waiting.Load()),
	}

	for _, a := range p.available {
		if a {
			res.Available++
		}
	}

	res.Active = res.Total - res.Available

	return res
}

// Close closes all connections, including leased ones.
//
// Pending and subsequent Acquire calls fail with ErrorCodePoolClosed.
// It is safe to call Close multiple times.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.rw.Lock()

		p.closed = true
		close(p.done)

		conns := p.conns
		p.conns = nil
		p.available = nil

		p.rw.Unlock()

		for _, c := range conns {
			if err := c.Close(); err != nil {
				p.l.Warn("Failed to close connection", zap.String("name", c.Name()), zap.Error(err))
			}
		}

		resource.Untrack(p, p.token)

		p.l.Info("Pool closed", zap.String("path", p.cfg.Path))
	})
}
