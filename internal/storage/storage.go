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

// Package storage assembles the data-access layer over a single SQLite database file.
//
// New builds all components in dependency order:
// the connection pool, the retrier, the transaction manager, the health checker,
// the data access layer and the cache.
// The resulting *Storage is explicitly passed to its users; there is no global instance.
package storage

import (
	"context"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/storage/cache"
	"github.com/chefmind/recipestore/internal/storage/dal"
	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/storage/health"
	"github.com/chefmind/recipestore/internal/storage/pool"
	"github.com/chefmind/recipestore/internal/storage/retry"
	"github.com/chefmind/recipestore/internal/storage/schema"
	"github.com/chefmind/recipestore/internal/storage/txn"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/observability"
	"github.com/chefmind/recipestore/internal/util/state"
)

// Config represents Storage configuration.
//
//nolint:vet // for readability
type Config struct {
	Pool  pool.Config
	Retry retry.Policy
	Cache cache.Config

	// TxnTimeout limits each attempt of a unit of work. Zero disables it.
	TxnTimeout time.Duration

	// HealthTimeout limits a single health check.
	HealthTimeout time.Duration
}

// DefaultConfig returns default configuration for the given database file.
func DefaultConfig(path string) Config {
	return Config{
		Pool:          pool.DefaultConfig(path),
		Retry:         retry.DefaultPolicy(),
		Cache:         cache.DefaultConfig(),
		TxnTimeout:    txn.DefaultTimeout,
		HealthTimeout: health.DefaultTimeout,
	}
}

// Validate checks configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Pool),
		validation.Field(&c.Retry),
		validation.Field(&c.Cache),
		validation.Field(&c.TxnTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.HealthTimeout, validation.Min(time.Duration(0))),
	)
}

// Storage provides access to the database.
type Storage struct {
	l  *zap.Logger
	sp *state.Provider

	pool    *pool.Pool
	retrier *retry.Retrier
	txn     *txn.Manager
	health  *health.Checker
	dal     *dal.DAL
	cache   *cache.Cache
}

// New opens the database, creates the schema if needed, and returns a new Storage.
//
// State provider may be nil.
func New(ctx context.Context, cfg Config, l *zap.Logger, sp *state.Provider) (*Storage, error) {
	defer observability.FuncCall(ctx)()

	if err := cfg.Validate(); err != nil {
		return nil, dberr.NewError(dberr.ErrorCodeInvalidArgument, err)
	}

	p, err := pool.New(ctx, cfg.Pool, l.Named("pool"), sp)
	if err != nil {
		return nil, err
	}

	r, err := retry.New(cfg.Retry, l.Named("retry"))
	if err != nil {
		p.Close()
		return nil, err
	}

	m := txn.NewManager(&txn.NewManagerParams{
		Pool:    p,
		Retrier: r,
		L:       l.Named("txn"),
		Timeout: cfg.TxnTimeout,
	})

	err = m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		return schema.Migrate(ctx, tx)
	})
	if err != nil {
		p.Close()
		return nil, lazyerrors.Error(err)
	}

	c, err := cache.New(cfg.Cache, l.Named("cache"))
	if err != nil {
		p.Close()
		return nil, err
	}

	s := &Storage{
		l:       l,
		sp:      sp,
		pool:    p,
		retrier: r,
		txn:     m,
		health: health.NewChecker(&health.NewCheckerParams{
			Pool:    p,
			Retrier: r,
			L:       l.Named("health"),
			Timeout: cfg.HealthTimeout,
		}),
		dal: dal.New(&dal.NewParams{
			Pool:    p,
			Retrier: r,
			Txn:     m,
			L:       l.Named("dal"),
		}),
		cache: c,
	}

	l.Info(
		"Storage opened",
		zap.String("path", cfg.Pool.Path), zap.Int("connections", cfg.Pool.MaxConnections),
	)

	return s, nil
}

// Close closes all connections.
func (s *Storage) Close() {
	s.health.Close()
	s.pool.Close()
	s.cache.Close()
}

// DAL returns the data access layer.
func (s *Storage) DAL() *dal.DAL {
	return s.dal
}

// Cache returns the cache.
func (s *Storage) Cache() *cache.Cache {
	return s.cache
}

// Health returns the health checker.
func (s *Storage) Health() *health.Checker {
	return s.health
}

// WithTransaction runs f in a transaction; see [txn.Manager.WithTransaction].
func (s *Storage) WithTransaction(ctx context.Context, f txn.UnitOfWork) error {
	return s.txn.WithTransaction(ctx, f)
}

// Txn returns the transaction manager.
func (s *Storage) Txn() *txn.Manager {
	return s.txn
}

// HealthStatus runs a health check.
func (s *Storage) HealthStatus(ctx context.Context) *health.Status {
	return s.health.Check(ctx)
}

// PoolStatus returns connection pool status.
func (s *Storage) PoolStatus() pool.Status {
	return s.pool.Status()
}

// Optimize updates query planner statistics and truncates the write-ahead log.
func (s *Storage) Optimize(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	for _, q := range []string{"PRAGMA optimize", "ANALYZE", "PRAGMA wal_checkpoint(TRUNCATE)"} {
		if _, err := s.dal.Exec(ctx, q); err != nil {
			return lazyerrors.Errorf("%s: %w", q, err)
		}
	}

	return nil
}

// Backup writes a consistent copy of the database to a new file at path.
// The file must not exist.
func (s *Storage) Backup(ctx context.Context, path string) error {
	defer observability.FuncCall(ctx)()

	if _, err := os.Stat(path); err == nil {
		return dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "backup file %q already exists", path)
	}

	start := time.Now()

	if _, err := s.dal.Exec(ctx, "VACUUM INTO ?", dal.String(path)); err != nil {
		return lazyerrors.Error(err)
	}

	s.l.Info("Backup created", zap.String("path", path), zap.Duration("duration", time.Since(start)))

	if s.sp != nil {
		now := time.Now().UTC()

		if err := s.sp.Update(func(st *state.State) { st.LastBackup = &now }); err != nil {
			s.l.Error("Failed to update state", zap.Error(err))
		}
	}

	return nil
}

// Describe implements prometheus.Collector.
func (s *Storage) Describe(ch chan<- *prometheus.Desc) {
	s.pool.Describe(ch)
	s.retrier.Describe(ch)
	s.txn.Describe(ch)
	s.health.Describe(ch)
	s.dal.Describe(ch)
	s.cache.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Storage) Collect(ch chan<- prometheus.Metric) {
	s.pool.Collect(ch)
	s.retrier.Collect(ch)
	s.txn.Collect(ch)
	s.health.Collect(ch)
	s.dal.Collect(ch)
	s.cache.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Storage)(nil)
)
