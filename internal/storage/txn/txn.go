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

// Package txn provides transactions over a single leased connection.
//
// A unit of work runs with a context that carries its transaction.
// Storage calls made with that context use the same connection instead of leasing another one,
// and nested WithTransaction calls become savepoints.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/storage/pool"
	"github.com/chefmind/recipestore/internal/storage/retry"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/observability"
)

// DefaultTimeout is the default time limit for a unit of work.
const DefaultTimeout = 30 * time.Second

// UnitOfWork is a function executed inside a transaction.
//
// It must use the given context for all storage calls.
type UnitOfWork func(ctx context.Context, tx *fsql.Tx) error

// contextKey is a named unexported type for the safe use of [context.WithValue].
type contextKey struct{}

// txState is the transaction carried by the unit of work's context.
type txState struct {
	tx   *fsql.Tx
	conn string

	// savepoints counts created savepoints; the unit of work is sequential
	savepoints int

	// called in order after a successful commit
	afterCommit []func()
}

// FromContext returns the transaction carried by ctx, if any.
func FromContext(ctx context.Context) (*fsql.Tx, bool) {
	st, ok := ctx.Value(contextKey{}).(*txState)
	if !ok {
		return nil, false
	}

	return st.tx, true
}

// AfterCommit registers f to be called after the transaction carried by ctx commits.
// f is dropped if the transaction is rolled back.
//
// It returns false without registering f if ctx carries no transaction.
func AfterCommit(ctx context.Context, f func()) bool {
	st, ok := ctx.Value(contextKey{}).(*txState)
	if !ok {
		return false
	}

	st.afterCommit = append(st.afterCommit, f)

	return true
}

// NewManagerParams represents parameters for NewManager.
//
//nolint:vet // for readability
type NewManagerParams struct {
	Pool    *pool.Pool
	Retrier *retry.Retrier
	L       *zap.Logger

	// Timeout limits each attempt of a unit of work. Zero disables it.
	Timeout time.Duration
}

// Manager runs units of work in transactions.
type Manager struct {
	p       *pool.Pool
	r       *retry.Retrier
	l       *zap.Logger
	timeout time.Duration

	commits   prometheus.Counter
	rollbacks prometheus.Counter
}

// NewManager creates a new Manager.
func NewManager(params *NewManagerParams) *Manager {
	return &Manager{
		p:       params.Pool,
		r:       params.Retrier,
		l:       params.L,
		timeout: params.Timeout,
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipestore",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "The total number of committed transactions.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipestore",
			Subsystem: "txn",
			Name:      "rollbacks_total",
			Help:      "The total number of rolled back transaction attempts.",
		}),
	}
}

// WithTransaction runs f in a transaction on one leased connection.
//
// The transaction is committed if f returns nil and rolled back otherwise;
// the error from f is returned unchanged.
// The whole sequence (acquire, begin, f, commit or rollback, release) is retried on transient errors,
// so f may be called more than once and must not have side effects outside the transaction.
// The connection is released exactly once on every exit path, including panics.
//
// If ctx already carries a transaction, f runs inside a savepoint of that transaction
// on the same connection and is not retried separately.
//
// f must not lease another connection from the pool: that may deadlock when the pool is saturated.
func (m *Manager) WithTransaction(ctx context.Context, f UnitOfWork) error {
	if st, ok := ctx.Value(contextKey{}).(*txState); ok {
		return m.savepoint(ctx, st, f)
	}

	return m.r.Do(ctx, func(ctx context.Context) error {
		return m.attempt(ctx, f)
	})
}

// Do is a generic version of [Manager.WithTransaction] for units of work returning a value.
func Do[T any](ctx context.Context, m *Manager, f func(ctx context.Context, tx *fsql.Tx) (T, error)) (T, error) {
	var res T

	err := m.WithTransaction(ctx, func(ctx context.Context, tx *fsql.Tx) error {
		var err error
		res, err = f(ctx, tx)

		return err
	})

	return res, err
}

// attempt runs a single attempt of the unit of work.
func (m *Manager) attempt(ctx context.Context, f UnitOfWork) error {
	ctx, span := observability.Start(ctx, "txn.WithTransaction")
	defer span.End()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)

		defer cancel()
	}

	var st *txState

	err := m.p.WithConn(ctx, func(c *fsql.DB) error {
		return c.InTransaction(ctx, func(tx *fsql.Tx) error {
			st = &txState{
				tx:   tx,
				conn: c.Name(),
			}

			return f(context.WithValue(ctx, contextKey{}, st), tx)
		})
	})

	if err != nil {
		m.rollbacks.Inc()

		span.RecordError(err)
		span.SetStatus(codes.Error, "rolled back")

		return err
	}

	m.commits.Inc()

	for _, cb := range st.afterCommit {
		cb()
	}

	return nil
}

// savepoint runs f inside a savepoint of the existing transaction.
func (m *Manager) savepoint(ctx context.Context, st *txState, f UnitOfWork) (err error) {
	st.savepoints++
	name := fmt.Sprintf("sp_%d", st.savepoints)

	if _, err = st.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	var done bool

	defer func() {
		if done {
			return
		}

		if err == nil {
			err = lazyerrors.Errorf("savepoint %s was not released", name)
		}

		// the outer transaction continues, so undo only the savepoint's changes
		rbCtx := context.WithoutCancel(ctx)

		if _, rerr := st.tx.ExecContext(rbCtx, "ROLLBACK TO "+name); rerr != nil {
			m.l.Warn("Rollback to savepoint failed", zap.String("savepoint", name), zap.Error(rerr))
		}

		if _, rerr := st.tx.ExecContext(rbCtx, "RELEASE "+name); rerr != nil {
			m.l.Warn("Savepoint release failed", zap.String("savepoint", name), zap.Error(rerr))
		}
	}()

	if err = f(ctx, st.tx); err != nil {
		return
	}

	if _, err = st.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	done = true

	return
}

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	m.commits.Describe(ch)
	m.rollbacks.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.commits.Collect(ch)
	m.rollbacks.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Manager)(nil)
)
