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

// Package fsql provides [database/sql] utilities.
package fsql

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/observability"
	"github.com/chefmind/recipestore/internal/util/resource"
)

// Querier is implemented by both *DB and *Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DB wraps [*database/sql.DB] with tracing, metrics, logging, and resource tracking.
//
// It exposes the subset of *sql.DB methods we use except that it returns *Rows instead of *sql.Rows.
// It also exposes additional methods.
//
// The storage layer always wraps *sql.DB values limited to a single underlying connection,
// so a DB represents exactly one engine handle.
type DB struct {
	*metricsCollector

	sqlDB *sql.DB
	name  string
	l     *zap.Logger
	token *resource.Token
}

// WrapDB creates a new DB.
//
// Name is used for metric label values, etc.
// Logger (that will be named) is used for query logging.
func WrapDB(db *sql.DB, name string, l *zap.Logger) *DB {
	if db == nil {
		return nil
	}

	res := &DB{
		metricsCollector: newMetricsCollector(name, db.Stats),
		sqlDB:            db,
		name:             name,
		l:                l.Named(name),
		token:            resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// Name returns the name given to WrapDB.
func (db *DB) Name() string {
	return db.name
}

// Close calls [*sql.DB.Close].
func (db *DB) Close() error {
	resource.Untrack(db, db.token)
	return db.sqlDB.Close()
}

// Stats calls [*sql.DB.Stats].
func (db *DB) Stats() sql.DBStats {
	return db.sqlDB.Stats()
}

// Probe executes a trivial statement to check that the connection is usable.
func (db *DB) Probe(ctx context.Context) error {
	var res int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&res); err != nil {
		return lazyerrors.Error(err)
	}

	if res != 1 {
		return lazyerrors.Errorf("unexpected probe result %d", res)
	}

	return nil
}

// QueryContext calls [*sql.DB.QueryContext].
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	defer observability.FuncCall(ctx)()

	done := logQuery(db.l, query, args)

	rows, err := db.sqlDB.QueryContext(ctx, query, args...)
	done(nil, err)

	return wrapRows(rows), err
}

// QueryRowContext calls [*sql.DB.QueryRowContext].
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	done := logQuery(db.l, query, args)

	row := db.sqlDB.QueryRowContext(ctx, query, args...)
	done(nil, row.Err())

	return row
}

// ExecContext calls [*sql.DB.ExecContext].
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	done := logQuery(db.l, query, args)

	res, err := db.sqlDB.ExecContext(ctx, query, args...)
	done(res, err)

	return res, err
}

// InTransaction wraps the given function f in a transaction.
//
// If f returns an error or context is canceled, the transaction is rolled back.
// The error returned by f is returned as-is.
func (db *DB) InTransaction(ctx context.Context, f func(*Tx) error) (err error) {
	defer observability.FuncCall(ctx)()

	var sqlTx *sql.Tx

	if sqlTx, err = db.sqlDB.BeginTx(ctx, nil); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	tx := wrapTx(sqlTx, db.l)

	var done bool

	defer func() {
		// It is not enough to check `err == nil` there,
		// because in tests `f` could contain testify/require.XXX or `testing.TB.FailNow()` calls
		// that call `runtime.Goexit()`, leaving `err` unset in `err = f(tx)` below.
		//
		// Checking a separate variable also handles any panics in `f`.
		if done {
			return
		}

		if err == nil {
			err = lazyerrors.Errorf("transaction was not committed")
		}

		if rerr := tx.Rollback(); rerr != nil {
			db.l.Warn("Rollback failed", zap.Error(rerr))
		}
	}()

	if err = f(tx); err != nil {
		// do not wrap f's error because the caller depends on it
		return
	}

	if err = tx.Commit(); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	done = true

	return
}

// check interfaces
var (
	_ prometheus.Collector = (*DB)(nil)
	_ Querier              = (*DB)(nil)
)
