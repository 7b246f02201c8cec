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

// Package dal provides table-oriented data access.
//
// Every call runs on a leased pool connection with retries on transient errors.
// If the context carries a transaction (see package txn), the call uses that transaction instead
// and is not retried separately: the whole unit of work is.
//
// Table and column names are validated identifiers; for known tables (see package schema),
// columns are also checked against the table definition.
package dal

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/storage/pool"
	"github.com/chefmind/recipestore/internal/storage/retry"
	"github.com/chefmind/recipestore/internal/storage/schema"
	"github.com/chefmind/recipestore/internal/storage/txn"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/observability"
)

// NewParams represents parameters for New.
//
//nolint:vet // for readability
type NewParams struct {
	Pool    *pool.Pool
	Retrier *retry.Retrier
	Txn     *txn.Manager
	L       *zap.Logger
}

// DAL provides data access operations.
//
// It is stateless and safe for concurrent use.
type DAL struct {
	p *pool.Pool
	r *retry.Retrier
	m *txn.Manager
	l *zap.Logger

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// New creates a new DAL.
func New(params *NewParams) *DAL {
	return &DAL{
		p: params.Pool,
		r: params.Retrier,
		m: params.Txn,
		l: params.L,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recipestore",
				Subsystem: "dal",
				Name:      "operations_total",
				Help:      "The total number of data access operations.",
			},
			[]string{"operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "recipestore",
				Subsystem: "dal",
				Name:      "operation_duration_seconds",
				Help:      "Data access operation duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// run calls f with a querier: the context's transaction or a leased connection.
//
// Constraint violations are returned as ErrorCodeConstraintViolation errors;
// other errors are returned unchanged.
func (d *DAL) run(ctx context.Context, op, tableName string, f func(context.Context, fsql.Querier) error) error {
	ctx, span := observability.Start(ctx, "dal."+op)
	defer span.End()

	if tableName != "" {
		span.SetAttributes(attribute.String("db.sql.table", tableName))
	}

	start := time.Now()

	var err error

	if tx, ok := txn.FromContext(ctx); ok {
		err = f(ctx, tx)
	} else {
		err = d.r.Do(ctx, func(ctx context.Context) error {
			return d.p.WithConn(ctx, func(c *fsql.DB) error {
				return f(ctx, c)
			})
		})
	}

	err = dberr.Convert(err)

	result := "ok"
	if err != nil {
		result = "error"

		span.RecordError(err)
		span.SetStatus(codes.Error, "")
	}

	d.operations.WithLabelValues(op, result).Inc()
	d.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	return err
}

// Insert inserts the record and returns the stored row, including the generated id.
func (d *DAL) Insert(ctx context.Context, tableName string, rec Record) (Record, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}

	var res Record

	err = d.run(ctx, "insert", tableName, func(ctx context.Context, q fsql.Querier) error {
		var e error
		res, e = t.insert(ctx, q, rec)

		return e
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// InsertMany inserts all records in a single transaction and returns the stored rows.
func (d *DAL) InsertMany(ctx context.Context, tableName string, recs []Record) ([]Record, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return []Record{}, nil
	}

	return txn.Do(ctx, d.m, func(ctx context.Context, tx *fsql.Tx) ([]Record, error) {
		res := make([]Record, 0, len(recs))

		err := d.run(ctx, "insertMany", tableName, func(ctx context.Context, q fsql.Querier) error {
			for _, rec := range recs {
				r, err := t.insert(ctx, q, rec)
				if err != nil {
					return err
				}

				res = append(res, r)
			}

			return nil
		})
		if err != nil {
			return nil, err
		}

		return res, nil
	})
}

// insert inserts a single record and reads it back on the same querier.
func (t *table) insert(ctx context.Context, q fsql.Querier, rec Record) (Record, error) {
	cols, values, err := t.encode(rec)
	if err != nil {
		return nil, err
	}

	sql := "INSERT INTO " + t.quoted() + " DEFAULT VALUES"

	if len(cols) > 0 {
		sql = "INSERT INTO " + t.quoted() + " (" + strings.Join(cols, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"
	}

	res, err := q.ExecContext(ctx, sql, args(values)...)
	if err != nil {
		return nil, err
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return t.byRowID(ctx, q, rowid)
}

// byRowID returns the row with the given rowid, or nil.
func (t *table) byRowID(ctx context.Context, q fsql.Querier, rowid int64) (Record, error) {
	rows, err := q.QueryContext(ctx, "SELECT * FROM "+t.quoted()+" WHERE rowid = ?", rowid)
	if err != nil {
		return nil, err
	}

	recs, err := scan(rows, t)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, nil
	}

	return recs[0], nil
}

// Find returns records matching the query.
func (d *DAL) Find(ctx context.Context, tableName string, query *Query) ([]Record, error) {
	return d.find(ctx, "find", tableName, query, "")
}

// FindOne returns the first record matching the query, or nil if there are none.
//
// If query.OrderBy is empty, records are ordered by rowid.
func (d *DAL) FindOne(ctx context.Context, tableName string, query *Query) (Record, error) {
	q := Query{}
	if query != nil {
		q = *query
	}

	q.Limit = 1

	recs, err := d.find(ctx, "findOne", tableName, &q, " ORDER BY rowid")
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, nil
	}

	return recs[0], nil
}

// find runs SELECT for Find and FindOne.
func (d *DAL) find(ctx context.Context, op, tableName string, query *Query, defaultOrder string) ([]Record, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}

	if query == nil {
		query = new(Query)
	}

	sql, params, err := t.selectSQL(query, defaultOrder)
	if err != nil {
		return nil, err
	}

	var res []Record

	err = d.run(ctx, op, tableName, func(ctx context.Context, q fsql.Querier) error {
		rows, err := q.QueryContext(ctx, sql, args(params)...)
		if err != nil {
			return err
		}

		res, err = scan(rows, t)

		return err
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// FindByID returns the record with the given id, or nil if it does not exist.
func (d *DAL) FindByID(ctx context.Context, tableName string, id int64) (Record, error) {
	return d.FindOne(ctx, tableName, &Query{Where: map[string]Value{"id": Int(id)}})
}

// Update sets the given columns of the record with the given id and returns the updated record.
// It returns nil if the record does not exist.
//
// For tables with the updated_at column, it is set to the current time unless given.
func (d *DAL) Update(ctx context.Context, tableName string, id int64, rec Record) (Record, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}

	cols, values, err := t.encode(rec)
	if err != nil {
		return nil, err
	}

	set := make([]string, len(cols), len(cols)+1)
	for i, c := range cols {
		set[i] = c + " = ?"
	}

	if _, ok := rec["updated_at"]; !ok && t.def != nil && t.def.HasUpdatedAt {
		set = append(set, schema.Quote("updated_at")+" = CURRENT_TIMESTAMP")
	}

	var res Record

	err = d.run(ctx, "update", tableName, func(ctx context.Context, q fsql.Querier) error {
		var e error

		if len(set) == 0 {
			res, e = t.byID(ctx, q, id)
			return e
		}

		sql := "UPDATE " + t.quoted() + " SET " + strings.Join(set, ", ") + " WHERE " + schema.Quote("id") + " = ?"

		r, e := q.ExecContext(ctx, sql, append(args(values), id)...)
		if e != nil {
			return e
		}

		n, e := r.RowsAffected()
		if e != nil {
			return lazyerrors.Error(e)
		}

		res = nil
		if n == 0 {
			return nil
		}

		res, e = t.byID(ctx, q, id)

		return e
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// byID returns the row with the given id, or nil.
func (t *table) byID(ctx context.Context, q fsql.Querier, id int64) (Record, error) {
	rows, err := q.QueryContext(ctx, "SELECT * FROM "+t.quoted()+" WHERE "+schema.Quote("id")+" = ?", id)
	if err != nil {
		return nil, err
	}

	recs, err := scan(rows, t)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, nil
	}

	return recs[0], nil
}

// Delete deletes the record with the given id.
// It returns true if the record was deleted.
func (d *DAL) Delete(ctx context.Context, tableName string, id int64) (bool, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return false, err
	}

	var deleted bool

	err = d.run(ctx, "delete", tableName, func(ctx context.Context, q fsql.Querier) error {
		r, err := q.ExecContext(ctx, "DELETE FROM "+t.quoted()+" WHERE "+schema.Quote("id")+" = ?", id)
		if err != nil {
			return err
		}

		n, err := r.RowsAffected()
		if err != nil {
			return lazyerrors.Error(err)
		}

		deleted = n > 0

		return nil
	})

	return deleted, err
}

// Count returns the number of records matching the query's predicates.
// Order, limit and offset are ignored.
func (d *DAL) Count(ctx context.Context, tableName string, query *Query) (int64, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return 0, err
	}

	var w map[string]Value
	if query != nil {
		w = query.Where
	}

	where, params, err := t.where(w)
	if err != nil {
		return 0, err
	}

	var n int64

	err = d.run(ctx, "count", tableName, func(ctx context.Context, q fsql.Querier) error {
		return q.QueryRowContext(ctx, "SELECT count(*) FROM "+t.quoted()+where, args(params)...).Scan(&n)
	})

	return n, err
}

// Query runs an arbitrary statement returning rows.
//
// The caller is responsible for the statement and the order of parameters.
func (d *DAL) Query(ctx context.Context, sql string, params ...Value) ([]Record, error) {
	var res []Record

	err := d.run(ctx, "query", "", func(ctx context.Context, q fsql.Querier) error {
		rows, err := q.QueryContext(ctx, sql, args(params)...)
		if err != nil {
			return err
		}

		res, err = scan(rows, nil)

		return err
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// QueryOne runs an arbitrary statement and returns its first row, or nil.
func (d *DAL) QueryOne(ctx context.Context, sql string, params ...Value) (Record, error) {
	recs, err := d.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, nil
	}

	return recs[0], nil
}

// Exec runs an arbitrary statement not returning rows and returns the number of affected rows.
func (d *DAL) Exec(ctx context.Context, sql string, params ...Value) (int64, error) {
	var n int64

	err := d.run(ctx, "exec", "", func(ctx context.Context, q fsql.Querier) error {
		r, err := q.ExecContext(ctx, sql, args(params)...)
		if err != nil {
			return err
		}

		if n, err = r.RowsAffected(); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	})

	return n, err
}

// Stats returns the number of records in each known table.
func (d *DAL) Stats(ctx context.Context) (map[string]int64, error) {
	res := make(map[string]int64)

	for _, t := range schema.Tables() {
		n, err := d.Count(ctx, t.Name, nil)
		if err != nil {
			return nil, err
		}

		res[t.Name] = n
	}

	return res, nil
}

// placeholders returns n comma-separated placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Describe implements prometheus.Collector.
func (d *DAL) Describe(ch chan<- *prometheus.Desc) {
	d.operations.Describe(ch)
	d.duration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (d *DAL) Collect(ch chan<- prometheus.Metric) {
	d.operations.Collect(ch)
	d.duration.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*DAL)(nil)
)
