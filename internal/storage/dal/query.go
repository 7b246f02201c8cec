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

package dal

import (
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/storage/schema"
)

// DefaultLimit is the number of records returned by Find when Query.Limit is zero.
const DefaultLimit = 50

// Direction represents sort direction.
type Direction string

// Sort directions.
const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// OrderBy represents a single sort key.
type OrderBy struct {
	Column    string
	Direction Direction // Asc if empty
}

// Query represents a structured query.
//
//nolint:vet // for readability
type Query struct {
	// Where is an implicit AND of predicates.
	// A string value containing % is matched with LIKE, null with IS NULL,
	// and everything else with equality.
	Where map[string]Value

	// OrderBy lists sort keys. If empty, the order is unspecified for Find;
	// FindOne orders by rowid.
	OrderBy []OrderBy

	// Limit is the maximum number of records; zero means DefaultLimit.
	Limit int

	Offset int
}

// table represents a validated table name.
type table struct {
	name string
	def  *schema.Table // nil for unregistered tables
}

// lookupTable validates the table name.
func lookupTable(name string) (*table, error) {
	if !schema.ValidIdentifier(name) {
		return nil, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "invalid table name %q", name)
	}

	def, _ := schema.Lookup(name)

	return &table{name: name, def: def}, nil
}

// quoted returns the quoted table name.
func (t *table) quoted() string {
	return schema.Quote(t.name)
}

// column validates and quotes the column name.
func (t *table) column(name string) (string, error) {
	if !schema.ValidIdentifier(name) {
		return "", dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "invalid column name %q", name)
	}

	if t.def != nil && !t.def.HasColumn(name) {
		return "", dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "unknown column %q in table %q", name, t.name)
	}

	return schema.Quote(name), nil
}

// where returns the WHERE clause (with a leading space) and its arguments.
func (t *table) where(w map[string]Value) (string, []Value, error) {
	if len(w) == 0 {
		return "", nil, nil
	}

	cols := maps.Keys(w)
	slices.Sort(cols)

	conds := make([]string, 0, len(cols))
	params := make([]Value, 0, len(cols))

	for _, col := range cols {
		q, err := t.column(col)
		if err != nil {
			return "", nil, err
		}

		v := w[col]

		switch {
		case v.IsNull():
			conds = append(conds, q+" IS NULL")
			continue
		case v.Kind() == KindString && strings.Contains(v.s, "%"):
			conds = append(conds, q+" LIKE ?")
		default:
			conds = append(conds, q+" = ?")
		}

		params = append(params, v)
	}

	return " WHERE " + strings.Join(conds, " AND "), params, nil
}

// orderBy returns the ORDER BY clause (with a leading space).
func (t *table) orderBy(ob []OrderBy) (string, error) {
	if len(ob) == 0 {
		return "", nil
	}

	keys := make([]string, len(ob))

	for i, o := range ob {
		q, err := t.column(o.Column)
		if err != nil {
			return "", err
		}

		switch strings.ToUpper(string(o.Direction)) {
		case "", string(Asc):
			keys[i] = q + " ASC"
		case string(Desc):
			keys[i] = q + " DESC"
		default:
			return "", dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "invalid sort direction %q", o.Direction)
		}
	}

	return " ORDER BY " + strings.Join(keys, ", "), nil
}

// selectSQL returns SELECT statement and its arguments for the given query.
func (t *table) selectSQL(q *Query, defaultOrder string) (string, []Value, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return "", nil, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "limit and offset must not be negative")
	}

	where, params, err := t.where(q.Where)
	if err != nil {
		return "", nil, err
	}

	order, err := t.orderBy(q.OrderBy)
	if err != nil {
		return "", nil, err
	}

	if order == "" {
		order = defaultOrder
	}

	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	params = append(params, Int(int64(limit)), Int(int64(q.Offset)))

	return "SELECT * FROM " + t.quoted() + where + order + " LIMIT ? OFFSET ?", params, nil
}
