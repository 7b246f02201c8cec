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
	"math"
	"reflect"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/exp/maps"

	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/util/fsql"
	"github.com/chefmind/recipestore/internal/util/lazyerrors"
)

// Record represents a table row: column names to values.
//
// On write, composite values (maps, slices, structs) are stored as JSON text.
// On read, JSON columns of known tables are decoded.
type Record map[string]any

// maxSafeFloatInt is the largest integer n such that all integers in [-n, n] are exact float64 values.
const maxSafeFloatInt = 1 << 53

// ID returns the record's "id" column, or 0 if it is absent or not an integer.
//
// Integral floats are accepted, since ad-hoc queries over views may return ids of any numeric type.
func (r Record) ID() int64 {
	switch id := r["id"].(type) {
	case int64:
		return id
	case int:
		return int64(id)
	case int32:
		return int64(id)
	case float64:
		if id == math.Trunc(id) && math.Abs(id) <= maxSafeFloatInt {
			return int64(id)
		}
	}

	return 0
}

// Decode stores the record into the value pointed to by dst using its json struct tags.
func (r Record) Decode(dst any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if err = json.Unmarshal(b, dst); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// encode returns quoted column names and values of the record, sorted by column name.
func (t *table) encode(r Record) ([]string, []Value, error) {
	names := maps.Keys(r)
	slices.Sort(names)

	cols := make([]string, len(names))
	values := make([]Value, len(names))

	for i, name := range names {
		q, err := t.column(name)
		if err != nil {
			return nil, nil, err
		}

		v, err := t.encodeField(name, r[name])
		if err != nil {
			return nil, nil, err
		}

		cols[i] = q
		values[i] = v
	}

	return cols, values, nil
}

// encodeField converts a single record field to Value.
func (t *table) encodeField(col string, x any) (Value, error) {
	if t.def != nil && t.def.IsJSON(col) {
		return encodeJSON(col, x)
	}

	v, err := ValueOf(x)
	if err == nil {
		return v, nil
	}

	rv := reflect.ValueOf(x)

	switch rv.Kind() { //nolint:exhaustive // other kinds are rejected
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}

		return t.encodeField(col, rv.Elem().Interface())

	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return marshal(col, x)
	default:
		return Value{}, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "column %q: unsupported value type %T", col, x)
	}
}

// encodeJSON converts a field of a JSON column to Value.
//
// Everything is encoded, so strings are read back as strings.
// Already-encoded text is passed as [json.RawMessage] and stored as-is if it is valid.
func encodeJSON(col string, x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		if x.IsNull() {
			return Null(), nil
		}

		return marshal(col, x.Any())
	case json.RawMessage:
		if x == nil {
			return Null(), nil
		}

		if !json.Valid(x) {
			return Value{}, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "column %q: invalid JSON text", col)
		}

		return String(string(x)), nil
	default:
		return marshal(col, x)
	}
}

// marshal encodes a value as JSON text.
func marshal(col string, x any) (Value, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return Value{}, dberr.NewError(dberr.ErrorCodeInvalidArgument, lazyerrors.Errorf("column %q: %w", col, err))
	}

	return String(string(b)), nil
}

// scan reads all rows into records and closes them.
//
// t may be nil for ad-hoc queries.
func scan(rows *fsql.Rows, t *table) ([]Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := []Record{}

	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))

		for i := range values {
			dest[i] = &values[i]
		}

		if err = rows.Scan(dest...); err != nil {
			return nil, lazyerrors.Error(err)
		}

		r := make(Record, len(cols))

		for i, col := range cols {
			r[col] = t.decodeField(col, values[i])
		}

		res = append(res, r)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}

// decodeField decodes JSON columns of known tables.
// Values that are not valid JSON are returned as-is.
func (t *table) decodeField(col string, x any) any {
	if t == nil || t.def == nil || !t.def.IsJSON(col) {
		return x
	}

	s, ok := x.(string)
	if !ok {
		return x
	}

	var res any
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return x
	}

	return res
}
