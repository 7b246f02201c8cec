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
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chefmind/recipestore/internal/storage/dberr"
)

// Kind represents the type of Value.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	default:
		panic(fmt.Sprintf("unexpected kind %d", k))
	}
}

// Value is a query parameter: a string, integer, float, boolean or null.
//
// The zero value is null.
type Value struct {
	s    string
	i    int64
	f    float64
	kind Kind
}

// Null returns null Value.
func Null() Value { return Value{} }

// String returns string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns float Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool returns boolean Value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}

	return v
}

// timeLayout matches SQLite's CURRENT_TIMESTAMP format.
const timeLayout = "2006-01-02 15:04:05"

// ValueOf converts a Go value to Value.
//
// It accepts nil, Value, strings, booleans, integers, finite floats and time.Time;
// anything else is an ErrorCodeInvalidArgument error.
func ValueOf(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return uintValue(x)
	case float32:
		return floatValue(float64(x))
	case float64:
		return floatValue(x)
	case time.Time:
		return String(x.UTC().Format(timeLayout)), nil
	default:
		return Value{}, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "unsupported parameter type %T", x)
	}
}

// uintValue checks that x fits into a signed 64-bit integer.
func uintValue(x uint64) (Value, error) {
	if x > math.MaxInt64 {
		return Value{}, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "integer parameter %d overflows", x)
	}

	return Int(int64(x)), nil
}

// floatValue checks that f is finite.
func floatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, dberr.NewErrorf(dberr.ErrorCodeInvalidArgument, "float parameter %v is not finite", f)
	}

	return Float(f), nil
}

// Kind returns the kind of v.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull returns true if v is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// Any returns v as a driver argument.
func (v Value) Any() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.i == 1
	default:
		panic(fmt.Sprintf("unexpected kind %d", v.kind))
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.s)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.i == 1)
	default:
		panic(fmt.Sprintf("unexpected kind %d", v.kind))
	}
}

// args converts values to driver arguments.
func args(values []Value) []any {
	res := make([]any, len(values))
	for i, v := range values {
		res[i] = v.Any()
	}

	return res
}
