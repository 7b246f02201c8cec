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

// Package dberr provides the error taxonomy of the storage layer.
//
// Errors that callers are expected to inspect are returned as *Error values with one of the ErrorCode values.
// Driver errors are never hidden: *Error values wrap them, and transient errors are returned unchanged.
package dberr

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrorCode represent a storage error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	// ErrorCodeTransientContention indicates that the database file or table is momentarily locked.
	ErrorCodeTransientContention

	// ErrorCodeConstraintViolation indicates a broken uniqueness, foreign key, or NOT NULL rule.
	ErrorCodeConstraintViolation

	// ErrorCodeConnectionInvalid indicates that a connection failed the probe and could not be replaced.
	ErrorCodeConnectionInvalid

	// ErrorCodePoolExhausted indicates that no connection became available before the acquire timeout.
	ErrorCodePoolExhausted

	// ErrorCodePoolClosed indicates that the pool was closed.
	ErrorCodePoolClosed

	// ErrorCodeInvalidArgument indicates caller misuse:
	// unsupported parameter type, unknown column, invalid identifier or sort direction.
	ErrorCodeInvalidArgument
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeTransientContention:
		return "TransientContention"
	case ErrorCodeConstraintViolation:
		return "ConstraintViolation"
	case ErrorCodeConnectionInvalid:
		return "ConnectionInvalid"
	case ErrorCodePoolExhausted:
		return "PoolExhausted"
	case ErrorCodePoolClosed:
		return "PoolClosed"
	case ErrorCodeInvalidArgument:
		return "InvalidArgument"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error represents a storage error.
type Error struct {
	// underlying error, may be nil
	err error

	code ErrorCode
}

// NewError creates a new storage error.
//
// Code must not be 0. Err may be nil.
func NewError(code ErrorCode, err error) *Error {
	if code == 0 {
		panic("dberr.NewError: code must not be 0")
	}

	return &Error{
		code: code,
		err:  err,
	}
}

// NewErrorf is like NewError, but creates the underlying error from format and arguments.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Errorf(format, args...))
}

// Code returns the error code.
func (err *Error) Code() ErrorCode {
	return err.code
}

// Error implements error interface.
func (err *Error) Error() string {
	if err.err == nil {
		return err.code.String()
	}

	return fmt.Sprintf("%s: %v", err.code, err.err)
}

// Unwrap returns the underlying error.
func (err *Error) Unwrap() error {
	return err.err
}

// ErrorCodeIs returns true if err is or wraps *Error with one of the given error codes.
//
// At least one error code must be given.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// sqliteCode returns the primary SQLite result code of err, or 0 if err is not an SQLite error.
func sqliteCode(err error) int {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return 0
	}

	// extended result codes keep the primary code in the low byte
	return e.Code() & 0xff
}

// IsTransient returns true if err indicates momentary lock contention that is expected to clear shortly.
//
// SQLITE_BUSY and SQLITE_LOCKED (including extended codes like SQLITE_BUSY_SNAPSHOT)
// are transient, and so is SQLITE_PROTOCOL that WAL mode may report when lock acquisition races.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if ErrorCodeIs(err, ErrorCodeTransientContention) {
		return true
	}

	switch sqliteCode(err) {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED, sqlitelib.SQLITE_PROTOCOL:
		return true
	case 0:
		// not an SQLite error; fall back to the message
	default:
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is busy")
}

// IsConstraint returns true if err is a constraint violation.
func IsConstraint(err error) bool {
	return ErrorCodeIs(err, ErrorCodeConstraintViolation) || sqliteCode(err) == sqlitelib.SQLITE_CONSTRAINT
}

// Convert maps SQLite constraint errors to *Error with ErrorCodeConstraintViolation.
//
// Other errors (including nil and transient ones) are returned unchanged.
func Convert(err error) error {
	if err == nil || ErrorCodeIs(err, ErrorCodeConstraintViolation) {
		return err
	}

	if sqliteCode(err) == sqlitelib.SQLITE_CONSTRAINT {
		return NewError(ErrorCodeConstraintViolation, err)
	}

	return err
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
