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

package dberr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite"
)

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)

	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func TestError(t *testing.T) {
	t.Parallel()

	cause := errors.New("no free connection after 10ms")
	err := NewError(ErrorCodePoolExhausted, cause)

	assert.Equal(t, "PoolExhausted: no free connection after 10ms", err.Error())
	assert.Equal(t, ErrorCodePoolExhausted, err.Code())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("acquire: %w", err)
	assert.True(t, ErrorCodeIs(wrapped, ErrorCodePoolClosed, ErrorCodePoolExhausted))
	assert.False(t, ErrorCodeIs(wrapped, ErrorCodePoolClosed))
	assert.False(t, ErrorCodeIs(cause, ErrorCodePoolExhausted))

	assert.Equal(t, "PoolClosed", NewError(ErrorCodePoolClosed, nil).Error())
	assert.Equal(t, "ErrorCode(42)", ErrorCode(42).String())

	assert.Panics(t, func() { NewError(0, nil) })
}

func TestSQLiteErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	db1 := openDB(t, path)
	db2 := openDB(t, path)

	_, err := db1.ExecContext(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, session_id TEXT UNIQUE NOT NULL)")
	require.NoError(t, err)

	_, err = db1.ExecContext(ctx, "INSERT INTO users (session_id) VALUES ('s1')")
	require.NoError(t, err)

	t.Run("Constraint", func(t *testing.T) {
		_, err := db1.ExecContext(ctx, "INSERT INTO users (session_id) VALUES ('s1')")
		require.Error(t, err)

		var se *sqlite.Error
		require.ErrorAs(t, err, &se)

		assert.True(t, IsConstraint(err))
		assert.False(t, IsTransient(err))

		converted := Convert(err)
		assert.True(t, ErrorCodeIs(converted, ErrorCodeConstraintViolation))
		assert.ErrorIs(t, converted, err)
		assert.Equal(t, converted, Convert(converted))
	})

	t.Run("Busy", func(t *testing.T) {
		tx, err := db1.BeginTx(ctx, nil)
		require.NoError(t, err)

		_, err = tx.ExecContext(ctx, "INSERT INTO users (session_id) VALUES ('s2')")
		require.NoError(t, err)

		_, err = db2.ExecContext(ctx, "INSERT INTO users (session_id) VALUES ('s3')")
		require.Error(t, err)

		require.NoError(t, tx.Rollback())

		assert.True(t, IsTransient(err), "%v", err)
		assert.False(t, IsConstraint(err))
		assert.Equal(t, err, Convert(err))
	})
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("no such table: recipes")))
	assert.True(t, IsTransient(errors.New("database is locked")))
	assert.True(t, IsTransient(fmt.Errorf("query: %w", errors.New("Database table is locked: favorites"))))
	assert.True(t, IsTransient(NewError(ErrorCodeTransientContention, nil)))
	assert.False(t, IsTransient(NewError(ErrorCodePoolExhausted, nil)))
}
