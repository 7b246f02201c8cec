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

package fsql

import (
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// logQuery logs the query before execution and returns a function
// that should be called after execution with its result and error.
func logQuery(l *zap.Logger, query string, args []any) func(sql.Result, error) {
	if !l.Core().Enabled(zap.DebugLevel) {
		return func(sql.Result, error) {}
	}

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	l.Sugar().With(fields...).Debugf(">>> %s", query)

	return func(res sql.Result, err error) {
		// to differentiate between 0 and nil
		var ra *int64

		if res != nil {
			if rav, e := res.RowsAffected(); e == nil {
				ra = &rav
			}
		}

		fields = append(fields, zap.Int64p("rows", ra), zap.Duration("time", time.Since(start)), zap.Error(err))
		l.Sugar().With(fields...).Debugf("<<< %s", query)
	}
}
