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

package observability

import (
	"context"
	"runtime"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// FuncCall adds observability to a function call.
//
// It should be called at the very beginning of the function,
// and returned function should be called at exit.
// The returned function must not be passed or stored.
// The only valid way to use FuncCall is:
//
//	func foo(ctx context.Context) {
//	    defer observability.FuncCall(ctx)()
//	    // ...
//
// It creates a span named after the calling function (for example, "fsql.(*DB).QueryContext").
func FuncCall(ctx context.Context) func() {
	_, span := Start(ctx, callerName(), oteltrace.WithSpanKind(oteltrace.SpanKindInternal))

	return func() {
		span.End()
	}
}

// callerName returns the short name of the FuncCall caller.
func callerName() string {
	pc := make([]uintptr, 1)

	// skip runtime.Callers, callerName, and FuncCall
	if runtime.Callers(3, pc) != 1 {
		return "unknown"
	}

	f, _ := runtime.CallersFrames(pc).Next()
	if f.Function == "" {
		return "unknown"
	}

	i := strings.LastIndex(f.Function, "/")

	return f.Function[i+1:]
}
