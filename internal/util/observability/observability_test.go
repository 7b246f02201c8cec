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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func probe(ctx context.Context) {
	defer FuncCall(ctx)()
}

// TestFuncCall replaces the global tracer provider, so it must not run in parallel.
func TestFuncCall(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := otelsdktrace.NewTracerProvider(otelsdktrace.WithSyncer(exporter))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	ctx, span := Start(context.Background(), "parent")
	probe(ctx)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, "observability.probe", spans[0].Name)
	assert.Equal(t, "parent", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestSetupOtelDisabled(t *testing.T) {
	t.Parallel()

	shutdown, err := SetupOtel(context.Background(), "recipestore", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
