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

package debug

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefmind/recipestore/internal/util/testutil"
)

func setup(t *testing.T, opts *ListenOpts) string {
	t.Helper()

	ctx, cancel := context.WithCancel(testutil.Ctx(t))

	opts.TCPAddr = "127.0.0.1:0"
	opts.L = testutil.Logger(t)

	h, err := Listen(opts)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		h.Serve(ctx)
	}()

	// the WaitGroup makes sure that all logs are printed before the test finishes
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return "http://" + h.Addr().String()
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(testutil.Ctx(t), http.MethodGet, url, nil)
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer res.Body.Close() //nolint:errcheck // we are only reading it

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res.StatusCode, b
}

func TestProbes(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool

	root := setup(t, &ListenOpts{
		R: prometheus.NewRegistry(),
		G: prometheus.NewRegistry(),
		Readyz: func(context.Context) bool {
			return ready.Load()
		},
	})

	code, _ := get(t, root+livezPath)
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, root+readyzPath)
	assert.Equal(t, http.StatusInternalServerError, code)

	ready.Store(true)

	code, _ = get(t, root+readyzPath)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "recipestore",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "The number of cache hits.",
	})
	c.Add(3)
	reg.MustRegister(c)

	root := setup(t, &ListenOpts{
		R: reg,
		G: reg,
	})

	code, body := get(t, root+metricsPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "recipestore_cache_hits_total 3")
	assert.Contains(t, string(body), "promhttp_metric_handler_requests_total")

	code, body = get(t, root+"/debug")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), graphsPath)
}

func TestGathererValue(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()

	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recipestore_dal_operations_total",
		Help: "The number of operations.",
	}, []string{"operation"})
	v.WithLabelValues("insert").Add(2)
	v.WithLabelValues("find").Add(5)
	reg.MustRegister(v)

	g := newGatherer(reg, testutil.Logger(t))

	assert.Equal(t, float64(7), g.value("recipestore_dal_operations_total"))
	assert.Zero(t, g.value("recipestore_unknown"))
}

func TestArchive(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	root := setup(t, &ListenOpts{
		R: reg,
		G: reg,
	})

	code, body := get(t, root+archivePath)
	require.Equal(t, http.StatusOK, code)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	var files []string
	for _, f := range zr.File {
		files = append(files, f.Name)
	}

	assert.Equal(t, []string{"metrics.txt", "vars.json", "goroutine.pprof", "heap.pprof"}, files)
}
