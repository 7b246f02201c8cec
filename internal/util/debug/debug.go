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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/chefmind/recipestore/internal/util/lazyerrors"
	"github.com/chefmind/recipestore/internal/util/must"
)

// Paths of debug handlers.
const (
	livezPath   = "/debug/livez"
	readyzPath  = "/debug/readyz"
	metricsPath = "/debug/metrics"
	graphsPath  = "/debug/graphs"
	archivePath = "/debug/archive"
	varsPath    = "/debug/vars"
	pprofPath   = "/debug/pprof"
)

// Probe should return true on success and false on failure.
//
// It should not block for a long time; ctx carries a short deadline.
type Probe func(ctx context.Context) bool

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       prometheus.Registerer
	G       prometheus.Gatherer

	// Livez is checked by /debug/livez, Readyz by /debug/readyz.
	// Nil probes always succeed.
	Livez  Probe
	Readyz Probe
}

// Handler represents debug handler.
type Handler struct {
	opts     *ListenOpts
	lis      net.Listener
	mux      *http.ServeMux
	handlers map[string]string
}

// Listen creates a new debug handler and starts listener on the given TCP address.
//
// This function can be called multiple times with different addresses.
func Listen(opts *ListenOpts) (*Handler, error) {
	if opts.R == nil {
		opts.R = prometheus.NewRegistry()
	}

	if opts.G == nil {
		opts.G = prometheus.DefaultGatherer
	}

	stdL := must.NotFail(zap.NewStdLogAt(opts.L, zap.WarnLevel))
	g := newGatherer(opts.G, opts.L.Named("gatherer"))

	mux := http.NewServeMux()

	mux.Handle(metricsPath, promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	plots, err := newPlotter(g).plots()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	svOpts := []statsviz.Option{statsviz.Root(graphsPath)}
	for _, p := range plots {
		svOpts = append(svOpts, statsviz.TimeseriesPlot(p))
	}

	if err = statsviz.Register(mux, svOpts...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.Handle(livezPath, probeHandler(opts.Livez, opts.L.Named("livez")))
	mux.Handle(readyzPath, probeHandler(opts.Readyz, opts.L.Named("readyz")))
	mux.Handle(archivePath, archiveHandler(g, opts.L.Named("archive")))

	mux.Handle(varsPath, expvar.Handler())
	mux.HandleFunc(pprofPath+"/", pprof.Index)
	mux.HandleFunc(pprofPath+"/cmdline", pprof.Cmdline)
	mux.HandleFunc(pprofPath+"/profile", pprof.Profile)
	mux.HandleFunc(pprofPath+"/symbol", pprof.Symbol)
	mux.HandleFunc(pprofPath+"/trace", pprof.Trace)

	handlers := map[string]string{
		livezPath:   "Liveness probe",
		readyzPath:  "Readiness probe",
		metricsPath: "Metrics in Prometheus format",
		graphsPath:  "Visualize metrics",
		archivePath: "Zip archive with debugging information",

		// stdlib handlers
		varsPath:  "Expvar package metrics",
		pprofPath: "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Handler{
		opts:     opts,
		lis:      lis,
		mux:      mux,
		handlers: handlers,
	}, nil
}

// Addr returns the listener's address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
//
// It exits when handler is stopped and listener closed.
func (h *Handler) Serve(ctx context.Context) {
	l := h.opts.L

	s := http.Server{
		Handler:  h.mux,
		ErrorLog: must.NotFail(zap.NewStdLogAt(l, zap.WarnLevel)),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	root := "http://" + h.lis.Addr().String()

	l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.handlers)
	slices.Sort(paths)

	for _, path := range paths {
		l.Sugar().Infof("%s%s - %s", root, path, h.handlers[path])
	}

	go func() {
		if err := s.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			l.DPanic("Debug server exited with unexpected error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// ctx is already canceled, but we want to inherit its values
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx)
	_ = s.Close()

	l.Info("Debug server stopped")
}

// probeHandler returns a handler that responds with 200 if the probe succeeds and 500 otherwise.
func probeHandler(p Probe, l *zap.Logger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		if p != nil && !p(ctx) {
			l.Warn("Probe failed", zap.String("path", req.URL.Path))
			rw.WriteHeader(http.StatusInternalServerError)

			return
		}

		rw.WriteHeader(http.StatusOK)
	})
}
