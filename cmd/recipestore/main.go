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

// Command recipestore manages the recipe database and serves its debug endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chefmind/recipestore/build/version"
	"github.com/chefmind/recipestore/internal/storage"
	"github.com/chefmind/recipestore/internal/storage/retry"
	"github.com/chefmind/recipestore/internal/util/ctxutil"
	"github.com/chefmind/recipestore/internal/util/logging"
	"github.com/chefmind/recipestore/internal/util/must"
	"github.com/chefmind/recipestore/internal/util/observability"
	"github.com/chefmind/recipestore/internal/util/state"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version  bool   `default:"false" help:"Print version to stdout and exit." env:"-"`
	StateDir string `default:"."     help:"Process state directory."`

	DB struct {
		Path           string        `default:"recipes.db" help:"Database file path."`
		MaxConnections int           `default:"5"          help:"Number of pooled connections."`
		AcquireTimeout time.Duration `default:"30s"        help:"Maximum time to wait for a free connection."`
		BusyTimeout    time.Duration `default:"10s"        help:"Maximum time to wait for a database lock."`
		TxnTimeout     time.Duration `default:"30s"        help:"Maximum duration of a single transaction attempt."`
		RetryAttempts  uint          `default:"3"          help:"Number of attempts for operations failing with lock contention."`
		RetryDelay     time.Duration `default:"100ms"      help:"Base delay between attempts."`
		RetryBackoff   string        `default:"linear"     help:"${help_retry_backoff}" enum:"${enum_retry_backoff}"`
		CacheTTL       time.Duration `default:"5m"         help:"Default cache entry time-to-live."`
	} `embed:"" prefix:"db-"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}"                     enum:"${enum_log_format}"`
		UUID   bool   `default:"false"                help:"Add instance UUID to all log messages." negatable:""`
	} `embed:"" prefix:"log-"`

	MetricsUUID bool `default:"false" help:"Add instance UUID to all metrics." negatable:""`

	OTLPEndpoint string `default:"" help:"OpenTelemetry OTLP/HTTP traces endpoint (host:port); empty disables tracing." name:"otlp-endpoint"`

	Init struct {
		PrintSchema bool `default:"false" help:"Print schema DDL to stdout."`
	} `cmd:"" help:"Create the database and its schema."`

	Status struct{} `cmd:"" help:"Print pool status and table sizes."`

	Check struct {
		Timeout time.Duration `default:"10s" help:"Maximum time to wait for the database to become healthy."`
	} `cmd:"" help:"Check database health; exit with non-zero code if unhealthy."`

	Optimize struct{} `cmd:"" help:"Update query planner statistics and checkpoint the write-ahead log."`

	Backup struct {
		Path string `arg:"" help:"Backup file path; the file must not exist."`
	} `cmd:"" help:"Write a consistent copy of the database to a new file."`

	Serve struct {
		DebugAddr      string        `default:"127.0.0.1:8088" help:"Listen address for HTTP handlers for metrics, pprof, etc."`
		HealthInterval time.Duration `default:"30s"            help:"Interval between background health checks."`
		DumpMetrics    bool          `default:"false"          help:"Dump all metrics to stderr on exit."`
	} `cmd:"" default:"1" help:"Run background health checks and debug handlers until terminated (default)."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	logFormats = []string{"console", "json"}

	retryBackoffs = map[string]retry.Backoff{
		"linear":      retry.Linear,
		"exponential": retry.Exponential,
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format":    strings.Join(logFormats, ","),
			"enum_retry_backoff": "linear,exponential",

			"help_log_format":    fmt.Sprintf("Log format: '%s'.", strings.Join(logFormats, "', '")),
			"help_log_level":     fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
			"help_retry_backoff": "Delay strategy between attempts: 'linear', 'exponential'.",
		},
		kong.DefaultEnvars("RECIPESTORE"),
	}
)

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	os.Exit(run(kctx.Command()))
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// setupState setups state provider.
func setupState() *state.Provider {
	var f string

	// https://github.com/alecthomas/kong/issues/389
	if cli.StateDir != "" && cli.StateDir != "-" {
		var err error
		if f, err = filepath.Abs(filepath.Join(cli.StateDir, "state.json")); err != nil {
			log.Fatalf("Failed to get path for state file: %s.", err)
		}
	}

	sp, err := state.NewProvider(f)
	if err != nil {
		log.Fatalf("Failed to create state provider: %s.", err)
	}

	return sp
}

// setupMetrics setups Prometheus metrics registerer with some metrics.
func setupMetrics(sp *state.Provider) prometheus.Registerer {
	r := prometheus.DefaultRegisterer
	m := sp.MetricsCollector(true)

	// we don't do it by default due to
	// https://prometheus.io/docs/instrumenting/writing_exporters/#target-labels-not-static-scraped-labels
	if cli.MetricsUUID {
		r = prometheus.WrapRegistererWith(
			prometheus.Labels{"uuid": sp.Get().UUID},
			prometheus.DefaultRegisterer,
		)
		m = sp.MetricsCollector(false)
	}

	r.MustRegister(m)

	return r
}

// setupLogger setups zap logger.
func setupLogger(sp *state.Provider, format string) *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	}
	logUUID := sp.Get().UUID

	// Similarly to Prometheus, unless requested, don't add UUID to all messages, but log it once at startup.
	if !cli.Log.UUID {
		startupFields = append(startupFields, zap.String("uuid", logUUID))
		logUUID = ""
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	logging.Setup(level, format, logUUID)
	l := zap.L()

	l.Info("Starting recipestore "+info.Version+"...", startupFields...)

	return l
}

// storageConfig returns storage configuration from flags.
func storageConfig() storage.Config {
	cfg := storage.DefaultConfig(cli.DB.Path)

	cfg.Pool.MaxConnections = cli.DB.MaxConnections
	cfg.Pool.AcquireTimeout = cli.DB.AcquireTimeout
	cfg.Pool.BusyTimeout = cli.DB.BusyTimeout
	cfg.TxnTimeout = cli.DB.TxnTimeout
	cfg.Retry.MaxAttempts = cli.DB.RetryAttempts
	cfg.Retry.BaseDelay = cli.DB.RetryDelay
	cfg.Retry.Backoff = retryBackoffs[cli.DB.RetryBackoff]
	cfg.Cache.DefaultTTL = cli.DB.CacheTTL

	return cfg
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics() {
	mfs := must.NotFail(prometheus.DefaultGatherer.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}

// printVersion prints build information.
func printVersion(w io.Writer) {
	info := version.Get()

	fmt.Fprintln(w, "version:", info.Version)
	fmt.Fprintln(w, "commit:", info.Commit)
	fmt.Fprintln(w, "dirty:", info.Dirty)
	fmt.Fprintln(w, "debugBuild:", info.DebugBuild)
}

// run sets up environment based on provided flags, runs the given command,
// and returns the process exit code.
func run(command string) int {
	if cli.Version {
		printVersion(os.Stdout)
		return 0
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	sp := setupState()

	r := setupMetrics(sp)

	logger := setupLogger(sp, cli.Log.Format)

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	shutdown, err := observability.SetupOtel(ctx, "recipestore", cli.OTLPEndpoint)
	if err != nil {
		logger.Sugar().Fatalf("Failed to set up tracing: %s.", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down tracing", zap.Error(err))
		}
	}()

	s, err := storage.New(ctx, storageConfig(), logger.Named("storage"), sp)
	if err != nil {
		logger.Sugar().Fatalf("Failed to open storage: %s.", err)
	}

	defer s.Close()

	r.MustRegister(s)

	switch command {
	case "init":
		err = runInit(s, os.Stdout, cli.Init.PrintSchema)
	case "status":
		err = runStatus(ctx, s, sp, os.Stdout)
	case "check":
		err = runCheck(ctx, s, os.Stdout, cli.Check.Timeout)
	case "optimize":
		err = s.Optimize(ctx)
	case "backup <path>":
		err = runBackup(ctx, s, os.Stdout, cli.Backup.Path)
	case "serve":
		if cli.Serve.DumpMetrics {
			defer dumpMetrics()
		}

		err = runServe(ctx, s, &serveOpts{
			debugAddr:      cli.Serve.DebugAddr,
			healthInterval: cli.Serve.HealthInterval,
			r:              r,
			l:              logger,
		})
	default:
		err = fmt.Errorf("unknown command %q", command)
	}

	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}

	logger.Error("Command failed", zap.String("command", command), zap.Error(err))

	return 1
}
