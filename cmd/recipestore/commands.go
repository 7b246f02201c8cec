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

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/chefmind/recipestore/internal/storage"
	"github.com/chefmind/recipestore/internal/storage/dberr"
	"github.com/chefmind/recipestore/internal/storage/schema"
	"github.com/chefmind/recipestore/internal/util/debug"
	"github.com/chefmind/recipestore/internal/util/state"
)

// runInit reports the schema created by opening the storage.
func runInit(s *storage.Storage, w io.Writer, printSchema bool) error {
	if printSchema {
		_, err := fmt.Fprintln(w, schema.Describe())
		return err
	}

	_, err := fmt.Fprintf(w, "Schema version %d is up to date.\n", schema.Version)

	return err
}

// runStatus prints pool status, table sizes, and process state.
func runStatus(ctx context.Context, s *storage.Storage, sp *state.Provider, w io.Writer) error {
	stats, err := s.DAL().Stats(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	st := sp.Get()
	fmt.Fprintf(tw, "SQLite version:\t%s\n", st.EngineVersion)

	if st.LastBackup != nil {
		fmt.Fprintf(tw, "Last backup:\t%s\n", humanize.Time(*st.LastBackup))
	} else {
		fmt.Fprintf(tw, "Last backup:\tnever\n")
	}

	ps := s.PoolStatus()
	fmt.Fprintf(tw, "Connections:\t%d total, %d available, %d active\n", ps.Total, ps.Available, ps.Active)

	cs := s.Cache().Stats()
	fmt.Fprintf(tw, "Cache:\t%d entries, %d hits, %d misses\n", cs.Entries, cs.Hits, cs.Misses)

	tables := maps.Keys(stats)
	slices.Sort(tables)

	for _, t := range tables {
		fmt.Fprintf(tw, "Table %s:\t%s rows\n", t, humanize.Comma(stats[t]))
	}

	return tw.Flush()
}

// runCheck waits for the database to become healthy and prints the result.
func runCheck(ctx context.Context, s *storage.Storage, w io.Writer, timeout time.Duration) error {
	st := s.Health().WaitForHealthy(ctx, timeout, time.Second)

	if _, err := fmt.Fprintln(w, st.Summary()); err != nil {
		return err
	}

	if !st.IsHealthy {
		return dberr.NewErrorf(dberr.ErrorCodeConnectionInvalid, "database is unhealthy: %s", st.Details.Error)
	}

	return nil
}

// runBackup writes a backup and prints its size.
func runBackup(ctx context.Context, s *storage.Storage, w io.Writer, path string) error {
	start := time.Now()

	if err := s.Backup(ctx, path); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "Backup written to %s in %s.\n", path, time.Since(start).Round(time.Millisecond))

	return err
}

// serveOpts represents runServe options.
type serveOpts struct {
	debugAddr      string
	healthInterval time.Duration
	r              prometheus.Registerer
	l              *zap.Logger
}

// runServe runs background health checks and debug handler until ctx is canceled.
func runServe(ctx context.Context, s *storage.Storage, opts *serveOpts) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.Health().Run(gCtx, opts.healthInterval)
		return nil
	})

	// https://github.com/alecthomas/kong/issues/389
	if opts.debugAddr != "" && opts.debugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			TCPAddr: opts.debugAddr,
			L:       opts.l.Named("debug"),
			R:       opts.r,
			G:       prometheus.DefaultGatherer,
			Livez: func(context.Context) bool {
				return true
			},
			Readyz: func(ctx context.Context) bool {
				return s.HealthStatus(ctx).IsHealthy
			},
		})
		if err != nil {
			return err
		}

		g.Go(func() error {
			h.Serve(gCtx)
			return nil
		})
	}

	<-gCtx.Done()

	opts.l.Info("Stopping...")

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}
