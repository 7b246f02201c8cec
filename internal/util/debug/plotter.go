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
	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chefmind/recipestore/internal/util/lazyerrors"
)

// plotter builds graphs of storage metrics.
type plotter struct {
	g *gatherer
}

// series describes a single graph line backed by a metric family.
type series struct {
	name   string
	metric string
}

// plot describes a single graph.
type plot struct {
	name   string
	title  string
	info   string
	yTitle string
	bar    bool
	series []series
}

// fqName returns a fully-qualified metric name.
func fqName(subsystem, name string) string {
	return prometheus.BuildFQName("recipestore", subsystem, name)
}

// storagePlots lists graphs in the order they are shown.
var storagePlots = []plot{{
	name:   "pool",
	title:  "Connection pool",
	info:   "Leased and available connections, and callers waiting for one.",
	yTitle: "connections",
	series: []series{
		{name: "active", metric: fqName("pool", "active")},
		{name: "available", metric: fqName("pool", "available")},
		{name: "waiting", metric: fqName("pool", "waiting")},
	},
}, {
	name:   "pool_events",
	title:  "Connection pool events",
	info:   "Total waits for a free connection, acquire timeouts, and replaced connections.",
	yTitle: "events",
	series: []series{
		{name: "waits", metric: fqName("pool", "waits_total")},
		{name: "timeouts", metric: fqName("pool", "timeouts_total")},
		{name: "replacements", metric: fqName("pool", "replacements_total")},
	},
}, {
	name:   "transactions",
	title:  "Transactions",
	info:   "Total committed and rolled back transactions, and retried operations.",
	yTitle: "transactions",
	series: []series{
		{name: "commits", metric: fqName("txn", "commits_total")},
		{name: "rollbacks", metric: fqName("txn", "rollbacks_total")},
		{name: "retries", metric: fqName("retry", "retries_total")},
	},
}, {
	name:   "cache",
	title:  "Cache",
	info:   "Total cache hits, misses and invalidated entries.",
	yTitle: "entries",
	bar:    true,
	series: []series{
		{name: "hits", metric: fqName("cache", "hits_total")},
		{name: "misses", metric: fqName("cache", "misses_total")},
		{name: "invalidations", metric: fqName("cache", "invalidations_total")},
	},
}}

// newPlotter returns a new plotter.
func newPlotter(g *gatherer) *plotter {
	return &plotter{
		g: g,
	}
}

// plots returns all graphs.
func (p *plotter) plots() ([]statsviz.TimeSeriesPlot, error) {
	res := make([]statsviz.TimeSeriesPlot, 0, len(storagePlots))

	for _, pl := range storagePlots {
		ts := make([]statsviz.TimeSeries, len(pl.series))

		for i, s := range pl.series {
			metric := s.metric

			ts[i] = statsviz.TimeSeries{
				Name:    s.name,
				Unitfmt: "%{y:.4s}",
				GetValue: func() float64 {
					return p.g.value(metric)
				},
			}
		}

		cfg := statsviz.TimeSeriesPlotConfig{
			Name:       pl.name,
			Title:      pl.title,
			Type:       statsviz.Scatter,
			InfoText:   pl.info,
			YAxisTitle: pl.yTitle,
			Series:     ts,
		}

		if pl.bar {
			cfg.Type = statsviz.Bar
		}

		tsp, err := cfg.Build()
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res = append(res, tsp)
	}

	return res, nil
}
