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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// gatherer wraps another Prometheus Gatherer with a short-lived cache and error handling.
//
// Metrics handler, graphs and archive read from it,
// so polling many graph series triggers a single collection.
type gatherer struct {
	g   prometheus.Gatherer
	l   *zap.Logger
	ttl time.Duration

	rw sync.RWMutex
	t  time.Time
	m  []*dto.MetricFamily
}

// newGatherer returns a new gatherer with a one-second cache.
func newGatherer(g prometheus.Gatherer, l *zap.Logger) *gatherer {
	return &gatherer{
		g:   g,
		l:   l,
		ttl: time.Second,
	}
}

// Gather implements prometheus.Gatherer.
//
// It never returns an error; on failure, successfully gathered families are returned.
func (g *gatherer) Gather() ([]*dto.MetricFamily, error) {
	g.rw.RLock()

	if time.Since(g.t) < g.ttl {
		m := g.m
		g.rw.RUnlock()

		return m, nil
	}

	g.rw.RUnlock()

	g.rw.Lock()
	defer g.rw.Unlock()

	// a concurrent call might have updated metrics already
	if time.Since(g.t) < g.ttl {
		return g.m, nil
	}

	m, err := g.g.Gather()
	if err != nil {
		g.l.Warn("Failed to gather Prometheus metrics", zap.Error(err), zap.Int("families", len(m)))
	}

	g.m, g.t = m, time.Now()

	return m, nil
}

// value returns the sum of all samples of the counter, gauge or untyped metric family with the given name.
// For histograms and summaries, it returns the sum of sample counts.
//
// Zero is returned if there is no such family.
func (g *gatherer) value(name string) float64 {
	mfs, _ := g.Gather()

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		var res float64

		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				res += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				res += m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				res += m.GetUntyped().GetValue()
			case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
				res += float64(m.GetHistogram().GetSampleCount())
			case dto.MetricType_SUMMARY:
				res += float64(m.GetSummary().GetSampleCount())
			}
		}

		return res
	}

	return 0
}

// check interfaces
var (
	_ prometheus.Gatherer = (*gatherer)(nil)
)
