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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"
)

// Parts of Prometheus metric names.
const (
	namespace = "recipestore"
	subsystem = "pool"
)

var (
	totalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "connections"),
		"The number of pooled connections.",
		nil, nil,
	)
	availableDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "available"),
		"The number of connections available for lease.",
		nil, nil,
	)
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "active"),
		"The number of leased connections.",
		nil, nil,
	)
	waitingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "waiting"),
		"The number of callers waiting for a connection.",
		nil, nil,
	)
)

// metrics holds pool counters.
type metrics struct {
	acquisitions    prometheus.Counter
	waits           prometheus.Counter
	timeouts        prometheus.Counter
	replacements    prometheus.Counter
	acquireDuration prometheus.Histogram
}

// newMetrics creates pool counters.
func newMetrics() *metrics {
	return &metrics{
		acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acquisitions_total",
			Help:      "The total number of leased connections.",
		}),
		waits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "waits_total",
			Help:      "The total number of acquisitions that had to wait for a connection.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timeouts_total",
			Help:      "The total number of acquisitions that failed because the pool was exhausted.",
		}),
		replacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replacements_total",
			Help:      "The total number of connections replaced after failed validation.",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "acquire_duration_seconds",
			Help:      "Time spent acquiring a connection.",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		}),
	}
}

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	s := p.Status()

	ch <- prometheus.MustNewConstMetric(totalDesc, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(availableDesc, prometheus.GaugeValue, float64(s.Available))
	ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(waitingDesc, prometheus.GaugeValue, float64(s.Waiting))

	p.acquisitions.Collect(ch)
	p.waits.Collect(ch)
	p.timeouts.Collect(ch)
	p.replacements.Collect(ch)
	p.acquireDuration.Collect(ch)

	p.rw.Lock()
	conns := slices.Clone(p.conns)
	p.rw.Unlock()

	for _, c := range conns {
		c.Collect(ch)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
