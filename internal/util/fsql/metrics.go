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

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "recipestore"
	subsystem = "sqldb"
)

var (
	openDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "open"),
		"The number of established connections both in use and idle.",
		[]string{"name"}, nil,
	)
	inUseDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "in_use"),
		"The number of connections currently in use.",
		[]string{"name"}, nil,
	)
	waitDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "wait_total"),
		"The total number of connections waited for.",
		[]string{"name"}, nil,
	)
)

// metricsCollector exposes DB's state as Prometheus metrics.
type metricsCollector struct {
	name  string
	stats func() sql.DBStats
}

// newMetricsCollector creates a new metricsCollector.
func newMetricsCollector(name string, stats func() sql.DBStats) *metricsCollector {
	return &metricsCollector{
		name:  name,
		stats: stats,
	}
}

// Describe implements prometheus.Collector.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()

	ch <- prometheus.MustNewConstMetric(openDesc, prometheus.GaugeValue, float64(stats.OpenConnections), c.name)
	ch <- prometheus.MustNewConstMetric(inUseDesc, prometheus.GaugeValue, float64(stats.InUse), c.name)
	ch <- prometheus.MustNewConstMetric(waitDesc, prometheus.CounterValue, float64(stats.WaitCount), c.name)
}

// check interfaces
var (
	_ prometheus.Collector = (*metricsCollector)(nil)
)
