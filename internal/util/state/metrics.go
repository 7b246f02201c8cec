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

package state

import (
	"strconv"

	"github.com/AlekSi/pointer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chefmind/recipestore/build/version"
)

const (
	namespace = "recipestore"
	subsystem = ""
)

// metricsCollector exposes provider's state as Prometheus metrics.
type metricsCollector struct {
	p               *Provider
	addUUIDToMetric bool
}

// newMetricsCollector creates a new metricsCollector.
//
// If addUUIDToMetric is true, then the UUID is added to the Prometheus metric.
func newMetricsCollector(p *Provider, addUUIDToMetric bool) *metricsCollector {
	return &metricsCollector{
		p:               p,
		addUUIDToMetric: addUUIDToMetric,
	}
}

// Describe implements prometheus.Collector.
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(mc, ch)
}

// Collect implements prometheus.Collector.
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	info := version.Get()
	state := mc.p.Get()

	constLabels := prometheus.Labels{
		"version": info.Version,
		"commit":  info.Commit,
		"dirty":   strconv.FormatBool(info.Dirty),
		"debug":   strconv.FormatBool(info.DebugBuild),
		"engine":  state.EngineVersion,
	}

	if mc.addUUIDToMetric {
		constLabels["uuid"] = state.UUID
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "up"), "recipestore instance state.", nil, constLabels),
		prometheus.GaugeValue,
		1,
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "start_time_seconds"), "Process start time.", nil, nil),
		prometheus.GaugeValue,
		float64(state.Start.Unix()),
	)

	if lb := pointer.GetTime(state.LastBackup); !lb.IsZero() {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "last_backup_time_seconds"), "Last successful backup time.", nil, nil),
			prometheus.GaugeValue,
			float64(lb.Unix()),
		)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*metricsCollector)(nil)
)
