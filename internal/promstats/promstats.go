// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package promstats exposes the state of listener containers as
// Prometheus metrics.
package promstats

import (
	"github.com/z5labs/sqslistener/queue/container"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sqslistener"

var states = []container.State{
	container.Stopped,
	container.Starting,
	container.Running,
	container.Stopping,
}

// Containers is implemented by [container.Coordinator].
type Containers interface {
	Containers() []*container.Container
}

// Collector is a [prometheus.Collector] which snapshots the stats of
// every container on each scrape.
type Collector struct {
	containers Containers

	state            *prometheus.Desc
	concurrencyLevel *prometheus.Desc
	inUse            *prometheus.Desc
	active           *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector
func NewCollector(cs Containers) *Collector {
	labels := []string{"container"}
	return &Collector{
		containers: cs,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "container", "state"),
			"Lifecycle state of the container, 1 for the current state.",
			[]string{"container", "state"},
			nil,
		),
		concurrencyLevel: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "broker", "concurrency_level"),
			"Most recently read concurrency level of the broker.",
			labels,
			nil,
		),
		inUse: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "broker", "permits_in_use"),
			"Number of broker permits currently held.",
			labels,
			nil,
		),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "active_handlers"),
			"Number of messages currently being processed.",
			labels,
			nil,
		),
	}
}

// Describe implements the [prometheus.Collector] interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.concurrencyLevel
	ch <- c.inUse
	ch <- c.active
}

// Collect implements the [prometheus.Collector] interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ct := range c.containers.Containers() {
		id := ct.ID()
		stats := ct.Stats()

		for _, s := range states {
			v := 0.0
			if s == stats.State {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, id, s.String())
		}

		ch <- prometheus.MustNewConstMetric(c.concurrencyLevel, prometheus.GaugeValue, float64(stats.ConcurrencyLevel), id)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(stats.InUse), id)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.Active), id)
	}
}
