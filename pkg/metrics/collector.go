// Copyright 2025 UMH Systems GmbH
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

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector receives per (entity type, operation) measurements.
type Collector interface {
	// Begin marks the start of one operation or one live stream.
	Begin(entity, operation string) Observation
}

// Observation tracks a single operation started with Collector.Begin.
type Observation interface {
	// Items records n produced items (result rows or stream elements).
	Items(n int)
	// Finish ends the observation. A nil err counts as a completion.
	Finish(err error)
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) Begin(string, string) Observation { return noopObservation{} }

type noopObservation struct{}

func (noopObservation) Items(int)    {}
func (noopObservation) Finish(error) {}

// PrometheusCollector exports the measurements as Prometheus metrics labelled
// by entity and operation.
type PrometheusCollector struct {
	totalSubscriptions  *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	completions         *prometheus.CounterVec
	errors              *prometheus.CounterVec
	items               *prometheus.CounterVec
	timeTillFirst       *prometheus.HistogramVec
	timeTillComplete    *prometheus.HistogramVec
	timeBetweenItems    *prometheus.HistogramVec
}

var labels = []string{"entity", "operation"}

var durationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

// NewPrometheusCollector registers the collector metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	counter := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	histogram := func(name, help string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   durationBuckets,
		}, labels)
	}

	return &PrometheusCollector{
		totalSubscriptions: counter("totalSubscriptionCount", "Operations and streams started"),
		activeSubscriptions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "activeSubscriptionCount",
			Help:      "Operations and streams currently running",
		}, labels),
		completions:      counter("completeCount", "Operations and streams that completed without error"),
		errors:           counter("errorCount", "Operations and streams that failed"),
		items:            counter("itemCount", "Items produced"),
		timeTillFirst:    histogram("timeTillFirst", "Seconds from start until the first item"),
		timeTillComplete: histogram("timeTillComplete", "Seconds from start until completion or failure"),
		timeBetweenItems: histogram("timeBetweenItems", "Seconds between two consecutive items"),
	}
}

var defaultCollector = sync.OnceValue(func() *PrometheusCollector {
	return NewPrometheusCollector(prometheus.DefaultRegisterer)
})

// Default returns the process wide collector registered with the default
// Prometheus registry.
func Default() *PrometheusCollector {
	return defaultCollector()
}

func (c *PrometheusCollector) Begin(entity, operation string) Observation {
	c.totalSubscriptions.WithLabelValues(entity, operation).Inc()
	c.activeSubscriptions.WithLabelValues(entity, operation).Inc()

	return &observation{
		c:         c,
		entity:    entity,
		operation: operation,
		started:   time.Now(),
	}
}

type observation struct {
	c         *PrometheusCollector
	entity    string
	operation string
	started   time.Time

	mu       sync.Mutex
	last     time.Time
	finished bool
}

func (o *observation) Items(n int) {
	if n <= 0 {
		return
	}

	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.finished {
		return
	}

	if o.last.IsZero() {
		o.c.timeTillFirst.WithLabelValues(o.entity, o.operation).Observe(now.Sub(o.started).Seconds())
	} else {
		o.c.timeBetweenItems.WithLabelValues(o.entity, o.operation).Observe(now.Sub(o.last).Seconds())
	}

	o.last = now
	o.c.items.WithLabelValues(o.entity, o.operation).Add(float64(n))
}

func (o *observation) Finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.finished {
		return
	}

	o.finished = true

	o.c.activeSubscriptions.WithLabelValues(o.entity, o.operation).Dec()
	o.c.timeTillComplete.WithLabelValues(o.entity, o.operation).Observe(time.Since(o.started).Seconds())

	if err != nil {
		o.c.errors.WithLabelValues(o.entity, o.operation).Inc()

		return
	}

	o.c.completions.WithLabelValues(o.entity, o.operation).Inc()
}
