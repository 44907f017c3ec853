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
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/rxrepo/pkg/logger"
	"github.com/united-manufacturing-hub/rxrepo/pkg/sentry"
)

const (
	// Component labels.
	ComponentRefCache   = "refcache"
	ComponentLiveQuery  = "livequery"
	ComponentAdmission  = "admission"
	ComponentRetry      = "retry"
	ComponentBackend    = "backend"
	ComponentStore      = "store"
	ComponentReferences = "references"

	// Cache lookup results.
	CacheBatch = "batch"
	CacheHit   = "hit"
	CacheMiss  = "miss"

	// Cache load outcomes.
	LoadFound   = "found"
	LoadMissing = "missing"
	LoadError   = "error"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "umh"
	subsystem = "rxrepo"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Reference cache.
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refcache_lookups_total",
			Help:      "Reference cache lookups by entity type and result (batch, hit, miss)",
		},
		[]string{"entity", "result"},
	)

	cacheLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refcache_loads_total",
			Help:      "Backend loads issued by the reference cache by outcome (found, missing, error)",
		},
		[]string{"entity", "outcome"},
	)

	cacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refcache_invalidations_total",
			Help:      "Reference cache entries removed because of an observed update or delete",
		},
		[]string{"entity"},
	)

	cacheSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refcache_subscription_refs",
			Help:      "Reference count of the change subscription held per entity type (0 = closed)",
		},
		[]string{"entity"},
	)

	// Admission control.
	admissionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admission_active",
			Help:      "Operations currently holding an admission permit",
		},
	)

	admissionQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admission_queued",
			Help:      "Operations waiting for an admission permit",
		},
	)

	admissionLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admission_limit",
			Help:      "Maximum number of concurrently admitted operations",
		},
	)

	// Retry.
	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_attempts_total",
			Help:      "Retries of conflicting writes by entity type and operation",
		},
		[]string{"entity", "operation"},
	)

	retryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_exhausted_total",
			Help:      "Writes that still conflicted after the last retry",
		},
		[]string{"entity", "operation"},
	)

	// Live streams.
	streamTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "live_stream_transitions_total",
			Help:      "Live stream state transitions by target state",
		},
		[]string{"state"},
	)

	aggregationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "live_aggregations_suppressed_total",
			Help:      "Recomputed live aggregations that were not emitted because the result did not change",
		},
		[]string{"entity"},
	)
)

// SetupMetricsEndpoint starts an HTTP server to expose metrics.
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// RecordCacheLookup counts where a reference lookup was answered.
func RecordCacheLookup(entity, result string) {
	cacheLookups.WithLabelValues(entity, result).Inc()
}

// RecordCacheLoad counts a backend load issued on a cache miss.
func RecordCacheLoad(entity, outcome string) {
	cacheLoads.WithLabelValues(entity, outcome).Inc()
}

func RecordCacheInvalidation(entity string) {
	cacheInvalidations.WithLabelValues(entity).Inc()
}

func SetCacheSubscriptionRefs(entity string, refs int) {
	cacheSubscriptions.WithLabelValues(entity).Set(float64(refs))
}

// SetAdmission publishes the current admission counts.
func SetAdmission(active, queued int64) {
	admissionActive.Set(float64(active))
	admissionQueued.Set(float64(queued))
}

func SetAdmissionLimit(limit int64) {
	admissionLimit.Set(float64(limit))
}

func IncRetry(entity, operation string) {
	retryAttempts.WithLabelValues(entity, operation).Inc()
}

func IncRetryExhausted(entity, operation string) {
	retryExhausted.WithLabelValues(entity, operation).Inc()
}

// RecordStreamTransition counts a live stream entering state.
func RecordStreamTransition(state string) {
	streamTransitions.WithLabelValues(state).Inc()
}

func IncAggregationSuppressed(entity string) {
	aggregationsSuppressed.WithLabelValues(entity).Inc()
}
