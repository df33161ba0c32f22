// Copyright (c) 2026 John Earle
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

// Package metrics provides Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailbridge"

var (
	// HTTPRequestsTotal counts webhook requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// InboundTotal counts inbound payloads by webhook-level result
	// (queued, rejected_signature, bad_request, duplicate, queue_error).
	InboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "payloads_total",
			Help:      "Inbound webhook payloads by result",
		},
		[]string{"result"},
	)
)

var (
	// TransactionsTotal counts finished transactions by final status.
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "transactions_total",
			Help:      "Processed transactions by mode and final status",
		},
		[]string{"mode", "status"},
	)

	// DuplicatesTotal counts messages short-circuited by the dedup guard.
	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duplicates_total",
			Help:      "Inbound messages skipped because their message id was already claimed",
		},
	)

	// ProcessingDuration measures end-to-end pipeline time per message.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processing_duration_seconds",
			Help:      "End-to-end processing time per inbound message",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	// StoreFailuresTotal counts transaction store writes that failed.
	StoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "write_failures_total",
			Help:      "Transaction store write failures by operation",
		},
		[]string{"op"},
	)

	// QueueDepth tracks jobs waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Inbound jobs waiting to be processed",
		},
	)
)

var (
	// AIRequestsTotal counts AI calls by mode and outcome.
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "AI endpoint calls by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// AIRequestDuration measures a single AI call.
	AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "AI endpoint call duration in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"mode"},
	)

	// DeliveryAttemptsTotal counts delivery attempts by channel and result.
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// BreakerState reports the primary channel circuit breaker state
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per channel",
		},
		[]string{"channel"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the chi route pattern so label cardinality stays
// bounded. Falls back to the URL path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
