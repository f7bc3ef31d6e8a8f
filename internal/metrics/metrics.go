// Copyright 2025 Agentic World, LLC (Sherin Thomas)
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

// Package metrics exposes the audit pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one process.
type Metrics struct {
	registry *prometheus.Registry

	// Crawl metrics
	PagesCrawled        *prometheus.CounterVec
	CrawlErrors         *prometheus.CounterVec
	TemplatesDiscovered *prometheus.GaugeVec

	// Scan metrics
	PagesScanned    *prometheus.CounterVec
	ScanDuration    *prometheus.HistogramVec
	ViolationsFound *prometheus.CounterVec

	// Funnel metrics
	FunnelSteps *prometheus.CounterVec

	// Pipeline metrics
	StageRuns      *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	AuditScore     *prometheus.GaugeVec
	ResourcePauses prometheus.Counter

	// HTTP metrics for the status server
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsActive  prometheus.Gauge
}

// New creates a metrics instance registered on its own registry, so
// multiple instances can coexist in one process.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "greenlight"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		PagesCrawled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_crawled_total",
				Help:      "Total number of pages crawled",
			},
			[]string{"domain", "mode"}, // mode: http, browser
		),
		CrawlErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_errors_total",
				Help:      "Total number of crawl request failures",
			},
			[]string{"domain", "kind"},
		),
		TemplatesDiscovered: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "templates_discovered",
				Help:      "Number of distinct page templates found per domain",
			},
			[]string{"domain"},
		),

		PagesScanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_scanned_total",
				Help:      "Total number of pages scanned",
			},
			[]string{"domain", "status"}, // status: ok, failed
		),
		ScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Per-page scan duration in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"domain"},
		),
		ViolationsFound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_found_total",
				Help:      "Total number of accessibility violations found",
			},
			[]string{"domain", "impact"},
		),

		FunnelSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "funnel_steps_total",
				Help:      "Total number of funnel steps executed",
			},
			[]string{"domain", "funnel", "status"},
		),

		StageRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Total number of pipeline stage executions",
			},
			[]string{"domain", "stage", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"domain", "stage"},
		),
		AuditScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_score",
				Help:      "Latest conformance score per domain",
			},
			[]string{"domain"},
		),
		ResourcePauses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_pauses_total",
				Help:      "Times the pipeline paused on CPU or memory pressure",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests to the status server",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Status server request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_active",
				Help:      "Number of in-flight HTTP requests",
			},
		),
	}
}

// Registry exposes the backing registry for custom gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPageCrawled records one fetched page and the mode that served it.
func (m *Metrics) RecordPageCrawled(domain, mode string) {
	m.PagesCrawled.WithLabelValues(domain, mode).Inc()
}

// RecordCrawlError records one failed crawl request.
func (m *Metrics) RecordCrawlError(domain, kind string) {
	m.CrawlErrors.WithLabelValues(domain, kind).Inc()
}

// SetTemplates records the current template count for a domain.
func (m *Metrics) SetTemplates(domain string, count int) {
	m.TemplatesDiscovered.WithLabelValues(domain).Set(float64(count))
}

// RecordPageScanned records one scanned page with its outcome and duration.
func (m *Metrics) RecordPageScanned(domain string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.PagesScanned.WithLabelValues(domain, status).Inc()
	m.ScanDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordViolations adds n findings of one impact level.
func (m *Metrics) RecordViolations(domain, impact string, n int) {
	if n <= 0 {
		return
	}
	m.ViolationsFound.WithLabelValues(domain, impact).Add(float64(n))
}

// RecordFunnelStep records one executed funnel step.
func (m *Metrics) RecordFunnelStep(domain, funnel string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.FunnelSteps.WithLabelValues(domain, funnel, status).Inc()
}

// RecordStage records one pipeline stage execution.
func (m *Metrics) RecordStage(domain, stage string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.StageRuns.WithLabelValues(domain, stage, status).Inc()
	m.StageDuration.WithLabelValues(domain, stage).Observe(duration.Seconds())
}

// SetAuditScore records the latest conformance score for a domain.
func (m *Metrics) SetAuditScore(domain string, score float64) {
	m.AuditScore.WithLabelValues(domain).Set(score)
}

// RecordResourcePause counts one pressure-induced pipeline pause.
func (m *Metrics) RecordResourcePause() {
	m.ResourcePauses.Inc()
}

// RecordHTTPRequest records one status server request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// HTTPMiddleware records request metrics around next.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequestsActive.Inc()
		defer m.HTTPRequestsActive.Dec()

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
