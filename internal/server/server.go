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

// Package server exposes the audit registry over a read-only HTTP API,
// plus the Prometheus scrape endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agentberlin/greenlight/internal/metrics"
	"github.com/agentberlin/greenlight/internal/store"
)

// Server represents the HTTP status server
type Server struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	version string
	router  chi.Router
}

// NewServer creates a new HTTP server. metrics may be nil; the /metrics
// route is then omitted.
func NewServer(st *store.Store, m *metrics.Metrics, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   st,
		metrics: m,
		logger:  logger,
		version: version,
		router:  chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware)
	}
	s.router.Use(chimw.Timeout(60 * time.Second))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleGetVersion)
		r.Get("/sites", s.handleSites)
		r.Get("/sites/{domain}/runs", s.handleSiteRuns)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRunByID)
		r.Get("/runs/{id}/stages", s.handleRunStages)
	})

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// siteView is the wire shape of a site.
type siteView struct {
	ID        uint     `json:"id"`
	Domain    string   `json:"domain"`
	SeedURL   string   `json:"seed_url"`
	Slug      string   `json:"slug"`
	LatestRun *runView `json:"latest_run,omitempty"`
}

// runView is the wire shape of an audit run.
type runView struct {
	ID             uint    `json:"id"`
	SiteID         uint    `json:"site_id"`
	Domain         string  `json:"domain,omitempty"`
	Status         string  `json:"status"`
	StartStage     string  `json:"start_stage"`
	StartedAt      int64   `json:"started_at"`
	FinishedAt     int64   `json:"finished_at,omitempty"`
	PagesCrawled   int     `json:"pages_crawled"`
	PagesScanned   int     `json:"pages_scanned"`
	ViolationCount int     `json:"violation_count"`
	Score          float64 `json:"score"`
	ReportPath     string  `json:"report_path,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// stageView is the wire shape of a stage record.
type stageView struct {
	Stage      string   `json:"stage"`
	OK         bool     `json:"ok"`
	DurationMS int64    `json:"duration_ms"`
	Errors     []string `json:"errors,omitempty"`
}

func toRunView(run *store.AuditRun) runView {
	v := runView{
		ID:             run.ID,
		SiteID:         run.SiteID,
		Status:         run.Status,
		StartStage:     run.StartStage,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		PagesCrawled:   run.PagesCrawled,
		PagesScanned:   run.PagesScanned,
		ViolationCount: run.ViolationCount,
		Score:          run.Score,
		ReportPath:     run.ReportPath,
		Error:          run.Error,
	}
	if run.Site != nil {
		v.Domain = run.Site.Domain
	}
	return v
}

func toStageViews(records []store.StageRecord) []stageView {
	views := make([]stageView, 0, len(records))
	for i := range records {
		views = append(views, stageView{
			Stage:      records[i].Stage,
			OK:         records[i].OK,
			DurationMS: records[i].DurationMS,
			Errors:     records[i].GetErrorsArray(),
		})
	}
	return views
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetVersion returns the application version
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleSites handles GET /api/v1/sites
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.GetAllSites()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]siteView, 0, len(sites))
	for i := range sites {
		view := siteView{
			ID:      sites[i].ID,
			Domain:  sites[i].Domain,
			SeedURL: sites[i].SeedURL,
			Slug:    sites[i].Slug,
		}
		if len(sites[i].Runs) > 0 {
			run := toRunView(&sites[i].Runs[0])
			view.LatestRun = &run
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleSiteRuns handles GET /api/v1/sites/{domain}/runs
func (s *Server) handleSiteRuns(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	site, err := s.store.GetSiteByDomain(domain)
	if err != nil {
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	runs, err := s.store.GetRunsForSite(site.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]runView, 0, len(runs))
	for i := range runs {
		runs[i].Site = site
		views = append(views, toRunView(&runs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleRuns handles GET /api/v1/runs?limit=20
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	runs, err := s.store.GetRecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]runView, 0, len(runs))
	for i := range runs {
		views = append(views, toRunView(&runs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleRunByID handles GET /api/v1/runs/{id}
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	run, err := s.store.GetRunByID(uint(runID))
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	stages, err := s.store.GetStagesForRun(run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		runView
		Stages []stageView `json:"stages"`
	}{toRunView(run), toStageViews(stages)})
}

// handleRunStages handles GET /api/v1/runs/{id}/stages
func (s *Server) handleRunStages(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetRunByID(uint(runID)); err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	stages, err := s.store.GetStagesForRun(uint(runID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toStageViews(stages))
}
