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

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentberlin/greenlight/internal/metrics"
	"github.com/agentberlin/greenlight/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.NewStoreForTesting(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return NewServer(st, metrics.New("test"), nil, "1.2.3"), st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Response not JSON: %v\n%s", err, rec.Body.String())
	}
}

func TestHealthAndVersion(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	rec = get(t, s, "/api/v1/version")
	var version map[string]string
	decode(t, rec, &version)
	if version["version"] != "1.2.3" {
		t.Errorf("version = %v", version)
	}
}

func TestSitesEndpoint(t *testing.T) {
	s, st := newTestServer(t)

	site, err := st.GetOrCreateSite("api.test", "https://api.test")
	if err != nil {
		t.Fatalf("Failed to create site: %v", err)
	}
	run, err := st.StartRun(site.ID, "crawler")
	if err != nil {
		t.Fatalf("StartRun() failed: %v", err)
	}
	if err := st.UpdateRunStats(run.ID, map[string]interface{}{"score": 81.0}); err != nil {
		t.Fatalf("UpdateRunStats() failed: %v", err)
	}

	rec := get(t, s, "/api/v1/sites")
	if rec.Code != http.StatusOK {
		t.Fatalf("sites status = %d", rec.Code)
	}
	var sites []struct {
		Domain    string `json:"domain"`
		Slug      string `json:"slug"`
		LatestRun *struct {
			ID    uint    `json:"id"`
			Score float64 `json:"score"`
		} `json:"latest_run"`
	}
	decode(t, rec, &sites)
	if len(sites) != 1 {
		t.Fatalf("sites = %d, want 1", len(sites))
	}
	if sites[0].Domain != "api.test" || sites[0].Slug != "api-test" {
		t.Errorf("site = %+v", sites[0])
	}
	if sites[0].LatestRun == nil || sites[0].LatestRun.ID != run.ID || sites[0].LatestRun.Score != 81.0 {
		t.Errorf("latest run = %+v", sites[0].LatestRun)
	}
}

func TestSiteRunsEndpoint(t *testing.T) {
	s, st := newTestServer(t)

	site, _ := st.GetOrCreateSite("history.test", "https://history.test")
	if _, err := st.StartRun(site.ID, "crawler"); err != nil {
		t.Fatalf("StartRun() failed: %v", err)
	}

	rec := get(t, s, "/api/v1/sites/history.test/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("site runs status = %d", rec.Code)
	}
	var runs []struct {
		Domain string `json:"domain"`
		Status string `json:"status"`
	}
	decode(t, rec, &runs)
	if len(runs) != 1 || runs[0].Domain != "history.test" || runs[0].Status != "running" {
		t.Errorf("runs = %+v", runs)
	}

	if rec := get(t, s, "/api/v1/sites/unknown.test/runs"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown site status = %d, want 404", rec.Code)
	}
}

func TestRunEndpoints(t *testing.T) {
	s, st := newTestServer(t)

	site, _ := st.GetOrCreateSite("run.test", "https://run.test")
	run, err := st.StartRun(site.ID, "crawler")
	if err != nil {
		t.Fatalf("StartRun() failed: %v", err)
	}
	if _, err := st.RecordStage(run.ID, "crawler", true, 42*time.Second, nil); err != nil {
		t.Fatalf("RecordStage() failed: %v", err)
	}
	if _, err := st.RecordStage(run.ID, "axe", false, 3*time.Second, []string{"axe crashed"}); err != nil {
		t.Fatalf("RecordStage() failed: %v", err)
	}

	t.Run("GetRunWithStages", func(t *testing.T) {
		rec := get(t, s, "/api/v1/runs/1")
		if rec.Code != http.StatusOK {
			t.Fatalf("run status = %d", rec.Code)
		}
		var got struct {
			ID     uint   `json:"id"`
			Domain string `json:"domain"`
			Stages []struct {
				Stage      string   `json:"stage"`
				OK         bool     `json:"ok"`
				DurationMS int64    `json:"duration_ms"`
				Errors     []string `json:"errors"`
			} `json:"stages"`
		}
		decode(t, rec, &got)
		if got.ID != run.ID || got.Domain != "run.test" {
			t.Errorf("run = %+v", got)
		}
		if len(got.Stages) != 2 {
			t.Fatalf("stages = %d, want 2", len(got.Stages))
		}
		if got.Stages[0].Stage != "crawler" || got.Stages[0].DurationMS != 42000 {
			t.Errorf("first stage = %+v", got.Stages[0])
		}
		if got.Stages[1].OK || len(got.Stages[1].Errors) != 1 {
			t.Errorf("second stage = %+v", got.Stages[1])
		}
	})

	t.Run("StagesOnly", func(t *testing.T) {
		rec := get(t, s, "/api/v1/runs/1/stages")
		if rec.Code != http.StatusOK {
			t.Fatalf("stages status = %d", rec.Code)
		}
		var stages []struct {
			Stage string `json:"stage"`
		}
		decode(t, rec, &stages)
		if len(stages) != 2 {
			t.Errorf("stages = %+v", stages)
		}
	})

	t.Run("RecentRunsLimit", func(t *testing.T) {
		if _, err := st.StartRun(site.ID, "axe"); err != nil {
			t.Fatalf("StartRun() failed: %v", err)
		}
		rec := get(t, s, "/api/v1/runs?limit=1")
		var runs []struct {
			ID uint `json:"id"`
		}
		decode(t, rec, &runs)
		if len(runs) != 1 {
			t.Errorf("limited runs = %d, want 1", len(runs))
		}
	})

	t.Run("NotFoundAndBadID", func(t *testing.T) {
		if rec := get(t, s, "/api/v1/runs/999"); rec.Code != http.StatusNotFound {
			t.Errorf("missing run status = %d, want 404", rec.Code)
		}
		if rec := get(t, s, "/api/v1/runs/abc"); rec.Code != http.StatusBadRequest {
			t.Errorf("bad run ID status = %d, want 400", rec.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// A request through the middleware populates the HTTP counters.
	get(t, s, "/api/v1/health")

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_http_requests_total") {
		t.Error("scrape output missing request counter")
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sites", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}
