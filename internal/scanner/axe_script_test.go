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

package scanner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const fakeAxe = "window.axe = {run: function() {}};"

func TestScriptSourceLocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "axe.min.js")
	if err := os.WriteFile(path, []byte(fakeAxe), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("reads the file", func(t *testing.T) {
		data, err := ScriptSource{Path: path}.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if string(data) != fakeAxe {
			t.Errorf("data = %q", data)
		}
	})

	t.Run("accepts a matching pin", func(t *testing.T) {
		src := ScriptSource{Path: path, Checksum: sha256Hex([]byte(fakeAxe))}
		if _, err := src.Load(context.Background()); err != nil {
			t.Fatalf("Load: %v", err)
		}
	})

	t.Run("rejects a mismatched pin", func(t *testing.T) {
		src := ScriptSource{Path: path, Checksum: strings.Repeat("ab", 32)}
		if _, err := src.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
			t.Fatalf("err = %v, want checksum mismatch", err)
		}
	})

	t.Run("missing file fails", func(t *testing.T) {
		if _, err := (ScriptSource{Path: filepath.Join(t.TempDir(), "nope.js")}).Load(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestScriptSourceDownloadAndCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.Contains(r.URL.Path, "4.10.2") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(fakeAxe))
	}))
	defer srv.Close()

	cache := t.TempDir()
	src := ScriptSource{
		Version:  "4.10.2",
		CacheDir: cache,
		BaseURL:  srv.URL + "/libs/%s/axe.min.js",
	}

	data, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != fakeAxe {
		t.Errorf("data = %q", data)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}

	cachePath := filepath.Join(cache, "axe-4.10.2.min.js")
	if _, err := os.Stat(cachePath); err != nil {
		t.Errorf("cache file missing: %v", err)
	}
	sidecar, err := os.ReadFile(cachePath + ".sha256")
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	if string(sidecar) != sha256Hex([]byte(fakeAxe)) {
		t.Errorf("sidecar = %q", sidecar)
	}

	// Second load is served from the cache.
	if _, err := src.Load(context.Background()); err != nil {
		t.Fatalf("cached Load: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d after cached load, want 1", hits.Load())
	}

	// A corrupted cache entry is detected via the sidecar and replaced.
	if err := os.WriteFile(cachePath, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	data, err = src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after corruption: %v", err)
	}
	if string(data) != fakeAxe {
		t.Errorf("data = %q, want fresh download", data)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 (redownload)", hits.Load())
	}
}

func TestScriptSourceDownloadErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fakeAxe))
	}))
	defer srv.Close()

	t.Run("pinned mismatch rejects the download", func(t *testing.T) {
		src := ScriptSource{
			Version:  "4.10.2",
			CacheDir: t.TempDir(),
			BaseURL:  srv.URL + "/libs/%s/axe.min.js",
			Checksum: strings.Repeat("cd", 32),
		}
		if _, err := src.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
			t.Fatalf("err = %v, want checksum mismatch", err)
		}
		// Nothing may be cached on a failed pin.
		if _, err := os.Stat(filepath.Join(src.CacheDir, "axe-4.10.2.min.js")); !os.IsNotExist(err) {
			t.Error("rejected download was cached")
		}
	})

	t.Run("http error surfaces", func(t *testing.T) {
		notFound := httptest.NewServer(http.NotFoundHandler())
		defer notFound.Close()
		src := ScriptSource{
			Version:  "4.10.2",
			CacheDir: t.TempDir(),
			BaseURL:  notFound.URL + "/libs/%s/axe.min.js",
		}
		if _, err := src.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
			t.Fatalf("err = %v, want HTTP 404", err)
		}
	})
}
