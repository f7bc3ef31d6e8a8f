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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultAxeVersion is the pinned axe-core release used when the
	// configuration names neither a version nor a local bundle.
	DefaultAxeVersion = "4.10.2"

	axeCDNURL = "https://cdnjs.cloudflare.com/ajax/libs/axe-core/%s/axe.min.js"

	// maxScriptBytes caps the download size; the real bundle is ~0.5MB.
	maxScriptBytes = 20 << 20
)

// ScriptSource locates the axe-core bundle. Resolution order: the explicit
// Path, then the local cache, then a one-time CDN download that is cached
// for later runs. A checksum recorded on first download guards the cache
// against corruption; an explicit Checksum pins the bundle hard.
type ScriptSource struct {
	// Path is a local bundle used verbatim when set.
	Path string
	// Version selects the CDN release. Empty means DefaultAxeVersion.
	Version string
	// Checksum is an optional hex SHA-256 the bundle must match.
	Checksum string
	// CacheDir overrides the default ~/.greenlight/axe cache location.
	CacheDir string
	// Client overrides the download client, used by tests.
	Client *http.Client
	// BaseURL overrides the CDN location, used by tests.
	BaseURL string

	Logger *zap.Logger
}

// Load returns the axe-core source.
func (s ScriptSource) Load(ctx context.Context) ([]byte, error) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if s.Path != "" {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read axe script %s: %v", s.Path, err)
		}
		if err := s.verify(data); err != nil {
			return nil, fmt.Errorf("axe script %s: %v", s.Path, err)
		}
		return data, nil
	}

	version := s.Version
	if version == "" {
		version = DefaultAxeVersion
	}
	cacheDir, err := s.cacheDir()
	if err != nil {
		return nil, err
	}
	cachePath := filepath.Join(cacheDir, fmt.Sprintf("axe-%s.min.js", version))
	sumPath := cachePath + ".sha256"

	if data, err := os.ReadFile(cachePath); err == nil {
		if err := s.verifyCached(data, sumPath); err == nil {
			return data, nil
		}
		log.Warn("cached axe script failed verification, downloading again",
			zap.String("path", cachePath))
	}

	data, err := s.download(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := s.verify(data); err != nil {
		return nil, fmt.Errorf("downloaded axe script: %v", err)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create axe cache: %v", err)
	}
	sum := sha256Hex(data)
	if err := os.WriteFile(cachePath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to cache axe script: %v", err)
	}
	if err := os.WriteFile(sumPath, []byte(sum), 0644); err != nil {
		return nil, fmt.Errorf("failed to record axe checksum: %v", err)
	}
	log.Info("downloaded axe-core",
		zap.String("version", version),
		zap.String("sha256", sum))
	return data, nil
}

// verify checks the explicit pin when one is configured.
func (s ScriptSource) verify(data []byte) error {
	if s.Checksum == "" {
		return nil
	}
	want := strings.ToLower(strings.TrimSpace(s.Checksum))
	if got := sha256Hex(data); got != want {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}

// verifyCached checks the pin if set, otherwise the checksum recorded when
// the bundle was first downloaded.
func (s ScriptSource) verifyCached(data []byte, sumPath string) error {
	if s.Checksum != "" {
		return s.verify(data)
	}
	recorded, err := os.ReadFile(sumPath)
	if err != nil {
		// No sidecar: a pre-existing cache file is accepted as-is.
		return nil
	}
	if got := sha256Hex(data); got != strings.TrimSpace(string(recorded)) {
		return fmt.Errorf("checksum mismatch against recorded %s", strings.TrimSpace(string(recorded)))
	}
	return nil
}

func (s ScriptSource) download(ctx context.Context, version string) ([]byte, error) {
	base := s.BaseURL
	if base == "" {
		base = axeCDNURL
	}
	url := fmt.Sprintf(base, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download axe-core: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download axe-core: HTTP %d from %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to download axe-core: %v", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("failed to download axe-core: empty response from %s", url)
	}
	return data, nil
}

func (s ScriptSource) cacheDir() (string, error) {
	if s.CacheDir != "" {
		return s.CacheDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %v", err)
	}
	return filepath.Join(home, ".greenlight", "axe"), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
