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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentberlin/greenlight/internal/config"
)

func TestFileSinkWritesMessage(t *testing.T) {
	sink := &FileSink{Dir: filepath.Join(t.TempDir(), "outbox")}
	msg := Message{
		To:          []string{"a11y@example.com", "qa@example.com"},
		From:        "audits@example.com",
		Subject:     "Accessibility audit for shop.example.com: 84.2 (AA)",
		Body:        "Domain: shop.example.com\nViolations: 12 across 5 pages\n",
		Attachments: []string{"/tmp/analysis.json"},
	}
	if err := sink.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	entries, err := os.ReadDir(sink.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("sink holds %d files, want 1", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), ".eml") {
		t.Errorf("sink file %q should end in .eml", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(sink.Dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	body := string(data)
	for _, want := range []string{
		"From: audits@example.com",
		"To: a11y@example.com, qa@example.com",
		"Subject: Accessibility audit for shop.example.com: 84.2 (AA)",
		"X-Attachment: /tmp/analysis.json",
		"Violations: 12 across 5 pages",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q:\n%s", want, body)
		}
	}
}

func TestNewMailerSelection(t *testing.T) {
	if _, ok := NewMailer(config.EmailConfig{}).(NopMailer); !ok {
		t.Error("disabled email should use the no-op mailer")
	}
	if _, ok := NewMailer(config.EmailConfig{Enabled: true}).(NopMailer); !ok {
		t.Error("enabled email without a sink should stay no-op")
	}
	m := NewMailer(config.EmailConfig{Enabled: true, SinkDir: t.TempDir()})
	if _, ok := m.(*FileSink); !ok {
		t.Errorf("expected a file sink, got %T", m)
	}
}
