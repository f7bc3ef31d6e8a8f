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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/layout"
)

// Mailer delivers finished audit reports. The built-ins are a no-op and
// a file sink; SMTP and similar transports plug in through Options.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Message is one report delivery.
type Message struct {
	To          []string
	From        string
	Subject     string
	Body        string
	Attachments []string
}

// NewMailer picks the delivery backend for the configuration: a file
// sink when one is configured, otherwise a no-op.
func NewMailer(cfg config.EmailConfig) Mailer {
	if cfg.Enabled && cfg.SinkDir != "" {
		return &FileSink{Dir: cfg.SinkDir}
	}
	return NopMailer{}
}

// NopMailer drops every message.
type NopMailer struct{}

func (NopMailer) Send(context.Context, Message) error { return nil }

// FileSink writes messages into a directory as .eml files instead of
// sending them. Attachments are referenced by path, not embedded.
type FileSink struct {
	Dir string
}

func (f *FileSink) Send(_ context.Context, msg Message) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create mail sink: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\n", time.Now().Format(time.RFC1123Z))
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "X-Attachment: %s\n", a)
	}
	b.WriteString("\n")
	b.WriteString(msg.Body)

	name := fmt.Sprintf("%s_%s.eml",
		time.Now().Format("20060102-150405"), layout.SafeFilename(msg.Subject))
	return layout.WriteFile(filepath.Join(f.Dir, name), []byte(b.String()))
}
