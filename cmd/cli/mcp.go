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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/mcp"
	"github.com/agentberlin/greenlight/internal/metrics"
	"github.com/agentberlin/greenlight/internal/pipeline"
	"github.com/agentberlin/greenlight/internal/store"
)

// runMCP serves the MCP protocol on stdio, for editor and agent clients
// configured with a command transport. Logs go to stderr; stdout carries
// the protocol.
func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)

	var configPath string
	var readOnly bool

	fs.StringVar(&configPath, "config", "", "Configuration file (YAML or JSON)")
	fs.StringVar(&configPath, "c", "", "Configuration file (shorthand)")
	fs.BoolVar(&readOnly, "read-only", false, "Expose only query tools, refuse run_audit")

	fs.Usage = func() {
		fmt.Println(`Usage: greenlight mcp [flags]

Serve the MCP protocol on stdio. Tools cover starting audits, polling
status, and querying violation summaries, worst pages, template clusters
and report paths.

Flags:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.Load(configPath, config.Overrides{})
	if err != nil {
		return err
	}

	st, err := store.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var p *pipeline.Pipeline
	var runner mcp.AuditRunner
	if !readOnly {
		logger := newLogger("warn")
		defer logger.Sync()
		p = pipeline.New(cfg, pipeline.Options{Store: st, Metrics: metrics.New("greenlight")}, logger)
		runner = p
	}

	mcpServer := mcp.NewMCPServer(ctx, st, cfg.OutputDir, runner)
	defer mcpServer.Close()

	if err := mcpServer.Run(); err != nil && ctx.Err() == nil {
		return err
	}

	if p != nil && !p.Drain(30*time.Second) {
		fmt.Fprintln(os.Stderr, "Warning: audits still running at shutdown")
	}
	return nil
}
