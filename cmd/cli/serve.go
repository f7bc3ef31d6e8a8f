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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentberlin/greenlight/internal/config"
	"github.com/agentberlin/greenlight/internal/mcp"
	"github.com/agentberlin/greenlight/internal/metrics"
	"github.com/agentberlin/greenlight/internal/pipeline"
	"github.com/agentberlin/greenlight/internal/server"
	"github.com/agentberlin/greenlight/internal/store"
	"github.com/agentberlin/greenlight/internal/version"
)

// runServe runs the status HTTP API over the run registry, with the
// Prometheus scrape endpoint and, when requested, the MCP endpoint.
// Audits started through MCP run inside this process.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	var configPath string
	var host string
	var port int
	var mcpAddr string
	var debug bool

	fs.StringVar(&configPath, "config", "", "Configuration file (YAML or JSON)")
	fs.StringVar(&configPath, "c", "", "Configuration file (shorthand)")
	fs.StringVar(&host, "host", "0.0.0.0", "Host to bind the HTTP server to")
	fs.IntVar(&port, "port", 8080, "Port to run the HTTP server on")
	fs.IntVar(&port, "p", 8080, "Port to run the HTTP server on (shorthand)")
	fs.StringVar(&mcpAddr, "mcp-addr", "", "Also serve the MCP protocol over HTTP on this address")
	fs.BoolVar(&debug, "debug", false, "Verbose logging")

	fs.Usage = func() {
		fmt.Println(`Usage: greenlight serve [flags]

Serve the audit status API: health, version, sites, runs, stage results
and Prometheus metrics. With --mcp-addr, MCP clients can also start
audits and query results.

Flags:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  # Status API on the default port
  greenlight serve

  # Status API plus the MCP endpoint
  greenlight serve --port 8080 --mcp-addr 127.0.0.1:8931`)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, warnings, err := config.Load(configPath, config.Overrides{Debug: debug})
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	st, err := store.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %v", err)
	}

	m := metrics.New("greenlight")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MCP-started audits run on this pipeline.
	p := pipeline.New(cfg, pipeline.Options{Store: st, Metrics: m}, logger)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewServer(st, m, logger, version.CurrentVersion),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("status server listening",
			zap.String("addr", addr),
			zap.String("version", version.CurrentVersion))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", zap.Error(err))
			cancel()
		}
	}()

	var mcpHTTP *http.Server
	if mcpAddr != "" {
		mcpServer := mcp.NewMCPServer(ctx, st, cfg.OutputDir, p)
		defer mcpServer.Close()
		mcpHTTP, err = mcpServer.RunHTTP(mcpAddr)
		if err != nil {
			return fmt.Errorf("failed to start MCP endpoint: %v", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server forced to shut down", zap.Error(err))
	}
	if mcpHTTP != nil {
		if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Warn("MCP endpoint forced to shut down", zap.Error(err))
		}
	}

	// Give MCP-started audits a chance to persist their state.
	if !p.Drain(30 * time.Second) {
		logger.Warn("audits still running at shutdown")
	}

	logger.Info("server exited")
	return nil
}
