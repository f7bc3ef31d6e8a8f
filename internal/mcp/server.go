package mcp

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/agentberlin/greenlight/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ServerName    = "greenlight"
	ServerVersion = "1.0.0"
)

// AuditRunner starts audits in the background and registers them in the run
// registry. The pipeline satisfies this interface.
type AuditRunner interface {
	StartAudit(ctx context.Context, domain string) (*store.AuditRun, error)
}

// MCPServer exposes the audit registry and report artifacts via MCP protocol
type MCPServer struct {
	server     *mcp.Server
	store      *store.Store
	runner     AuditRunner
	outputRoot string
	ctx        context.Context
	logger     *log.Logger
}

// NewMCPServer creates a new MCP server instance. The store and output root
// locate past audit results; a nil runner makes the server read-only, so
// run_audit reports that audits must be started from the CLI.
func NewMCPServer(ctx context.Context, st *store.Store, outputRoot string, runner AuditRunner) *MCPServer {
	logger := log.New(os.Stderr, "[Greenlight MCP] ", log.LstdFlags)

	// Create MCP server
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)

	s := &MCPServer{
		server:     mcpServer,
		store:      st,
		runner:     runner,
		outputRoot: outputRoot,
		ctx:        ctx,
		logger:     logger,
	}

	// Register all tools
	s.registerTools()

	logger.Printf("MCP server initialized successfully")
	return s
}

// GetServer returns the internal MCP server instance
func (s *MCPServer) GetServer() *mcp.Server {
	return s.server
}

// Run serves the MCP protocol over stdio. It blocks until the client
// disconnects or the server context is cancelled.
func (s *MCPServer) Run() error {
	s.logger.Printf("Starting MCP server on stdio...")
	return s.server.Run(s.ctx, &mcp.StdioTransport{})
}

// RunHTTP starts the MCP server with HTTP transport using StreamableHTTPHandler
func (s *MCPServer) RunHTTP(addr string) (*http.Server, error) {
	s.logger.Printf("Starting MCP HTTP server on %s...", addr)

	// Create StreamableHTTPHandler
	handler := mcp.NewStreamableHTTPHandler(
		func(req *http.Request) *mcp.Server {
			return s.server
		},
		nil, // Use default StreamableHTTPOptions
	)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in goroutine
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server error: %v", err)
		}
	}()

	s.logger.Printf("MCP HTTP server started successfully on %s", addr)
	return httpServer, nil
}

// Close performs cleanup
func (s *MCPServer) Close() error {
	s.logger.Printf("Shutting down MCP server...")
	// The store belongs to the caller - GORM manages connections automatically
	return nil
}
