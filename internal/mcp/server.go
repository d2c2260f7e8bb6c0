package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "kbsearch-mcp"
	// DefaultPreviewLength is how many runes of chunk text a result carries
	DefaultPreviewLength = 200
)

// SearchService is the search engine surface the tools call.
// *searcher.Searcher implements it.
type SearchService interface {
	Search(ctx context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error)
	Status(ctx context.Context) (*storage.Status, error)
}

// Config configures the MCP server
type Config struct {
	Version       string
	Caller        types.CallerContext // identity every tool call searches as
	PreviewLength int
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp           *server.MCPServer
	search        SearchService
	caller        types.CallerContext
	previewLength int
	logger        *slog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(search SearchService, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = DefaultPreviewLength
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		mcp:           server.NewMCPServer(ServerName, cfg.Version, server.WithToolCapabilities(false)),
		search:        search,
		caller:        cfg.Caller,
		previewLength: cfg.PreviewLength,
		logger:        logger.With("component", "mcp"),
	}
	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving MCP on stdio", "caller_id", s.caller.ID, "clearance", s.caller.ClearanceLevel)
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchKnowledgeBaseTool(), s.handleSearchKnowledgeBase)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
