package mcp

import (
	"context"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/lspguard/internal/logging"
	"github.com/dshills/lspguard/internal/storage"
)

const (
	// ServerName is the MCP server name
	ServerName = "lspguard-journal"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server exposes the discard journal to MCP clients
type Server struct {
	mcp       *server.MCPServer
	storage   storage.Storage
	logger    zerolog.Logger
	cacheSize int
	cache     *resultCache
}

// Option configures a Server
type Option func(*Server)

// WithCacheSize bounds the number of cached discard responses. Zero or
// less disables caching.
func WithCacheSize(n int) Option {
	return func(s *Server) { s.cacheSize = n }
}

// NewServer creates a new MCP server over an open journal. The server owns
// store and closes it when Serve returns.
func NewServer(store storage.Storage, opts ...Option) *Server {
	s := &Server{
		mcp:       server.NewMCPServer(ServerName, ServerVersion),
		storage:   store,
		logger:    logging.Component("mcp"),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := newResultCache(store, s.cacheSize, s.logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create result cache: %v", err))
	}
	s.cache = cache

	s.mcp.AddTools(s.tools()...)
	return s
}

// Serve speaks MCP over in and out until ctx is done or in is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	defer func() { _ = s.storage.Close() }()
	s.logger.Info().Int("tools", len(s.tools())).Msg("journal inspector ready")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// tools lists every tool with its handler
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listSessionsTool(), Handler: s.handleListSessions},
		{Tool: listDiscardsTool(), Handler: s.handleListDiscards},
		{Tool: searchDiscardsTool(), Handler: s.handleSearchDiscards},
		{Tool: getStatusTool(), Handler: s.handleGetStatus},
	}
}
