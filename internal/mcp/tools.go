package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/lspguard/internal/storage"
)

// MCP error codes
const (
	ErrorCodeInvalidParams   = -32602 // Invalid method parameters
	ErrorCodeInternalError   = -32603 // Internal JSON-RPC error
	ErrorCodeSessionNotFound = -32001 // Specified session is not in the journal
	ErrorCodeEmptyQuery      = -32002 // Query parameter is empty
)

const (
	DefaultSessionLimit = 20
	DefaultDiscardLimit = 50
	MaxLimit            = 500

	// maxContentChars bounds the text shown for a single entry
	maxContentChars = 2000
)

// handleListSessions handles the list_sessions tool invocation
func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	limit, err := parseLimit(args, DefaultSessionLimit)
	if err != nil {
		return nil, err
	}

	sessions, err := s.storage.ListSessions(ctx, limit)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list sessions", map[string]interface{}{
			"error": err.Error(),
		})
	}

	items := make([]map[string]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, formatSession(sess))
	}

	response := map[string]interface{}{
		"count":    len(items),
		"sessions": items,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListDiscards handles the list_discards tool invocation
func (s *Server) handleListDiscards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	limit, err := parseLimit(args, DefaultDiscardLimit)
	if err != nil {
		return nil, err
	}

	filter := storage.DiscardFilter{
		SessionID: getStringDefault(args, "session_id", ""),
		Limit:     limit,
	}
	if getBoolDefault(args, "malformed_only", false) {
		filter.Kind = storage.KindMalformed
	}

	if filter.SessionID != "" {
		if _, err := s.storage.GetSession(ctx, filter.SessionID); err != nil {
			return nil, sessionError(filter.SessionID, err)
		}
	}

	key := cacheKey{tool: "list_discards", sessionID: filter.SessionID, kind: filter.Kind, limit: limit}
	text, err := s.cache.get(ctx, key, func() (string, error) {
		discards, err := s.storage.ListDiscards(ctx, filter)
		if err != nil {
			return "", newMCPError(ErrorCodeInternalError, "failed to list discards", map[string]interface{}{
				"error": err.Error(),
			})
		}

		response := map[string]interface{}{
			"count":    len(discards),
			"discards": formatDiscards(discards),
		}
		if filter.SessionID != "" {
			response["session_id"] = filter.SessionID
		}
		return formatJSON(response), nil
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(text), nil
}

// handleSearchDiscards handles the search_discards tool invocation
func (s *Server) handleSearchDiscards(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit, err := parseLimit(args, DefaultDiscardLimit)
	if err != nil {
		return nil, err
	}

	key := cacheKey{tool: "search_discards", query: query, limit: limit}
	text, err := s.cache.get(ctx, key, func() (string, error) {
		start := time.Now()
		discards, err := s.storage.SearchDiscards(ctx, query, limit)
		if err != nil {
			return "", newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		s.logger.Debug().Str("query", query).Int("results", len(discards)).Dur("took", time.Since(start)).Msg("searched discards")

		response := map[string]interface{}{
			"query":    query,
			"count":    len(discards),
			"discards": formatDiscards(discards),
		}
		return formatJSON(response), nil
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(text), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.storage.GetStatus(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"schema_version": status.SchemaVersion,
		"sessions": map[string]interface{}{
			"total":  status.Sessions,
			"active": status.ActiveSessions,
		},
		"discards": map[string]interface{}{
			"entries":         status.Discards,
			"discarded_bytes": status.DiscardedBytes,
			"malformed":       status.Malformed,
			"truncated":       status.Truncated,
		},
		"database_size_mb": fmt.Sprintf("%.2f", status.SizeMB),
	}
	if !status.LastSessionAt.IsZero() {
		response["last_session_at"] = formatTime(status.LastSessionAt)
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func sessionError(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newMCPError(ErrorCodeSessionNotFound, "session not found", map[string]interface{}{
			"session_id": id,
		})
	}
	return newMCPError(ErrorCodeInternalError, "failed to get session", map[string]interface{}{
		"error": err.Error(),
	})
}

// arguments returns the tool arguments; a call without arguments yields an
// empty map
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

func parseLimit(args map[string]interface{}, defaultValue int) (int, error) {
	limit := getIntDefault(args, "limit", defaultValue)
	if limit < 1 || limit > MaxLimit {
		return 0, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", MaxLimit), map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	return limit, nil
}

func formatSession(sess *storage.Session) map[string]interface{} {
	m := map[string]interface{}{
		"id":         sess.ID,
		"command":    sess.Command,
		"args":       sess.Args,
		"started_at": formatTime(sess.StartedAt),
		"active":     sess.Active(),
		"statistics": map[string]interface{}{
			"bytes_in":        sess.Stats.BytesIn,
			"bytes_out":       sess.Stats.BytesOut,
			"frames":          sess.Stats.Frames,
			"discarded_bytes": sess.Stats.DiscardedBytes,
			"malformed":       sess.Stats.Malformed,
		},
	}
	if sess.WorkDir != "" {
		m["work_dir"] = sess.WorkDir
	}
	if !sess.Active() {
		m["ended_at"] = formatTime(sess.EndedAt)
	}
	if sess.ExitError != "" {
		m["exit_error"] = sess.ExitError
	}
	return m
}

func formatDiscards(discards []*storage.Discard) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(discards))
	for _, d := range discards {
		m := map[string]interface{}{
			"id":         d.ID,
			"session_id": d.SessionID,
			"offset":     d.StreamOffset,
			"size":       d.Size,
			"kind":       string(d.Kind),
			"created_at": formatTime(d.CreatedAt),
		}
		if len(d.Content) > 0 {
			m["content"] = contentText(d.Content)
		}
		if d.Detail != "" {
			m["detail"] = d.Detail
		}
		out = append(out, m)
	}
	return out
}

// contentText renders stored bytes as printable text
func contentText(b []byte) string {
	text := strings.ToValidUTF8(string(b), "�")
	if r := []rune(text); len(r) > maxContentChars {
		text = string(r[:maxContentChars]) + "…"
	}
	return text
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
