package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func limitProperty(defaultValue int) map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": "Maximum number of results to return (1-500)",
		"default":     defaultValue,
		"minimum":     1,
		"maximum":     MaxLimit,
	}
}

// listSessionsTool returns the tool definition for list_sessions
func listSessionsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_sessions",
		Description: "List supervised language server sessions, newest first, with their stream counters",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"limit": limitProperty(DefaultSessionLimit),
			},
		},
	}
}

// listDiscardsTool returns the tool definition for list_discards
func listDiscardsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_discards",
		Description: "List output a language server wrote outside of protocol frames, in stream order",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Only entries from this session (see list_sessions)",
				},
				"malformed_only": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, only headers rejected for declaring an oversized body",
					"default":     false,
				},
				"limit": limitProperty(DefaultDiscardLimit),
			},
		},
	}
}

// searchDiscardsTool returns the tool definition for search_discards
func searchDiscardsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_discards",
		Description: "Find discarded output containing a piece of text, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Text to look for (case-insensitive for ASCII, no wildcards)",
				},
				"limit": limitProperty(DefaultDiscardLimit),
			},
			Required: []string{"query"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Summarize the discard journal: sessions, discarded bytes and database size",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
