// Package mcp implements a Model Context Protocol (MCP) server for inspecting
// the lspguard discard journal.
//
// When a language server prints banners, warnings or stray debug output on
// stdout, lspguard strips it from the protocol stream and, with the journal
// enabled, records it. This server lets an AI assistant or any MCP client
// look at what was removed and why.
//
// Tools:
//   - list_sessions: supervised server runs, newest first, with counters
//   - list_discards: removed output in stream order, optionally for one
//     session or only oversized headers
//   - search_discards: removed output containing a piece of text
//   - get_status: journal totals and database size
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started with:
//
//	lspguard journal serve
//
// # Tool: list_discards
//
//	Request:
//	{
//	  "name": "list_discards",
//	  "arguments": {
//	    "session_id": "5f0c2f8e-2a47-4c43-9a55-0c7d7f0e9a11",
//	    "limit": 10
//	  }
//	}
//
//	Response:
//	{
//	  "count": 1,
//	  "discards": [
//	    {
//	      "id": 1,
//	      "session_id": "5f0c2f8e-2a47-4c43-9a55-0c7d7f0e9a11",
//	      "offset": 0,
//	      "size": 16,
//	      "kind": "noise",
//	      "content": "Loading Prelude\n",
//	      "created_at": "2026-10-19T09:12:44.120Z"
//	    }
//	  ]
//	}
//
// # Error Handling
//
// Errors carry JSON-RPC codes:
//   - -32602: invalid parameters (bad limit, malformed arguments)
//   - -32603: internal error (database failure)
//   - -32001: session not found
//   - -32002: empty search query
package mcp
