// Package mcp implements the session-oriented protocol layer of the PromptHire
// Model Context Protocol (MCP) server. It manages long-lived client sessions over
// Server-Sent Events (or stdio), correlates posted JSON-RPC messages with their
// sessions, and dispatches typed requests to tool and resource servers.
//
// The domain capabilities themselves (the gig tools, the widget resource, and the
// flat-file gig store) live in servers/gig; this package only knows how to carry
// them to a connected host.
package mcp
