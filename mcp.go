package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection and provides methods for
	// bidirectional communication. The implementation must guarantee that each session ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession initiates a new session with the server. Operations are canceled when
	// the context is canceled, and appropriate errors are returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
// It is the single logical channel behind which a transport may pair physically
// separate push and post legs, correlated by the session ID.
type Session interface {
	// ID returns the unique identifier for this session. The implementation must
	// guarantee that session IDs are unique across all active sessions managed.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party,
	// in arrival order. The implementations should exit the iteration if the session
	// is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. Stopping an already-stopped session is a no-op.
	Stop()
}

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns the list of available tools.
	// Returns error if the operation fails or the context is cancelled.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. Failures of the tool
	// itself (unknown name, invalid arguments, persistence errors) should be reported
	// through the returned error or an IsError result, never by panicking.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// ResourceServer defines the interface for managing resources in the MCP protocol.
type ResourceServer interface {
	// ListResources returns the list of available resources.
	ListResources(context.Context, ListResourcesParams) (ListResourcesResult, error)

	// ReadResource retrieves a specific resource by its URI.
	// Returns error if the resource is not found or cannot be read.
	ReadResource(context.Context, ReadResourceParams) (ReadResourceResult, error)

	// ListResourceTemplates returns all available resource templates.
	ListResourceTemplates(context.Context, ListResourceTemplatesParams) (ListResourceTemplatesResult, error)
}

type sessionIDKey struct{}

// SessionIDFromContext returns the ID of the session a request arrived on. Tool and
// resource servers can use it to stamp side effects with the originating session.
// The second return value reports whether a session ID was present.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}

// ContextWithSessionID returns a copy of ctx carrying the given session ID, as
// retrieved by SessionIDFromContext.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}
