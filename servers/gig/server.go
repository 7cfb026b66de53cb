// Package gig implements the PromptHire gig server: the tools, widget resource
// and persistence behind freelance gig postings.
package gig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prompthire/mcp"
)

// Server exposes the gig tools and the widget resource. It implements
// mcp.ToolServer and mcp.ResourceServer.
type Server struct {
	store  *Store
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a gig server backed by store.
func NewServer(store *Store, options ...Option) *Server {
	s := &Server{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ListTools returns the gig tools. The list is static, so the cursor is ignored.
func (s *Server) ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool dispatches to the named gig tool. Unknown names and invalid
// arguments are errors on the call, never on the session.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	switch toolName(params.Name) {
	case toolCreateGig:
		return s.callCreateGig(ctx, params.Arguments)
	case toolSaveGig:
		return s.callSaveGig(ctx, params.Arguments)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("unknown tool: %s", params.Name)
	}
}

// ListResources returns the widget resource.
func (s *Server) ListResources(ctx context.Context, params mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{
		Resources: resourceList,
	}, nil
}

// ReadResource returns the widget markup for its URI. Any other URI is not
// found.
func (s *Server) ReadResource(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	if params.URI != gigWidget.templateURI {
		return mcp.ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      gigWidget.templateURI,
				MimeType: gigWidget.mimeType,
				Text:     gigWidget.html,
			},
		},
	}, nil
}

// ListResourceTemplates returns the widget resource template.
func (s *Server) ListResourceTemplates(ctx context.Context, params mcp.ListResourceTemplatesParams) (mcp.ListResourceTemplatesResult, error) {
	return mcp.ListResourceTemplatesResult{
		Templates: resourceTemplateList,
	}, nil
}
