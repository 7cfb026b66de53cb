package gig

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prompthire/mcp"
)

// toolName is the closed set of tools this server dispatches on. Anything else
// is rejected before arguments are even looked at.
type toolName string

const (
	toolCreateGig toolName = "create-new-gig"
	toolSaveGig   toolName = "save-gig"
)

// Invocation captions shown by the host while a tool runs and after it finishes.
const (
	createGigInvoking = "Creating your gig posting..."
	createGigInvoked  = "Gig created successfully"
	saveGigInvoking   = "Saving your gig posting..."
	saveGigInvoked    = "Gig saved successfully"
)

const (
	createGigResponseText = "Created your freelance gig posting!"
	saveGigResponseText   = "Saved your freelance gig posting!"
)

var toolList = []mcp.Tool{
	{
		Name:        string(toolCreateGig),
		Title:       gigWidget.title,
		Description: "Create a freelance gig posting from the conversation. Extracts the work requirements discussed and renders them as a gig card.",
		InputSchema: createGigSchema,
		Meta:        gigWidget.meta(createGigInvoking, createGigInvoked),
	},
	{
		Name:        string(toolSaveGig),
		Title:       "Save Freelance Gig",
		Description: "Save a freelance gig posting so it can be listed later. Validates and normalizes the gig, then appends it to the gig store.",
		InputSchema: createGigSchema,
		Meta:        gigWidget.meta(saveGigInvoking, saveGigInvoked),
	},
}

// callCreateGig validates and normalizes the arguments and returns the gig as
// structured content. Nothing is persisted.
func (s *Server) callCreateGig(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
	gig, err := parseArgs(ctx, args)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	structured, err := json.Marshal(gig)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal gig: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: createGigResponseText,
			},
		},
		StructuredContent: structured,
		IsError:           false,
		Meta:              gigWidget.meta(createGigInvoking, createGigInvoked),
	}, nil
}

// callSaveGig validates and normalizes the arguments, then appends the gig to
// the store stamped with the calling session. A persistence failure comes back
// as an error result on an open session, not a dead one.
func (s *Server) callSaveGig(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
	gig, err := parseArgs(ctx, args)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	sessionID, _ := mcp.SessionIDFromContext(ctx)

	record, err := s.store.Append(gig, sessionID)
	if err != nil {
		s.logger.Error("Failed to save gig", "err", err)
		return mcp.CallToolResult{}, fmt.Errorf("failed to save gig: %w", err)
	}

	structured, err := json.Marshal(record)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: saveGigResponseText,
			},
		},
		StructuredContent: structured,
		IsError:           false,
		Meta:              gigWidget.meta(saveGigInvoking, saveGigInvoked),
	}, nil
}

func parseArgs(ctx context.Context, args json.RawMessage) (Gig, error) {
	if err := validateArgs(ctx, args); err != nil {
		return Gig{}, err
	}

	var parsed createGigArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return Gig{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
	}

	return parsed.withDefaults(), nil
}
