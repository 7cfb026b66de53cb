package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client that connects to an MCP
// server over a ClientTransport, performs the initialization handshake, and exposes
// typed calls for the server's tool and resource capabilities.
//
// A Client must be connected with Connect before issuing requests, and closed with
// Close when no longer needed.
type Client struct {
	info   Info
	logger *slog.Logger

	transport ClientTransport
	session   Session

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	pendingMu sync.Mutex
	pending   map[MustString]chan JSONRPCMessage

	done         chan struct{}
	listenClosed chan struct{}
}

// NewClient creates a new MCP client with the given client info and transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		logger:       slog.Default(),
		transport:    transport,
		pending:      make(map[MustString]chan JSONRPCMessage),
		done:         make(chan struct{}),
		listenClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// Connect starts a transport session and performs the initialization handshake. It
// returns an error if the session cannot be started, the server rejects the handshake,
// or the protocol versions do not match.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listen()

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	resMsg, err := c.request(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var res initializeResult
	if err := json.Unmarshal(resMsg.Result, &res); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if res.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", res.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = res.ServerInfo
	c.serverCapabilities = res.Capabilities
	c.instructions = res.Instructions

	// Acknowledge the handshake so the server marks the session active.
	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// Close stops the underlying session and releases client resources.
func (c *Client) Close() {
	select {
	case <-c.done:
		return
	default:
	}

	close(c.done)
	if c.session != nil {
		c.session.Stop()
		<-c.listenClosed
	}
}

// ServerInfo returns the server's reported name and version. Valid after Connect.
func (c *Client) ServerInfo() Info { return c.serverInfo }

// ServerCapabilities returns the capabilities the server advertised during the
// handshake. Valid after Connect.
func (c *Client) ServerCapabilities() ServerCapabilities { return c.serverCapabilities }

// Instructions returns the server's usage instructions. Valid after Connect.
func (c *Client) Instructions() string { return c.instructions }

// ListTools retrieves the list of tools exposed by the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes a tool by name with the given arguments.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListResources retrieves the list of resources exposed by the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	if err := c.call(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ReadResource retrieves the contents of a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	if err := c.call(ctx, MethodResourcesRead, params, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// ListResourceTemplates retrieves the list of resource templates exposed by the server.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	if err := c.call(ctx, MethodResourcesTemplatesList, params, &result); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	resMsg, err := c.request(ctx, method, paramsBs)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resMsg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return nil
}

func (c *Client) request(ctx context.Context, method string, params json.RawMessage) (JSONRPCMessage, error) {
	if c.session == nil {
		return JSONRPCMessage{}, errors.New("client is not connected")
	}

	msgID := MustString(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	c.pendingMu.Lock()
	c.pending[msgID] = results
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  method,
		Params:  params,
	}); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-c.done:
		return JSONRPCMessage{}, errors.New("client is closed")
	case resMsg := <-results:
		if resMsg.Error != nil {
			return JSONRPCMessage{}, *resMsg.Error
		}
		return resMsg, nil
	}
}

// listen routes incoming messages: responses are matched with their pending requests
// by ID, and server pings are answered immediately.
func (c *Client) listen() {
	defer close(c.listenClosed)

	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Info("dropped message with invalid version", slog.Any("message", msg))
			continue
		}

		if msg.Method == methodPing {
			go c.pong(msg.ID)
			continue
		}

		if msg.Method != "" {
			// Server notifications are not used by this client.
			continue
		}

		c.pendingMu.Lock()
		results, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if !ok {
			continue
		}

		// Drop the response instantly if the requester already gave up.
		select {
		case results <- msg:
		default:
		}
	}
}

func (c *Client) pong(msgID MustString) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultServerPingTimeout)
	defer cancel()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
	}); err != nil {
		c.logger.Error("failed to send pong", slog.String("err", err.Error()))
	}
}
