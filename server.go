package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tool and
// resource capabilities to a conversational agent host. It manages the session
// lifecycle, handles protocol messages, and dispatches typed requests to the
// configured ToolServer and ResourceServer implementations.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	toolServer     ToolServer
	resourceServer ResourceServer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done chan struct{}
}

// sessionState tracks the lifecycle of one protocol handler. A session moves strictly
// forward: once closed it is discarded, and a new stream-open produces a new instance
// with a new identifier.
type sessionState int

const (
	sessionStateInitialized sessionState = iota
	sessionStateActive
	sessionStateClosed
)

// serverSession is the per-session protocol handler. All messages of one session are
// processed serially on a single goroutine, so state needs no locking; other sessions
// make progress on their own goroutines.
type serverSession struct {
	session Session
	logger  *slog.Logger

	state sessionState

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	toolServer     ToolServer
	resourceServer ResourceServer
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// Prepare the server's capabilities based on the provided server implementations.

	s.capabilities = ServerCapabilities{}

	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping failures exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID of the session and the server Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the MCP server and manages its lifecycle. It accepts sessions from the
// transport and runs one protocol handler per session.
//
// Serve blocks until the transport is shut down.
func (s *Server) Serve() {
	// This loop breaks when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			state:                sessionStateInitialized,
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			toolServer:           s.toolServer,
			resourceServer:       s.resourceServer,
		}

		s.sessionsWaitGroup.Add(1)

		// The session closes itself when the client disconnects or when consecutive
		// pings fail beyond the threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), ss.serverInfo)
			}

			ss.run(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active sessions and cleaning
// up resources. It returns an error if the shutdown process fails or if the context is
// cancelled before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal all sessions to terminate.
	close(s.done)

	// Close the transport so the Sessions loop in Serve breaks and every session's
	// message iterator exits.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	// Wait for all sessions to finish.
	s.sessionsWaitGroup.Wait()

	return nil
}

func (s *serverSession) run(done <-chan struct{}) {
	// This channel feeds the ping goroutine the message IDs of client responses, so it
	// can match them against outstanding pings.
	pongs := make(chan MustString, 10)
	// Closed when this loop exits, so the ping goroutine never outlives the session.
	stop := make(chan struct{})
	go s.ping(pongs, stop, done)

	// Base context for all the calls into the server implementations. Carries the
	// session ID so handlers can stamp side effects with their originating session.
	baseCtx, baseCancel := context.WithCancel(ContextWithSessionID(context.Background(), s.session.ID()))

	// This loop breaks when the session is closed. Messages are handled one at a time:
	// ordering within a session is preserved, and a slow call never interleaves with
	// the session's later messages.
	for msg := range s.session.Messages() {
		// Validate the JSON-RPC version before processing any message.
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}

		switch msg.Method {
		case methodPing:
			s.sendResult(msg.ID, nil)
		case methodInitialize:
			s.handleInitializeRequest(msg)
		case methodNotificationsInitialized:
			// The client acknowledged the handshake; the session is established.
			s.state = sessionStateActive
		case MethodToolsList, MethodToolsCall,
			MethodResourcesList, MethodResourcesRead, MethodResourcesTemplatesList:
			if s.state != sessionStateActive {
				// Requests before the handshake completes get a reply, not a
				// silent drop. Notifications are still dropped.
				if msg.ID != "" {
					s.sendError(msg.ID, JSONRPCError{
						Code:    jsonRPCInvalidRequestCode,
						Message: fmt.Sprintf("session is not initialized: %s", msg.Method),
					})
				}
				continue
			}
			s.handleRequest(baseCtx, msg)
		case "":
			// A response from the client. The only requests this server issues are
			// pings, so forward the ID to the ping goroutine.
			select {
			case <-done:
			case <-stop:
			case pongs <- msg.ID:
			}
		default:
			if s.state != sessionStateActive || msg.ID == "" {
				// Unknown notifications are dropped without a reply.
				continue
			}
			s.sendError(msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}

	s.state = sessionStateClosed
	baseCancel()
	close(stop)
}

func (s *serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		// Initialization failed; tell the client so it can close the session.
		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			s.sendError(msg.ID, jsonErr)
		}
		return
	}
	s.sendResult(msg.ID, res)
}

func (s *serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

// ping keeps the session alive and tears it down when the client stops answering.
// Closing the session from here is what evicts idle or vanished clients.
func (s *serverSession) ping(pongs <-chan MustString, stop, done <-chan struct{}) {
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-stop:
			return
		case id := <-pongs:
			// Check whether the response matches the ping we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (s *serverSession) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	// result holds whatever the server implementation returned, to be sent back to
	// the client below. err is always an instance of JSONRPCError; it is declared as
	// an error for the nil check.
	var result any
	var err error

	switch msg.Method {
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodResourcesList:
		result, err = s.callListResources(ctx, msg)
	case MethodResourcesRead:
		result, err = s.callReadResource(ctx, msg)
	case MethodResourcesTemplatesList:
		result, err = s.callListResourceTemplates(ctx, msg)
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			s.logger.Error("failed to call server implementation",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			s.sendError(msg.ID, jsonErr)
		}
		return
	}

	s.sendResult(msg.ID, result)
}

func (s *serverSession) sendResult(msgID MustString, result any) {
	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
	}
	if result != nil {
		resMsg.Result, _ = json.Marshal(result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s *serverSession) sendError(msgID MustString, jsonErr JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error:   &jsonErr,
	}); err != nil {
		s.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

func (s *serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list tools: %w", err)
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}

func (s *serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.toolServer.CallTool(ctx, params)
	if err != nil {
		// Tool failures are structured results, never session faults: the stream stays
		// open for further calls.
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

func (s *serverSession) callListResources(ctx context.Context, msg JSONRPCMessage) (ListResourcesResult, error) {
	if s.resourceServer == nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourcesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListResourcesResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	rs, err := s.resourceServer.ListResources(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list resources: %w", err)
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return rs, nil
}

func (s *serverSession) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if s.resourceServer == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	r, err := s.resourceServer.ReadResource(ctx, params)
	if err != nil {
		// An unknown URI is surfaced to the caller as a named failure, never silently
		// substituted.
		nErr := fmt.Errorf("failed to read resource: %w", err)
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCResourceNotFoundCode,
			Message: nErr.Error(),
		}
	}

	return r, nil
}

func (s *serverSession) callListResourceTemplates(
	ctx context.Context,
	msg JSONRPCMessage,
) (ListResourceTemplatesResult, error) {
	if s.resourceServer == nil {
		return ListResourceTemplatesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ListResourceTemplatesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListResourceTemplatesResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	ts, err := s.resourceServer.ListResourceTemplates(ctx, params)
	if err != nil {
		nErr := fmt.Errorf("failed to list resource templates: %w", err)
		return ListResourceTemplatesResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}
