package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. Server-to-client traffic flows over the event
// stream; client-to-server traffic arrives on a side channel via HTTP POST, correlated
// with its stream by an opaque session ID carried in the sessionId query parameter.
//
// The server exposes its two physical legs through the HandleSSE and HandleMessage
// http.Handlers, which can be mounted on any HTTP router. Session lifecycles are owned
// by an internal session store: a session is registered when its stream opens and is
// evicted exactly once when the client disconnects, the stream errors, or the server
// shuts down.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no
// longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	store    *sessionStore
	incoming chan Session

	done   chan struct{}
	closed chan struct{}
}

// SSEClient implements a Server-Sent Events (SSE) client that manages server connections
// and bidirectional message handling. It receives server messages over the SSE stream and
// posts its own messages to the endpoint the server announces in the handshake event.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	recv chan JSONRPCMessage

	sendMu   sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

type sseClientSession struct {
	httpClient *http.Client
	logger     *slog.Logger

	// id and messageURL are populated from the handshake event before
	// StartSession returns the session to the caller.
	id         string
	messageURL string

	body     io.ReadCloser
	messages chan JSONRPCMessage

	stopOnce sync.Once
	done     chan struct{}
}

// NewSSEServer creates and initializes a new SSE server. Clients are told to post their
// messages to messageURL, with the session ID appended as a query parameter. The returned
// SSEServer is immediately operational; its Sessions iterator must be consumed for new
// connections to be accepted.
func NewSSEServer(messageURL string) *SSEServer {
	return &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		store:      newSessionStore(),
		incoming:   make(chan Session, 5),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// Sessions returns an iterator over active client sessions. The iterator yields new
// Session instances as clients connect to the server, and exits when the server is
// shut down.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.incoming:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown, then evict every live session.
	close(s.done)
	s.store.closeAll()

	// Wait for the Sessions iterator to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns a unique session ID, and
// announces the message endpoint for that session through the handshake event. The
// connection remains open until the client disconnects, the session is stopped, or
// the server shuts down; in every case the session is evicted from the store exactly
// once.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Form the URL the client must post this session's messages to.
		endpointURL := fmt.Sprintf("%s?sessionId=%s", s.messageURL, sessID)

		// The handshake uses the event type "endpoint" to carry the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpointURL)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseSession{
			id:     sessID,
			sess:   sess,
			logger: s.logger.With(slog.String("sessionID", sessID)),
			recv:   make(chan JSONRPCMessage, 5),
			done:   make(chan struct{}),
		}

		s.store.open(srvSession)

		// Hand the session to the Sessions iterator so the protocol handler can bind to it.
		select {
		case s.incoming <- srvSession:
		case <-s.done:
			s.store.close(sessID)
			return
		}

		// Keep the connection open until one of the close signals fires. More than one may
		// fire together; the store makes eviction idempotent.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
		case <-s.done:
		}

		s.store.close(sessID)
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionId query parameter and a JSON-encoded message
// body. It rejects malformed requests at the transport boundary: 400 when the session ID
// is absent or the body is not a protocol message, 404 when the session is unknown or
// already closed. Accepted messages are routed to the corresponding session's message
// stream and answered with 202.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionId")
		if sessID == "" {
			nErr := errors.New("missing sessionId query parameter")
			s.logger.Warn("missing sessionId query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage

		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		sess, ok := s.store.get(sessID)
		if !ok {
			s.logger.Warn("unknown session", slog.String("sessionID", sessID))
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		// Deliver in arrival order. Blocking here while the session drains its inbox is
		// what keeps one session's messages from interleaving with each other.
		select {
		case sess.recv <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "unknown session", http.StatusNotFound)
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusInternalServerError)
		}
	})
}

func (s *sseSession) ID() string { return s.id }

func (s *sseSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	select {
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Writes to the underlying SSE session must be serialized.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.sess.Send(sseMsg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (s *sseSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.recv:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// StartSession establishes the SSE connection, waits for the server's handshake event,
// and returns the session once the message endpoint is known. The connection remains
// active until the context is cancelled, the session is stopped, or an error occurs.
func (c *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient: c.httpClient,
		logger:     c.logger,
		body:       resp.Body,
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listen(ready, c.maxPayloadSize)

	select {
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	}

	return sess, nil
}

func (s *sseClientSession) listen(ready chan<- error, maxPayloadSize int) {
	defer func() {
		s.body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	handshaken := false

	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			if !handshaken {
				ready <- fmt.Errorf("failed to read handshake event: %w", err)
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// Validate and parse the endpoint URL to ensure messages are posted to the
			// correct destination.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			s.id = u.Query().Get("sessionId")
			handshaken = true
			close(ready)
		case "message":
			// Require the handshake before processing any messages, so the session is
			// never observed half-established.
			if !handshaken {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request to
// the endpoint announced in the handshake. Returns an error if message encoding fails,
// the request cannot be created, or the server responds with a non-2xx status code.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}
