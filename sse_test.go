package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prompthire/mcp"
)

func TestSSEServerAndClient(t *testing.T) {
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := mcp.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v", err)
			return
		}

		testServer.Close()
	}()

	// Wait for first server session
	sessions := make(chan mcp.Session, 1)
	go func() {
		for s := range server.Sessions() {
			sessions <- s
		}
	}()

	client := mcp.NewSSEClient(testServer.URL+"/connect", testServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer clientSession.Stop()

	if clientSession.ID() == "" {
		t.Error("expected non-empty session ID from handshake")
	}

	serverSession := <-sessions
	defer serverSession.Stop()

	if serverSession.ID() != clientSession.ID() {
		t.Errorf("session ID mismatch: server %s, client %s", serverSession.ID(), clientSession.ID())
	}

	// Server to client
	var receivedByClient mcp.JSONRPCMessage
	done := make(chan struct{})
	go func() {
		for msg := range clientSession.Messages() {
			receivedByClient = msg
			close(done)
			break
		}
	}()

	serverMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "test",
		Params:  json.RawMessage(`{"test": "hello"}`),
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sendCancel()

	if err := serverSession.Send(sendCtx, serverMsg); err != nil {
		t.Fatalf("failed to send server message: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for client to receive message")
	}

	if receivedByClient.Method != serverMsg.Method {
		t.Errorf("got method %q, want %q", receivedByClient.Method, serverMsg.Method)
	}

	// Client to server
	clientMsg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "response",
		Params:  json.RawMessage(`{"response": "world"}`),
	}

	var receivedByServer mcp.JSONRPCMessage
	serverDone := make(chan struct{})
	go func() {
		for msg := range serverSession.Messages() {
			receivedByServer = msg
			close(serverDone)
			break
		}
	}()

	if err := clientSession.Send(ctx, clientMsg); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server to receive message")
	}

	if receivedByServer.Method != clientMsg.Method {
		t.Errorf("got method %q, want %q", receivedByServer.Method, clientMsg.Method)
	}
}

func TestSSEServerSessionIsolation(t *testing.T) {
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := mcp.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v", err)
			return
		}

		testServer.Close()
	}()

	sessions := make(chan mcp.Session, 2)
	go func() {
		for s := range server.Sessions() {
			sessions <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cliSession1, err := mcp.NewSSEClient(testServer.URL+"/connect", testServer.Client()).StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start first session: %v", err)
	}
	defer cliSession1.Stop()

	cliSession2, err := mcp.NewSSEClient(testServer.URL+"/connect", testServer.Client()).StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start second session: %v", err)
	}
	defer cliSession2.Stop()

	if cliSession1.ID() == cliSession2.ID() {
		t.Errorf("expected distinct session IDs, both are %s", cliSession1.ID())
	}

	srvSession1 := <-sessions
	srvSession2 := <-sessions
	defer srvSession1.Stop()
	defer srvSession2.Stop()

	// A message posted by one client must only reach its own session. The map
	// is shared with both session goroutines, so it is mutex-guarded.
	var receivedMu sync.Mutex
	received := make(map[string]string)
	receivedCh := make(chan struct{}, 1)
	lastReceived := func(id string) (string, bool) {
		receivedMu.Lock()
		defer receivedMu.Unlock()
		method, ok := received[id]
		return method, ok
	}
	for _, sess := range []mcp.Session{srvSession1, srvSession2} {
		go func(sess mcp.Session) {
			for msg := range sess.Messages() {
				receivedMu.Lock()
				received[sess.ID()] = msg.Method
				receivedMu.Unlock()
				receivedCh <- struct{}{}
			}
		}(sess)
	}

	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "only-for-first",
	}
	if err := cliSession1.Send(ctx, msg); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	select {
	case <-receivedCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	if method, _ := lastReceived(cliSession1.ID()); method != "only-for-first" {
		t.Errorf("first session did not receive its message, got %q", method)
	}
	if _, ok := lastReceived(cliSession2.ID()); ok && cliSession2.ID() != cliSession1.ID() {
		t.Errorf("second session received a message meant for the first")
	}

	// Closing the first session must not affect the second. Stopping twice is
	// a no-op.
	srvSession1.Stop()
	srvSession1.Stop()
	cliSession1.Stop()

	msg = mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "still-alive",
	}
	if err := cliSession2.Send(ctx, msg); err != nil {
		t.Fatalf("second session failed after first closed: %v", err)
	}

	select {
	case <-receivedCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on surviving session")
	}

	if method, _ := lastReceived(cliSession2.ID()); method != "still-alive" {
		t.Errorf("surviving session did not receive its message, got %q", method)
	}
}

func TestSSEMessageEndpointNegativeCases(t *testing.T) {
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := mcp.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v", err)
			return
		}

		testServer.Close()
	}()

	validMsg := []byte(`{"jsonrpc": "2.0", "method": "test"}`)

	t.Run("Missing Session ID", func(t *testing.T) {
		resp, err := testServer.Client().Post(
			testServer.URL+"/message", "application/json", bytes.NewReader(validMsg))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Invalid Message Format", func(t *testing.T) {
		resp, err := testServer.Client().Post(
			testServer.URL+"/message?sessionId=whatever", "application/json",
			bytes.NewReader([]byte(`{invalid json}`)))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Unknown Session", func(t *testing.T) {
		resp, err := testServer.Client().Post(
			testServer.URL+"/message?sessionId=no-such-session", "application/json",
			bytes.NewReader(validMsg))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", resp.StatusCode)
		}
	})

	t.Run("Closed Session", func(t *testing.T) {
		sessions := make(chan mcp.Session, 1)
		go func() {
			for s := range server.Sessions() {
				sessions <- s
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cliSession, err := mcp.NewSSEClient(testServer.URL+"/connect", testServer.Client()).StartSession(ctx)
		if err != nil {
			t.Fatalf("failed to start session: %v", err)
		}

		srvSession := <-sessions
		srvSession.Stop()
		cliSession.Stop()

		// Give the connection handler a moment to evict the session.
		time.Sleep(100 * time.Millisecond)

		resp, err := testServer.Client().Post(
			testServer.URL+"/message?sessionId="+cliSession.ID(), "application/json",
			bytes.NewReader(validMsg))
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", resp.StatusCode)
		}
	})
}

func TestSSEConnectionNegativeCases(t *testing.T) {
	t.Run("Invalid Connection URL", func(t *testing.T) {
		client := mcp.NewSSEClient("http://non-existent-url-12345.local/connect", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := client.StartSession(ctx)

		if err == nil {
			t.Fatal("Expected an error when connecting to invalid URL, got nil")
		}

		t.Logf("Connection error (expected): %v", err)
	})

	t.Run("Server Shutdown During Active Session", func(t *testing.T) {
		mux := http.NewServeMux()
		testServer := httptest.NewServer(mux)

		server := mcp.NewSSEServer(testServer.URL + "/message")
		mux.Handle("/connect", server.HandleSSE())
		mux.Handle("/message", server.HandleMessage())

		go func() {
			for sess := range server.Sessions() {
				go func(sess mcp.Session) {
					for msg := range sess.Messages() {
						t.Logf("received message: %s", msg.Method)
					}
				}(sess)
			}
		}()

		client := mcp.NewSSEClient(testServer.URL+"/connect", testServer.Client())

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		clientSession, err := client.StartSession(ctx)
		if err != nil {
			t.Fatalf("Failed to start session: %v", err)
		}
		defer clientSession.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			t.Fatalf("Failed to shutdown server: %v", err)
		}

		testServer.Close()

		msgReceived := false
		for range clientSession.Messages() {
			msgReceived = true
		}

		if msgReceived {
			t.Fatal("Expected no messages after server shutdown")
		}
	})
}
