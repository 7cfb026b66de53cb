package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prompthire/mcp"
)

type testSuite struct {
	cfg testSuiteConfig

	serverTransport mcp.ServerTransport
	clientTransport mcp.ClientTransport
	httpServer      *httptest.Server

	mcpServer *mcp.Server
	mcpClient *mcp.Client

	clientConnectErr error
	connectCancel    context.CancelFunc
}

type testSuiteConfig struct {
	transportName string

	serverOptions []mcp.ServerOption
	clientOptions []mcp.ClientOption
}

type mockToolServer struct {
	listParams mcp.ListToolsParams
	callParams mcp.CallToolParams

	callResult mcp.CallToolResult
	callErr    error

	// sessionID records the session observed by the last CallTool.
	sessionID string
}

func (m *mockToolServer) ListTools(_ context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	m.listParams = params
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{Name: "test-tool"},
		},
	}, nil
}

func (m *mockToolServer) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.callParams = params
	m.sessionID, _ = mcp.SessionIDFromContext(ctx)
	if m.callErr != nil {
		return mcp.CallToolResult{}, m.callErr
	}
	return m.callResult, nil
}

type mockResourceServer struct {
	listParams          mcp.ListResourcesParams
	readParams          mcp.ReadResourceParams
	listTemplatesParams mcp.ListResourceTemplatesParams

	readErr error
}

func (m *mockResourceServer) ListResources(
	_ context.Context, params mcp.ListResourcesParams,
) (mcp.ListResourcesResult, error) {
	m.listParams = params
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{
			{URI: "test://resource", Name: "Test Resource"},
		},
	}, nil
}

func (m *mockResourceServer) ReadResource(
	_ context.Context, params mcp.ReadResourceParams,
) (mcp.ReadResourceResult, error) {
	m.readParams = params
	if m.readErr != nil {
		return mcp.ReadResourceResult{}, m.readErr
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{URI: params.URI, Text: "contents"},
		},
	}, nil
}

func (m *mockResourceServer) ListResourceTemplates(
	_ context.Context, params mcp.ListResourceTemplatesParams,
) (mcp.ListResourceTemplatesResult, error) {
	m.listTemplatesParams = params
	return mcp.ListResourceTemplatesResult{
		Templates: []mcp.ResourceTemplate{
			{URITemplate: "test://resource/{id}", Name: "Test Template"},
		},
	}, nil
}

func TestInitialize(t *testing.T) {
	type testCase struct {
		name          string
		serverOptions []mcp.ServerOption
	}

	testCases := []testCase{
		{
			name:          "no capabilities",
			serverOptions: []mcp.ServerOption{},
		},
		{
			name: "full capabilities",
			serverOptions: []mcp.ServerOption{
				mcp.WithToolServer(&mockToolServer{}),
				mcp.WithResourceServer(&mockResourceServer{}),
				mcp.WithInstructions("test instructions"),
			},
		},
	}

	for _, transportName := range []string{"SSE", "StdIO"} {
		for _, tc := range testCases {
			cfg := testSuiteConfig{
				transportName: transportName,
				serverOptions: tc.serverOptions,
			}

			t.Run(fmt.Sprintf("%s/%s", transportName, tc.name), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
				if s.clientConnectErr != nil {
					t.Errorf("unexpected error: %v", s.clientConnectErr)
					return
				}
				if s.mcpClient.ServerInfo().Name != "test-server" {
					t.Errorf("expected server name test-server, got %s", s.mcpClient.ServerInfo().Name)
				}
			}))
		}
	}
}

func TestClientRequest(t *testing.T) {
	type testCase struct {
		name     string
		testType string // "resource" or "tool"
		testFunc func(*testing.T, *mcp.Client, interface{})
	}

	testCases := []testCase{
		{
			name:     "ListTools",
			testType: "tool",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockTS, _ := srv.(*mockToolServer)
				res, err := cli.ListTools(context.Background(), mcp.ListToolsParams{
					Cursor: "cursor",
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if mockTS.listParams.Cursor != "cursor" {
					t.Errorf("expected cursor cursor, got %s", mockTS.listParams.Cursor)
				}
				if len(res.Tools) != 1 || res.Tools[0].Name != "test-tool" {
					t.Errorf("unexpected tools: %+v", res.Tools)
				}
			},
		},
		{
			name:     "CallTool",
			testType: "tool",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockTS, _ := srv.(*mockToolServer)
				_, err := cli.CallTool(context.Background(), mcp.CallToolParams{
					Name:      "test-tool",
					Arguments: json.RawMessage(`{"key":"value"}`),
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if mockTS.callParams.Name != "test-tool" {
					t.Errorf("expected tool name test-tool, got %s", mockTS.callParams.Name)
				}
				if mockTS.sessionID == "" {
					t.Error("expected session ID in tool call context")
				}
			},
		},
		{
			name:     "CallToolError",
			testType: "tool",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockTS, _ := srv.(*mockToolServer)
				mockTS.callErr = fmt.Errorf("tool failure")

				res, err := cli.CallTool(context.Background(), mcp.CallToolParams{
					Name: "test-tool",
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if !res.IsError {
					t.Error("expected IsError result")
				}

				// The session must survive a failed tool call.
				mockTS.callErr = nil
				if _, err := cli.ListTools(context.Background(), mcp.ListToolsParams{}); err != nil {
					t.Errorf("session did not survive failed tool call: %v", err)
				}
			},
		},
		{
			name:     "ListResources",
			testType: "resource",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockRS, _ := srv.(*mockResourceServer)
				_, err := cli.ListResources(context.Background(), mcp.ListResourcesParams{
					Cursor: "cursor",
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if mockRS.listParams.Cursor != "cursor" {
					t.Errorf("expected cursor cursor, got %s", mockRS.listParams.Cursor)
				}
			},
		},
		{
			name:     "ReadResource",
			testType: "resource",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockRS, _ := srv.(*mockResourceServer)
				res, err := cli.ReadResource(context.Background(), mcp.ReadResourceParams{
					URI: "test://resource",
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if mockRS.readParams.URI != "test://resource" {
					t.Errorf("expected URI test://resource, got %s", mockRS.readParams.URI)
				}
				if len(res.Contents) != 1 || res.Contents[0].Text != "contents" {
					t.Errorf("unexpected contents: %+v", res.Contents)
				}
			},
		},
		{
			name:     "ReadResourceNotFound",
			testType: "resource",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockRS, _ := srv.(*mockResourceServer)
				mockRS.readErr = fmt.Errorf("resource not found")

				_, err := cli.ReadResource(context.Background(), mcp.ReadResourceParams{
					URI: "test://missing",
				})
				if err == nil {
					t.Error("expected error, got nil")
				}
			},
		},
		{
			name:     "ListResourceTemplates",
			testType: "resource",
			testFunc: func(t *testing.T, cli *mcp.Client, srv interface{}) {
				mockRS, _ := srv.(*mockResourceServer)
				_, err := cli.ListResourceTemplates(context.Background(), mcp.ListResourceTemplatesParams{
					Cursor: "cursor",
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if mockRS.listTemplatesParams.Cursor != "cursor" {
					t.Errorf("expected cursor cursor, got %s", mockRS.listTemplatesParams.Cursor)
				}
			},
		},
	}

	for _, transportName := range []string{"SSE", "StdIO"} {
		for _, tc := range testCases {
			var mockSrv interface{}
			var serverOpt mcp.ServerOption

			switch tc.testType {
			case "resource":
				mockRS := &mockResourceServer{}
				mockSrv = mockRS
				serverOpt = mcp.WithResourceServer(mockRS)
			case "tool":
				mockTS := &mockToolServer{}
				mockSrv = mockTS
				serverOpt = mcp.WithToolServer(mockTS)
			}

			cfg := testSuiteConfig{
				transportName: transportName,
				serverOptions: []mcp.ServerOption{serverOpt},
			}
			t.Run(fmt.Sprintf("%s/%s", transportName, tc.name), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
				if s.clientConnectErr != nil {
					t.Errorf("unexpected error: %v", s.clientConnectErr)
					return
				}

				tc.testFunc(t, s.mcpClient, mockSrv)
			}))
		}
	}
}

func TestPingKeepsSessionAlive(t *testing.T) {
	serverTransport, clientTransport, httpServer := setupSSE()
	defer httpServer.Close()

	var mu sync.Mutex
	connected := 0
	disconnected := 0

	srv := mcp.NewServer(mcp.Info{
		Name:    "test-server",
		Version: "1.0",
	}, serverTransport,
		mcp.WithToolServer(&mockToolServer{}),
		mcp.WithServerPingInterval(50*time.Millisecond),
		mcp.WithServerPingTimeout(time.Second),
		mcp.WithServerOnClientConnected(func(string, mcp.Info) {
			mu.Lock()
			connected++
			mu.Unlock()
		}),
		mcp.WithServerOnClientDisconnected(func(string) {
			mu.Lock()
			disconnected++
			mu.Unlock()
		}),
	)
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	client := mcp.NewClient(mcp.Info{
		Name:    "test-client",
		Version: "1.0",
	}, clientTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	// Sit through several ping cycles; the client answers each ping, so the
	// session must still serve requests afterwards.
	time.Sleep(300 * time.Millisecond)

	if _, err := client.ListTools(ctx, mcp.ListToolsParams{}); err != nil {
		t.Errorf("session did not survive ping cycles: %v", err)
	}

	mu.Lock()
	gotConnected, gotDisconnected := connected, disconnected
	mu.Unlock()
	if gotConnected != 1 {
		t.Errorf("expected 1 connected callback, got %d", gotConnected)
	}
	if gotDisconnected != 0 {
		t.Errorf("expected no disconnected callback yet, got %d", gotDisconnected)
	}

	client.Close()

	// The server notices the closed stream and runs the disconnect callback.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		gotDisconnected = disconnected
		mu.Unlock()
		if gotDisconnected == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 1 disconnected callback, got %d", gotDisconnected)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUncapableServer(t *testing.T) {
	cfg := testSuiteConfig{
		transportName: "StdIO",
		serverOptions: []mcp.ServerOption{},
	}

	t.Run("CallWithoutToolServer", testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
		if s.clientConnectErr != nil {
			t.Errorf("unexpected error: %v", s.clientConnectErr)
			return
		}

		_, err := s.mcpClient.ListTools(context.Background(), mcp.ListToolsParams{})
		if err == nil {
			t.Error("expected error, got nil")
		}
	}))
}

func TestRequestBeforeInitialization(t *testing.T) {
	srvIO, cliIO := setupStdIO()

	srv := mcp.NewServer(mcp.Info{
		Name:    "test-server",
		Version: "1.0",
	}, srvIO, mcp.WithToolServer(&mockToolServer{}))
	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := cliIO.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	// A request sent before the initialization handshake must be rejected with
	// an error response, not dropped.
	err = sess.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString("1"),
		Method:  mcp.MethodToolsList,
	})
	if err != nil {
		t.Fatalf("failed to send message: %v", err)
	}

	replies := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range sess.Messages() {
			replies <- msg
			return
		}
	}()

	select {
	case msg := <-replies:
		if msg.ID != mcp.MustString("1") {
			t.Errorf("expected reply ID 1, got %s", msg.ID)
		}
		if msg.Error == nil {
			t.Fatalf("expected error response, got %+v", msg)
		}
		if msg.Error.Code != -32600 {
			t.Errorf("expected error code -32600, got %d", msg.Error.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error response")
	}
}

func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{
			cfg: cfg,
		}
		s.setup()
		defer s.teardown()

		test(t, s)
	}
}

func setupSSE() (*mcp.SSEServer, *mcp.SSEClient, *httptest.Server) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	connectURL := fmt.Sprintf("%s/sse", httpSrv.URL)
	msgURL := fmt.Sprintf("%s/message", httpSrv.URL)

	srv := mcp.NewSSEServer(msgURL)

	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/message", srv.HandleMessage())

	cli := mcp.NewSSEClient(connectURL, httpSrv.Client())

	return srv, cli, httpSrv
}

func setupStdIO() (mcp.StdIO, mcp.StdIO) {
	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()

	// server's output is client's input
	srvIO := mcp.NewStdIO(srvReader, cliWriter)
	// client's output is server's input
	cliIO := mcp.NewStdIO(cliReader, srvWriter)

	return srvIO, cliIO
}

func (t *testSuite) setup() {
	if t.cfg.transportName == "SSE" {
		t.serverTransport, t.clientTransport, t.httpServer = setupSSE()
	} else {
		t.serverTransport, t.clientTransport = setupStdIO()
	}

	t.mcpServer = mcp.NewServer(mcp.Info{
		Name:    "test-server",
		Version: "1.0",
	}, t.serverTransport, t.cfg.serverOptions...)
	go t.mcpServer.Serve()

	t.mcpClient = mcp.NewClient(mcp.Info{
		Name:    "test-client",
		Version: "1.0",
	}, t.clientTransport, t.cfg.clientOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.connectCancel = cancel

	t.clientConnectErr = t.mcpClient.Connect(ctx)
}

func (t *testSuite) teardown() {
	t.mcpClient.Close()
	t.connectCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.mcpServer.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v", err)
	}

	if t.httpServer != nil {
		t.httpServer.Close()
	}
}
