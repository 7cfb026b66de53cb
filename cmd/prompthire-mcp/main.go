// Command prompthire-mcp runs the PromptHire MCP server: an SSE endpoint for
// protocol sessions, a message endpoint for client posts, and a REST endpoint
// listing saved gigs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/prompthire/mcp"
	"github.com/prompthire/mcp/servers/gig"
)

const (
	defaultPort      = 8000
	defaultStorePath = "gigs.json"

	shutdownTimeout = 10 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port := portFromEnv(logger)

	storePath := os.Getenv("GIG_STORE_PATH")
	if storePath == "" {
		storePath = defaultStorePath
	}

	store := gig.NewStore(storePath)
	gigServer := gig.NewServer(store, gig.WithLogger(logger))

	transport := mcp.NewSSEServer("/mcp/messages")
	srv := mcp.NewServer(mcp.Info{
		Name:    "prompthire-gig",
		Version: "1.0.0",
	}, transport,
		mcp.WithToolServer(gigServer),
		mcp.WithResourceServer(gigServer),
		mcp.WithServerLogger(logger),
	)

	router := chi.NewMux()
	router.Use(cors.New(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler)

	router.Method(http.MethodGet, "/mcp", transport.HandleSSE())
	router.Method(http.MethodPost, "/mcp/messages", transport.HandleMessage())
	router.Method(http.MethodGet, "/api/gigs", gigServer.HandleListGigs())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go srv.Serve()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Close protocol sessions first so the open SSE streams end, then let the
	// HTTP server drain.
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down mcp server: %w", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	return nil
}

func portFromEnv(logger *slog.Logger) int {
	raw := os.Getenv("PORT")
	if raw == "" {
		return defaultPort
	}

	port, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Invalid PORT, falling back to default", "value", raw, "default", defaultPort)
		return defaultPort
	}
	return port
}
