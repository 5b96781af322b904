// Command mock-llm runs a deterministic Chat Completions server for local
// development and end-to-end testing without a model provider. It answers
// describe, generate and repair prompts with canned output for the python,
// dot and mermaid renderers.
//
// Configuration:
//
//	MOCK_PORT       - Listen port (default: 9090)
//	MOCK_FAIL_FIRST - Number of code generations answered with broken code (default: 0)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}
	failFirst, _ := strconv.Atoi(os.Getenv("MOCK_FAIL_FIRST"))

	m := newMock(failFirst)
	srv := &http.Server{Addr: ":" + port, Handler: m.routes(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock llm starting", "port", port, "fail_first", failFirst)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock llm failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock llm shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
