// Command sandbox-server runs an HTTP server inside agent-sandbox pods that
// executes diagram candidates in isolated subprocesses.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_MODE           - Runtime: python or mermaid (default: auto-detect)
//	SANDBOX_BINARY         - Interpreter or renderer binary (default: python3 or mmdc)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_WORK_DIR       - Parent directory for workspaces (default: OS temp dir)
//	SANDBOX_LOG_FORMAT     - text or json (default: text)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/schaubild/pkg/debug"
	"github.com/rhuss/schaubild/pkg/sandbox"
)

func main() {
	debug.Init("", "", envOr("SANDBOX_LOG_FORMAT", "text"))

	port := envOr("SANDBOX_PORT", "8080")
	mode := envOr("SANDBOX_MODE", "")
	binary := envOr("SANDBOX_BINARY", "")
	maxConcurrent := envOrInt("SANDBOX_MAX_CONCURRENT", 3)

	if mode == "" {
		mode = detectMode()
		if mode == "" {
			slog.Error("no supported runtime found in PATH (tried: python3, mmdc)")
			os.Exit(1)
		}
	}
	rt, err := runtimeFor(mode, binary)
	if err != nil {
		slog.Error("invalid mode", "mode", mode, "error", err.Error())
		os.Exit(1)
	}

	executor := sandbox.NewExecutor(rt, sandbox.WithBaseDir(os.Getenv("SANDBOX_WORK_DIR")))
	srv := newServer(executor, detectRuntimeVersion(rt.Binary), maxConcurrent)

	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // bounded by the per-request execution timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sandbox server starting",
			"port", port,
			"mode", rt.Name,
			"runtime", srv.runtimeVersion,
			"max_concurrent", maxConcurrent,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

// runtimeFor maps a mode name onto a sandbox runtime.
func runtimeFor(mode, binary string) (sandbox.Runtime, error) {
	switch mode {
	case "python":
		return sandbox.PythonRuntime(binary), nil
	case "mermaid":
		return sandbox.MermaidRuntime(binary), nil
	}
	return sandbox.Runtime{}, errors.New("unsupported mode (must be python or mermaid)")
}

// detectMode picks the first runtime whose binary is on PATH.
func detectMode() string {
	for _, c := range []struct{ mode, binary string }{
		{"python", "python3"},
		{"mermaid", "mmdc"},
	} {
		if _, err := exec.LookPath(c.binary); err == nil {
			return c.mode
		}
	}
	return ""
}

// detectRuntimeVersion returns the first line of "<binary> --version".
func detectRuntimeVersion(binary string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return "unknown"
	}
	return firstLine(string(out))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid value", "key", key, "value", v)
		return def
	}
	return n
}
