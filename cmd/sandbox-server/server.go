package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rhuss/schaubild/pkg/debug"
	"github.com/rhuss/schaubild/pkg/sandbox"
)

const (
	maxRequestBody = 10 * 1024 * 1024
	// maxTimeout caps the per-request execution timeout.
	maxTimeout = 5 * time.Minute
)

type sandboxServer struct {
	executor       *sandbox.Executor
	runtimeVersion string
	maxConcurrent  int32
	currentLoad    atomic.Int32
	startTime      time.Time
}

func newServer(executor *sandbox.Executor, runtimeVersion string, maxConcurrent int) *sandboxServer {
	return &sandboxServer{
		executor:       executor,
		runtimeVersion: runtimeVersion,
		maxConcurrent:  int32(maxConcurrent),
		startTime:      time.Now(),
	}
}

func (s *sandboxServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	timeout = min(timeout, maxTimeout)

	bindings := sandbox.Bindings{ArtifactName: req.ArtifactName, Values: req.Bindings}
	if err := bindings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("execute request",
		"artifact", req.ArtifactName,
		"timeout", timeout,
		"bindings", len(req.Bindings),
	)
	debug.Log("sandbox", "candidate", "code", debug.Truncate(req.Code, 500))

	ex, err := s.executor.Run(r.Context(), sandbox.Script{
		Source:   req.Code,
		Bindings: bindings,
		Timeout:  timeout,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer ex.Cleanup()

	resp := sandbox.ExecuteResponse{
		Status:          executionStatus(ex),
		Stdout:          ex.Stdout,
		Stderr:          ex.Stderr,
		ExitCode:        ex.ExitCode,
		TimedOut:        ex.TimedOut,
		ExecutionTimeMs: ex.Duration.Milliseconds(),
	}
	if ex.StartErr != nil {
		resp.Stderr = strings.TrimSpace(resp.Stderr + "\n" + ex.StartErr.Error())
	}
	if resp.FilesProduced, err = collectFiles(ex); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("execute finished",
		"status", resp.Status,
		"exit_code", resp.ExitCode,
		"duration_ms", resp.ExecutionTimeMs,
		"files", len(resp.FilesProduced),
	)
	writeJSON(w, http.StatusOK, resp)
}

func executionStatus(ex *sandbox.Execution) string {
	switch {
	case ex.TimedOut:
		return "timeout"
	case ex.Cancelled:
		return "cancelled"
	case ex.ExitCode != 0 || ex.StartErr != nil:
		return "error"
	}
	return "success"
}

// collectFiles base64-encodes the rendered PNGs in the output directory.
func collectFiles(ex *sandbox.Execution) (map[string]string, error) {
	var files map[string]string
	for _, name := range ex.Files {
		if !strings.EqualFold(filepath.Ext(name), ".png") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ex.Workspace.OutputDir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if files == nil {
			files = make(map[string]string)
		}
		files[name] = base64.StdEncoding.EncodeToString(data)
	}
	return files, nil
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sandbox.HealthResponse{
		Status:         "ok",
		Mode:           s.executor.Runtime().Name,
		RuntimeVersion: s.runtimeVersion,
		Capacity:       int(s.maxConcurrent),
		CurrentLoad:    int(s.currentLoad.Load()),
		UptimeSecs:     int64(time.Since(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
