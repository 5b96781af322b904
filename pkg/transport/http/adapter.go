package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/debug"
	"github.com/rhuss/schaubild/pkg/observability"
	"github.com/rhuss/schaubild/pkg/transport"
)

// Adapter serves the diagram API over HTTP.
type Adapter struct {
	creator  transport.DiagramCreator
	runs     transport.RunManager // nil if run history is disabled
	inflight *transport.Cancellations
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 1 << 20, // 1 MB
	}
}

// NewAdapter creates an HTTP adapter. runs may be nil, in which case the
// run endpoints answer 501. Middleware is applied to the creator in the
// given order.
func NewAdapter(creator transport.DiagramCreator, runs transport.RunManager, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		creator = transport.Chain(middlewares...)(creator)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}

	a := &Adapter{
		creator:  creator,
		runs:     runs,
		inflight: transport.NewCancellations(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/diagrams", a.handleCreateDiagram)
	a.mux.HandleFunc("GET /v1/runs", a.handleListRuns)
	a.mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)
	a.mux.HandleFunc("DELETE /v1/runs/{id}", a.handleDeleteRun)
	a.mux.HandleFunc("GET /v1/runs/{id}/artifact", a.handleGetArtifact)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	return a
}

// Handler returns the http.Handler for this adapter, wrapped with request
// metrics and X-Request-ID propagation.
func (a *Adapter) Handler() http.Handler {
	return observability.MetricsMiddleware(httpRequestIDMiddleware(a.mux))
}

// InFlight returns the number of streaming runs that can still be cancelled.
func (a *Adapter) InFlight() int {
	return a.inflight.Len()
}

// httpRequestIDMiddleware takes the request ID from X-Request-ID or mints
// one, stores it in the context and echoes it on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handleCreateDiagram handles POST /v1/diagrams.
func (a *Adapter) handleCreateDiagram(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	if wantsStream(r) {
		a.handleStreamingDiagram(w, r, &req)
		return
	}

	rw := newRunWriter(w, false, nil)
	if err := a.creator.CreateDiagram(r.Context(), &req, rw); err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleStreamingDiagram streams progress events. The run can be cancelled
// with DELETE /v1/runs/{id} while it is in flight.
func (a *Adapter) handleStreamingDiagram(w http.ResponseWriter, r *http.Request, req *api.GenerateRequest) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	release := func() {}
	rw := newRunWriter(w, true, func(id string) {
		release = a.inflight.Track(ctx, id, cancel)
	})

	err := a.creator.CreateDiagram(ctx, req, rw)
	release()

	if err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleGetRun handles GET /v1/runs/{id}.
func (a *Adapter) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := a.runID(w, r)
	if !ok {
		return
	}

	run, err := a.runs.Get(r.Context(), id)
	if err != nil {
		writeRunError(w, err, id)
		return
	}
	writeJSON(w, run)
}

// handleDeleteRun handles DELETE /v1/runs/{id}. An in-flight streaming run
// is cancelled; a stored run is removed with its files.
func (a *Adapter) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateRunID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed run ID"),
			http.StatusBadRequest,
		)
		return
	}

	if a.inflight.Cancel(r.Context(), id) {
		debug.Log("http", "cancelled in-flight run", "run_id", id)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if a.runs == nil {
		a.writeNoStore(w)
		return
	}
	if err := a.runs.Delete(r.Context(), id); err != nil {
		writeRunError(w, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetArtifact handles GET /v1/runs/{id}/artifact.
func (a *Adapter) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := a.runID(w, r)
	if !ok {
		return
	}

	path, err := a.runs.ArtifactPath(r.Context(), id)
	if err != nil {
		writeRunError(w, err, id)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", baseName(path)))
	http.ServeFile(w, r, path)
}

// handleListRuns handles GET /v1/runs.
func (a *Adapter) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		a.writeNoStore(w)
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteErrorResponse(w, apiErr, http.StatusBadRequest)
		return
	}

	result, err := a.runs.List(r.Context(), opts)
	if err != nil {
		writeRunError(w, err, "")
		return
	}
	writeJSON(w, result)
}

func (a *Adapter) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.runs != nil {
		if err := a.runs.HealthCheck(r.Context()); err != nil {
			transport.WriteErrorResponse(w,
				api.NewUnavailableError("store unavailable: "+err.Error()),
				http.StatusServiceUnavailable,
			)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready\n"))
}

// runID extracts and validates the {id} path value and checks that run
// history is available. It writes the error response itself.
func (a *Adapter) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if a.runs == nil {
		a.writeNoStore(w)
		return "", false
	}
	id := r.PathValue("id")
	if !api.ValidateRunID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed run ID"),
			http.StatusBadRequest,
		)
		return "", false
	}
	return id, true
}

func (a *Adapter) writeNoStore(w http.ResponseWriter) {
	transport.WriteAPIError(w, api.NewStoreDisabledError())
}

// writeRunError writes an error from the run manager. Not-found errors name
// the run.
func writeRunError(w http.ResponseWriter, err error, id string) {
	apiErr := transport.AsAPIError(err)
	if apiErr.Type == api.ErrorTypeNotFound {
		apiErr = api.NewNotFoundError("run " + id + " not found")
	}
	transport.WriteAPIError(w, apiErr)
}

// parseListOptions extracts pagination and filter parameters from the query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After:    q.Get("after"),
		Before:   q.Get("before"),
		Order:    q.Get("order"),
		Renderer: api.Renderer(q.Get("renderer")),
		Status:   api.RunStatus(q.Get("status")),
	}

	if opts.After != "" && opts.Before != "" {
		return opts, api.NewInvalidRequestError("after", "cannot use both 'after' and 'before' cursors")
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	if opts.Renderer != "" && !opts.Renderer.Valid() {
		return opts, api.NewInvalidRequestError("renderer", fmt.Sprintf("unknown renderer %q", opts.Renderer))
	}
	if opts.Status != "" && !opts.Status.Terminal() {
		return opts, api.NewInvalidRequestError("status", fmt.Sprintf("unknown run status %q", opts.Status))
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

// writeHandlerError writes an error from the creator. Once streaming has
// started it sends an error event instead of a JSON error document.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *runWriter, err error) {
	apiErr := transport.AsAPIError(err)

	switch started, done := rw.progress(); {
	case done:
	case started:
		_ = rw.WriteEvent(context.Background(), api.Event{Type: api.EventError, Error: apiErr})
	default:
		transport.WriteAPIError(w, apiErr)
	}
}

// wantsStream reports whether the client asked for progress events, via
// the Accept header or ?stream=true.
func wantsStream(r *http.Request) bool {
	if b, err := strconv.ParseBool(r.URL.Query().Get("stream")); err == nil {
		return b
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if mt, _, err := mime.ParseMediaType(strings.TrimSpace(part)); err == nil && mt == "text/event-stream" {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
