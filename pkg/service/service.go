// Package service orchestrates diagram runs: it picks the loop for the
// requested renderer, bounds concurrency, writes transcripts and persists
// run records. It implements transport.DiagramCreator for the HTTP adapter
// and is called directly by the CLI and the MCP server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/semaphore"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/artifact"
	"github.com/rhuss/schaubild/pkg/debug"
	"github.com/rhuss/schaubild/pkg/engine"
	"github.com/rhuss/schaubild/pkg/observability"
	"github.com/rhuss/schaubild/pkg/transport"
)

// Config controls request handling.
type Config struct {
	// DefaultRenderer is used when a request names none.
	DefaultRenderer api.Renderer

	// MaxConcurrentRuns caps runs in progress. Zero means unlimited.
	MaxConcurrentRuns int

	Validation api.ValidationConfig
}

// Service runs diagram requests.
type Service struct {
	loops     map[api.Renderer]*engine.Loop
	store     transport.RunStore
	artifacts *artifact.Store
	sem       *semaphore.Weighted
	cfg       Config
}

var (
	_ transport.DiagramCreator = (*Service)(nil)
	_ transport.RunManager     = (*Service)(nil)
)

// New creates a Service. At least one loop is required. The store may be
// nil, in which case runs are not persisted and Get, List and Delete
// report that no store is configured.
func New(loops []*engine.Loop, store transport.RunStore, artifacts *artifact.Store, cfg Config) (*Service, error) {
	if len(loops) == 0 {
		return nil, errors.New("service: at least one renderer loop is required")
	}
	if artifacts == nil {
		return nil, errors.New("service: artifact store must not be nil")
	}

	s := &Service{
		loops:     make(map[api.Renderer]*engine.Loop, len(loops)),
		store:     store,
		artifacts: artifacts,
		cfg:       cfg,
	}
	for _, l := range loops {
		s.loops[l.Renderer()] = l
	}
	if s.cfg.DefaultRenderer == "" {
		s.cfg.DefaultRenderer = loops[0].Renderer()
	}
	if _, ok := s.loops[s.cfg.DefaultRenderer]; !ok {
		return nil, fmt.Errorf("service: default renderer %q is not enabled", s.cfg.DefaultRenderer)
	}
	if cfg.MaxConcurrentRuns > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}
	return s, nil
}

// Renderers returns the enabled renderers in a stable order.
func (s *Service) Renderers() []api.Renderer {
	out := make([]api.Renderer, 0, len(s.loops))
	for r := range s.loops {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// DefaultRenderer returns the renderer used for requests that name none.
func (s *Service) DefaultRenderer() api.Renderer {
	return s.cfg.DefaultRenderer
}

// Generate validates req, runs it to completion and persists the record.
//
// Validation and capacity problems are returned as *api.APIError with a
// nil run. Otherwise the run is always returned, together with the loop's
// error (see engine.Loop.Run).
func (s *Service) Generate(ctx context.Context, req *api.GenerateRequest, observer api.Observer) (*api.Run, error) {
	if apiErr := api.ValidateGenerateRequest(req, s.cfg.Validation); apiErr != nil {
		return nil, apiErr
	}
	if req.Renderer == "" {
		req.Renderer = s.cfg.DefaultRenderer
	}
	loop, ok := s.loops[req.Renderer]
	if !ok {
		return nil, api.NewInvalidRequestError("renderer",
			fmt.Sprintf("renderer %q is not enabled on this server", req.Renderer))
	}

	if s.sem != nil {
		if !s.sem.TryAcquire(1) {
			return nil, api.NewUnavailableError(
				fmt.Sprintf("too many diagrams in progress (max %d), retry later", s.cfg.MaxConcurrentRuns))
		}
		defer s.sem.Release(1)
	}

	run, err := loop.Run(ctx, engine.Request{
		Topic:      req.Topic,
		MaxRepairs: req.MaxRepairs,
		Observer:   observer,
	})

	s.record(ctx, run)
	return run, err
}

// record writes the transcript, persists the run and updates metrics. The
// run is kept even when the caller went away.
func (s *Service) record(ctx context.Context, run *api.Run) {
	if path, err := s.artifacts.WriteTranscript(run); err != nil {
		slog.Warn("writing transcript failed", "run_id", run.ID, "error", err.Error())
	} else {
		run.TranscriptPath = path
	}

	if s.store != nil {
		if err := s.store.Save(context.WithoutCancel(ctx), run); err != nil {
			slog.Error("saving run failed", "run_id", run.ID, "error", err.Error())
		}
	}

	observability.RecordRun(run)
}

// CreateDiagram implements transport.DiagramCreator. Streaming writers
// receive every progress event, with run.completed sent after the record
// has been persisted. Non-streaming writers receive the summary. Failure
// traces never leave the service; they stay in the run record.
func (s *Service) CreateDiagram(ctx context.Context, req *api.GenerateRequest, w transport.RunWriter) error {
	var observer api.Observer
	if w.Streaming() {
		observer = func(ev api.Event) {
			if ev.Type == api.EventRunCompleted {
				return
			}
			if err := w.WriteEvent(ctx, ev.Redacted()); err != nil {
				debug.Log("http", "dropping progress event", "run_id", ev.RunID, "type", ev.Type, "error", err.Error())
			}
		}
	}

	run, err := s.Generate(ctx, req, observer)
	if run == nil {
		return err
	}

	if w.Streaming() {
		return w.WriteEvent(ctx, api.Event{
			Type:    api.EventRunCompleted,
			RunID:   run.ID,
			Attempt: max(run.Executions()-1, 0),
			Run:     run.Redacted(),
		})
	}

	resp := api.NewGenerateResponse(run)
	if run.Status == api.RunStatusSucceeded {
		resp.ArtifactURL = ArtifactURL(run.ID)
	}
	return w.WriteResponse(ctx, resp)
}

// ArtifactURL returns the server-relative download path of a run's diagram.
func ArtifactURL(runID string) string {
	return "/v1/runs/" + runID + "/artifact"
}

// Get returns a stored run.
func (s *Service) Get(ctx context.Context, id string) (*api.Run, error) {
	if s.store == nil {
		return nil, ErrStoreDisabled
	}
	return s.store.Get(ctx, id)
}

// List returns a page of stored runs.
func (s *Service) List(ctx context.Context, opts transport.ListOptions) (*transport.RunList, error) {
	if s.store == nil {
		return nil, ErrStoreDisabled
	}
	return s.store.List(ctx, opts)
}

// Delete removes a stored run together with its diagram and transcript.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s.store == nil {
		return ErrStoreDisabled
	}
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if run.ArtifactName != "" {
		if err := s.artifacts.Remove(run.ArtifactName); err != nil {
			slog.Warn("removing run files failed", "run_id", id, "error", err.Error())
		}
	}
	return nil
}

// ArtifactPath returns the diagram path of a succeeded run. Paths outside
// the artifact directory are never returned.
func (s *Service) ArtifactPath(ctx context.Context, id string) (string, error) {
	run, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if run.Status != api.RunStatusSucceeded || run.ArtifactPath == "" {
		return "", api.NewNotFoundError(fmt.Sprintf("run %s has no diagram (status %s)", id, run.Status))
	}
	if !s.artifacts.Contains(run.ArtifactPath) {
		return "", api.NewNotFoundError(fmt.Sprintf("diagram for run %s is not available", id))
	}
	return run.ArtifactPath, nil
}

// HealthCheck verifies the store, when one is configured.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.HealthCheck(ctx)
}

// ErrStoreDisabled is returned by Get, List and Delete when the service
// runs without a store.
var ErrStoreDisabled = api.NewStoreDisabledError()
