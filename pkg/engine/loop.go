package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/artifact"
	"github.com/rhuss/schaubild/pkg/debug"
	"github.com/rhuss/schaubild/pkg/extract"
	"github.com/rhuss/schaubild/pkg/observability"
	"github.com/rhuss/schaubild/pkg/sandbox"
)

// Loop runs generate, execute and repair cycles for one renderer. A Loop is
// safe for concurrent use; each Run keeps its state on the stack.
type Loop struct {
	renderer  api.Renderer
	generator CodeGenerator
	repairer  CodeRepairer
	sandbox   sandbox.Sandbox
	retriever Retriever
	observer  api.Observer
	cfg       Config
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithRetriever enables context retrieval before generation.
func WithRetriever(r Retriever) Option {
	return func(l *Loop) { l.retriever = r }
}

// WithObserver registers an observer that receives the events of every run.
func WithObserver(o api.Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// New creates a Loop. Generator, repairer and sandbox must not be nil.
func New(renderer api.Renderer, gen CodeGenerator, rep CodeRepairer, sb sandbox.Sandbox, cfg Config, opts ...Option) (*Loop, error) {
	if !renderer.Valid() {
		return nil, fmt.Errorf("engine: unknown renderer %q", renderer)
	}
	if gen == nil || rep == nil || sb == nil {
		return nil, fmt.Errorf("engine: generator, repairer and sandbox must not be nil")
	}
	l := &Loop{
		renderer:  renderer,
		generator: gen,
		repairer:  rep,
		sandbox:   sb,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Renderer returns the renderer this loop targets.
func (l *Loop) Renderer() api.Renderer { return l.renderer }

// Request describes one run.
type Request struct {
	// RunID identifies the run. A new ID is assigned when empty.
	RunID string
	Topic string

	// MaxRepairs overrides Config.MaxRepairs when set. Zero disables repairs.
	MaxRepairs *int

	// ArtifactName overrides the name derived from topic and run ID.
	ArtifactName string

	// Bindings are extra names exposed to every candidate.
	Bindings map[string]string

	// Observer receives this run's events in addition to the loop observer.
	Observer api.Observer
}

type state int

const (
	stateInit state = iota
	stateExecuting
	stateRepairing
	stateDone
)

// Run drives one request to a terminal state and returns its record.
//
// The returned error is nil on success. Otherwise it is a *GenerationError,
// an error matching ErrExhausted (including *RepairError and
// ErrNoProgress), or the context error when the run was cancelled. The
// record is returned in every case.
func (l *Loop) Run(ctx context.Context, req Request) (*api.Run, error) {
	if req.RunID == "" {
		req.RunID = api.NewRunID()
	}
	maxRepairs := l.cfg.maxRepairs()
	if req.MaxRepairs != nil {
		maxRepairs = max(*req.MaxRepairs, 0)
	}
	name := req.ArtifactName
	if name == "" {
		name = artifact.Name(req.Topic, req.RunID)
	}

	r := &runner{
		loop: l,
		req:  req,
		run: &api.Run{
			ID:           req.RunID,
			Topic:        req.Topic,
			Renderer:     l.renderer,
			Status:       api.RunStatusRunning,
			MaxRepairs:   maxRepairs,
			ArtifactName: name,
			CreatedAt:    time.Now(),
		},
		bindings: sandbox.Bindings{ArtifactName: name, Values: req.Bindings},
	}

	slog.Info("run started",
		"run_id", r.run.ID,
		"renderer", l.renderer,
		"max_repairs", maxRepairs,
	)
	r.emit(api.Event{Type: api.EventRunStarted})

	st := stateInit
	for st != stateDone {
		if err := ctx.Err(); err != nil {
			st = r.cancel(err)
			continue
		}
		switch st {
		case stateInit:
			st = r.generate(ctx)
		case stateExecuting:
			st = r.execute(ctx)
		case stateRepairing:
			st = r.repair(ctx)
		}
	}
	return r.run, r.err
}

// runner holds the mutable state of a single run.
type runner struct {
	loop     *Loop
	req      Request
	run      *api.Run
	bindings sandbox.Bindings
	current  api.Candidate
	last     *api.Failure
	err      error
}

func (r *runner) generate(ctx context.Context) state {
	cfg := r.loop.cfg

	if r.loop.retriever != nil {
		r.run.Context = r.retrieve(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.generateTimeout())
	defer cancel()

	gen, err := r.loop.generator.Generate(callCtx, GenerateInput{
		Topic:   r.run.Topic,
		Context: r.run.Context,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx.Err())
		}
		return r.finish(api.RunStatusFailed, &api.RunError{
			Kind:    api.RunErrorGeneration,
			Message: fmt.Sprintf("generation failed: %v", err),
		}, &GenerationError{Err: err})
	}

	r.run.Description = gen.Description
	r.emit(api.Event{Type: api.EventDescriptionReady, Description: gen.Description})
	debug.Log("engine", "description ready",
		"run_id", r.run.ID,
		"description", debug.Truncate(gen.Description, 400),
	)

	r.advance(newCandidate(0, gen.Code, api.ProvenanceGenerator))
	return stateExecuting
}

// retrieve fetches optional reference material. Failures are logged and
// the run continues without context.
func (r *runner) retrieve(ctx context.Context) string {
	callCtx, cancel := context.WithTimeout(ctx, r.loop.cfg.retrieveTimeout())
	defer cancel()

	refs, err := r.loop.retriever.Retrieve(callCtx, r.run.Topic)
	if err != nil {
		slog.Warn("context retrieval failed", "run_id", r.run.ID, "error", err.Error())
		return ""
	}
	return refs
}

func (r *runner) execute(ctx context.Context) state {
	c := r.current

	callCtx, cancel := context.WithTimeout(ctx, r.loop.cfg.executeTimeout())
	start := time.Now()
	res := r.loop.sandbox.Run(callCtx, c.Source, r.bindings)
	cancel()
	elapsed := time.Since(start)

	if !res.OK() && res.Failure == nil {
		res = api.Failed(api.FailureMissingArtifact, "sandbox reported success without an artifact", "")
	}

	r.run.Attempts = append(r.run.Attempts, api.Attempt{
		Candidate: c,
		Result:    res,
		StartedAt: start,
		Duration:  elapsed,
	})
	observability.RecordExecution(r.loop.renderer, res, elapsed)

	if res.OK() {
		r.last = nil
		r.run.ArtifactPath = res.Artifact
		r.emit(api.Event{Type: api.EventExecutionSucceeded, Artifact: res.Artifact})
		return r.finish(api.RunStatusSucceeded, nil, nil)
	}

	r.last = res.Failure
	r.emit(api.Event{Type: api.EventExecutionFailed, Failure: res.Failure})
	debug.Log("engine", "execution failed",
		"run_id", r.run.ID,
		"attempt", c.Seq,
		"kind", res.Failure.Kind,
		"message", res.Failure.Message,
		"trace", debug.Truncate(res.Failure.Trace, 2000),
	)

	if ctx.Err() != nil {
		return r.cancel(ctx.Err())
	}

	if c.Seq >= r.run.MaxRepairs {
		return r.finish(api.RunStatusExhausted, &api.RunError{
			Kind:        api.RunErrorExhausted,
			Message:     fmt.Sprintf("all %d executions failed", len(r.run.Attempts)),
			LastFailure: res.Failure,
		}, fmt.Errorf("%w after %d executions: %s", ErrExhausted, len(r.run.Attempts), res.Failure.Message))
	}
	return stateRepairing
}

func (r *runner) repair(ctx context.Context) state {
	prev := r.current
	failure := r.last

	callCtx, cancel := context.WithTimeout(ctx, r.loop.cfg.repairTimeout())
	defer cancel()

	out, err := r.loop.repairer.Repair(callCtx, RepairInput{
		Topic:       r.run.Topic,
		Description: r.run.Description,
		Code:        prev.Source,
		Message:     failure.Message,
		Trace:       failure.Trace,
		Attempt:     prev.Seq + 1,
	})
	observability.RepairAttemptsTotal.WithLabelValues(string(r.loop.renderer)).Inc()
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx.Err())
		}
		return r.finish(api.RunStatusExhausted, &api.RunError{
			Kind:        api.RunErrorRepair,
			Message:     fmt.Sprintf("repair failed: %v", err),
			LastFailure: failure,
		}, &RepairError{Attempt: prev.Seq + 1, Err: err})
	}

	next := newCandidate(prev.Seq+1, out, api.ProvenanceRepairer)
	if r.loop.cfg.StopOnRepeat && next.SameSource(prev) {
		return r.finish(api.RunStatusExhausted, &api.RunError{
			Kind:        api.RunErrorNoProgress,
			Message:     "no progress: repair returned the failing candidate unchanged",
			LastFailure: failure,
		}, ErrNoProgress)
	}

	r.advance(next)
	return stateExecuting
}

func (r *runner) advance(c api.Candidate) {
	r.current = c
	r.emit(api.Event{Type: api.EventCandidateCreated, Candidate: &c})
	debug.Log("engine", "candidate created",
		"run_id", r.run.ID,
		"seq", c.Seq,
		"provenance", c.Provenance,
		"fenced", c.Fenced,
		"source", debug.Truncate(c.Source, 800),
	)
}

func (r *runner) cancel(err error) state {
	return r.finish(api.RunStatusCancelled, &api.RunError{
		Kind:        api.RunErrorCancelled,
		Message:     fmt.Sprintf("run cancelled: %v", err),
		LastFailure: r.last,
	}, err)
}

func (r *runner) finish(status api.RunStatus, runErr *api.RunError, err error) state {
	if verr := api.ValidateRunTransition(r.run.Status, status); verr != nil {
		slog.Error("invalid run transition", "run_id", r.run.ID, "error", verr.Error())
	}
	r.run.Status = status
	r.run.Error = runErr
	r.run.CompletedAt = time.Now()
	r.err = err

	attrs := []any{
		"run_id", r.run.ID,
		"status", status,
		"executions", r.run.Executions(),
		"repairs", r.run.Repairs(),
		"duration_ms", r.run.CompletedAt.Sub(r.run.CreatedAt).Milliseconds(),
	}
	if runErr != nil {
		attrs = append(attrs, "reason", runErr.Message)
		if runErr.LastFailure != nil {
			attrs = append(attrs, "last_error", runErr.LastFailure.Message)
		}
		slog.Warn("run finished", attrs...)
	} else {
		slog.Info("run finished", attrs...)
	}

	r.emit(api.Event{Type: api.EventRunCompleted, Run: r.run})
	return stateDone
}

func (r *runner) emit(ev api.Event) {
	ev.RunID = r.run.ID
	ev.Attempt = r.current.Seq
	if r.loop.observer != nil {
		r.loop.observer(ev)
	}
	if r.req.Observer != nil {
		r.req.Observer(ev)
	}
}

// newCandidate extracts code from raw model output. Output without a fence
// is used as-is after trimming.
func newCandidate(seq int, raw string, prov api.Provenance) api.Candidate {
	p := extract.Code(raw)
	c := api.Candidate{
		Seq:        seq,
		Source:     p.Code,
		Provenance: prov,
		Fenced:     p.Fenced,
	}
	if p.Fenced {
		c.Raw = raw
	}
	return c
}
