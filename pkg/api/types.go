package api

import (
	"strings"
	"time"
)

// Renderer names the diagram backend a run targets.
type Renderer string

const (
	RendererPython  Renderer = "python"
	RendererDOT     Renderer = "dot"
	RendererMermaid Renderer = "mermaid"
)

// Valid reports whether r is a known renderer.
func (r Renderer) Valid() bool {
	switch r {
	case RendererPython, RendererDOT, RendererMermaid:
		return true
	}
	return false
}

// Provenance records which collaborator produced a candidate.
type Provenance string

const (
	ProvenanceGenerator Provenance = "generator"
	ProvenanceRepairer  Provenance = "repairer"
)

// Candidate is one version of generated diagram source.
// Seq 0 is the initial candidate, 1..N are repairs.
type Candidate struct {
	Seq        int        `json:"seq"`
	Source     string     `json:"source"`
	Raw        string     `json:"raw,omitempty"`
	Provenance Provenance `json:"provenance"`
	// Fenced is true when Source was extracted from a fenced code block.
	Fenced bool `json:"fenced"`
}

// SameSource reports whether two candidates carry the same code, ignoring
// surrounding whitespace.
func (c Candidate) SameSource(other Candidate) bool {
	return strings.TrimSpace(c.Source) == strings.TrimSpace(other.Source)
}

// FailureKind classifies why an execution failed.
type FailureKind string

const (
	FailureExit            FailureKind = "exit"
	FailureTimeout         FailureKind = "timeout"
	FailureMissingArtifact FailureKind = "missing_artifact"
	FailureBackend         FailureKind = "backend"
	FailureCancelled       FailureKind = "cancelled"
)

// Failure is the structured detail of an unsuccessful execution.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Trace   string      `json:"trace,omitempty"`
}

func (f *Failure) withoutTrace() *Failure {
	if f == nil {
		return nil
	}
	out := *f
	out.Trace = ""
	return &out
}

// Detail joins message and trace the way repair prompts consume them.
func (f *Failure) Detail() string {
	if f == nil {
		return ""
	}
	if f.Trace == "" || f.Trace == f.Message {
		return f.Message
	}
	return f.Message + "\n\n" + f.Trace
}

// ExecutionResult is the outcome of running a candidate. Exactly one of
// Artifact or Failure is set.
type ExecutionResult struct {
	Artifact string   `json:"artifact,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// Succeeded returns a successful result pointing at the rendered artifact.
func Succeeded(artifact string) ExecutionResult {
	return ExecutionResult{Artifact: artifact}
}

// Failed returns a failed result.
func Failed(kind FailureKind, message, trace string) ExecutionResult {
	if message == "" {
		message = string(kind)
	}
	return ExecutionResult{Failure: &Failure{Kind: kind, Message: message, Trace: trace}}
}

// OK reports whether the result is a success.
func (r ExecutionResult) OK() bool {
	return r.Failure == nil && r.Artifact != ""
}

// Attempt pairs a candidate with the result of executing it.
type Attempt struct {
	Candidate Candidate       `json:"candidate"`
	Result    ExecutionResult `json:"result"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusExhausted RunStatus = "exhausted"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// RunErrorKind classifies a terminal run error.
type RunErrorKind string

const (
	RunErrorGeneration RunErrorKind = "generation"
	RunErrorRepair     RunErrorKind = "repair"
	RunErrorExhausted  RunErrorKind = "exhausted"
	RunErrorNoProgress RunErrorKind = "no_progress"
	RunErrorCancelled  RunErrorKind = "cancelled"
)

// RunError is the caller-visible reason a run did not succeed.
type RunError struct {
	Kind    RunErrorKind `json:"kind"`
	Message string       `json:"message"`
	// LastFailure is the failure of the final execution, if any.
	LastFailure *Failure `json:"last_failure,omitempty"`
}

// Run is the append-only record of one generation request.
type Run struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Renderer       Renderer  `json:"renderer"`
	Context        string    `json:"context,omitempty"`
	Description    string    `json:"description,omitempty"`
	Status         RunStatus `json:"status"`
	MaxRepairs     int       `json:"max_repairs"`
	Attempts       []Attempt `json:"attempts"`
	ArtifactName   string    `json:"artifact_name,omitempty"`
	ArtifactPath   string    `json:"artifact_path,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	Error          *RunError `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
}

// Executions returns the number of sandbox executions performed.
func (r *Run) Executions() int {
	return len(r.Attempts)
}

// Repairs returns the number of candidates produced by the repairer.
func (r *Run) Repairs() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Candidate.Provenance == ProvenanceRepairer {
			n++
		}
	}
	return n
}

// LastAttempt returns the most recent attempt, or nil.
func (r *Run) LastAttempt() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// FinalSource returns the source of the last executed candidate.
func (r *Run) FinalSource() string {
	if a := r.LastAttempt(); a != nil {
		return a.Candidate.Source
	}
	return ""
}

// GenerateRequest is the caller-facing request to diagram a topic.
type GenerateRequest struct {
	Topic    string   `json:"topic"`
	Renderer Renderer `json:"renderer,omitempty"`
	// MaxRepairs overrides the configured repair bound. It is capped by the
	// server maximum.
	MaxRepairs *int `json:"max_repairs,omitempty"`
}

// GenerateResponse is the caller-facing summary of a finished run.
type GenerateResponse struct {
	ID          string    `json:"id"`
	Status      RunStatus `json:"status"`
	Description string    `json:"description,omitempty"`
	Artifact    string    `json:"artifact,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	Executions  int       `json:"executions"`
	Repairs     int       `json:"repairs"`
	Error       *RunError `json:"error,omitempty"`
}

// NewGenerateResponse summarizes a run. Failure traces are stripped so raw
// tracebacks stay in the run record.
func NewGenerateResponse(run *Run) *GenerateResponse {
	resp := &GenerateResponse{
		ID:          run.ID,
		Status:      run.Status,
		Description: run.Description,
		Artifact:    run.ArtifactPath,
		Executions:  run.Executions(),
		Repairs:     run.Repairs(),
	}
	if run.Error != nil {
		e := *run.Error
		e.LastFailure = e.LastFailure.withoutTrace()
		resp.Error = &e
	}
	return resp
}

// Redacted returns a copy of the run with every failure trace removed. The
// stored record keeps the traces; callers receive the redacted copy.
func (r *Run) Redacted() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Attempts = make([]Attempt, len(r.Attempts))
	for i, a := range r.Attempts {
		a.Result.Failure = a.Result.Failure.withoutTrace()
		out.Attempts[i] = a
	}
	if r.Error != nil {
		e := *r.Error
		e.LastFailure = e.LastFailure.withoutTrace()
		out.Error = &e
	}
	return &out
}
