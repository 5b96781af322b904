package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/sandbox"
)

// scriptedSandbox returns queued results in order and records what it ran.
type scriptedSandbox struct {
	mu       sync.Mutex
	results  []api.ExecutionResult
	sources  []string
	bindings []sandbox.Bindings
}

func (s *scriptedSandbox) Run(_ context.Context, source string, b sandbox.Bindings) api.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.sources)
	s.sources = append(s.sources, source)
	s.bindings = append(s.bindings, b)
	if i < len(s.results) {
		return s.results[i]
	}
	return api.Failed(api.FailureExit, "unscripted execution", "")
}

func (s *scriptedSandbox) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// countingRepairer returns "fix N" fenced candidates and records inputs.
type countingRepairer struct {
	inputs []RepairInput
	err    error
	output func(in RepairInput) string
}

func (r *countingRepairer) Repair(_ context.Context, in RepairInput) (string, error) {
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return "", r.err
	}
	if r.output != nil {
		return r.output(in), nil
	}
	return fmt.Sprintf("```python\nfix %d\n```", in.Attempt), nil
}

func staticGenerator(desc, code string) GeneratorFunc {
	return func(context.Context, GenerateInput) (Generation, error) {
		return Generation{Description: desc, Code: code}, nil
	}
}

func fail(msg string) api.ExecutionResult {
	return api.Failed(api.FailureExit, msg, "Traceback:\n"+msg)
}

func newLoop(t *testing.T, gen CodeGenerator, rep CodeRepairer, sb sandbox.Sandbox, cfg Config, opts ...Option) *Loop {
	t.Helper()
	l, err := New(api.RendererPython, gen, rep, sb, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func intPtr(i int) *int { return &i }

func TestLoopOutcomes(t *testing.T) {
	tests := []struct {
		name           string
		results        []api.ExecutionResult
		maxRepairs     *int
		wantStatus     api.RunStatus
		wantExecutions int
		wantRepairs    int
		wantErr        error
		wantLast       string
	}{
		{
			name:           "success on first attempt",
			results:        []api.ExecutionResult{api.Succeeded("/out/a.png")},
			wantStatus:     api.RunStatusSucceeded,
			wantExecutions: 1,
		},
		{
			name:           "fail fail succeed",
			results:        []api.ExecutionResult{fail("e0"), fail("e1"), api.Succeeded("/out/a.png")},
			wantStatus:     api.RunStatusSucceeded,
			wantExecutions: 3,
			wantRepairs:    2,
		},
		{
			name:           "fail three times",
			results:        []api.ExecutionResult{fail("e0"), fail("e1"), fail("e2")},
			wantStatus:     api.RunStatusExhausted,
			wantExecutions: 3,
			wantRepairs:    2,
			wantErr:        ErrExhausted,
			wantLast:       "e2",
		},
		{
			name:           "zero repairs",
			results:        []api.ExecutionResult{fail("e0"), api.Succeeded("/out/a.png")},
			maxRepairs:     intPtr(0),
			wantStatus:     api.RunStatusExhausted,
			wantExecutions: 1,
			wantErr:        ErrExhausted,
			wantLast:       "e0",
		},
		{
			name:           "request raises the bound",
			results:        []api.ExecutionResult{fail("e0"), fail("e1"), fail("e2"), api.Succeeded("/out/a.png")},
			maxRepairs:     intPtr(3),
			wantStatus:     api.RunStatusSucceeded,
			wantExecutions: 4,
			wantRepairs:    3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &scriptedSandbox{results: tt.results}
			rep := &countingRepairer{}
			l := newLoop(t, staticGenerator("desc", "```python\ninitial\n```"), rep, sb, Config{})

			run, err := l.Run(context.Background(), Request{Topic: "How TCP works", MaxRepairs: tt.maxRepairs})

			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if run.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", run.Status, tt.wantStatus)
			}
			if run.Executions() != tt.wantExecutions || sb.calls() != tt.wantExecutions {
				t.Errorf("executions = %d (sandbox saw %d), want %d", run.Executions(), sb.calls(), tt.wantExecutions)
			}
			if run.Repairs() != tt.wantRepairs || len(rep.inputs) != tt.wantRepairs {
				t.Errorf("repairs = %d (repairer saw %d), want %d", run.Repairs(), len(rep.inputs), tt.wantRepairs)
			}
			if tt.wantLast != "" {
				if run.Error == nil || run.Error.LastFailure == nil || run.Error.LastFailure.Message != tt.wantLast {
					t.Errorf("last failure = %+v, want message %q", run.Error, tt.wantLast)
				}
			}
			if tt.wantStatus == api.RunStatusSucceeded && run.ArtifactPath != "/out/a.png" {
				t.Errorf("artifact = %q", run.ArtifactPath)
			}
			if run.CompletedAt.IsZero() {
				t.Error("expected CompletedAt to be set")
			}
		})
	}
}

func TestLoopCandidateSequence(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), fail("e1"), fail("e2")}}
	l := newLoop(t, staticGenerator("desc", "initial"), &countingRepairer{}, sb, Config{})

	run, _ := l.Run(context.Background(), Request{Topic: "t"})

	for i, a := range run.Attempts {
		if a.Candidate.Seq != i {
			t.Errorf("attempt %d has candidate seq %d", i, a.Candidate.Seq)
		}
		wantProv := api.ProvenanceRepairer
		if i == 0 {
			wantProv = api.ProvenanceGenerator
		}
		if a.Candidate.Provenance != wantProv {
			t.Errorf("attempt %d provenance = %s, want %s", i, a.Candidate.Provenance, wantProv)
		}
	}
	if sb.sources[0] != "initial" || sb.sources[1] != "fix 1" || sb.sources[2] != "fix 2" {
		t.Errorf("sandbox sources = %q", sb.sources)
	}
}

func TestLoopRepairInputCarriesFailure(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("NameError: x"), api.Succeeded("/a.png")}}
	rep := &countingRepairer{}
	l := newLoop(t, staticGenerator("the description", "```python\nprint(x)\n```"), rep, sb, Config{})

	if _, err := l.Run(context.Background(), Request{Topic: "variables"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := rep.inputs[0]
	if in.Topic != "variables" || in.Description != "the description" || in.Code != "print(x)" {
		t.Errorf("unexpected repair input: %+v", in)
	}
	if in.Message != "NameError: x" || !strings.Contains(in.Trace, "Traceback") || in.Attempt != 1 {
		t.Errorf("unexpected failure detail: %+v", in)
	}
}

func TestLoopUnfencedRepairOutput(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), api.Succeeded("/a.png")}}
	rep := &countingRepairer{output: func(RepairInput) string { return "  digraph { a -> b }\n" }}
	l := newLoop(t, staticGenerator("d", "broken"), rep, sb, Config{})

	run, err := l.Run(context.Background(), Request{Topic: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := run.Attempts[1].Candidate
	if c.Source != "digraph { a -> b }" || c.Fenced {
		t.Errorf("candidate = %+v", c)
	}
}

func TestLoopEmptyRepairOutputIsExecuted(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), fail("e1"), fail("e2")}}
	rep := &countingRepairer{output: func(RepairInput) string { return "" }}
	l := newLoop(t, staticGenerator("d", "broken"), rep, sb, Config{})

	run, err := l.Run(context.Background(), Request{Topic: "t"})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if run.Error.Kind != api.RunErrorExhausted {
		t.Errorf("error kind = %s, want exhausted", run.Error.Kind)
	}
	if sb.calls() != 3 || sb.sources[1] != "" {
		t.Errorf("executions = %d sources = %q", sb.calls(), sb.sources)
	}
	if c := run.Attempts[1].Candidate; c.Provenance != api.ProvenanceRepairer || c.Seq != 1 {
		t.Errorf("repair candidate = %+v", c)
	}
}

func TestLoopGenerationFault(t *testing.T) {
	sb := &scriptedSandbox{}
	rep := &countingRepairer{}
	gen := GeneratorFunc(func(context.Context, GenerateInput) (Generation, error) {
		return Generation{}, errors.New("model unavailable")
	})
	l := newLoop(t, gen, rep, sb, Config{})

	run, err := l.Run(context.Background(), Request{Topic: "t"})

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *GenerationError, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("generation fault must not match ErrExhausted")
	}
	if run.Status != api.RunStatusFailed || run.Error.Kind != api.RunErrorGeneration {
		t.Errorf("status=%s error=%+v", run.Status, run.Error)
	}
	if sb.calls() != 0 || len(rep.inputs) != 0 {
		t.Errorf("no collaborator should run after a generation fault")
	}
}

func TestLoopRepairFault(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0")}}
	rep := &countingRepairer{err: errors.New("rate limited")}
	l := newLoop(t, staticGenerator("d", "c"), rep, sb, Config{})

	run, err := l.Run(context.Background(), Request{Topic: "t"})

	var repErr *RepairError
	if !errors.As(err, &repErr) || repErr.Attempt != 1 {
		t.Fatalf("expected *RepairError for attempt 1, got %v", err)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Error("repair fault should match ErrExhausted")
	}
	if run.Status != api.RunStatusExhausted || run.Error.Kind != api.RunErrorRepair {
		t.Errorf("status=%s error=%+v", run.Status, run.Error)
	}
	if run.Error.LastFailure == nil || run.Error.LastFailure.Message != "e0" {
		t.Errorf("expected last failure e0, got %+v", run.Error.LastFailure)
	}
	if sb.calls() != 1 {
		t.Errorf("executions = %d, want 1", sb.calls())
	}
}

func TestLoopRepeatedCandidate(t *testing.T) {
	same := func(in RepairInput) string { return "```\n" + in.Code + "\n```" }

	t.Run("executed again by default", func(t *testing.T) {
		sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), fail("e1"), fail("e2")}}
		l := newLoop(t, staticGenerator("d", "code"), &countingRepairer{output: same}, sb, Config{})

		run, _ := l.Run(context.Background(), Request{Topic: "t"})
		if run.Executions() != 3 {
			t.Errorf("executions = %d, want 3", run.Executions())
		}
	})

	t.Run("stop on repeat", func(t *testing.T) {
		sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), fail("e1")}}
		l := newLoop(t, staticGenerator("d", "code"), &countingRepairer{output: same}, sb, Config{StopOnRepeat: true})

		run, err := l.Run(context.Background(), Request{Topic: "t"})
		if !errors.Is(err, ErrNoProgress) || !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v", err)
		}
		if run.Status != api.RunStatusExhausted || run.Error.Kind != api.RunErrorNoProgress {
			t.Errorf("status=%s error=%+v", run.Status, run.Error)
		}
		if run.Executions() != 1 {
			t.Errorf("executions = %d, want 1", run.Executions())
		}
	})
}

func TestLoopCancelledBetweenStates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), fail("e1")}}
	rep := &countingRepairer{}

	var once sync.Once
	l := newLoop(t, staticGenerator("d", "c"), rep, sb, Config{}, WithObserver(func(ev api.Event) {
		if ev.Type == api.EventExecutionFailed {
			once.Do(cancel)
		}
	}))

	run, err := l.Run(ctx, Request{Topic: "t"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if run.Status != api.RunStatusCancelled || run.Error.Kind != api.RunErrorCancelled {
		t.Errorf("status=%s error=%+v", run.Status, run.Error)
	}
	if len(rep.inputs) != 0 || sb.calls() != 1 {
		t.Errorf("expected no repair after cancellation, repairs=%d executions=%d", len(rep.inputs), sb.calls())
	}
}

func TestLoopCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	gen := GeneratorFunc(func(context.Context, GenerateInput) (Generation, error) {
		called = true
		return Generation{}, nil
	})
	l := newLoop(t, gen, &countingRepairer{}, &scriptedSandbox{}, Config{})

	run, err := l.Run(ctx, Request{Topic: "t"})
	if !errors.Is(err, context.Canceled) || run.Status != api.RunStatusCancelled {
		t.Fatalf("status=%s err=%v", run.Status, err)
	}
	if called {
		t.Error("generator should not run on a cancelled context")
	}
}

func TestLoopSandboxTimeoutIsRepaired(t *testing.T) {
	// The sandbox honours the per-call deadline and reports a timeout,
	// which the loop treats like any other failure.
	var n int
	sb := sandbox.Func(func(ctx context.Context, _ string, _ sandbox.Bindings) api.ExecutionResult {
		n++
		if n == 1 {
			<-ctx.Done()
			return api.Failed(api.FailureTimeout, "execution timed out", "")
		}
		return api.Succeeded("/a.png")
	})
	rep := &countingRepairer{}
	l := newLoop(t, staticGenerator("d", "c"), rep, sb, Config{ExecuteTimeout: 20 * time.Millisecond})

	run, err := l.Run(context.Background(), Request{Topic: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Attempts[0].Result.Failure.Kind != api.FailureTimeout || len(rep.inputs) != 1 {
		t.Errorf("expected a timeout followed by one repair, got %+v", run.Attempts)
	}
}

func TestLoopGenerateTimeout(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, _ GenerateInput) (Generation, error) {
		<-ctx.Done()
		return Generation{}, ctx.Err()
	})
	l := newLoop(t, gen, &countingRepairer{}, &scriptedSandbox{}, Config{GenerateTimeout: 10 * time.Millisecond})

	run, err := l.Run(context.Background(), Request{Topic: "t"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected generation timeout, got %v", err)
	}
	if run.Status != api.RunStatusFailed {
		t.Errorf("status = %s", run.Status)
	}
}

func TestLoopArtifactName(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{api.Succeeded("/a.png"), api.Succeeded("/b.png")}}
	l := newLoop(t, staticGenerator("d", "c"), &countingRepairer{}, sb, Config{})

	first, _ := l.Run(context.Background(), Request{Topic: "Same Topic"})
	second, _ := l.Run(context.Background(), Request{Topic: "Same Topic"})

	if first.ArtifactName == second.ArtifactName {
		t.Errorf("artifact names must be unique per run, both %q", first.ArtifactName)
	}
	if !strings.HasPrefix(first.ArtifactName, "diagram_same_topic_") {
		t.Errorf("artifact name = %q", first.ArtifactName)
	}
	if sb.bindings[0].ArtifactName != first.ArtifactName {
		t.Errorf("sandbox got artifact name %q", sb.bindings[0].ArtifactName)
	}
}

func TestLoopEvents(t *testing.T) {
	sb := &scriptedSandbox{results: []api.ExecutionResult{fail("e0"), api.Succeeded("/a.png")}}

	var loopEvents, reqEvents []api.EventType
	l := newLoop(t, staticGenerator("d", "c"), &countingRepairer{}, sb, Config{}, WithObserver(func(ev api.Event) {
		loopEvents = append(loopEvents, ev.Type)
	}))

	_, err := l.Run(context.Background(), Request{Topic: "t", Observer: func(ev api.Event) {
		reqEvents = append(reqEvents, ev.Type)
		if ev.RunID == "" {
			t.Errorf("event %s has no run id", ev.Type)
		}
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []api.EventType{
		api.EventRunStarted,
		api.EventDescriptionReady,
		api.EventCandidateCreated,
		api.EventExecutionFailed,
		api.EventCandidateCreated,
		api.EventExecutionSucceeded,
		api.EventRunCompleted,
	}
	if fmt.Sprint(reqEvents) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", reqEvents, want)
	}
	if fmt.Sprint(loopEvents) != fmt.Sprint(want) {
		t.Errorf("loop observer events = %v", loopEvents)
	}
}

type stubRetriever struct {
	refs string
	err  error
}

func (s stubRetriever) Retrieve(context.Context, string) (string, error) { return s.refs, s.err }

func TestLoopRetriever(t *testing.T) {
	tests := []struct {
		name      string
		retriever stubRetriever
		want      string
	}{
		{"context passed to generator", stubRetriever{refs: "chapter 3"}, "chapter 3"},
		{"retrieval failure is not fatal", stubRetriever{err: errors.New("index missing")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			gen := GeneratorFunc(func(_ context.Context, in GenerateInput) (Generation, error) {
				got = in.Context
				return Generation{Description: "d", Code: "c"}, nil
			})
			sb := &scriptedSandbox{results: []api.ExecutionResult{api.Succeeded("/a.png")}}
			l := newLoop(t, gen, &countingRepairer{}, sb, Config{}, WithRetriever(tt.retriever))

			run, err := l.Run(context.Background(), Request{Topic: "t"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want || run.Context != tt.want {
				t.Errorf("context = %q (run %q), want %q", got, run.Context, tt.want)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	sb := &scriptedSandbox{}
	if _, err := New("svg", staticGenerator("", ""), &countingRepairer{}, sb, Config{}); err == nil {
		t.Error("expected error for unknown renderer")
	}
	if _, err := New(api.RendererDOT, nil, &countingRepairer{}, sb, Config{}); err == nil {
		t.Error("expected error for nil generator")
	}
}
