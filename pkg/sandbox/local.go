package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/extract"
)

// Promoter moves a rendered file into durable storage.
type Promoter interface {
	Promote(src, name string) (string, error)
}

// Local runs candidates as subprocesses on this host.
type Local struct {
	executor *Executor
	promoter Promoter
	timeout  time.Duration
}

// NewLocal creates a Local sandbox. Successful diagrams are handed to p.
func NewLocal(executor *Executor, p Promoter, timeout time.Duration) *Local {
	return &Local{executor: executor, promoter: p, timeout: timeout}
}

// Run executes source and promotes the diagram on success. The workspace is
// removed in every case, so cancelled or failed runs leave no files behind.
func (l *Local) Run(ctx context.Context, source string, b Bindings) api.ExecutionResult {
	code := extract.Code(source).Code

	ex, err := l.executor.Run(ctx, Script{Source: code, Bindings: b, Timeout: l.timeout})
	if err != nil {
		slog.Warn("sandbox setup failed", "runtime", l.executor.Runtime().Name, "error", err)
		return api.Failed(api.FailureBackend, err.Error(), "")
	}
	defer ex.Cleanup()

	result := Classify(ex, l.executor.Runtime(), b.ArtifactName)
	if !result.OK() {
		return result
	}

	path, err := l.promoter.Promote(result.Artifact, b.ArtifactName)
	if err != nil {
		return api.Failed(api.FailureBackend, "storing diagram: "+err.Error(), "")
	}
	return api.Succeeded(path)
}
