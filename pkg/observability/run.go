package observability

import (
	"time"

	"github.com/rhuss/schaubild/pkg/api"
)

// RecordExecution records one sandbox execution.
func RecordExecution(renderer api.Renderer, res api.ExecutionResult, d time.Duration) {
	outcome := "success"
	if res.Failure != nil {
		outcome = string(res.Failure.Kind)
	}
	SandboxExecutionsTotal.WithLabelValues(string(renderer), outcome).Inc()
	SandboxDuration.WithLabelValues(string(renderer)).Observe(d.Seconds())
}

// RecordRun records a finished run.
func RecordRun(run *api.Run) {
	RunsTotal.WithLabelValues(string(run.Renderer), string(run.Status)).Inc()
	if !run.CompletedAt.IsZero() {
		RunDuration.WithLabelValues(string(run.Renderer)).Observe(run.CompletedAt.Sub(run.CreatedAt).Seconds())
	}
}
