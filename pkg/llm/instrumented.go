package llm

import (
	"context"
	"time"

	"github.com/rhuss/schaubild/pkg/debug"
	"github.com/rhuss/schaubild/pkg/observability"
)

// Instrumented wraps p so that every call is counted and timed under the
// given role ("describe", "generate", "repair").
func Instrumented(p Provider, role string) Provider {
	return &instrumented{Provider: p, role: role}
}

type instrumented struct {
	Provider
	role string
}

func (i *instrumented) Complete(ctx context.Context, req *Request) (*Response, error) {
	backend := i.Provider.Name()
	start := time.Now()

	debug.Log("llm", "request",
		"backend", backend,
		"role", i.role,
		"model", req.Model,
		"messages", len(req.Messages),
	)

	resp, err := i.Provider.Complete(ctx, req)
	elapsed := time.Since(start)

	observability.LLMDuration.WithLabelValues(backend, i.role).Observe(elapsed.Seconds())
	if err != nil {
		observability.LLMRequestsTotal.WithLabelValues(backend, i.role, "error").Inc()
		debug.Log("llm", "request failed", "backend", backend, "role", i.role, "error", err.Error())
		return nil, err
	}

	observability.LLMRequestsTotal.WithLabelValues(backend, i.role, "ok").Inc()
	observability.LLMTokensTotal.WithLabelValues(backend, "input").Add(float64(resp.Usage.InputTokens))
	observability.LLMTokensTotal.WithLabelValues(backend, "output").Add(float64(resp.Usage.OutputTokens))

	debug.Log("llm", "response",
		"backend", backend,
		"role", i.role,
		"finish_reason", resp.FinishReason,
		"duration_ms", elapsed.Milliseconds(),
		"content", debug.Truncate(resp.Content, 400),
	)
	return resp, nil
}
