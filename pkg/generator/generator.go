// Package generator implements the engine's CodeGenerator and CodeRepairer
// on top of an llm.Provider, using embedded prompt templates per renderer.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/engine"
	"github.com/rhuss/schaubild/pkg/llm"
)

var (
	_ engine.CodeGenerator = (*Generator)(nil)
	_ engine.CodeRepairer  = (*Repairer)(nil)
)

// Models names the model used for each call. Empty entries fall back to
// Default.
type Models struct {
	Default  string
	Describe string
	Code     string
	Repair   string
}

func (m Models) pick(specific string) string {
	if specific != "" {
		return specific
	}
	return m.Default
}

// Config configures prompts and sampling.
type Config struct {
	Renderer    api.Renderer
	Models      Models
	Temperature *float64
	MaxTokens   *int
}

// Generator produces a description and the initial candidate with two
// model calls: one describing the topic, one turning the description into
// diagram code.
type Generator struct {
	describe llm.Provider
	code     llm.Provider
	prompts  *Prompts
	cfg      Config
}

// NewGenerator creates a Generator. describe and code may be the same
// provider.
func NewGenerator(describe, code llm.Provider, cfg Config) (*Generator, error) {
	if describe == nil || code == nil {
		return nil, fmt.Errorf("generator: provider must not be nil")
	}
	prompts, err := LoadPrompts(cfg.Renderer)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	return &Generator{describe: describe, code: code, prompts: prompts, cfg: cfg}, nil
}

// Generate implements engine.CodeGenerator.
func (g *Generator) Generate(ctx context.Context, in engine.GenerateInput) (engine.Generation, error) {
	system, err := g.prompts.Describe(in.Context)
	if err != nil {
		return engine.Generation{}, err
	}
	description, err := complete(ctx, g.describe, g.request(g.cfg.Models.pick(g.cfg.Models.Describe), system, in.Topic))
	if err != nil {
		return engine.Generation{}, fmt.Errorf("describe: %w", err)
	}

	system, err = g.prompts.Code()
	if err != nil {
		return engine.Generation{}, err
	}
	code, err := complete(ctx, g.code, g.request(g.cfg.Models.pick(g.cfg.Models.Code), system, description))
	if err != nil {
		return engine.Generation{}, fmt.Errorf("code: %w", err)
	}

	return engine.Generation{Description: description, Code: code}, nil
}

func (g *Generator) request(model, system, user string) *llm.Request {
	return &llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
}

// Repairer revises a failed candidate with a single model call.
type Repairer struct {
	provider llm.Provider
	prompts  *Prompts
	cfg      Config
}

// NewRepairer creates a Repairer.
func NewRepairer(p llm.Provider, cfg Config) (*Repairer, error) {
	if p == nil {
		return nil, fmt.Errorf("repairer: provider must not be nil")
	}
	prompts, err := LoadPrompts(cfg.Renderer)
	if err != nil {
		return nil, fmt.Errorf("repairer: %w", err)
	}
	return &Repairer{provider: p, prompts: prompts, cfg: cfg}, nil
}

// Repair implements engine.CodeRepairer. The error detail given to the
// model is the message followed by the trace. An empty reply is returned as
// an empty candidate, which the sandbox then fails like any other.
func (r *Repairer) Repair(ctx context.Context, in engine.RepairInput) (string, error) {
	detail := (&api.Failure{Message: in.Message, Trace: in.Trace}).Detail()
	prompt, err := r.prompts.Fix(in.Topic, in.Description, in.Code, detail)
	if err != nil {
		return "", err
	}
	return reply(ctx, r.provider, &llm.Request{
		Model:       r.cfg.Models.pick(r.cfg.Models.Repair),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
}

var errEmptyOutput = errors.New("model returned empty output")

// complete is reply with empty output treated as an error.
func complete(ctx context.Context, p llm.Provider, req *llm.Request) (string, error) {
	out, err := reply(ctx, p, req)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", errEmptyOutput
	}
	return out, nil
}

func reply(ctx context.Context, p llm.Provider, req *llm.Request) (string, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
