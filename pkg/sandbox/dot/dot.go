// Package dot renders raw Graphviz DOT candidates in process.
//
// Rendering uses the WebAssembly build of Graphviz shipped with go-graphviz,
// so no host binaries are required. Each call gets a fresh Graphviz instance.
package dot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-graphviz"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/extract"
	"github.com/rhuss/schaubild/pkg/sandbox"
)

var _ sandbox.Sandbox = (*Sandbox)(nil)

// Writer stores rendered bytes under an artifact name.
type Writer interface {
	Write(name string, data []byte) (string, error)
}

// Sandbox renders DOT source to PNG.
type Sandbox struct {
	writer  Writer
	layout  graphviz.Layout
	timeout time.Duration
}

// New creates a DOT sandbox. An empty layout selects "dot".
func New(w Writer, layout string, timeout time.Duration) *Sandbox {
	if layout == "" {
		layout = string(graphviz.DOT)
	}
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	return &Sandbox{writer: w, layout: graphviz.Layout(layout), timeout: timeout}
}

type renderResult struct {
	png []byte
	err error
}

// Run parses and renders source. Parse and layout errors become backend
// failures carrying the Graphviz diagnostic.
func (s *Sandbox) Run(ctx context.Context, source string, b sandbox.Bindings) api.ExecutionResult {
	if err := b.Validate(); err != nil {
		return api.Failed(api.FailureBackend, err.Error(), "")
	}
	code := extract.Code(source).Code
	if code == "" {
		return api.Failed(api.FailureBackend, "empty DOT source", "")
	}

	if ctx.Err() != nil {
		return api.Failed(api.FailureCancelled, "rendering cancelled", "")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan renderResult, 1)
	go func() {
		png, err := s.render(ctx, []byte(code))
		done <- renderResult{png: png, err: err}
	}()

	var res renderResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return api.Failed(api.FailureTimeout, fmt.Sprintf("rendering timed out after %s", s.timeout), "")
		}
		return api.Failed(api.FailureCancelled, "rendering cancelled", "")
	}
	if res.err != nil {
		return api.Failed(api.FailureBackend, res.err.Error(), code)
	}
	if len(res.png) == 0 {
		return api.Failed(api.FailureMissingArtifact, "renderer produced no output", "")
	}

	path, err := s.writer.Write(b.ArtifactName, res.png)
	if err != nil {
		return api.Failed(api.FailureBackend, "storing diagram: "+err.Error(), "")
	}
	return api.Succeeded(path)
}

// Render converts DOT source to PNG bytes.
func Render(ctx context.Context, source []byte, layout string) ([]byte, error) {
	if layout == "" {
		layout = string(graphviz.DOT)
	}
	return (&Sandbox{layout: graphviz.Layout(layout)}).render(ctx, source)
}

func (s *Sandbox) render(ctx context.Context, source []byte) (png []byte, err error) {
	// The WASM runtime reports some malformed inputs by panicking.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graphviz: %v", r)
		}
	}()

	graph, err := graphviz.ParseBytes(source)
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("parse DOT: no graph found")
	}
	defer graph.Close()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(s.layout)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render PNG: %w", err)
	}
	return buf.Bytes(), nil
}
