// Package sandbox executes generated diagram source behind a process or
// network boundary and classifies the outcome.
//
// A Sandbox never returns an error: every fault raised by the candidate, the
// rendering backend, or the execution infrastructure is folded into an
// [api.ExecutionResult] so the caller can keep repairing.
package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
)

// FilenameBinding is the binding name candidates use for the output base path.
const FilenameBinding = "filename"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Bindings is the fixed set of names a candidate may reference.
type Bindings struct {
	// ArtifactName is the base name (without extension) the rendered diagram
	// must be written under.
	ArtifactName string
	// Values are extra string bindings exposed to the candidate.
	Values map[string]string
}

// Validate checks that every binding can be exposed to a candidate.
func (b Bindings) Validate() error {
	if b.ArtifactName == "" {
		return fmt.Errorf("artifact name is required")
	}
	for _, k := range b.keys() {
		if !identifier.MatchString(k) {
			return fmt.Errorf("invalid binding name %q", k)
		}
		if k == FilenameBinding {
			return fmt.Errorf("binding %q is reserved", k)
		}
	}
	return nil
}

func (b Bindings) keys() []string {
	keys := make([]string, 0, len(b.Values))
	for k := range b.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sandbox runs one candidate and classifies the result.
type Sandbox interface {
	Run(ctx context.Context, source string, b Bindings) api.ExecutionResult
}

// Func adapts a function to the Sandbox interface.
type Func func(ctx context.Context, source string, b Bindings) api.ExecutionResult

// Run calls f.
func (f Func) Run(ctx context.Context, source string, b Bindings) api.ExecutionResult {
	return f(ctx, source, b)
}

// DefaultTimeout bounds a single execution when none is configured.
const DefaultTimeout = 60 * time.Second
