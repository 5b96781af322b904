package engine

import (
	"context"
)

// GenerateInput is what the generator sees for a new run.
type GenerateInput struct {
	Topic string
	// Context is optional reference material retrieved for the topic.
	Context string
}

// Generation is the generator's output. Code may still be wrapped in a
// fenced block; the loop extracts it.
type Generation struct {
	Description string
	Code        string
}

// RepairInput carries everything a repairer needs to revise a candidate.
type RepairInput struct {
	Topic       string
	Description string
	// Code is the source of the candidate that failed.
	Code    string
	Message string
	Trace   string
	// Attempt is the sequence number the repaired candidate will get.
	Attempt int
}

// CodeGenerator produces the description and the initial candidate.
type CodeGenerator interface {
	Generate(ctx context.Context, in GenerateInput) (Generation, error)
}

// CodeRepairer produces a revised candidate from a failure.
type CodeRepairer interface {
	Repair(ctx context.Context, in RepairInput) (string, error)
}

// Retriever looks up reference material for a topic.
type Retriever interface {
	Retrieve(ctx context.Context, topic string) (string, error)
}

// GeneratorFunc adapts a function to CodeGenerator.
type GeneratorFunc func(ctx context.Context, in GenerateInput) (Generation, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, in GenerateInput) (Generation, error) {
	return f(ctx, in)
}

// RepairerFunc adapts a function to CodeRepairer.
type RepairerFunc func(ctx context.Context, in RepairInput) (string, error)

// Repair calls f.
func (f RepairerFunc) Repair(ctx context.Context, in RepairInput) (string, error) {
	return f(ctx, in)
}
