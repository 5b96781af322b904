package transport

import (
	"context"

	"github.com/rhuss/schaubild/pkg/api"
)

// DiagramCreator handles the create-diagram operation. The implementation
// drives one run and writes either progress events or the final summary to
// the RunWriter.
type DiagramCreator interface {
	CreateDiagram(ctx context.Context, req *api.GenerateRequest, w RunWriter) error
}

// DiagramCreatorFunc is an adapter that allows using an ordinary function
// as a DiagramCreator.
type DiagramCreatorFunc func(ctx context.Context, req *api.GenerateRequest, w RunWriter) error

// CreateDiagram calls f(ctx, req, w).
func (f DiagramCreatorFunc) CreateDiagram(ctx context.Context, req *api.GenerateRequest, w RunWriter) error {
	return f(ctx, req, w)
}

// ListOptions controls pagination, filtering, and ordering for list operations.
type ListOptions struct {
	After    string       // Cursor: return items after this ID.
	Before   string       // Cursor: return items before this ID.
	Limit    int          // Maximum number of items to return (default 20, max 100).
	Order    string       // Sort order: "asc" or "desc" (default "desc").
	Renderer api.Renderer // Filter by renderer.
	Status   api.RunStatus
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// EffectiveLimit returns the limit clamped to [1, MaxListLimit].
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return o.Limit
	}
}

// RunList holds a paginated list of runs.
type RunList struct {
	Object  string     `json:"object"`
	Data    []*api.Run `json:"data"`
	HasMore bool       `json:"has_more"`
	FirstID string     `json:"first_id"`
	LastID  string     `json:"last_id"`
}

// NewRunList builds a list page from runs that may hold one extra element
// beyond limit, which only signals HasMore.
func NewRunList(runs []*api.Run, limit int) *RunList {
	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	l := &RunList{
		Object:  "list",
		Data:    runs,
		HasMore: hasMore,
	}
	if len(runs) > 0 {
		l.FirstID = runs[0].ID
		l.LastID = runs[len(runs)-1].ID
	}
	if l.Data == nil {
		l.Data = []*api.Run{}
	}
	return l
}

// RunStore handles persistence, retrieval, and deletion of run records.
type RunStore interface {
	// Save persists a finished run. Saving an existing ID returns
	// storage.ErrConflict.
	Save(ctx context.Context, run *api.Run) error

	// Get retrieves a run by ID. Returns storage.ErrNotFound if the run
	// does not exist or belongs to another tenant.
	Get(ctx context.Context, id string) (*api.Run, error)

	// List returns a paginated list of runs, filtered by tenant (when
	// present in context) and optionally by renderer and status.
	List(ctx context.Context, opts ListOptions) (*RunList, error)

	// Delete removes a run record.
	Delete(ctx context.Context, id string) error

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases connections and resources.
	Close() error
}

// RunWriter abstracts streaming and non-streaming output for the handler.
//
// WriteEvent and WriteResponse are mutually exclusive on a single writer
// instance. Calling WriteEvent after WriteResponse (or vice versa) returns
// an error. Calling WriteEvent after a run.completed event also returns an
// error.
type RunWriter interface {
	// WriteEvent sends a single progress event.
	WriteEvent(ctx context.Context, event api.Event) error

	// WriteResponse sends the final summary as one JSON document.
	WriteResponse(ctx context.Context, resp *api.GenerateResponse) error

	// Streaming reports whether the client asked for progress events.
	Streaming() bool

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}

// RunManager exposes stored runs and their diagrams to the transport layer.
type RunManager interface {
	Get(ctx context.Context, id string) (*api.Run, error)
	List(ctx context.Context, opts ListOptions) (*RunList, error)

	// Delete removes the record together with its files.
	Delete(ctx context.Context, id string) error

	// ArtifactPath returns the local path of a succeeded run's diagram.
	ArtifactPath(ctx context.Context, id string) (string, error)

	HealthCheck(ctx context.Context) error
}
