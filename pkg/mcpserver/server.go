// Package mcpserver exposes diagram generation as a Model Context Protocol
// tool. The server runs over stdio for desktop clients or over streamable
// HTTP next to the REST API.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/debug"
)

// ToolName is the name of the single tool the server registers.
const ToolName = "generate_diagram"

// Generator runs one diagram request to completion. *service.Service
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, observer api.Observer) (*api.Run, error)
	Renderers() []api.Renderer
}

// Config holds server identity and result options.
type Config struct {
	Name    string
	Version string

	// InlineImage attaches the rendered PNG to successful results.
	InlineImage bool
}

// GenerateDiagramInput is the tool's argument object.
type GenerateDiagramInput struct {
	Topic      string `json:"topic" jsonschema:"what the diagram should show"`
	Renderer   string `json:"renderer,omitempty" jsonschema:"diagram backend to generate code for"`
	MaxRepairs *int   `json:"max_repairs,omitempty" jsonschema:"repair attempts after the first failed execution"`
}

// GenerateDiagramOutput is the structured part of a tool result.
type GenerateDiagramOutput struct {
	RunID       string        `json:"run_id"`
	Status      api.RunStatus `json:"status"`
	Artifact    string        `json:"artifact,omitempty"`
	Description string        `json:"description,omitempty"`
	Executions  int           `json:"executions"`
	Repairs     int           `json:"repairs"`
	Error       *api.RunError `json:"error,omitempty"`
}

// Server wraps an mcp.Server with the generate_diagram tool registered.
type Server struct {
	gen    Generator
	cfg    Config
	server *mcp.Server
}

// New creates a Server backed by gen.
func New(gen Generator, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "schaubild"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{gen: gen, cfg: cfg}
	s.server = mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolName,
		Description: s.toolDescription(),
	}, s.handleGenerate)

	return s
}

func (s *Server) toolDescription() string {
	names := make([]string, 0, len(s.gen.Renderers()))
	for _, r := range s.gen.Renderers() {
		names = append(names, string(r))
	}
	return "Generate a diagram for a topic. Code is written by a language model, " +
		"executed in a sandbox and repaired on failure. Returns the path of the " +
		"rendered PNG. Renderers: " + strings.Join(names, ", ") + "."
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}

// ServeStdio serves a single client over stdin and stdout until ctx is
// cancelled or the client disconnects.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns a streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) handleGenerate(ctx context.Context, req *mcp.CallToolRequest, in GenerateDiagramInput) (*mcp.CallToolResult, any, error) {
	debug.Log("mcp", "generate_diagram called", "renderer", in.Renderer, "topic", debug.Truncate(in.Topic, 200))

	run, err := s.gen.Generate(ctx, &api.GenerateRequest{
		Topic:      in.Topic,
		Renderer:   api.Renderer(in.Renderer),
		MaxRepairs: in.MaxRepairs,
	}, s.progressObserver(ctx, req))

	if run == nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			return errorResult(apiErr.Message), nil, nil
		}
		if err == nil {
			err = errors.New("no run was produced")
		}
		return nil, nil, err
	}
	if err != nil {
		slog.Info("diagram run did not succeed", "run_id", run.ID, "status", run.Status, "error", err.Error())
	}

	out := GenerateDiagramOutput{
		RunID:       run.ID,
		Status:      run.Status,
		Artifact:    run.ArtifactPath,
		Description: run.Description,
		Executions:  run.Executions(),
		Repairs:     run.Repairs(),
		Error:       run.Error,
	}

	if run.Status != api.RunStatusSucceeded {
		res := errorResult(failureText(run))
		res.StructuredContent = out
		return res, nil, nil
	}

	res := &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: successText(run)}},
		StructuredContent: out,
	}
	if s.cfg.InlineImage {
		if img := readImage(run.ArtifactPath); img != nil {
			res.Content = append(res.Content, img)
		}
	}
	return res, nil, nil
}

// progressObserver forwards run events as progress notifications when the
// client asked for them.
func (s *Server) progressObserver(ctx context.Context, req *mcp.CallToolRequest) api.Observer {
	if req == nil || req.Session == nil || req.Params == nil {
		return nil
	}
	token := req.Params.GetProgressToken()
	if token == nil {
		return nil
	}

	var step float64
	return func(ev api.Event) {
		step++
		err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      step,
			Message:       progressMessage(ev),
		})
		if err != nil {
			debug.Log("mcp", "progress notification failed", "run_id", ev.RunID, "error", err.Error())
		}
	}
}

func progressMessage(ev api.Event) string {
	switch ev.Type {
	case api.EventRunStarted:
		return "run started"
	case api.EventDescriptionReady:
		return "description ready"
	case api.EventCandidateCreated:
		if ev.Attempt == 0 {
			return "code generated"
		}
		return fmt.Sprintf("repair %d generated", ev.Attempt)
	case api.EventExecutionSucceeded:
		return "diagram rendered"
	case api.EventExecutionFailed:
		if ev.Failure != nil {
			return fmt.Sprintf("execution %d failed (%s)", ev.Attempt+1, ev.Failure.Kind)
		}
		return fmt.Sprintf("execution %d failed", ev.Attempt+1)
	case api.EventRunCompleted:
		return "run completed"
	}
	return string(ev.Type)
}

func successText(run *api.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagram written to %s", run.ArtifactPath)
	if n := run.Repairs(); n > 0 {
		fmt.Fprintf(&b, " after %d repair(s)", n)
	}
	b.WriteString(".")
	if run.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(run.Description)
	}
	return b.String()
}

func failureText(run *api.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagram generation %s after %d execution(s)", run.Status, run.Executions())
	if run.Error != nil {
		fmt.Fprintf(&b, ": %s", run.Error.Message)
		if lf := run.Error.LastFailure; lf != nil {
			fmt.Fprintf(&b, "\n\nLast failure (%s): %s", lf.Kind, lf.Message)
		}
	}
	return b.String()
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func readImage(path string) *mcp.ImageContent {
	if !strings.EqualFold(filepath.Ext(path), ".png") {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("reading diagram for inline result failed", "path", path, "error", err.Error())
		return nil
	}
	return &mcp.ImageContent{Data: data, MIMEType: "image/png"}
}
