package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/schaubild/pkg/api"
)

type fakeGenerator struct {
	run    *api.Run
	err    error
	events []api.Event
	got    *api.GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req *api.GenerateRequest, observer api.Observer) (*api.Run, error) {
	f.got = req
	if observer != nil {
		for _, ev := range f.events {
			observer(ev)
		}
	}
	return f.run, f.err
}

func (f *fakeGenerator) Renderers() []api.Renderer {
	return []api.Renderer{api.RendererDOT, api.RendererPython}
}

func connect(t *testing.T, s *Server, opts *mcp.ClientOptions) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, opts)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callGenerate(t *testing.T, cs *mcp.ClientSession, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: ToolName, Arguments: args})
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is %T", res.Content[0])
	return tc.Text
}

func succeededRun(path string) *api.Run {
	return &api.Run{
		ID:           "run_1",
		Status:       api.RunStatusSucceeded,
		Description:  "Three boxes connected left to right.",
		ArtifactPath: path,
		Attempts: []api.Attempt{
			{Candidate: api.Candidate{Seq: 0, Provenance: api.ProvenanceGenerator}, Result: api.ExecutionResult{Failure: &api.Failure{Kind: api.FailureExit}}},
			{Candidate: api.Candidate{Seq: 1, Provenance: api.ProvenanceRepairer}, Result: api.Succeeded(path)},
		},
	}
}

func TestListTools(t *testing.T) {
	cs := connect(t, New(&fakeGenerator{}, Config{}), nil)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)

	tool := res.Tools[0]
	assert.Equal(t, ToolName, tool.Name)
	assert.Contains(t, tool.Description, "dot, python")
	assert.NotNil(t, tool.InputSchema)
}

func TestGenerateSuccess(t *testing.T) {
	gen := &fakeGenerator{run: succeededRun("/data/artifacts/run_1.png")}
	cs := connect(t, New(gen, Config{}), nil)

	res := callGenerate(t, cs, map[string]any{"topic": "a pipeline", "renderer": "dot", "max_repairs": 3})

	assert.False(t, res.IsError)
	msg := text(t, res)
	assert.Contains(t, msg, "/data/artifacts/run_1.png")
	assert.Contains(t, msg, "after 1 repair(s)")
	assert.Contains(t, msg, "Three boxes")

	require.NotNil(t, gen.got)
	assert.Equal(t, "a pipeline", gen.got.Topic)
	assert.Equal(t, api.RendererDOT, gen.got.Renderer)
	require.NotNil(t, gen.got.MaxRepairs)
	assert.Equal(t, 3, *gen.got.MaxRepairs)

	out, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok, "structured content is %T", res.StructuredContent)
	assert.Equal(t, "run_1", out["run_id"])
	assert.Equal(t, "succeeded", out["status"])
	assert.EqualValues(t, 2, out["executions"])
	assert.EqualValues(t, 1, out["repairs"])
}

func TestGenerateOptionalArguments(t *testing.T) {
	gen := &fakeGenerator{run: succeededRun("/tmp/x.png")}
	cs := connect(t, New(gen, Config{}), nil)

	callGenerate(t, cs, map[string]any{"topic": "only a topic"})

	require.NotNil(t, gen.got)
	assert.Empty(t, gen.got.Renderer)
	assert.Nil(t, gen.got.MaxRepairs)
}

func TestGenerateExhausted(t *testing.T) {
	gen := &fakeGenerator{
		run: &api.Run{
			ID:     "run_2",
			Status: api.RunStatusExhausted,
			Attempts: []api.Attempt{
				{Candidate: api.Candidate{Provenance: api.ProvenanceGenerator}},
				{Candidate: api.Candidate{Provenance: api.ProvenanceRepairer}},
				{Candidate: api.Candidate{Provenance: api.ProvenanceRepairer}},
			},
			Error: &api.RunError{
				Kind:        api.RunErrorExhausted,
				Message:     "repair budget of 2 exhausted",
				LastFailure: &api.Failure{Kind: api.FailureTimeout, Message: "execution exceeded 60s"},
			},
		},
		err: context.DeadlineExceeded,
	}
	cs := connect(t, New(gen, Config{}), nil)

	res := callGenerate(t, cs, map[string]any{"topic": "a pipeline"})

	assert.True(t, res.IsError)
	msg := text(t, res)
	assert.Contains(t, msg, "exhausted after 3 execution(s)")
	assert.Contains(t, msg, "Last failure (timeout): execution exceeded 60s")

	out, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "exhausted", out["status"])
	assert.NotContains(t, out, "artifact")
}

func TestGenerateValidationError(t *testing.T) {
	gen := &fakeGenerator{err: api.NewInvalidRequestError("topic", "topic must not be empty")}
	cs := connect(t, New(gen, Config{}), nil)

	res := callGenerate(t, cs, map[string]any{"topic": ""})

	assert.True(t, res.IsError)
	assert.Equal(t, "topic must not be empty", text(t, res))
}

func TestGenerateInlineImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_1.png")
	png := []byte("\x89PNG\r\n\x1a\nfake")
	require.NoError(t, os.WriteFile(path, png, 0o600))

	cs := connect(t, New(&fakeGenerator{run: succeededRun(path)}, Config{InlineImage: true}), nil)
	res := callGenerate(t, cs, map[string]any{"topic": "a pipeline"})

	require.Len(t, res.Content, 2)
	img, ok := res.Content[1].(*mcp.ImageContent)
	require.True(t, ok, "second content is %T", res.Content[1])
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, png, img.Data)
}

func TestGenerateInlineImageMissingFile(t *testing.T) {
	run := succeededRun(filepath.Join(t.TempDir(), "gone.png"))
	cs := connect(t, New(&fakeGenerator{run: run}, Config{InlineImage: true}), nil)

	res := callGenerate(t, cs, map[string]any{"topic": "a pipeline"})

	assert.False(t, res.IsError)
	assert.Len(t, res.Content, 1)
}

func TestGenerateProgress(t *testing.T) {
	gen := &fakeGenerator{
		run: succeededRun("/tmp/x.png"),
		events: []api.Event{
			{Type: api.EventRunStarted, RunID: "run_1"},
			{Type: api.EventCandidateCreated, RunID: "run_1"},
			{Type: api.EventExecutionFailed, RunID: "run_1", Failure: &api.Failure{Kind: api.FailureExit}},
		},
	}

	progress := make(chan string, 8)
	cs := connect(t, New(gen, Config{}), &mcp.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
			progress <- req.Params.Message
		},
	})

	params := &mcp.CallToolParams{Name: ToolName, Arguments: map[string]any{"topic": "a pipeline"}}
	params.SetProgressToken("tok-1")
	_, err := cs.CallTool(context.Background(), params)
	require.NoError(t, err)

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case m := <-progress:
			got = append(got, m)
		case <-timeout:
			t.Fatalf("received %d progress notifications, want 3: %v", len(got), got)
		}
	}
	assert.Equal(t, []string{"run started", "code generated", "execution 1 failed (exit)"}, got)
}

func TestProgressMessage(t *testing.T) {
	tests := []struct {
		ev   api.Event
		want string
	}{
		{api.Event{Type: api.EventDescriptionReady}, "description ready"},
		{api.Event{Type: api.EventCandidateCreated, Attempt: 2}, "repair 2 generated"},
		{api.Event{Type: api.EventExecutionFailed, Attempt: 1}, "execution 2 failed"},
		{api.Event{Type: api.EventExecutionSucceeded}, "diagram rendered"},
		{api.Event{Type: api.EventRunCompleted}, "run completed"},
		{api.Event{Type: api.EventError}, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, progressMessage(tt.ev), "event %s", tt.ev.Type)
	}
}
