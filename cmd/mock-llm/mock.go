package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rhuss/schaubild/pkg/llm/openaicompat"
)

const mockModel = "mock-model"

// Canned candidates per renderer. The python candidate renders under the
// predefined filename binding.
var (
	goodCode = map[string]string{
		"python": `from graphviz import Digraph

g = Digraph(format='png')
g.attr(rankdir='TB', dpi='300', nodesep='0.7', ranksep='1.1', bgcolor='#FAFAFA')
g.attr('node', shape='box', style='filled,rounded', fillcolor='#A0C4FF', fontcolor='#2F3E46')
g.node('input', 'Input')
g.node('process', 'Process')
g.node('output', 'Output')
g.edge('input', 'process')
g.edge('process', 'output')
g.render(filename, view=False, cleanup=True)
`,
		"dot": `digraph G {
  rankdir=TB; nodesep=0.7; ranksep=1.1; bgcolor="#FAFAFA";
  node [shape=box, style="filled,rounded", fillcolor="#A0C4FF", fontcolor="#2F3E46"];
  input [label="Input"];
  process [label="Process"];
  output [label="Output"];
  input -> process -> output;
}
`,
		"mermaid": `flowchart TD
  input["Input"] --> process["Process"]
  process --> output["Output"]
`,
	}
	brokenCode = map[string]string{
		"python":  "from graphviz import Digraph\n\ng = Digraph(format='png'\ng.render(filename, view=False, cleanup=True)\n",
		"dot":     "digraph G { input -> ; }\n",
		"mermaid": "flowchart TD\n  input[\"Input\" --> process\n",
	}
)

const description = `Input: the data entering the system. Note: inputs are validated before use.
Process: the step that transforms the input. Note: processing is deterministic.
Output: the result handed to the caller. Note: outputs are written once.`

type phase int

const (
	phaseDescribe phase = iota
	phaseGenerate
	phaseRepair
)

// mock answers Chat Completions requests. The first failFirst generate
// requests receive broken code so that clients exercise their repair path.
type mock struct {
	failFirst int64
	generated atomic.Int64
	requests  atomic.Int64
}

func newMock(failFirst int) *mock {
	return &mock{failFirst: int64(failFirst)}
}

func (m *mock) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

func (m *mock) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	n := m.requests.Add(1)

	p, renderer := classify(req.Messages)
	var text string
	switch p {
	case phaseDescribe:
		text = description
	case phaseGenerate:
		code := goodCode[renderer]
		if m.generated.Add(1) <= m.failFirst {
			code = brokenCode[renderer]
		}
		text = fence(renderer, code)
	case phaseRepair:
		text = fence(renderer, goodCode[renderer])
	}
	slog.Debug("completion", "request", n, "phase", p, "renderer", renderer)

	model := req.Model
	if model == "" {
		model = mockModel
	}
	writeJSON(w, http.StatusOK, openaicompat.ChatCompletionResponse{
		ID:     fmt.Sprintf("chatcmpl-mock-%d", n),
		Object: "chat.completion",
		Model:  model,
		Choices: []openaicompat.ChatChoice{{
			Message:      openaicompat.ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: &openaicompat.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
}

// classify works out which prompt a request carries and for which renderer.
func classify(msgs []openaicompat.ChatMessage) (phase, string) {
	var system, user string
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			system = msg.Content
		case "user":
			user = msg.Content
		}
	}
	if system == "" {
		return phaseRepair, fencedRenderer(user)
	}
	if strings.Contains(system, "expert explainer") {
		return phaseDescribe, ""
	}
	return phaseGenerate, fencedRenderer(system)
}

// fencedRenderer picks the renderer from the first recognised fence tag.
func fencedRenderer(prompt string) string {
	best, renderer := -1, "python"
	for _, r := range []string{"python", "dot", "mermaid"} {
		if i := strings.Index(prompt, "```"+r); i >= 0 && (best < 0 || i < best) {
			best, renderer = i, r
		}
	}
	return renderer
}

func fence(lang, code string) string {
	return "```" + lang + "\n" + code + "```"
}

func handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": mockModel, "object": "model", "owned_by": "schaubild-mock"},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var resp openaicompat.ChatErrorResponse
	resp.Error.Message = msg
	resp.Error.Type = "invalid_request_error"
	writeJSON(w, status, resp)
}
