package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/engine"
	"github.com/rhuss/schaubild/pkg/extract"
	"github.com/rhuss/schaubild/pkg/generator"
	"github.com/rhuss/schaubild/pkg/llm/openaicompat"
)

func startMock(t *testing.T, failFirst int) (*mock, *openaicompat.Client) {
	t.Helper()
	m := newMock(failFirst)
	srv := httptest.NewServer(m.routes())
	t.Cleanup(srv.Close)
	return m, openaicompat.NewClient(srv.URL+"/v1", "", 5*time.Second)
}

func TestGenerateAndRepairPrompts(t *testing.T) {
	for _, r := range []api.Renderer{api.RendererPython, api.RendererDOT, api.RendererMermaid} {
		t.Run(string(r), func(t *testing.T) {
			m, client := startMock(t, 1)
			cfg := generator.Config{Renderer: r, Models: generator.Models{Default: "mock"}}

			gen, err := generator.NewGenerator(client, client, cfg)
			if err != nil {
				t.Fatal(err)
			}
			out, err := gen.Generate(context.Background(), engine.GenerateInput{Topic: "a pipeline"})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if out.Description != description {
				t.Errorf("description = %q", out.Description)
			}
			code := extract.Code(out.Code)
			if code.Lang != string(r) || strings.TrimSpace(code.Code) != strings.TrimSpace(brokenCode[string(r)]) {
				t.Errorf("first generation = %+v, want broken %s code", code, r)
			}

			rep, err := generator.NewRepairer(client, cfg)
			if err != nil {
				t.Fatal(err)
			}
			fixed, err := rep.Repair(context.Background(), engine.RepairInput{
				Topic:       "a pipeline",
				Description: out.Description,
				Code:        code.Code,
				Message:     "syntax error",
				Attempt:     2,
			})
			if err != nil {
				t.Fatalf("Repair: %v", err)
			}
			if got := extract.Code(fixed); strings.TrimSpace(got.Code) != strings.TrimSpace(goodCode[string(r)]) {
				t.Errorf("repair = %q, want good %s code", got.Code, r)
			}

			if n := m.requests.Load(); n != 3 {
				t.Errorf("requests = %d, want 3", n)
			}
		})
	}
}

func TestFailFirstOnlyAffectsEarlyGenerations(t *testing.T) {
	_, client := startMock(t, 1)
	gen, err := generator.NewGenerator(client, client, generator.Config{Renderer: api.RendererDOT})
	if err != nil {
		t.Fatal(err)
	}

	var codes []string
	for range 2 {
		out, err := gen.Generate(context.Background(), engine.GenerateInput{Topic: "x"})
		if err != nil {
			t.Fatal(err)
		}
		codes = append(codes, strings.TrimSpace(extract.Code(out.Code).Code))
	}
	want := []string{strings.TrimSpace(brokenCode["dot"]), strings.TrimSpace(goodCode["dot"])}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("generation %d = %q, want %q", i+1, codes[i], want[i])
		}
	}
}

func TestFencedRenderer(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"Return ```dot\ndigraph G {}\n```", "dot"},
		{"```mermaid\nflowchart TD\n``` and ```python", "mermaid"},
		{"no fence at all", "python"},
	}
	for _, tt := range tests {
		if got := fencedRenderer(tt.prompt); got != tt.want {
			t.Errorf("fencedRenderer(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestRejectsBadRequests(t *testing.T) {
	m := newMock(0)
	srv := httptest.NewServer(m.routes())
	defer srv.Close()

	for _, body := range []string{"{", `{"model":"m","messages":[]}`, `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`} {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}
