package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/artifact"
)

func newRemote(t *testing.T, handler http.HandlerFunc) (*Remote, *artifact.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	return NewRemote(NewClient(5*time.Second), StaticAcquirer{URL: srv.URL}, store, PythonRuntime(""), 30*time.Second), store
}

func TestRemoteRunSuccess(t *testing.T) {
	var got ExecuteRequest
	sb, store := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ExecuteResponse{
			Status: "success",
			FilesProduced: map[string]string{
				got.ArtifactName + ".png": base64.StdEncoding.EncodeToString([]byte("png")),
				got.ArtifactName:          base64.StdEncoding.EncodeToString([]byte("digraph {}")),
			},
		})
	})

	res := sb.Run(context.Background(), "```python\nprint(1)\n```", Bindings{
		ArtifactName: "diagram_remote_1",
		Values:       map[string]string{"title": "t"},
	})
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res.Failure)
	}
	if got.Code != "print(1)" {
		t.Errorf("code sent = %q, want fence stripped", got.Code)
	}
	if got.TimeoutSeconds != 30 {
		t.Errorf("timeout sent = %d, want 30", got.TimeoutSeconds)
	}
	if got.Bindings["title"] != "t" {
		t.Errorf("bindings not forwarded: %v", got.Bindings)
	}
	if res.Artifact != store.Path("diagram_remote_1") {
		t.Errorf("artifact = %q", res.Artifact)
	}
	data, err := os.ReadFile(res.Artifact)
	if err != nil || string(data) != "png" {
		t.Errorf("artifact content = %q, %v", data, err)
	}
}

func TestRemoteRunFailures(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantKind api.FailureKind
		wantMsg  string
	}{
		{
			name: "script error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ExecuteResponse{
					Status:   "error",
					ExitCode: 1,
					Stderr:   "Traceback (most recent call last):\n  File \"candidate.py\"\nNameError: name 'Digraph' is not defined\n",
				})
			},
			wantKind: api.FailureExit,
			wantMsg:  "NameError: name 'Digraph' is not defined",
		},
		{
			name: "server side timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ExecuteResponse{Status: "error", ExitCode: -1, TimedOut: true})
			},
			wantKind: api.FailureTimeout,
		},
		{
			name: "at capacity",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantKind: api.FailureBackend,
			wantMsg:  "capacity",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantKind: api.FailureBackend,
			wantMsg:  "HTTP 500",
		},
		{
			name: "bad file encoding",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ExecuteResponse{Status: "success", FilesProduced: map[string]string{"x.png": "%%%"}})
			},
			wantKind: api.FailureBackend,
			wantMsg:  "decoding",
		},
		{
			name: "no diagram returned",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(ExecuteResponse{Status: "success"})
			},
			wantKind: api.FailureMissingArtifact,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, _ := newRemote(t, tt.handler)
			res := sb.Run(context.Background(), "print(1)", Bindings{ArtifactName: "d"})
			if res.OK() {
				t.Fatal("expected failure")
			}
			if res.Failure.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", res.Failure.Kind, tt.wantKind)
			}
			if !strings.Contains(res.Failure.Message, tt.wantMsg) {
				t.Errorf("message = %q, want to contain %q", res.Failure.Message, tt.wantMsg)
			}
		})
	}
}

type failingAcquirer struct{}

func (failingAcquirer) Acquire(context.Context) (string, func(), error) {
	return "", nil, errors.New("no sandbox ready")
}

func TestRemoteRunAcquireFailure(t *testing.T) {
	store, _ := artifact.NewStore(t.TempDir())
	sb := NewRemote(NewClient(time.Second), failingAcquirer{}, store, PythonRuntime(""), time.Second)

	res := sb.Run(context.Background(), "print(1)", Bindings{ArtifactName: "d"})
	if res.OK() || res.Failure.Kind != api.FailureBackend || !strings.Contains(res.Failure.Message, "no sandbox ready") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRemoteRunCancelled(t *testing.T) {
	release := make(chan struct{})
	sb, _ := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := sb.Run(ctx, "print(1)", Bindings{ArtifactName: "d"})
	if res.OK() || res.Failure.Kind != api.FailureCancelled {
		t.Fatalf("expected cancelled failure, got %+v", res)
	}
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Mode: "python", Capacity: 3})
	}))
	defer srv.Close()

	h, err := NewClient(time.Second).Health(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "healthy" || h.Mode != "python" || h.Capacity != 3 {
		t.Errorf("unexpected health %+v", h)
	}
}
