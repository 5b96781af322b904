package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/extract"
)

// Remote runs candidates on a sandbox server reached over HTTP.
type Remote struct {
	client   *Client
	acquirer Acquirer
	promoter Promoter
	runtime  Runtime
	timeout  time.Duration
}

// NewRemote creates a Remote sandbox. rt is used to interpret the server's
// stderr and must match the server's mode.
func NewRemote(client *Client, acquirer Acquirer, p Promoter, rt Runtime, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Remote{client: client, acquirer: acquirer, promoter: p, runtime: rt, timeout: timeout}
}

// Run executes source remotely. Transport problems are reported as backend
// failures so the repair cycle keeps going.
func (r *Remote) Run(ctx context.Context, source string, b Bindings) api.ExecutionResult {
	if err := b.Validate(); err != nil {
		return api.Failed(api.FailureBackend, err.Error(), "")
	}

	url, release, err := r.acquirer.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return api.Failed(api.FailureCancelled, "execution cancelled", "")
		}
		return api.Failed(api.FailureBackend, "acquiring sandbox: "+err.Error(), "")
	}
	defer release()

	resp, err := r.client.Execute(ctx, url, &ExecuteRequest{
		Code:           extract.Code(source).Code,
		TimeoutSeconds: int(r.timeout.Round(time.Second) / time.Second),
		ArtifactName:   b.ArtifactName,
		Bindings:       b.Values,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return api.Failed(api.FailureCancelled, "execution cancelled", "")
		}
		if ctx.Err() != nil {
			return api.Failed(api.FailureTimeout, "sandbox request timed out", err.Error())
		}
		slog.Warn("sandbox request failed", "url", url, "error", err)
		return api.Failed(api.FailureBackend, err.Error(), "")
	}

	ex, err := materialize(resp, r.timeout)
	if err != nil {
		return api.Failed(api.FailureBackend, err.Error(), "")
	}
	defer ex.Cleanup()

	result := Classify(ex, r.runtime, b.ArtifactName)
	if !result.OK() {
		return result
	}
	path, err := r.promoter.Promote(result.Artifact, b.ArtifactName)
	if err != nil {
		return api.Failed(api.FailureBackend, "storing diagram: "+err.Error(), "")
	}
	return api.Succeeded(path)
}

// materialize writes the files returned by the server into a local
// workspace so the response can be classified like a local execution.
func materialize(resp *ExecuteResponse, timeout time.Duration) (*Execution, error) {
	dir, err := os.MkdirTemp("", "schaubild-remote-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	ws := Workspace{Dir: dir, OutputDir: filepath.Join(dir, outputDirName)}
	ex := &Execution{
		Workspace: ws,
		ExitCode:  resp.ExitCode,
		Stdout:    resp.Stdout,
		Stderr:    resp.Stderr,
		TimedOut:  resp.TimedOut,
		Duration:  time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
		Timeout:   timeout,
	}
	if err := os.MkdirAll(ws.OutputDir, 0o755); err != nil {
		ex.Cleanup()
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	for name, b64 := range resp.FilesProduced {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			ex.Cleanup()
			return nil, fmt.Errorf("decoding %q: %w", name, err)
		}
		base := filepath.Base(name)
		if err := os.WriteFile(filepath.Join(ws.OutputDir, base), data, 0o644); err != nil {
			ex.Cleanup()
			return nil, fmt.Errorf("writing %q: %w", name, err)
		}
	}
	ex.Files = listFiles(ws.OutputDir)
	return ex, nil
}
