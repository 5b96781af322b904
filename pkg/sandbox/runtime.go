package sandbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rhuss/schaubild/pkg/api"
)

// Runtime describes how a candidate is turned into a process.
type Runtime struct {
	Name string
	// Binary is the interpreter or renderer executable.
	Binary string
	// SourceFile is the file the candidate is written to inside the workspace.
	SourceFile string
	// Args returns the argument list for a workspace.
	Args func(ws Workspace, b Bindings) []string
	// Support returns extra files to write into the workspace.
	Support func(ws Workspace, b Bindings) (map[string][]byte, error)
	// Env returns extra environment variables.
	Env func(ws Workspace, b Bindings) ([]string, error)
	// ErrorMessage condenses stderr into a one-line message.
	ErrorMessage func(stderr string) string
}

// Workspace is the per-execution scratch directory.
type Workspace struct {
	Dir       string
	OutputDir string
}

// ArtifactPath returns where the rendered diagram is expected.
func (ws Workspace) ArtifactPath(name string) string {
	return filepath.Join(ws.OutputDir, name+".png")
}

const pythonRunner = `import json, os, runpy, sys

bindings = json.loads(os.environ.get("SCHAUBILD_BINDINGS", "{}"))
sys.argv = ["candidate.py"]
runpy.run_path("candidate.py", init_globals=bindings, run_name="__main__")
`

// PythonRuntime runs candidates written against the graphviz python package.
// The candidate sees a global named filename holding the output base path
// without extension; graphviz appends ".png" when rendering.
func PythonRuntime(binary string) Runtime {
	if binary == "" {
		binary = "python3"
	}
	return Runtime{
		Name:       string(api.RendererPython),
		Binary:     binary,
		SourceFile: "candidate.py",
		Args: func(ws Workspace, _ Bindings) []string {
			return []string{"-B", filepath.Join(ws.Dir, "runner.py")}
		},
		Support: func(Workspace, Bindings) (map[string][]byte, error) {
			return map[string][]byte{"runner.py": []byte(pythonRunner)}, nil
		},
		Env: func(ws Workspace, b Bindings) ([]string, error) {
			values := make(map[string]string, len(b.Values)+1)
			for k, v := range b.Values {
				values[k] = v
			}
			values[FilenameBinding] = filepath.Join(ws.OutputDir, b.ArtifactName)
			data, err := json.Marshal(values)
			if err != nil {
				return nil, fmt.Errorf("encoding bindings: %w", err)
			}
			return []string{"SCHAUBILD_BINDINGS=" + string(data)}, nil
		},
		ErrorMessage: pythonErrorMessage,
	}
}

// MermaidRuntime renders Mermaid markup with the mermaid-cli.
func MermaidRuntime(binary string) Runtime {
	if binary == "" {
		binary = "mmdc"
	}
	return Runtime{
		Name:       string(api.RendererMermaid),
		Binary:     binary,
		SourceFile: "diagram.mmd",
		Args: func(ws Workspace, b Bindings) []string {
			return []string{
				"-i", filepath.Join(ws.Dir, "diagram.mmd"),
				"-o", ws.ArtifactPath(b.ArtifactName),
				"-s", "4",
			}
		},
		ErrorMessage: mermaidErrorMessage,
	}
}

// pythonErrorMessage returns the exception line of a traceback, which is the
// last unindented non-empty line of stderr.
func pythonErrorMessage(stderr string) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(stderr)
}

// mermaidErrorMessage keeps the parser diagnostic and drops the node stack.
func mermaidErrorMessage(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "at ") || strings.HasPrefix(t, "Parser3") {
			break
		}
		kept = append(kept, line)
	}
	msg := strings.TrimSpace(strings.Join(kept, "\n"))
	if msg == "" {
		return strings.TrimSpace(stderr)
	}
	return msg
}
