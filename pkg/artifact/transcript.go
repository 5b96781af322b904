package artifact

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rhuss/schaubild/pkg/api"
)

// TranscriptExtension is the file extension of run transcripts.
const TranscriptExtension = ".md"

// TranscriptPath returns the transcript path for name.
func (s *Store) TranscriptPath(name string) string {
	return filepath.Join(s.dir, filepath.Base(name)+TranscriptExtension)
}

// WriteTranscript persists a human-readable record of the run next to its
// diagram and returns the transcript path.
func (s *Store) WriteTranscript(run *api.Run) (string, error) {
	if run.ArtifactName == "" {
		return "", fmt.Errorf("run %s has no artifact name", run.ID)
	}
	path := s.TranscriptPath(run.ArtifactName)
	if err := os.WriteFile(path, RenderTranscript(run), 0o644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}
	return path, nil
}

// RenderTranscript formats a run as markdown.
func RenderTranscript(run *api.Run) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "## Topic\n\n%s\n\n", run.Topic)
	fmt.Fprintf(&b, "- Run: `%s`\n- Renderer: `%s`\n- Status: `%s`\n\n", run.ID, run.Renderer, run.Status)

	if run.Description != "" {
		fmt.Fprintf(&b, "### Description\n\n%s\n\n", run.Description)
	}
	if run.Context != "" {
		fmt.Fprintf(&b, "### Context\n\n%s\n\n", run.Context)
	}

	if len(run.Attempts) > 0 {
		b.WriteString("### Attempts\n\n")
		for _, a := range run.Attempts {
			fmt.Fprintf(&b, "#### Attempt %d (%s)\n\n", a.Candidate.Seq, a.Candidate.Provenance)
			fmt.Fprintf(&b, "```%s\n%s\n```\n\n", fenceLang(run.Renderer), a.Candidate.Source)
			if f := a.Result.Failure; f != nil {
				fmt.Fprintf(&b, "Failure (%s): %s\n\n", f.Kind, f.Message)
				if f.Trace != "" && f.Trace != f.Message {
					fmt.Fprintf(&b, "```text\n%s\n```\n\n", f.Trace)
				}
			} else {
				fmt.Fprintf(&b, "Rendered: `%s`\n\n", filepath.Base(a.Result.Artifact))
			}
		}
	}

	if src := run.FinalSource(); src != "" {
		fmt.Fprintf(&b, "### Code\n\n```%s\n%s\n```\n", fenceLang(run.Renderer), src)
	}

	if run.Error != nil {
		fmt.Fprintf(&b, "\n### Error\n\n%s: %s\n", run.Error.Kind, run.Error.Message)
	}

	return b.Bytes()
}

func fenceLang(r api.Renderer) string {
	switch r {
	case api.RendererDOT:
		return "dot"
	case api.RendererMermaid:
		return "mermaid"
	default:
		return "python"
	}
}
