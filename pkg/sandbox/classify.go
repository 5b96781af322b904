package sandbox

import (
	"fmt"
	"slices"

	"github.com/rhuss/schaubild/pkg/api"
)

// Classify maps a raw execution onto an ExecutionResult. A run only counts
// as successful when the process exited cleanly and the expected diagram is
// present; partial output never does.
func Classify(ex *Execution, rt Runtime, artifactName string) api.ExecutionResult {
	switch {
	case ex.Cancelled:
		return api.Failed(api.FailureCancelled, "execution cancelled", ex.Stderr)
	case ex.TimedOut:
		return api.Failed(api.FailureTimeout,
			fmt.Sprintf("execution timed out after %s", ex.Timeout), ex.Stderr)
	case ex.StartErr != nil:
		return api.Failed(api.FailureBackend,
			fmt.Sprintf("starting %s: %v", rt.Binary, ex.StartErr), "")
	case ex.ExitCode != 0:
		msg := ""
		if rt.ErrorMessage != nil {
			msg = rt.ErrorMessage(ex.Stderr)
		}
		if msg == "" {
			msg = fmt.Sprintf("process exited with status %d", ex.ExitCode)
		}
		return api.Failed(api.FailureExit, msg, ex.Stderr)
	}

	want := artifactName + ".png"
	if !slices.Contains(ex.Files, want) {
		msg := fmt.Sprintf("execution finished but no diagram was written to %s", want)
		if len(ex.Files) > 0 {
			msg += fmt.Sprintf(" (found: %v)", ex.Files)
		}
		return api.Failed(api.FailureMissingArtifact, msg, ex.Stderr)
	}
	return api.Succeeded(ex.Workspace.ArtifactPath(artifactName))
}
