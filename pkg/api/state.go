package api

import "fmt"

// ValidateRunTransition checks whether a run status transition is valid.
// An empty "from" status represents the initial state before any status has been set.
// Terminal states do not allow outgoing transitions.
func ValidateRunTransition(from, to RunStatus) *APIError {
	valid := map[RunStatus][]RunStatus{
		"":               {RunStatusRunning},
		RunStatusRunning: {RunStatusSucceeded, RunStatusExhausted, RunStatusFailed, RunStatusCancelled},
	}

	for _, s := range valid[from] {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("status",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}
