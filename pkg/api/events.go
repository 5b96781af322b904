package api

// EventType identifies a run progress event.
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventDescriptionReady   EventType = "description.ready"
	EventCandidateCreated   EventType = "candidate.created"
	EventExecutionSucceeded EventType = "execution.succeeded"
	EventExecutionFailed    EventType = "execution.failed"
	EventRunCompleted       EventType = "run.completed"

	// EventError reports a request failure after streaming has started.
	EventError EventType = "error"
)

// Terminal reports whether no further events follow this one.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventError
}

// Event is emitted while a run advances through its states.
type Event struct {
	Type        EventType  `json:"type"`
	RunID       string     `json:"run_id"`
	Attempt     int        `json:"attempt"`
	Description string     `json:"description,omitempty"`
	Candidate   *Candidate `json:"candidate,omitempty"`
	Artifact    string     `json:"artifact,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
	Run         *Run       `json:"run,omitempty"`
	Error       *APIError  `json:"error,omitempty"`
}

// Redacted returns a copy of the event without failure traces, for sending
// to callers.
func (e Event) Redacted() Event {
	e.Failure = e.Failure.withoutTrace()
	e.Run = e.Run.Redacted()
	return e
}

// Observer receives run events. Implementations must not block for long.
type Observer func(Event)
