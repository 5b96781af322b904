package sandbox

// ExecuteRequest is the request body for POST /execute on the sandbox server.
type ExecuteRequest struct {
	Code           string            `json:"code"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	ArtifactName   string            `json:"artifact_name"`
	Bindings       map[string]string `json:"bindings,omitempty"`
}

// ExecuteResponse is the response from POST /execute on the sandbox server.
type ExecuteResponse struct {
	Status          string            `json:"status"`
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	ExitCode        int               `json:"exit_code"`
	TimedOut        bool              `json:"timed_out,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	FilesProduced   map[string]string `json:"files_produced,omitempty"`
}

// HealthResponse is the response from GET /health on the sandbox server.
type HealthResponse struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	RuntimeVersion string `json:"runtime_version"`
	Capacity       int    `json:"capacity"`
	CurrentLoad    int    `json:"current_load"`
	UptimeSecs     int64  `json:"uptime_seconds"`
}
