// Package transport defines the handler interfaces and middleware chain for
// the schaubild HTTP/SSE transport layer.
//
// # Handler Interfaces
//
//   - DiagramCreator drives one diagram run for a GenerateRequest.
//   - RunStore persists, lists and deletes finished run records.
//
// The RunWriter interface abstracts the two output modes of a create
// request: a single JSON summary, or a stream of progress events.
//
// # Middleware
//
// The middleware chain wraps DiagramCreator with panic recovery, request ID
// assignment (X-Request-ID) and structured logging via log/slog.
package transport
