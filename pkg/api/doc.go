// Package api defines the core types shared by the schaubild packages.
//
// The package performs no I/O. It describes the data flowing through a
// diagram generation run: candidates produced by a code generator or
// repairer, the classified result of executing a candidate, the append-only
// run record, progress events, and the structured errors returned to callers.
//
// Core types:
//   - [Candidate]: one version of generated diagram source under evaluation
//   - [ExecutionResult]: either a rendered artifact path or a [Failure], never both
//   - [Run]: the record of one request, including every [Attempt]
//   - [Event]: progress notification emitted while a run advances
//   - [APIError]: structured error with type, code, param, and message
package api
