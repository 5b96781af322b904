// Package engine implements the self-healing generation loop. A Loop asks a
// CodeGenerator for a description and an initial candidate, executes the
// candidate in a sandbox, and feeds every failure to a CodeRepairer until
// the candidate renders or the repair budget is spent.
//
// One run is strictly sequential. The loop checks the caller's context
// between states, applies a per-call timeout to every collaborator, and
// records each (candidate, result) pair on the returned api.Run.
package engine
