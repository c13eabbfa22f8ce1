// Package core defines the shared primitives of the ProbeMesh execution
// framework: tasks, execution contexts, traces, cooperative cancellation,
// call budgets and the error taxonomy used across engines, the tool router
// and the sub-agent dispatcher.
//
// Everything in this package is deliberately dependency-free so that higher
// layers (stream, tool, engine, subagent, dispatch) can all build on it
// without import cycles.
package core
