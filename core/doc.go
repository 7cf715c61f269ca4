// Package core defines the shared data model of a conversation turn
// (messages with typed parts, runs, task state, tool executions) and the
// ports the orchestration pipeline consumes: stores, audit log, outbox,
// observability and clock. It has no dependencies on concrete adapters so
// the import graph stays acyclic: every other package imports core, core
// imports none of them.
package core
