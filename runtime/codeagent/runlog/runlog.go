// Package runlog provides a best-effort, write-only audit trail of served
// orchestrator turns. It is strictly observability: the orchestrator never
// reads a runlog back to reconstruct state (spec.md §1's Non-goal of
// persisting execution state across requests still holds — this persists a
// log, not state).
package runlog

import (
	"context"
	"time"
)

// Entry records one orchestrator turn transition: code block handed to the
// sandbox, sandbox returning pending tool calls to the client, or an LLM
// completion call.
type Entry struct {
	// RunID correlates entries belonging to the same Loop.Run call.
	RunID string

	// Turn names the transition this entry records: "sandbox" or "llm".
	Turn string

	// Timestamp is when the transition was observed.
	Timestamp time.Time

	// Detail is a short, human-readable summary (outcome kind, stop
	// reason, tool-call count) rather than a full payload dump, keeping
	// entries cheap to write and to keep under any field-size limits an
	// append-only sink might impose.
	Detail string
}

// Sink appends runlog entries. Implementations must be best-effort: a
// failed Record must never fail the orchestrator turn it describes, so the
// orchestrator only ever calls Record and ignores errors from Sink
// implementations that choose to report them via Logger rather than by
// returning an error.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Noop discards every entry. It is the default Sink for callers that have
// not wired a persistence layer.
type Noop struct{}

// Record implements Sink.
func (Noop) Record(context.Context, Entry) {}
