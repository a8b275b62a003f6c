// Package tools defines the metadata the runtime needs to describe a tool to
// a model and to validate the results that cross the sandbox boundary for it.
//
// A tool's implementation never lives here: tools are owned by the remote
// client that calls Serve, and this package only carries the shape the
// runtime needs (name, description, schemas) to project a type declaration
// and to validate results. Arguments are not validated.
package tools

import "encoding/json"

// Ident is the strong type for tool names as seen by the model and by the
// sandbox's interceptor functions. Use this type instead of a bare string to
// avoid accidentally mixing tool names with other identifiers.
type Ident string

// Definition describes a tool exposed to the model for one Serve call.
//
// InputSchema is required and must be a JSON Schema object describing the
// single argument the model passes. OutputSchema is optional; when present,
// the sandbox validates client-supplied results against it before handing
// them back into the replayed program (see runtime/codeagent/sandbox).
type Definition struct {
	// Name is the identifier the model calls as a function inside the
	// sandboxed program, e.g. "webSearch".
	Name Ident

	// Description is shown to the model (via the Tool→Type Projector) to
	// help it decide when and how to call the tool.
	Description string

	// InputSchema is a JSON Schema document describing the tool's argument.
	InputSchema json.RawMessage

	// OutputSchema is an optional JSON Schema document describing the
	// tool's result. Nil means results are not validated.
	OutputSchema json.RawMessage
}

// FieldIssue describes a single structured validation failure. The sandbox
// does not produce FieldIssue values: its result-validation failures are
// reported as a plain message.
type FieldIssue struct {
	// Field is the JSON pointer (or dotted path) to the offending field.
	Field string
	// Constraint names the violated JSON Schema constraint (e.g. "required",
	// "type", "enum").
	Constraint string
	// Message is a human-readable description suitable for surfacing to the
	// model in a runtime-error code-result.
	Message string
}
