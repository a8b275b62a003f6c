// Package sandbox implements the deterministic replay engine: it runs a
// model-emitted TypeScript program inside an isolated goja VM, intercepts
// every tool call against a replay cursor fed by the caller's tool state,
// and classifies the settled outcome.
//
// Each Evaluate call is a fresh, disposable VM with no access to the host:
// no network, no filesystem, no timers beyond what the language's pure core
// provides. Nothing survives between calls; the only state carried forward
// by callers is the tool state returned in a Partial outcome.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentscript-run/runtime/runtime/codeagent/telemetry"
	"github.com/agentscript-run/runtime/runtime/codeagent/toolerrors"
	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
)

// Status identifies which state a tool state entry is in.
type Status string

const (
	// StatusPending marks an entry whose result is not yet known.
	StatusPending Status = "pending"

	// StatusResolved marks an entry the client answered successfully.
	StatusResolved Status = "resolved"

	// StatusRejected marks an entry the client answered with a failure.
	StatusRejected Status = "rejected"
)

// ToolStateEntry is one observed tool invocation in a code block's replay
// history. Exactly one of Arguments, Result, Error is meaningful, selected
// by Status: Pending carries Name/Arguments, Resolved carries Result,
// Rejected carries Error.
type ToolStateEntry struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Name      tools.Ident     `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Partial is the complete input needed to deterministically drive one
// replay: the code block's source plus the tool state observed so far.
type Partial struct {
	Code      string
	ToolState []ToolStateEntry
}

// OutcomeKind tags the variant of an Outcome.
type OutcomeKind string

const (
	// OutcomeSuccess means main() resolved.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeError means main() rejected with a genuine user-code failure
	// (or a schema-validation failure on a resolved tool result).
	OutcomeError OutcomeKind = "error"

	// OutcomePartial means main() rejected with the new-tool-call
	// interception sentinel and at least one new pending entry was
	// recorded during this pass.
	OutcomePartial OutcomeKind = "partial"

	// OutcomeEngineError means the engine itself malfunctioned (context
	// bootstrap or compilation failure), independent of the user's code.
	OutcomeEngineError OutcomeKind = "engine_error"
)

// Outcome is the tagged result of one Evaluate call. Exactly one of
// Value/Err/ToolState/Reason is meaningful, selected by Kind.
type Outcome struct {
	Kind OutcomeKind

	// Value carries the resolved value when Kind is OutcomeSuccess.
	Value any

	// Err carries the user-code failure when Kind is OutcomeError.
	Err error

	// ToolState carries the extended tool state when Kind is
	// OutcomePartial.
	ToolState []ToolStateEntry

	// Reason carries the engine failure description when Kind is
	// OutcomeEngineError.
	Reason string
}

// Config controls resource limits for one Evaluate call.
type Config struct {
	// MemoryLimit caps the VM heap in bytes. Zero selects DefaultMemoryLimit.
	MemoryLimit uint64

	// Timeout caps wall-clock time spent inside Evaluate. Zero selects
	// DefaultTimeout. Exceeding it surfaces as code_result{error: timeout}.
	Timeout time.Duration
}

// DefaultMemoryLimit is the 8 MiB heap cap spec.md §4.A suggests.
const DefaultMemoryLimit = 8 * 1024 * 1024

// DefaultTimeout bounds a single Evaluate call's wall-clock time.
const DefaultTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.MemoryLimit == 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// sentinelNewToolCall tags the value rejected by an interceptor that records
// a new pending entry. It is never caught by user code in the scenarios this
// engine targets (no tool throws synchronously), only observed by the
// trailer's rejection handler and then recognized on the Go side by field name.
const sentinelNewToolCall = "__sandbox_new_tool_call__"

// Evaluate runs code against toolState for the given tool definitions,
// returning the classified Outcome. It never panics: engine failures are
// captured and returned as OutcomeEngineError.
func Evaluate(ctx context.Context, code string, toolState []ToolStateEntry, defs []tools.Definition, cfg Config, telem telemetry.Telemetry) (out Outcome) {
	cfg = cfg.withDefaults()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: OutcomeEngineError, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMemoryLimit(cfg.MemoryLimit)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	timer := time.AfterFunc(cfg.Timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()
	go func() {
		<-ctx.Done()
		vm.Interrupt("timeout")
	}()

	schemas, err := compileSchemas(defs)
	if err != nil {
		return Outcome{Kind: OutcomeEngineError, Reason: err.Error()}
	}

	cur := &cursor{input: toolState, schemas: schemas}

	for _, def := range defs {
		name := string(def.Name)
		d := def
		if err := vm.Set(name, func(call goja.FunctionCall) goja.Value {
			var arg any
			if len(call.Arguments) > 0 {
				arg = call.Arguments[0].Export()
			}
			promise, resolve, reject := vm.NewPromise()
			cur.intercept(vm, d, arg, resolve, reject)
			return vm.ToValue(promise)
		}); err != nil {
			return Outcome{Kind: OutcomeEngineError, Reason: fmt.Sprintf("installing interceptor %q: %v", name, err)}
		}
	}

	script := code + "\n;(function(){ main().then(\n" +
		"  function(v){ __sandbox_result__ = {status:'success', value: v}; },\n" +
		"  function(e){ __sandbox_result__ = {status:'error', value: e}; }\n" +
		");})();"

	prog, err := goja.Compile("main.ts", script, false)
	if err != nil {
		return Outcome{Kind: OutcomeEngineError, Reason: fmt.Sprintf("compile: %v", err)}
	}

	if _, err := vm.RunProgram(prog); err != nil {
		if ierr, ok := err.(*goja.InterruptedError); ok {
			_ = ierr
			return Outcome{Kind: OutcomeError, Err: fmt.Errorf("timeout: evaluation exceeded %s", cfg.Timeout)}
		}
		if exc, ok := err.(*goja.Exception); ok {
			// A synchronous throw from the script (including the trailer's
			// main().then call when main is not async) is a user-code failure.
			return Outcome{Kind: OutcomeError, Err: toolerrors.New(exc.Value().String())}
		}
		return Outcome{Kind: OutcomeEngineError, Reason: fmt.Sprintf("run: %v", err)}
	}

	telem.RecordEvaluate(ctx, telemetry.EvaluateTelemetry{
		DurationMs:       time.Since(start).Milliseconds(),
		PendingToolCalls: cur.newPending,
	})

	resultVal := vm.Get("__sandbox_result__")
	if resultVal == nil || goja.IsUndefined(resultVal) {
		// The script ran to completion (RunProgram reported no error above)
		// but main()'s promise never settled, so the collector is empty.
		// This is reported as a user-code error, like a throw.
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("main() did not settle: program must define and resolve/reject an async main()")}
	}

	result := resultVal.Export()
	m, ok := result.(map[string]any)
	if !ok {
		return Outcome{Kind: OutcomeEngineError, Reason: "internal: malformed settlement record"}
	}

	switch m["status"] {
	case "success":
		return Outcome{Kind: OutcomeSuccess, Value: m["value"]}
	case "error":
		if isNewToolCallSentinel(m["value"]) && cur.newPending > 0 {
			return Outcome{Kind: OutcomePartial, ToolState: cur.output}
		}
		// Export drops an Error's non-enumerable message, so read it from
		// the JS value directly.
		if obj, ok := resultVal.ToObject(vm).Get("value").(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return Outcome{Kind: OutcomeError, Err: toolerrors.New(msg.String())}
			}
		}
		return Outcome{Kind: OutcomeError, Err: toUserError(m["value"])}
	default:
		return Outcome{Kind: OutcomeEngineError, Reason: "internal: unrecognized settlement status"}
	}
}

func isNewToolCallSentinel(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	tag, _ := m["__sandbox_sentinel__"].(string)
	return tag == sentinelNewToolCall
}

// toUserError converts a settled code_result{error} payload into the
// toolerrors.ToolError spec.md §7 kind 2 calls for: a non-fatal,
// caller-visible failure raised by the user's TypeScript code rather than by
// the engine itself.
func toUserError(v any) error {
	if m, ok := v.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok {
			return toolerrors.New(msg)
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return toolerrors.NewWithCause(fmt.Sprintf("%v", v), err)
	}
	return toolerrors.New(string(b))
}

// cursor implements the replay cursor of spec.md §4.A: a monotonic pointer
// into the read-only input tool state, building an output tool state as the
// sandbox enters interceptors.
type cursor struct {
	input      []ToolStateEntry
	i          int
	output     []ToolStateEntry
	newPending int
	schemas    map[tools.Ident]compiledSchema
}

type compiledSchema struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

func compileSchemas(defs []tools.Definition) (map[tools.Ident]compiledSchema, error) {
	out := make(map[tools.Ident]compiledSchema, len(defs))
	for _, def := range defs {
		var cs compiledSchema
		if len(def.InputSchema) > 0 {
			s, err := compileOne(string(def.Name)+"#input", def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: input schema: %w", def.Name, err)
			}
			cs.input = s
		}
		if len(def.OutputSchema) > 0 {
			s, err := compileOne(string(def.Name)+"#output", def.OutputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: output schema: %w", def.Name, err)
			}
			cs.output = s
		}
		out[def.Name] = cs
	}
	return out, nil
}

func compileOne(uri string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(uri, doc); err != nil {
		return nil, err
	}
	return c.Compile(uri)
}

// intercept implements one interceptor call against the replay cursor:
// consult input[i], advance, append to output, and settle the sandbox-side
// promise accordingly per the spec.md §4.A dispatch table.
func (c *cursor) intercept(vm *goja.Runtime, def tools.Definition, arg any, resolve, reject func(any)) {
	if c.i >= len(c.input) {
		id := uuid.NewString()
		argJSON, _ := json.Marshal(arg)
		c.output = append(c.output, ToolStateEntry{
			ID:        id,
			Status:    StatusPending,
			Name:      def.Name,
			Arguments: argJSON,
		})
		c.newPending++
		reject(map[string]any{
			"__sandbox_sentinel__": sentinelNewToolCall,
			"id":                   id,
			"name":                 string(def.Name),
		})
		return
	}

	entry := c.input[c.i]
	c.i++

	switch entry.Status {
	case StatusResolved:
		c.output = append(c.output, entry)
		if schema, ok := c.schemas[def.Name]; ok && schema.output != nil {
			var v any
			if err := json.Unmarshal(entry.Result, &v); err == nil {
				if verr := schema.output.Validate(v); verr != nil {
					reject(map[string]any{"message": fmt.Sprintf("tool %q result failed schema validation: %v", def.Name, verr)})
					return
				}
			}
		}
		var v any
		_ = json.Unmarshal(entry.Result, &v)
		resolve(v)
	case StatusRejected:
		c.output = append(c.output, entry)
		var v any
		_ = json.Unmarshal(entry.Error, &v)
		reject(v)
	default:
		// Invariant violation: inputs must contain only resolved/rejected
		// entries. Reclassified as a runtime error per spec.md §7 kind 3.
		reject(map[string]any{"message": fmt.Sprintf("engine: unexpected pending entry in input tool state at index %d", c.i-1)})
	}
}
