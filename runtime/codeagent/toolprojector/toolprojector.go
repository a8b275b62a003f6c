// Package toolprojector renders tool schemas into TypeScript type
// declarations embedded in the system prompt shown to the model (spec.md
// §4.D). Render is a pure function of its input; Cache memoizes it keyed by
// a stable fingerprint of the tool set so repeated orchestrator turns
// against the same tools don't re-walk and re-print schemas every call.
package toolprojector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
)

// SystemPreamble is written by Render ahead of the rendered tool type
// declarations, instructing the model on the run_typescript
// calling convention (spec.md §4.D).
const SystemPreamble = `You may call the declared tool functions from TypeScript code. ` +
	`Expose all program logic inside a single parameterless async function ` +
	`named main(); the runtime invokes main() itself. Do not call main() ` +
	`yourself, and do not reference any globals besides the declared tool ` +
	`functions and the language's own standard constructs.`

// Render walks each tool's InputSchema/OutputSchema and prints a TypeScript
// type declaration plus a `declare async function name(arg: ArgT):
// Promise<RetT>` signature, exactly as spec.md §4.D describes. Render is
// pure: identical defs always produce an identical string.
func Render(defs []tools.Definition) (string, error) {
	sorted := make([]tools.Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString(SystemPreamble)
	b.WriteString("\n\n")

	for _, def := range sorted {
		argType := typeName(def.Name, "Arg")
		retType := typeName(def.Name, "Result")

		argDecl, err := renderType(argType, def.InputSchema)
		if err != nil {
			return "", fmt.Errorf("tool %q: rendering argument type: %w", def.Name, err)
		}
		b.WriteString(argDecl)
		b.WriteString("\n")

		if len(def.OutputSchema) > 0 {
			retDecl, err := renderType(retType, def.OutputSchema)
			if err != nil {
				return "", fmt.Errorf("tool %q: rendering result type: %w", def.Name, err)
			}
			b.WriteString(retDecl)
			b.WriteString("\n")
		} else {
			retType = "any"
		}

		if def.Description != "" {
			b.WriteString(fmt.Sprintf("// %s\n", def.Description))
		}
		b.WriteString(fmt.Sprintf("declare async function %s(arg: %s): Promise<%s>;\n\n", def.Name, argType, retType))
	}

	return b.String(), nil
}

func typeName(tool tools.Ident, suffix string) string {
	return strings.Title(string(tool)) + suffix
}

// renderType compiles raw as a JSON Schema (validating it is well-formed,
// consistent with the sandbox's own jsonschema/v6 parse) and prints a
// best-effort TypeScript type alias for it.
func renderType(name string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return fmt.Sprintf("type %s = any;", name), nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	c := jsonschema.NewCompiler()
	uri := "toolprojector://" + name
	if err := c.AddResource(uri, doc); err != nil {
		return "", err
	}
	if _, err := c.Compile(uri); err != nil {
		return "", err
	}
	return fmt.Sprintf("type %s = %s;", name, tsType(doc, 0)), nil
}

// tsType renders a decoded JSON Schema document as a best-effort TypeScript
// type expression. It does not aim for full JSON Schema coverage (unions,
// $ref, combinators); it covers the common object/array/scalar shapes tool
// authors actually write, falling back to `any` for anything else.
func tsType(doc any, depth int) string {
	if depth > 8 {
		return "any"
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return "any"
	}
	switch m["type"] {
	case "object":
		props, _ := m["properties"].(map[string]any)
		if len(props) == 0 {
			return "Record<string, any>"
		}
		required := map[string]bool{}
		if req, ok := m["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required[s] = true
				}
			}
		}
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString("{ ")
		for i, k := range keys {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(k)
			if !required[k] {
				b.WriteString("?")
			}
			b.WriteString(": ")
			b.WriteString(tsType(props[k], depth+1))
		}
		b.WriteString(" }")
		return b.String()
	case "array":
		items := m["items"]
		return tsType(items, depth+1) + "[]"
	case "string":
		if enum, ok := m["enum"].([]any); ok && len(enum) > 0 {
			parts := make([]string, len(enum))
			for i, e := range enum {
				parts[i] = fmt.Sprintf("%q", e)
			}
			return strings.Join(parts, " | ")
		}
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	default:
		return "any"
	}
}

// Fingerprint computes a stable cache key for a tool set: a hash of the
// sorted tool names and their schemas, so logically identical tool sets
// (in any order) share a cached render.
func Fingerprint(defs []tools.Definition) string {
	sorted := make([]tools.Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, def := range sorted {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", def.Name, def.InputSchema, def.OutputSchema)
	}
	return hex.EncodeToString(h.Sum(nil))
}
