// Package model defines the provider-agnostic message and request/response
// types shared by the orchestrator and the LLM collaborator adapters in
// features/model/*. It models messages as typed parts (text, thinking, tool
// use/result) rather than flattening everything to plain strings, so the
// transcoder can losslessly reconstruct either conversation view.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
)

// ConversationRole is the role for a message in a model-visible conversation.
// The model-visible view only ever uses system/user/assistant/tool — the
// runtime's client-visible code/code-result roles never cross into this
// package (see runtime/codeagent/transcoder).
type ConversationRole string

const (
	// ConversationRoleSystem is the role for system messages.
	ConversationRoleSystem ConversationRole = "system"

	// ConversationRoleUser is the role for user messages.
	ConversationRoleUser ConversationRole = "user"

	// ConversationRoleAssistant is the role for assistant messages.
	ConversationRoleAssistant ConversationRole = "assistant"

	// ConversationRoleTool is the role for tool-result messages carried back
	// to the model (always as a ToolResultPart for the single virtual
	// run_typescript tool).
	ConversationRoleTool ConversationRole = "tool"
)

type (
	// Part is a marker interface implemented by all message parts.
	Part interface {
		isPart()
	}

	// TextPart is a plain text content block in a message.
	TextPart struct {
		// Text is the human-readable content for this part.
		Text string
	}

	// ThinkingPart represents provider-issued reasoning content. The
	// orchestrator treats this as opaque metadata; it is never projected
	// into the client-visible conversation.
	ThinkingPart struct {
		// Text is the provider-visible reasoning text when available.
		Text string

		// Signature is the provider-issued signature for Text when present.
		Signature string

		// Redacted carries provider-issued reasoning content in redacted
		// form when plaintext Text is not available.
		Redacted []byte
	}

	// ToolUsePart declares an invocation of the single virtual
	// run_typescript tool by the assistant. Input carries the TypeScript
	// program source as its sole argument.
	ToolUsePart struct {
		// ID uniquely identifies this tool call within the request.
		ID string

		// Name is always the virtual tool identifier the request declared
		// (normally "run_typescript"); kept here rather than hardcoded so
		// provider adapters remain agnostic of the constant's value.
		Name string

		// Input is the JSON-compatible arguments object provided by the
		// model, e.g. {"code": "async function main() {...}"}.
		Input any
	}

	// ToolResultPart carries the sandbox's outcome back to the model as the
	// result of a prior ToolUsePart.
	ToolResultPart struct {
		// ToolUseID correlates this result to a prior tool use declaration.
		ToolUseID string

		// Content is the result payload handed back to the model: the
		// projected code_result{...} text spec.md §4.D describes.
		Content any

		// IsError reports whether Content represents a code_result{error}.
		IsError bool
	}

	// Message is a single chat message in the model-visible conversation.
	Message struct {
		// Role identifies the speaker for this message.
		Role ConversationRole

		// Parts are the ordered content blocks for the message.
		Parts []Part
	}

	// ToolDefinition describes a tool exposed to the model. For this
	// runtime, Request.Tools always contains exactly one entry: the virtual
	// run_typescript tool built by the orchestrator's
	// runTypescriptToolDefinition; InputSchema describes the {code: string}
	// envelope.
	ToolDefinition struct {
		// Name is the tool identifier as seen by the model.
		Name string

		// Description is a concise summary presented to the model.
		Description string

		// InputSchema is a JSON Schema describing the tool input payload.
		InputSchema any
	}

	// ToolCall is a requested tool invocation parsed out of a Response.
	ToolCall struct {
		// Name is the tool identifier requested by the model.
		Name tools.Ident

		// Payload is the canonical JSON arguments supplied by the model.
		Payload json.RawMessage

		// ID is the provider-issued identifier for the tool call.
		ID string
	}

	// TokenUsage tracks token counts for a model call.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// Request captures inputs for one orchestrator turn's model invocation.
	Request struct {
		// RunID identifies the logical run for this request, used for
		// runlog correlation.
		RunID string

		// Model is the provider-specific model identifier when specified.
		Model string

		// ModelClass selects a model family when Model is not specified.
		ModelClass ModelClass

		// Messages is the ordered model-visible transcript (see
		// runtime/codeagent/transcoder).
		Messages []*Message

		// Temperature controls sampling when supported by the provider.
		Temperature float32

		// Tools lists the tool definitions available to the model. Always
		// the single virtual run_typescript definition for this runtime.
		Tools []*ToolDefinition

		// MaxTokens caps the number of output tokens when supported.
		MaxTokens int
	}

	// Response is the result of one non-streaming model invocation. The
	// orchestrator never streams: spec.md §4.C's loop needs the complete
	// program text before it can hand it to the sandbox, so partial
	// responses carry no value here.
	Response struct {
		// Content is the ordered list of assistant messages produced.
		Content []Message

		// ToolCalls lists tool invocations requested by the model. At most
		// one entry is expected (a single run_typescript call) per spec.md
		// §3's message-shape contract; when there are more, the first
		// run_typescript call is used and the rest are ignored.
		ToolCalls []ToolCall

		// Usage reports token consumption for the request.
		Usage TokenUsage

		// StopReason records why generation stopped (provider-specific).
		StopReason string
	}

	// ModelClass identifies the model family used when Request.Model is
	// not set explicitly.
	ModelClass string

	// Client is the provider-agnostic model client implemented by
	// features/model/anthropic, features/model/openai, and
	// features/model/bedrock.
	Client interface {
		// Complete performs one non-streaming model invocation.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)

const (
	// ModelClassDefault selects the default model family.
	ModelClassDefault ModelClass = "default"

	// ModelClassSmall selects a small/cheap model family. The orchestrator
	// leaves ModelClass unset on its own requests.
	ModelClassSmall ModelClass = "small"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting. The rate-limiting middleware does not retry the request.
// Callers must not retry in a tight loop.
var ErrRateLimited = errors.New("model: rate limited")

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
