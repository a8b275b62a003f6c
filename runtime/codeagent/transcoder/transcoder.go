// Package transcoder implements the bidirectional mapping between the
// client-visible conversation (carrying explicit code/code-result brackets
// and standard tool-call messages) and the model-visible conversation (a
// conventional single-tool chat using only the virtual run_typescript
// tool). It also classifies a client history as "advance code" vs "ask
// model" so the orchestrator knows which collaborator to drive next.
package transcoder

import (
	"encoding/json"
	"fmt"

	"github.com/agentscript-run/runtime/runtime/codeagent/model"
	"github.com/agentscript-run/runtime/runtime/codeagent/sandbox"
)

// Role identifies the speaker/kind of a client-visible message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleTool       Role = "tool"
	RoleCode       Role = "code"
	RoleCodeResult Role = "code-result"
)

// ToolCall is the conventional function-calling tool invocation carried by
// an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON text as received; object-valued arguments are not converted
}

// ResultStatus tags a code-result's payload.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// CodeResult carries the outcome reported back for a code block.
type CodeResult struct {
	Status ResultStatus
	Data   any // meaningful when Status is success
	Error  any // meaningful when Status is error
}

// ClientMessage is one entry in the client-visible history (spec.md §3).
// Exactly the fields relevant to Role are populated.
type ClientMessage struct {
	Role Role

	// Content is the plain-text body for system/user/assistant(no tool
	// calls) messages.
	Content string

	// ToolCalls carries standard tool-call objects on an assistant
	// message (possibly empty).
	ToolCalls []ToolCall

	// ToolCallID and ToolContent carry a tool message's correlation id and
	// JSON-text result.
	ToolCallID  string
	ToolContent string

	// ID and Code carry a code message's block identifier and source.
	ID   string
	Code string

	// Result carries a code-result message's payload; ID still names the
	// block it closes.
	Result *CodeResult
}

// CodeBlock identifies a model-emitted program awaiting a result.
type CodeBlock struct {
	ID   string
	Code string
}

// Classification is the tagged result of ParseClientMessages: exactly one
// of Code, LLM, Err is non-nil/zero.
type Classification struct {
	Code *CodeClassification
	LLM  *LLMClassification
	Err  error
}

// CodeClassification means the history's last code block is still open.
type CodeClassification struct {
	Block   CodeBlock
	Partial sandbox.Partial
}

// LLMClassification means every code block is closed; ServerHistory is the
// model-visible projection ready to hand to the LLM collaborator.
type LLMClassification struct {
	ServerHistory []*model.Message
}

// ErrProtocolViolation tags a fatal, non-recoverable malformed-history
// error (spec.md §7 kind 1).
type ErrProtocolViolation struct {
	Reason string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// ParseClientMessages classifies history per spec.md §4.B.
func ParseClientMessages(history []ClientMessage) Classification {
	lastCodeIdx := -1
	closed := map[string]bool{}
	for i, m := range history {
		switch m.Role {
		case RoleCode:
			lastCodeIdx = i
		case RoleCodeResult:
			if lastCodeIdx == -1 || closed[m.ID] {
				return Classification{Err: &ErrProtocolViolation{Reason: "code-result with no preceding open code block"}}
			}
			var opened bool
			for j := i - 1; j >= 0; j-- {
				if history[j].Role == RoleCode && history[j].ID == m.ID {
					opened = true
					break
				}
			}
			if !opened {
				return Classification{Err: &ErrProtocolViolation{Reason: fmt.Sprintf("code-result id %q has no matching code message", m.ID)}}
			}
			closed[m.ID] = true
		}
	}

	if lastCodeIdx == -1 {
		sh, err := buildServerHistory(history)
		if err != nil {
			return Classification{Err: err}
		}
		return Classification{LLM: &LLMClassification{ServerHistory: sh}}
	}

	block := CodeBlock{ID: history[lastCodeIdx].ID, Code: history[lastCodeIdx].Code}
	if closed[block.ID] {
		sh, err := buildServerHistory(history)
		if err != nil {
			return Classification{Err: err}
		}
		return Classification{LLM: &LLMClassification{ServerHistory: sh}}
	}

	toolState, err := buildToolState(history[lastCodeIdx+1:])
	if err != nil {
		return Classification{Err: err}
	}
	return Classification{Code: &CodeClassification{
		Block:   block,
		Partial: sandbox.Partial{Code: block.Code, ToolState: toolState},
	}}
}

// buildToolState implements spec.md §4.B "Building tool-state from a
// slice": locate the latest assistant message without tool calls (if any),
// then for every assistant tool call after that point look for a matching
// tool message.
func buildToolState(slice []ClientMessage) ([]sandbox.ToolStateEntry, error) {
	for _, m := range slice {
		if m.Role != RoleAssistant && m.Role != RoleTool {
			return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("unexpected role %q while code block is open", m.Role)}
		}
	}

	start := 0
	for i := len(slice) - 1; i >= 0; i-- {
		if slice[i].Role == RoleAssistant && len(slice[i].ToolCalls) == 0 {
			start = i + 1
			break
		}
	}

	var calls []ToolCall
	for _, m := range slice[start:] {
		if m.Role != RoleAssistant {
			continue
		}
		calls = append(calls, m.ToolCalls...)
	}

	results := make(map[string]ClientMessage, len(slice))
	for _, m := range slice[start:] {
		if m.Role == RoleTool {
			results[m.ToolCallID] = m
		}
	}

	entries := make([]sandbox.ToolStateEntry, 0, len(calls))
	for _, call := range calls {
		res, ok := results[call.ID]
		if !ok {
			entries = append(entries, sandbox.ToolStateEntry{
				ID:        call.ID,
				Status:    sandbox.StatusPending,
				Arguments: json.RawMessage(call.Arguments),
			})
			continue
		}
		if res.ToolContent == "" {
			return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("tool message %q has empty content", call.ID)}
		}
		var probe any
		if err := json.Unmarshal([]byte(res.ToolContent), &probe); err != nil {
			return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("tool message %q content is not valid JSON: %v", call.ID, err)}
		}
		entries = append(entries, sandbox.ToolStateEntry{
			ID:     call.ID,
			Status: sandbox.StatusResolved,
			Result: json.RawMessage(res.ToolContent),
		})
	}
	return entries, nil
}

// runTypescriptTool is the single virtual tool name the model sees,
// matching spec.md §3/§6.
const runTypescriptTool = "run_typescript"

type machineState int

const (
	stateNormal machineState = iota
	stateInCode
)

// ClientToServerMessages implements the client→model projection of spec.md
// §4.B: a two-state machine over {normal, in-code{id}}.
func ClientToServerMessages(history []ClientMessage) ([]*model.Message, error) {
	state := stateNormal
	var openID string
	var out []*model.Message

	for _, m := range history {
		switch state {
		case stateNormal:
			switch m.Role {
			case RoleSystem:
				out = append(out, &model.Message{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: m.Content}}})
			case RoleUser:
				out = append(out, &model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: m.Content}}})
			case RoleAssistant:
				if !onlyRunTypescriptOrNone(m.ToolCalls) {
					return nil, &ErrProtocolViolation{Reason: "assistant tool call other than run_typescript in normal state"}
				}
				out = append(out, assistantTextMessage(m))
			case RoleCode:
				out = append(out, &model.Message{
					Role: model.ConversationRoleAssistant,
					Parts: []model.Part{model.ToolUsePart{
						ID:    m.ID,
						Name:  runTypescriptTool,
						Input: map[string]any{"code": m.Code},
					}},
				})
				state, openID = stateInCode, m.ID
			case RoleTool:
				return nil, &ErrProtocolViolation{Reason: "tool message outside a code block"}
			default:
				return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("unexpected role %q in normal state", m.Role)}
			}

		case stateInCode:
			switch m.Role {
			case RoleCodeResult:
				if m.ID != openID {
					return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("code-result id %q does not match open code block %q", m.ID, openID)}
				}
				content, err := json.Marshal(resultPayload(m.Result))
				if err != nil {
					return nil, fmt.Errorf("marshalling code-result %q: %w", m.ID, err)
				}
				out = append(out, &model.Message{
					Role: model.ConversationRoleTool,
					Parts: []model.Part{model.ToolResultPart{
						ToolUseID: openID,
						Content:   string(content),
						IsError:   m.Result != nil && m.Result.Status == ResultStatusError,
					}},
				})
				state, openID = stateNormal, ""
			case RoleAssistant, RoleTool:
				// Intermediate tool-call dialogues are invisible to the model.
			case RoleCode, RoleSystem, RoleUser:
				return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("unexpected role %q while code block %q is open", m.Role, openID)}
			default:
				return nil, &ErrProtocolViolation{Reason: fmt.Sprintf("unexpected role %q while code block %q is open", m.Role, openID)}
			}
		}
	}

	return out, nil
}

func resultPayload(r *CodeResult) map[string]any {
	if r == nil {
		return map[string]any{"status": "success", "data": nil}
	}
	if r.Status == ResultStatusError {
		return map[string]any{"status": "error", "error": r.Error}
	}
	return map[string]any{"status": "success", "data": r.Data}
}

func onlyRunTypescriptOrNone(calls []ToolCall) bool {
	for _, c := range calls {
		if c.Name != runTypescriptTool {
			return false
		}
	}
	return true
}

func assistantTextMessage(m ClientMessage) *model.Message {
	return &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: m.Content}}}
}

func buildServerHistory(history []ClientMessage) ([]*model.Message, error) {
	return ClientToServerMessages(history)
}

// ProjectAssistant implements the model→client projection for an assistant
// reply: a run_typescript tool call becomes a code message; anything else
// becomes a plain assistant message.
func ProjectAssistant(msg *model.Response) (ClientMessage, error) {
	for _, tc := range msg.ToolCalls {
		if string(tc.Name) != runTypescriptTool {
			continue
		}
		var args struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(tc.Payload, &args); err != nil {
			return ClientMessage{}, fmt.Errorf("decoding run_typescript arguments: %w", err)
		}
		return ClientMessage{Role: RoleCode, ID: tc.ID, Code: args.Code}, nil
	}
	return ClientMessage{Role: RoleAssistant, Content: textOf(msg)}, nil
}

func textOf(msg *model.Response) string {
	var out string
	for _, m := range msg.Content {
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				out += tp.Text
			}
		}
	}
	return out
}

// ProjectPending builds the client-visible assistant message surfacing a
// Partial outcome: one tool call per pending entry, omitting
// resolved/rejected entries already reported earlier in the history.
func ProjectPending(toolState []sandbox.ToolStateEntry) ClientMessage {
	var calls []ToolCall
	for _, e := range toolState {
		if e.Status != sandbox.StatusPending {
			continue
		}
		calls = append(calls, ToolCall{ID: e.ID, Name: string(e.Name), Arguments: string(e.Arguments)})
	}
	return ClientMessage{Role: RoleAssistant, ToolCalls: calls}
}
