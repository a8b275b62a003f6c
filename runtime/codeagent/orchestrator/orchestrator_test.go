package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentscript-run/runtime/runtime/codeagent/model"
	"github.com/agentscript-run/runtime/runtime/codeagent/runlog"
	"github.com/agentscript-run/runtime/runtime/codeagent/sandbox"
	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
	"github.com/agentscript-run/runtime/runtime/codeagent/transcoder"
)

// scriptedClient replays a fixed sequence of responses, one per Complete
// call, and records every request it was given.
type scriptedClient struct {
	responses []*model.Response
	err       error
	calls     []*model.Request
}

func (c *scriptedClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.calls = append(c.calls, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.calls) > len(c.responses) {
		panic("scriptedClient: more Complete calls than scripted responses")
	}
	return c.responses[len(c.calls)-1], nil
}

// capturingSink records every entry it receives, for assertions on runlog
// behavior.
type capturingSink struct {
	entries []runlog.Entry
}

func (s *capturingSink) Record(_ context.Context, e runlog.Entry) {
	s.entries = append(s.entries, e)
}

func runTypescriptCallResponse(id, code string) *model.Response {
	payload, _ := json.Marshal(map[string]string{"code": code})
	return &model.Response{
		ToolCalls: []model.ToolCall{{ID: id, Name: "run_typescript", Payload: payload}},
		StopReason: "tool_use",
	}
}

func textResponse(text string) *model.Response {
	return &model.Response{
		Content:    []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}},
		StopReason: "end_turn",
	}
}

func TestLoop_Run_SingleTurnSuccessThenTerminalReply(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		runTypescriptCallResponse("t1", "async function main(){ return 1 + 1; }"),
		textResponse("the answer is 2"),
	}}
	sink := &capturingSink{}
	loop := New(client, nil, WithRunlog(sink))

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "what is 1+1?"}}
	out, err := loop.Run(context.Background(), history, "run-1")
	require.NoError(t, err)
	require.Len(t, client.calls, 2)

	require.Len(t, out, 3)
	require.Equal(t, transcoder.RoleCode, out[0].Role)
	require.Equal(t, transcoder.RoleCodeResult, out[1].Role)
	require.Equal(t, transcoder.ResultStatusSuccess, out[1].Result.Status)
	require.Equal(t, transcoder.RoleAssistant, out[2].Role)
	require.Equal(t, "the answer is 2", out[2].Content)

	var turns []string
	for _, e := range sink.entries {
		turns = append(turns, e.Turn)
	}
	require.Equal(t, []string{"llm", "sandbox", "llm"}, turns)
}

func TestLoop_Run_PartialOutcomeStopsWithoutAnotherLLMCall(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		runTypescriptCallResponse("t1", `async function main(){ return await webSearch({query:"news"}); }`),
	}}
	defs := []tools.Definition{{Name: "webSearch", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	loop := New(client, defs)

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "search the news"}}
	out, err := loop.Run(context.Background(), history, "run-2")
	require.NoError(t, err)
	require.Len(t, client.calls, 1)

	require.Len(t, out, 2)
	require.Equal(t, transcoder.RoleCode, out[0].Role)
	require.Equal(t, transcoder.RoleAssistant, out[1].Role)
	require.Len(t, out[1].ToolCalls, 1)
	require.Equal(t, "webSearch", out[1].ToolCalls[0].Name)
}

func TestLoop_Run_EngineErrorPropagates(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		runTypescriptCallResponse("t1", "this is not valid typescript {{{"),
	}}
	loop := New(client, nil)

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "run broken code"}}
	_, err := loop.Run(context.Background(), history, "run-3")
	require.Error(t, err)
	require.ErrorAs(t, err, new(*ErrEngine))
}

func TestLoop_Run_LLMCompletionErrorPropagates(t *testing.T) {
	client := &scriptedClient{err: model.ErrRateLimited}
	loop := New(client, nil)

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "hi"}}
	_, err := loop.Run(context.Background(), history, "run-4")
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestLoop_Run_ResolvedToolStateContinuesSandboxReplay(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		textResponse("found some results"),
	}}
	defs := []tools.Definition{{Name: "webSearch", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	loop := New(client, defs)

	history := []transcoder.ClientMessage{
		{Role: transcoder.RoleUser, Content: "search the news"},
		{Role: transcoder.RoleCode, ID: "t1", Code: `async function main(){ const r = await webSearch({query:"q"}); return r.length; }`},
		{Role: transcoder.RoleAssistant, ToolCalls: []transcoder.ToolCall{{ID: "w1", Name: "webSearch", Arguments: `{"query":"q"}`}}},
		{Role: transcoder.RoleTool, ToolCallID: "w1", ToolContent: `[1,2,3]`},
	}

	out, err := loop.Run(context.Background(), history, "run-5")
	require.NoError(t, err)
	require.Len(t, client.calls, 1)

	require.Len(t, out, 2)
	require.Equal(t, transcoder.RoleCodeResult, out[0].Role)
	require.Equal(t, transcoder.ResultStatusSuccess, out[0].Result.Status)
	require.InDelta(t, 3, out[0].Result.Data, 0)
	require.Equal(t, transcoder.RoleAssistant, out[1].Role)
}

func TestLoop_Run_ProgressInvariantTerminatesForFiniteToolUse(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		runTypescriptCallResponse("t1", "async function main(){ return 1; }"),
		runTypescriptCallResponse("t2", "async function main(){ return 2; }"),
		textResponse("done"),
	}}
	loop := New(client, nil)

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "go"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		out, err := loop.Run(context.Background(), history, "run-6")
		require.NoError(t, err)
		require.NotEmpty(t, out)
	}()
	<-done
}

func TestLoop_Run_SandboxTurnRecordsRunlogEntry(t *testing.T) {
	client := &scriptedClient{responses: []*model.Response{
		runTypescriptCallResponse("t1", "async function main(){ return 1; }"),
		textResponse("done"),
	}}
	sink := &capturingSink{}
	loop := New(client, nil, WithRunlog(sink))

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "go"}}
	_, err := loop.Run(context.Background(), history, "run-7")
	require.NoError(t, err)

	var sawSandbox bool
	for _, e := range sink.entries {
		require.Equal(t, "run-7", e.RunID)
		if e.Turn == "sandbox" {
			sawSandbox = true
			require.Contains(t, e.Detail, string(sandbox.OutcomeSuccess))
		}
	}
	require.True(t, sawSandbox)
}

func TestLoop_Run_PicksFirstToolCallWhenResponseHasMoreThanOne(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"code": "async function main(){ return 1; }"})
	other, _ := json.Marshal(map[string]string{"code": "async function main(){ return 2; }"})
	client := &scriptedClient{responses: []*model.Response{
		{
			ToolCalls: []model.ToolCall{
				{ID: "t1", Name: "run_typescript", Payload: payload},
				{ID: "t2", Name: "run_typescript", Payload: other},
			},
		},
		textResponse("done"),
	}}
	loop := New(client, nil)

	history := []transcoder.ClientMessage{{Role: transcoder.RoleUser, Content: "go"}}
	out, err := loop.Run(context.Background(), history, "run-8")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.Equal(t, "t1", out[0].ID)
}
