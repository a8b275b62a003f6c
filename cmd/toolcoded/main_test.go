package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentscript-run/runtime/features/model/middleware"
	"github.com/agentscript-run/runtime/runtime/codeagent/model"
	"github.com/agentscript-run/runtime/runtime/codeagent/runlog"
	"github.com/agentscript-run/runtime/runtime/codeagent/sandbox"
	"github.com/agentscript-run/runtime/runtime/codeagent/telemetry"
	"github.com/agentscript-run/runtime/runtime/codeagent/toolprojector"
)

func newTestServer() *server {
	return &server{
		cfg:       sandbox.Config{},
		cache:     toolprojector.NewCache(0),
		log:       telemetry.NewNoopLogger(),
		telemetry: telemetry.NewNoop(),
	}
}

func TestHandleConvertTools(t *testing.T) {
	srv := newTestServer()

	body := convertToolsRequest{Tools: []toolWire{
		{
			Name:        "webSearch",
			Description: "search the web",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
	}}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tools/convert", bytes.NewReader(data))
	rec := httptest.NewRecorder()

	srv.handleConvertTools(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp convertToolsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "run_typescript", resp.RunTypescriptTool.Name)
	require.Contains(t, resp.SystemMessage, "webSearch")
}

func TestHandleEvaluateSuccess(t *testing.T) {
	srv := newTestServer()

	body := evaluateRequest{Code: "async function main() { return 1 + 1; }"}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(data))
	rec := httptest.NewRecorder()

	srv.handleEvaluate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp evaluateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, sandbox.OutcomeSuccess, resp.Kind)
	require.InDelta(t, 2, resp.Value, 0)
}

func TestHandleEvaluatePartial(t *testing.T) {
	srv := newTestServer()

	body := evaluateRequest{
		Code: `async function main(){ const r = await webSearch({query:"news"}); return r; }`,
		Tools: []toolWire{
			{Name: "webSearch", Description: "search the web", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(data))
	rec := httptest.NewRecorder()

	srv.handleEvaluate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp evaluateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, sandbox.OutcomePartial, resp.Kind)
	require.Len(t, resp.ToolState, 1)
	require.Equal(t, sandbox.StatusPending, resp.ToolState[0].Status)
}

func TestHandleEvaluateBadRequest(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	srv.handleEvaluate(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// stubLLMClient is a canned model.Client double standing in for a real
// provider adapter, so handleServe can be exercised without network access.
type stubLLMClient struct {
	resp *model.Response
	err  error
}

func (s *stubLLMClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return s.resp, s.err
}

func TestHandleServe_TerminalReplyReachesOrchestrator(t *testing.T) {
	srv := newTestServer()
	srv.runlog = runlog.Noop{}
	srv.limiter = middleware.NewAdaptiveRateLimiter(60000, 60000)
	srv.llm = &stubLLMClient{resp: &model.Response{
		Content:    []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "done"}}}},
		StopReason: "end_turn",
	}}

	body := serveRequest{
		RunID:   "run-1",
		History: []clientMessageWire{{Role: "user", Content: "hi"}},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/serve", bytes.NewReader(data))
	rec := httptest.NewRecorder()

	srv.handleServe(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp serveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.History, 1)
	require.Equal(t, "assistant", resp.History[0].Role)
	require.Equal(t, "done", resp.History[0].Content)
}

func TestHandleServe_NoProviderConfiguredIsUnavailable(t *testing.T) {
	srv := newTestServer()

	body := serveRequest{RunID: "run-2", History: []clientMessageWire{{Role: "user", Content: "hi"}}}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/serve", bytes.NewReader(data))
	rec := httptest.NewRecorder()

	srv.handleServe(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
