// Command toolcoded runs a thin reference HTTP transport over the
// orchestrator and sandbox services: spec.md §6 names the orchestrator's
// serve(messages, tools) -> messages as the primary client-facing
// interface, plus the two secondary sandbox-service endpoints
// (convert-tools, evaluate) for out-of-process deployment. This binary
// exposes all three directly as JSON-over-HTTP without any code-generated
// transport layer. That machinery belongs to the meta-framework the teacher
// itself is built with, not to a single runtime service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	sdkopenai "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"goa.design/clue/log"

	featanthropic "github.com/agentscript-run/runtime/features/model/anthropic"
	featbedrock "github.com/agentscript-run/runtime/features/model/bedrock"
	"github.com/agentscript-run/runtime/features/model/middleware"
	featopenai "github.com/agentscript-run/runtime/features/model/openai"
	"github.com/agentscript-run/runtime/runtime/codeagent/model"
	"github.com/agentscript-run/runtime/runtime/codeagent/orchestrator"
	"github.com/agentscript-run/runtime/runtime/codeagent/runlog"
	"github.com/agentscript-run/runtime/runtime/codeagent/sandbox"
	"github.com/agentscript-run/runtime/runtime/codeagent/telemetry"
	"github.com/agentscript-run/runtime/runtime/codeagent/toolprojector"
	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
	"github.com/agentscript-run/runtime/runtime/codeagent/transcoder"
)

func main() {
	var (
		addrF        = flag.String("addr", ":8085", "HTTP listen address")
		dbgF         = flag.Bool("debug", false, "log request and response bodies")
		memLimitF    = flag.Uint64("sandbox-memory-limit", sandbox.DefaultMemoryLimit, "sandbox VM heap cap in bytes")
		timeoutF     = flag.Duration("sandbox-timeout", sandbox.DefaultTimeout, "sandbox evaluate wall-clock cap")
		shutdownWait = flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown wait")

		llmProviderF  = flag.String("llm-provider", "", "LLM collaborator backing /serve: anthropic, openai, or bedrock (leave empty to disable /serve)")
		llmModelF     = flag.String("llm-model", "", "model identifier for the selected provider")
		llmAPIKeyF    = flag.String("llm-api-key", "", "API key for anthropic/openai (bedrock uses the default AWS credential chain)")
		llmMaxTokensF = flag.Int("llm-max-tokens", 4096, "max output tokens per completion")
		rateInitialF  = flag.Float64("rate-limit-initial-tpm", 60000, "initial adaptive rate-limit budget, tokens per minute")
		rateMaxF      = flag.Float64("rate-limit-max-tpm", 60000, "maximum adaptive rate-limit budget, tokens per minute")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	telem := telemetry.Telemetry{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	cfg := sandbox.Config{MemoryLimit: *memLimitF, Timeout: *timeoutF}
	srv := &server{
		cfg:       cfg,
		cache:     toolprojector.NewCache(0),
		log:       telem.Logger,
		telemetry: telem,
		runlog:    runlog.Noop{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/convert", srv.handleConvertTools)
	mux.HandleFunc("POST /evaluate", srv.handleEvaluate)

	if *llmProviderF != "" {
		llm, err := buildLLMClient(*llmProviderF, *llmModelF, *llmAPIKeyF, *llmMaxTokensF)
		if err != nil {
			telem.Logger.Error(ctx, "toolcoded: llm client unavailable, /serve disabled", "error", err.Error())
		} else {
			srv.llm = llm
			srv.limiter = middleware.NewAdaptiveRateLimiter(*rateInitialF, *rateMaxF)
			mux.HandleFunc("POST /serve", srv.handleServe)
			telem.Logger.Info(ctx, "toolcoded: /serve enabled", "provider", *llmProviderF, "model", *llmModelF)
		}
	}

	httpSrv := &http.Server{Addr: *addrF, Handler: mux, BaseContext: func(net.Listener) context.Context { return ctx }}

	telem.Logger.Info(ctx, "toolcoded: listening", "addr", *addrF)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			telem.Logger.Error(ctx, "toolcoded: listen failed", "error", err.Error())
			stop()
		}
	}()

	<-sigCtx.Done()
	telem.Logger.Info(ctx, "toolcoded: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownWait)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		telem.Logger.Error(ctx, "toolcoded: shutdown error", "error", err.Error())
	}
}

// buildLLMClient constructs the model.Client backing /serve from the
// selected provider's own SDK client. The convenience NewFromAPIKey
// constructors on the anthropic/openai adapters don't accept a MaxTokens
// option, and the orchestrator never sets model.Request.MaxTokens per call,
// so every provider is wired through its adapter's New(rawClient, Options)
// form instead, with MaxTokens set explicitly.
func buildLLMClient(provider, defaultModel, apiKey string, maxTokens int) (model.Client, error) {
	if defaultModel == "" {
		return nil, errors.New("llm-model is required when llm-provider is set")
	}
	switch provider {
	case "anthropic":
		if apiKey == "" {
			return nil, errors.New("llm-api-key is required for the anthropic provider")
		}
		ac := sdkanthropic.NewClient(anthropicoption.WithAPIKey(apiKey))
		return featanthropic.New(&ac.Messages, featanthropic.Options{DefaultModel: defaultModel, MaxTokens: maxTokens})
	case "openai":
		if apiKey == "" {
			return nil, errors.New("llm-api-key is required for the openai provider")
		}
		oc := sdkopenai.NewClient(openaioption.WithAPIKey(apiKey))
		return featopenai.New(&oc.Chat.Completions, featopenai.Options{DefaultModel: defaultModel, MaxTokens: maxTokens})
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		rt := bedrockruntime.NewFromConfig(awsCfg)
		return featbedrock.New(rt, featbedrock.Options{DefaultModel: defaultModel, MaxTokens: maxTokens})
	default:
		return nil, fmt.Errorf("unknown llm-provider %q: want anthropic, openai, or bedrock", provider)
	}
}

type server struct {
	cfg       sandbox.Config
	cache     *toolprojector.Cache
	log       telemetry.Logger
	telemetry telemetry.Telemetry
	runlog    runlog.Sink

	// llm and limiter are non-nil only when a provider was configured via
	// --llm-provider; handleServe is not registered otherwise.
	llm     model.Client
	limiter *middleware.AdaptiveRateLimiter
}

// convertToolsRequest is the body for POST /tools/convert: [Tool] per
// spec.md §6.
type convertToolsRequest struct {
	Tools []toolWire `json:"tools"`
}

type toolWire struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// convertToolsResponse is {runTypescriptTool, systemMessage} per spec.md §6.
type convertToolsResponse struct {
	RunTypescriptTool toolWire `json:"runTypescriptTool"`
	SystemMessage     string   `json:"systemMessage"`
}

func (s *server) handleConvertTools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req convertToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	defs := toolDefinitionsFromWire(req.Tools)

	rendered, err := s.cache.RenderCached(defs)
	if err != nil {
		s.log.Error(ctx, "tools/convert: render failed", "error", err.Error())
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, convertToolsResponse{
		RunTypescriptTool: toolWire{
			Name:        "run_typescript",
			Description: "Execute a TypeScript program that defines and uses an async function main().",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`),
		},
		SystemMessage: rendered,
	})
}

// evaluateRequest is the body for POST /evaluate: {partial, tools}.
type evaluateRequest struct {
	Code      string                   `json:"code"`
	ToolState []sandbox.ToolStateEntry `json:"toolState"`
	Tools     []toolWire               `json:"tools"`
}

// evaluateResponse is the tagged Outcome per spec.md §4.A.
type evaluateResponse struct {
	Kind      sandbox.OutcomeKind      `json:"kind"`
	Value     any                      `json:"value,omitempty"`
	Error     string                   `json:"error,omitempty"`
	ToolState []sandbox.ToolStateEntry `json:"toolState,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	defs := toolDefinitionsFromWire(req.Tools)

	outcome := sandbox.Evaluate(ctx, req.Code, req.ToolState, defs, s.cfg, s.telemetry)

	resp := evaluateResponse{Kind: outcome.Kind, ToolState: outcome.ToolState, Reason: outcome.Reason}
	if outcome.Value != nil {
		resp.Value = outcome.Value
	}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}

	status := http.StatusOK
	if outcome.Kind == sandbox.OutcomeEngineError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// serveRequest is the body for POST /serve: {runId, history, tools} per
// spec.md §6's serve(messages, tools) -> messages.
type serveRequest struct {
	RunID   string              `json:"runId"`
	History []clientMessageWire `json:"history"`
	Tools   []toolWire          `json:"tools"`
}

// serveResponse carries the suffix of new client-visible messages
// orchestrator.Loop.Run appended.
type serveResponse struct {
	History []clientMessageWire `json:"history"`
}

type toolCallWire struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type codeResultWire struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// clientMessageWire is the wire form of transcoder.ClientMessage; exactly
// the fields relevant to Role are populated, mirroring the domain type.
type clientMessageWire struct {
	Role        string          `json:"role"`
	Content     string          `json:"content,omitempty"`
	ToolCalls   []toolCallWire  `json:"toolCalls,omitempty"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	ToolContent string          `json:"toolContent,omitempty"`
	ID          string          `json:"id,omitempty"`
	Code        string          `json:"code,omitempty"`
	Result      *codeResultWire `json:"result,omitempty"`
}

func (s *server) handleServe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("serve: no llm provider configured"))
		return
	}

	var req serveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	history := make([]transcoder.ClientMessage, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, clientMessageFromWire(m))
	}

	loop := orchestrator.New(s.llm, toolDefinitionsFromWire(req.Tools),
		orchestrator.WithRateLimiter(s.limiter),
		orchestrator.WithTelemetry(s.telemetry),
		orchestrator.WithSandboxConfig(s.cfg),
		orchestrator.WithRunlog(s.runlog),
	)

	appended, err := loop.Run(ctx, history, req.RunID)
	if err != nil {
		var engineErr *orchestrator.ErrEngine
		if errors.As(err, &engineErr) {
			s.log.Error(ctx, "serve: engine error", "reason", engineErr.Reason)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.log.Error(ctx, "serve: failed", "error", err.Error())
		writeError(w, http.StatusBadGateway, err)
		return
	}

	wire := make([]clientMessageWire, 0, len(appended))
	for _, m := range appended {
		wire = append(wire, clientMessageToWire(m))
	}
	writeJSON(w, http.StatusOK, serveResponse{History: wire})
}

func toolDefinitionsFromWire(in []toolWire) []tools.Definition {
	defs := make([]tools.Definition, 0, len(in))
	for _, t := range in {
		defs = append(defs, tools.Definition{
			Name:         tools.Ident(t.Name),
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	return defs
}

func clientMessageFromWire(m clientMessageWire) transcoder.ClientMessage {
	cm := transcoder.ClientMessage{
		Role:        transcoder.Role(m.Role),
		Content:     m.Content,
		ToolCallID:  m.ToolCallID,
		ToolContent: m.ToolContent,
		ID:          m.ID,
		Code:        m.Code,
	}
	for _, tc := range m.ToolCalls {
		cm.ToolCalls = append(cm.ToolCalls, transcoder.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if m.Result != nil {
		cm.Result = &transcoder.CodeResult{
			Status: transcoder.ResultStatus(m.Result.Status),
			Data:   m.Result.Data,
			Error:  m.Result.Error,
		}
	}
	return cm
}

func clientMessageToWire(m transcoder.ClientMessage) clientMessageWire {
	w := clientMessageWire{
		Role:        string(m.Role),
		Content:     m.Content,
		ToolCallID:  m.ToolCallID,
		ToolContent: m.ToolContent,
		ID:          m.ID,
		Code:        m.Code,
	}
	for _, tc := range m.ToolCalls {
		w.ToolCalls = append(w.ToolCalls, toolCallWire{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	if m.Result != nil {
		w.Result = &codeResultWire{Status: string(m.Result.Status), Data: m.Result.Data, Error: m.Result.Error}
	}
	return w
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
