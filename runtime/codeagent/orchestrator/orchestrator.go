// Package orchestrator implements the recursive driver of spec.md §4.C as
// an explicit iterative loop, alternating between the sandbox replay
// engine and the LLM collaborator until a terminal assistant reply is
// produced or the client must answer pending tool calls.
//
// Loop.Run deliberately avoids Go call-stack recursion (the teacher's
// runtime/agent/runtime.workflowLoop.run follows the same shape) so the
// loop's bound — code-block count times maximum replay passes per block —
// never risks stack growth regardless of how many passes a program needs.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/agentscript-run/runtime/features/model/middleware"
	"github.com/agentscript-run/runtime/runtime/codeagent/model"
	"github.com/agentscript-run/runtime/runtime/codeagent/runlog"
	"github.com/agentscript-run/runtime/runtime/codeagent/sandbox"
	"github.com/agentscript-run/runtime/runtime/codeagent/telemetry"
	"github.com/agentscript-run/runtime/runtime/codeagent/toolprojector"
	"github.com/agentscript-run/runtime/runtime/codeagent/tools"
	"github.com/agentscript-run/runtime/runtime/codeagent/transcoder"
)

// Loop drives one Run call. It holds only the immutable collaborators and
// configuration for the call; all mutable state is the accumulating
// message slice threaded through run's iterations.
type Loop struct {
	LLM        model.Client
	Tools      []tools.Definition
	Cache      *toolprojector.Cache
	Runlog     runlog.Sink
	Telemetry  telemetry.Telemetry
	SandboxCfg sandbox.Config

	// rawLLM is the collaborator New was given, before rate-limit
	// wrapping, so WithRateLimiter/WithoutRateLimiter can re-wrap it
	// instead of compounding limiters.
	rawLLM model.Client
}

// defaultInitialTPM and defaultMaxTPM bound the adaptive rate limiter New
// wraps every LLM collaborator with, absent a WithRateLimiter override.
// Generous enough that a single-turn call never blocks on an empty bucket.
const (
	defaultInitialTPM = 60000
	defaultMaxTPM     = 60000
)

// New constructs a Loop with sane defaults for the cache and telemetry when
// the caller does not supply them. llm is wrapped with an adaptive
// tokens-per-minute rate limiter (features/model/middleware) so repeated
// orchestrator turns against a live provider back off instead of hot-looping
// past the provider's rate limit; pass WithRateLimiter or WithoutRateLimiter
// to override or disable this.
func New(llm model.Client, defs []tools.Definition, opts ...Option) *Loop {
	l := &Loop{
		LLM:       middleware.NewAdaptiveRateLimiter(defaultInitialTPM, defaultMaxTPM).Middleware()(llm),
		rawLLM:    llm,
		Tools:     defs,
		Cache:     toolprojector.NewCache(0),
		Runlog:    runlog.Noop{},
		Telemetry: telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Option configures a Loop built by New.
type Option func(*Loop)

// WithRunlog attaches a runlog sink.
func WithRunlog(s runlog.Sink) Option { return func(l *Loop) { l.Runlog = s } }

// WithTelemetry attaches a telemetry bundle.
func WithTelemetry(t telemetry.Telemetry) Option { return func(l *Loop) { l.Telemetry = t } }

// WithSandboxConfig overrides the sandbox memory/timeout configuration.
func WithSandboxConfig(cfg sandbox.Config) Option { return func(l *Loop) { l.SandboxCfg = cfg } }

// WithRateLimiter replaces New's default adaptive rate limiter, wrapping the
// raw collaborator passed to New with the given limiter instead.
func WithRateLimiter(limiter *middleware.AdaptiveRateLimiter) Option {
	return func(l *Loop) { l.LLM = limiter.Middleware()(l.rawLLM) }
}

// WithoutRateLimiter strips New's default rate-limit wrapping, restoring the
// raw collaborator passed to New. Intended for tests driving a scripted
// model.Client where the limiter's bookkeeping is irrelevant.
func WithoutRateLimiter() Option {
	return func(l *Loop) { l.LLM = l.rawLLM }
}

// ErrEngine tags a fatal engine failure (spec.md §7 kind 4), surfaced as a
// plain Go error rather than a toolerrors.ToolError since it is
// operator-facing, not model-facing.
type ErrEngine struct {
	Reason string
}

func (e *ErrEngine) Error() string { return fmt.Sprintf("sandbox engine error: %s", e.Reason) }

// Run implements serve(clientHistory, tools) -> clientHistory' from spec.md
// §4.C: it returns a non-empty suffix of new client-visible messages,
// ending either in a pending-tool-calls assistant message or a terminal
// assistant message with plain content.
func (l *Loop) Run(ctx context.Context, history []transcoder.ClientMessage, runID string) ([]transcoder.ClientMessage, error) {
	var appended []transcoder.ClientMessage

	for {
		combined := append(append([]transcoder.ClientMessage{}, history...), appended...)
		class := transcoder.ParseClientMessages(combined)

		switch {
		case class.Err != nil:
			return nil, class.Err

		case class.Code != nil:
			outcome := sandbox.Evaluate(ctx, class.Code.Block.Code, class.Code.Partial.ToolState, l.Tools, l.SandboxCfg, l.Telemetry)
			l.Runlog.Record(ctx, runlog.Entry{
				RunID:     runID,
				Turn:      "sandbox",
				Timestamp: runlogTimestamp(),
				Detail:    fmt.Sprintf("code %s: %s", class.Code.Block.ID, outcome.Kind),
			})

			switch outcome.Kind {
			case sandbox.OutcomeSuccess:
				appended = append(appended, codeResultMessage(class.Code.Block.ID, transcoder.ResultStatusSuccess, outcome.Value, nil))
				continue
			case sandbox.OutcomeError:
				appended = append(appended, codeResultMessage(class.Code.Block.ID, transcoder.ResultStatusError, nil, outcome.Err.Error()))
				continue
			case sandbox.OutcomePartial:
				return append(appended, transcoder.ProjectPending(outcome.ToolState)), nil
			case sandbox.OutcomeEngineError:
				return nil, &ErrEngine{Reason: outcome.Reason}
			default:
				return nil, &ErrEngine{Reason: "unrecognized sandbox outcome kind"}
			}

		case class.LLM != nil:
			rendered, err := l.Cache.RenderCached(l.Tools)
			if err != nil {
				return nil, fmt.Errorf("rendering tool types: %w", err)
			}
			messages := prependSystemPrompt(rendered, class.LLM.ServerHistory)

			resp, err := l.LLM.Complete(ctx, &model.Request{
				RunID:    runID,
				Messages: messages,
				Tools:    []*model.ToolDefinition{runTypescriptToolDefinition()},
			})
			if err != nil {
				return nil, fmt.Errorf("llm completion: %w", err)
			}

			l.Runlog.Record(ctx, runlog.Entry{
				RunID:     runID,
				Turn:      "llm",
				Timestamp: runlogTimestamp(),
				Detail:    fmt.Sprintf("stop_reason=%s tool_calls=%d", resp.StopReason, len(resp.ToolCalls)),
			})

			clientMsg, err := transcoder.ProjectAssistant(resp)
			if err != nil {
				return nil, err
			}
			appended = append(appended, clientMsg)
			if len(resp.ToolCalls) > 0 {
				continue
			}
			return appended, nil

		default:
			return nil, &ErrEngine{Reason: "classification produced neither Code, LLM, nor Err"}
		}
	}
}

func codeResultMessage(id string, status transcoder.ResultStatus, data any, errVal any) transcoder.ClientMessage {
	return transcoder.ClientMessage{
		Role: transcoder.RoleCodeResult,
		ID:   id,
		Result: &transcoder.CodeResult{
			Status: status,
			Data:   data,
			Error:  errVal,
		},
	}
}

// runTypescriptToolDefinition is the single tool definition advertised to
// the model per spec.md §6: the virtual run_typescript tool taking
// {code: string}.
func runTypescriptToolDefinition() *model.ToolDefinition {
	return &model.ToolDefinition{
		Name:        "run_typescript",
		Description: "Execute a TypeScript program that defines and uses an async function main().",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{"type": "string"},
			},
			"required": []string{"code"},
		},
	}
}

func prependSystemPrompt(systemPrompt string, history []*model.Message) []*model.Message {
	out := make([]*model.Message, 0, len(history)+1)
	out = append(out, &model.Message{
		Role:  model.ConversationRoleSystem,
		Parts: []model.Part{model.TextPart{Text: systemPrompt}},
	})
	out = append(out, history...)
	return out
}

// runlogTimestamp is isolated into its own function so tests can observe
// that every orchestrator turn is timestamped, without the orchestrator's
// own logic depending on wall-clock time.
func runlogTimestamp() time.Time { return time.Now() }
