package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/agentscript-run/runtime/runtime/codeagent/model"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func textRequest(text string) *model.Request {
	return &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: text}}},
		},
	}
}

func TestNew_RequiresRuntimeAndDefaultModel(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "anthropic.claude-3"})
	require.Error(t, err)

	_, err = New(&mockRuntime{}, Options{})
	require.Error(t, err)
}

func TestComplete_TextAndToolUse(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					Name:      aws.String("run_typescript"),
					ToolUseId: aws.String("tool-1"),
					Input:     document.NewLazyDocument(&map[string]any{"code": "async function main(){}"}),
				}},
			},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(100),
			OutputTokens: aws.Int32(20),
			TotalTokens:  aws.Int32(120),
		},
		StopReason: brtypes.StopReasonToolUse,
	}}

	cl, err := New(mock, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 128})
	require.NoError(t, err)

	req := textRequest("run it")
	req.Tools = []*model.ToolDefinition{{
		Name:        "run_typescript",
		Description: "Execute a TypeScript program",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}

	resp, err := cl.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	require.Equal(t, "hello", resp.Content[0].Parts[0].(model.TextPart).Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "run_typescript", string(resp.ToolCalls[0].Name))
	require.Equal(t, "tool-1", resp.ToolCalls[0].ID)
	require.JSONEq(t, `{"code":"async function main(){}"}`, string(resp.ToolCalls[0].Payload))
	require.Equal(t, string(brtypes.StopReasonToolUse), resp.StopReason)
	require.Equal(t, 120, resp.Usage.TotalTokens)

	require.Equal(t, "anthropic.claude-3", *mock.captured.ModelId)
	require.NotNil(t, mock.captured.ToolConfig)
	require.Len(t, mock.captured.ToolConfig.Tools, 1)
}

func TestComplete_SystemTextSeparatedFromConversation(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{StopReason: brtypes.StopReasonEndTurn}}
	cl, err := New(mock, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 64})
	require.NoError(t, err)

	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "be terse"}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
	}
	_, err = cl.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, mock.captured.System, 1)
	require.Len(t, mock.captured.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, mock.captured.Messages[0].Role)
}

func TestComplete_RequiresAtLeastOneMessage(t *testing.T) {
	cl, err := New(&mockRuntime{}, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 64})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestComplete_SystemOnlyMessageIsAnError(t *testing.T) {
	cl, err := New(&mockRuntime{}, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 64})
	require.NoError(t, err)

	req := &model.Request{Messages: []*model.Message{
		{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "only system"}}},
	}}
	_, err = cl.Complete(context.Background(), req)
	require.Error(t, err)
}

type throttlingError struct{}

func (throttlingError) Error() string                 { return "throttled" }
func (throttlingError) ErrorCode() string              { return "ThrottlingException" }
func (throttlingError) ErrorMessage() string           { return "rate limited" }
func (throttlingError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestComplete_ThrottlingExceptionWrapsRateLimitedSentinel(t *testing.T) {
	mock := &mockRuntime{err: throttlingError{}}
	cl, err := New(mock, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 64})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), textRequest("hi"))
	require.True(t, errors.Is(err, model.ErrRateLimited))
}

func TestComplete_OtherErrorsAreNotRateLimited(t *testing.T) {
	mock := &mockRuntime{err: errors.New("boom")}
	cl, err := New(mock, Options{DefaultModel: "anthropic.claude-3", MaxTokens: 64})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), textRequest("hi"))
	require.Error(t, err)
	require.False(t, errors.Is(err, model.ErrRateLimited))
}

func TestEncodeTools_MissingDescriptionIsAnError(t *testing.T) {
	_, err := encodeTools([]*model.ToolDefinition{{Name: "webSearch"}})
	require.Error(t, err)
}

func TestEncodeTools_EmptyDefsReturnsNilConfig(t *testing.T) {
	cfg, err := encodeTools(nil)
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestToDocument_NilFallsBackToEmptyObject(t *testing.T) {
	doc := toDocument(nil)
	data, err := doc.MarshalSmithyDocument()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"object"}`, string(data))
}

func TestToDocument_RawMessageIsDecodedBeforeWrapping(t *testing.T) {
	doc := toDocument(json.RawMessage(`{"query":"news"}`))
	data, err := doc.MarshalSmithyDocument()
	require.NoError(t, err)
	require.JSONEq(t, `{"query":"news"}`, string(data))
}
