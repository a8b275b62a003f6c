package middleware

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/agentscript-run/runtime/runtime/codeagent/model"
)

type fakeClient struct {
	completeErr   error
	completeCalls int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	return nil, f.completeErr
}

func testRequest() *model.Request {
	return &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hello"}}},
		},
		MaxTokens: 10,
	}
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), testRequest())
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	if _, err := wrapped.Complete(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := wrapped.Complete(ctx, testRequest())
	if err == nil {
		t.Fatal("expected an error when the context is already canceled")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls", client.completeCalls)
	}
}

func TestAdaptiveRateLimiter_MiddlewareNilNext(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	if limiter.Middleware()(nil) != nil {
		t.Fatal("expected wrapping a nil client to return nil")
	}
}

func TestNewAdaptiveRateLimiter_ClampsBounds(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(0, 0)
	if limiter.currentTPM != 60000 {
		t.Fatalf("expected default initial TPM of 60000, got %f", limiter.currentTPM)
	}
	if limiter.maxTPM != limiter.currentTPM {
		t.Fatalf("expected maxTPM to clamp to initial TPM, got %f", limiter.maxTPM)
	}
}

func TestEstimateTokens(t *testing.T) {
	empty := &model.Request{}
	if got := estimateTokens(empty); got != 500 {
		t.Fatalf("expected baseline estimate of 500 for an empty request, got %d", got)
	}

	withText := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: string(make([]byte, 300))}}},
		},
	}
	if got := estimateTokens(withText); got <= 500 {
		t.Fatalf("expected a larger estimate for a request with text, got %d", got)
	}
}
