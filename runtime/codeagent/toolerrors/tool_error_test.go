package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsMessageWhenEmpty(t *testing.T) {
	err := New("")
	require.Equal(t, "tool error", err.Error())
}

func TestNew_KeepsProvidedMessage(t *testing.T) {
	err := New("rate limited")
	require.Equal(t, "rate limited", err.Error())
}

func TestNewWithCause_ChainsUnderlyingError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewWithCause("tool call failed", cause)
	require.Equal(t, "tool call failed", err.Error())
	require.Equal(t, "connection refused", err.Unwrap().Error())
}

func TestNewWithCause_EmptyMessageFallsBackToCauseMessage(t *testing.T) {
	cause := errors.New("timeout")
	err := NewWithCause("", cause)
	require.Equal(t, "timeout", err.Error())
}

func TestFromError_NilIsNil(t *testing.T) {
	require.Nil(t, FromError(nil))
}

func TestFromError_ReusesExistingToolErrorChain(t *testing.T) {
	original := NewWithCause("outer", errors.New("inner"))
	wrapped := fmt.Errorf("context: %w", original)

	got := FromError(wrapped)
	require.Same(t, original, got)
}

func TestFromError_WrapsPlainErrorChain(t *testing.T) {
	inner := errors.New("inner")
	outer := fmt.Errorf("outer: %w", inner)

	got := FromError(outer)
	require.Equal(t, outer.Error(), got.Message)
	require.NotNil(t, got.Cause)
	require.Equal(t, inner.Error(), got.Cause.Message)
}

func TestErrorf_FormatsLikeFmtErrorf(t *testing.T) {
	err := Errorf("missing field %q", "query")
	require.Equal(t, `missing field "query"`, err.Error())
}

func TestToolError_NilReceiverErrorIsEmptyString(t *testing.T) {
	var err *ToolError
	require.Equal(t, "", err.Error())
}

func TestToolError_ErrorsIsMatchesAcrossChain(t *testing.T) {
	sentinel := New("sentinel")
	wrapped := NewWithCause("wrapping", sentinel)

	require.True(t, errors.Is(wrapped, sentinel))
}

func TestToolError_ErrorsAsUnwrapsToToolError(t *testing.T) {
	cause := errors.New("plain")
	err := NewWithCause("wrapper", cause)

	var target *ToolError
	require.True(t, errors.As(err.Unwrap(), &target))
	require.Equal(t, "plain", target.Message)
}
