package turnerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindIsRetryableOnlyProviderTransient(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{InvalidRequest, false},
		{ToolFailure, false},
		{ProviderTransient, true},
		{ProtocolMismatch, false},
		{Cancellation, false},
		{Fatal, false},
	}
	for _, tc := range cases {
		if got := tc.kind.IsRetryable(); got != tc.want {
			t.Errorf("%v.IsRetryable() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestKindFatalToSessionOnlyFatal(t *testing.T) {
	if !Fatal.FatalToSession() {
		t.Error("Fatal.FatalToSession() = false, want true")
	}
	if InvalidRequest.FatalToSession() {
		t.Error("InvalidRequest.FatalToSession() = true, want false")
	}
}

func TestErrorStringIncludesKindAndComponent(t *testing.T) {
	e := New(ToolFailure, "shell", errors.New("exit status 1"))
	got := e.Error()
	if got != "[tool_failure] shell exit status 1" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	e := New(ToolFailure, "shell", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is(e, cause) = false, want true")
	}
}

func TestClassifyReturnsTaggedKindWhenAlreadyAnError(t *testing.T) {
	e := New(ProtocolMismatch, "mcp-server-1", errors.New("version mismatch"))
	wrapped := fmt.Errorf("dispatch: %w", e)
	if got := Classify(wrapped); got != ProtocolMismatch {
		t.Errorf("Classify = %v, want %v", got, ProtocolMismatch)
	}
}

func TestClassifyDetectsCancellation(t *testing.T) {
	if got := Classify(context.Canceled); got != Cancellation {
		t.Errorf("Classify(context.Canceled) = %v, want %v", got, Cancellation)
	}
	if got := Classify(errors.New("operation cancelled by user")); got != Cancellation {
		t.Errorf("Classify = %v, want %v", got, Cancellation)
	}
}

func TestClassifyDetectsProtocolMismatch(t *testing.T) {
	if got := Classify(errors.New("protocol version mismatch: server=2024-11-05 client=2025-03-26")); got != ProtocolMismatch {
		t.Errorf("Classify = %v, want %v", got, ProtocolMismatch)
	}
}

func TestClassifyDetectsProviderTransient(t *testing.T) {
	if got := Classify(errors.New("stream aborted: context deadline exceeded")); got != ProviderTransient {
		t.Errorf("Classify = %v, want %v", got, ProviderTransient)
	}
}

func TestClassifyDetectsInvalidRequest(t *testing.T) {
	if got := Classify(errors.New("already initialized")); got != InvalidRequest {
		t.Errorf("Classify = %v, want %v", got, InvalidRequest)
	}
}

func TestClassifyDetectsFatal(t *testing.T) {
	if got := Classify(errors.New("cwd not absolute")); got != Fatal {
		t.Errorf("Classify = %v, want %v", got, Fatal)
	}
}

func TestClassifyFallsBackToToolFailure(t *testing.T) {
	if got := Classify(errors.New("something unexpected happened")); got != ToolFailure {
		t.Errorf("Classify = %v, want %v", got, ToolFailure)
	}
}

func TestIsMatchesClassifiedKindForUntaggedErrors(t *testing.T) {
	if !Is(errors.New("cwd not absolute"), Fatal) {
		t.Error("Is(..., Fatal) = false, want true")
	}
}

func TestJSONRPCCodeMapsInvalidRequestAndDefault(t *testing.T) {
	if got := JSONRPCCode(InvalidRequest); got != -32600 {
		t.Errorf("JSONRPCCode(InvalidRequest) = %d, want -32600", got)
	}
	if got := JSONRPCCode(ToolFailure); got != -32603 {
		t.Errorf("JSONRPCCode(ToolFailure) = %d, want -32603", got)
	}
}
