package triage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", boom, false},
		{"transient", TransientError(KindLookup, "search", boom), true},
		{"permanent", PermanentError(KindLookup, "search", boom), false},
		{"rate limited", RateLimitError(KindClassification, "analyze", boom), true},
		{"auth", AuthError("send", boom), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"wrapped transient", fmt.Errorf("outer: %w", TransientError(KindDelivery, "send", boom)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	err := RateLimitError(KindClassification, "analyze", errors.New("429"))
	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false, want true")
	}
	if err := RateLimitError(KindLookup, "", nil); !errors.Is(err, ErrRateLimited) {
		t.Error("nil cause: errors.Is(err, ErrRateLimited) = false, want true")
	}
}

func TestIsAuthAndKindOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("tick: %w", AuthError("fetch", errors.New("401")))
	if !IsAuth(err) {
		t.Error("IsAuth = false, want true")
	}
	if got := KindOf(err, KindSource); got != KindAuth {
		t.Errorf("KindOf = %q, want %q", got, KindAuth)
	}
	if got := KindOf(errors.New("x"), KindSource); got != KindSource {
		t.Errorf("KindOf fallback = %q, want %q", got, KindSource)
	}
	if IsAuth(TransientError(KindDelivery, "send", errors.New("x"))) {
		t.Error("IsAuth(transient delivery) = true, want false")
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := TransientError(KindLookup, "search", errors.New("timeout"))
	if got, want := err.Error(), "lookup: search: timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	err = PermanentError(KindStore, "", errors.New("closed"))
	if got, want := err.Error(), "store: closed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	base := errors.New("upstream")
	tests := []struct {
		status    int
		auth      bool
		transient bool
	}{
		{401, true, false},
		{403, true, false},
		{408, false, true},
		{429, false, true},
		{500, false, true},
		{503, false, true},
		{400, false, false},
		{404, false, false},
	}
	for _, tt := range tests {
		err := StatusError(KindDelivery, "create", tt.status, base)
		if got := IsAuth(err); got != tt.auth {
			t.Errorf("status %d: IsAuth = %v, want %v", tt.status, got, tt.auth)
		}
		if got := IsTransient(err); got != tt.transient {
			t.Errorf("status %d: IsTransient = %v, want %v", tt.status, got, tt.transient)
		}
		if !errors.Is(err, base) {
			t.Errorf("status %d: cause not wrapped", tt.status)
		}
	}
}
