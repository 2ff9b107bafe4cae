package relay

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsMatchByCode(t *testing.T) {
	err := NewError(TimeoutError, "flush")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("detail should not break code matching")
	}
	if errors.Is(err, ErrNoServers) {
		t.Fatalf("different codes must not match")
	}

	wrapped := fmt.Errorf("operation failed: %w", err)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("wrapping should not break code matching")
	}
}

func TestErrorString(t *testing.T) {
	if got := NewError(TimeoutError).Error(); got != "TimeoutError" {
		t.Fatalf("unexpected bare error text %q", got)
	}
	if got := NewError(TimeoutError, "flush").Error(); got != "TimeoutError: flush" {
		t.Fatalf("unexpected detailed error text %q", got)
	}
}

func TestReasonToError(t *testing.T) {
	cases := []struct {
		reason string
		target *Error
	}{
		{"'Authorization Violation'", ErrAuthorization},
		{"User Authentication Expired", ErrAuthExpired},
		{"user authentication revoked", ErrAuthRevoked},
		{"Stale Connection", ErrStaleConnection},
		{"Maximum Connections Exceeded", ErrConnectionRefused},
		{"Maximum Subscriptions Exceeded", ErrMaxSubscriptions},
		{"Secure Connection - TLS Required", ErrSecureConnRequired},
	}
	for _, tc := range cases {
		if got := reasonToError(tc.reason); !errors.Is(got, tc.target) {
			t.Fatalf("%q mapped to %v, want %v", tc.reason, got, tc.target)
		}
	}
	if got := reasonToError("something new"); got.Code != UnknownError {
		t.Fatalf("unrecognized reason mapped to %v", got)
	}
}

func TestIsAuthError(t *testing.T) {
	for _, err := range []error{ErrAuthorization, ErrAuthExpired, ErrAuthRevoked} {
		if !isAuthError(err) {
			t.Fatalf("%v should count as an auth error", err)
		}
	}
	if isAuthError(ErrTimeout) {
		t.Fatalf("ErrTimeout is not an auth error")
	}
}
