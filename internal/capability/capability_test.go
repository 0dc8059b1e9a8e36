package capability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatsAndUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &Error{Kind: KindUnavailable, Op: "should_reply", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatal("wrapped error should unwrap")
	}
	if err.Error() != "capability should_reply: unavailable: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestFailureKind(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&Error{Kind: KindTimeout, Op: "x"}, KindTimeout},
		{fmt.Errorf("wrapped: %w", &Error{Kind: KindInvalidResponse, Op: "x"}), KindInvalidResponse},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("anything else"), KindUnavailable},
	}
	for _, tc := range cases {
		if got := FailureKind(tc.err); got != tc.want {
			t.Fatalf("FailureKind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
