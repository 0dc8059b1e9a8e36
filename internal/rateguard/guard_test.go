package rateguard

import (
	"strings"
	"testing"
	"time"

	"github.com/wispbot/wisp/internal/scope"
)

func TestAllowLength(t *testing.T) {
	guard := New(10, 1000, time.Minute, nil)

	if !guard.AllowLength("short") {
		t.Fatal("short message should pass")
	}
	if guard.AllowLength(strings.Repeat("a", 11)) {
		t.Fatal("long message should be rejected")
	}
	// Length counts runes, not bytes.
	if !guard.AllowLength(strings.Repeat("思", 10)) {
		t.Fatal("10 CJK runes should pass a 10 rune cap")
	}
}

func TestAllowTokensBudget(t *testing.T) {
	guard := New(1000, 100, time.Minute, nil)
	sc := scope.Group("1001")
	base := time.Now()

	if !guard.AllowTokens(sc, 60, base) {
		t.Fatal("first charge should pass")
	}
	if !guard.AllowTokens(sc, 40, base.Add(time.Second)) {
		t.Fatal("charge up to the limit should pass")
	}
	if guard.AllowTokens(sc, 1, base.Add(2*time.Second)) {
		t.Fatal("charge past the limit should be rejected")
	}
	if got := guard.WindowTokens(sc, base.Add(2*time.Second)); got != 100 {
		t.Fatalf("rejected charge must not apply, got %d", got)
	}
}

func TestAllowTokensWindowReset(t *testing.T) {
	guard := New(1000, 100, time.Minute, nil)
	sc := scope.Group("1001")
	base := time.Now()

	if !guard.AllowTokens(sc, 100, base) {
		t.Fatal("first charge should pass")
	}
	if guard.AllowTokens(sc, 1, base.Add(30*time.Second)) {
		t.Fatal("budget exhausted mid-window")
	}
	if !guard.AllowTokens(sc, 100, base.Add(2*time.Minute)) {
		t.Fatal("window should have reset")
	}
}

func TestBudgetsAreScoped(t *testing.T) {
	guard := New(1000, 100, time.Minute, nil)
	base := time.Now()

	if !guard.AllowTokens(scope.Group("a"), 100, base) {
		t.Fatal("first scope charge should pass")
	}
	if !guard.AllowTokens(scope.Group("b"), 100, base) {
		t.Fatal("second scope has its own budget")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Fatalf("empty text should cost 1, got %d", got)
	}
	// 10 CJK runes at 0.7 each.
	if got := EstimateTokens(strings.Repeat("思", 10)); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	// 100 latin runes at 0.25 each.
	if got := EstimateTokens(strings.Repeat("a", 100)); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
}
