package rateguard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wispbot/wisp/internal/scope"
)

// Guard applies the two stateless-ish gates that sit outside conversation
// policy: a hard message-length cut and a per-scope token budget over a
// rolling window. Both exist to bound abuse, not to shape conversation.
type Guard struct {
	maxMessageLength int
	maxTokens        int
	window           time.Duration
	logger           *slog.Logger

	mu      sync.Mutex
	budgets map[string]*budget
}

type budget struct {
	tokens      int
	windowStart time.Time
}

func New(maxMessageLength, maxTokens int, window time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		maxMessageLength: maxMessageLength,
		maxTokens:        maxTokens,
		window:           window,
		logger:           logger,
		budgets:          map[string]*budget{},
	}
}

// AllowLength reports whether the message is within the configured length cap.
func (g *Guard) AllowLength(text string) bool {
	return len([]rune(text)) <= g.maxMessageLength
}

// AllowTokens charges estimated tokens against the scope's window budget.
// The window resets once its duration has fully elapsed; a charge that would
// exceed the budget is rejected and not applied. The check-and-charge is
// atomic with respect to concurrent calls for the same scope.
func (g *Guard) AllowTokens(sc scope.Scope, estimated int, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[sc.Key()]
	if !ok || now.Sub(b.windowStart) > g.window {
		g.budgets[sc.Key()] = &budget{tokens: estimated, windowStart: now}
		return true
	}
	if b.tokens+estimated > g.maxTokens {
		g.logger.Warn("token budget exceeded",
			"scope", sc.Key(),
			"window_tokens", b.tokens,
			"estimated", estimated,
			"limit", g.maxTokens,
		)
		return false
	}
	b.tokens += estimated
	return true
}

// WindowTokens returns the tokens charged in the scope's current window.
func (g *Guard) WindowTokens(sc scope.Scope, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[sc.Key()]
	if !ok || now.Sub(b.windowStart) > g.window {
		return 0
	}
	return b.tokens
}

// EstimateTokens roughly prices a text: CJK characters cost more than latin
// ones. Always at least 1.
func EstimateTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			cjk++
		} else {
			other++
		}
	}
	estimated := int(float64(cjk)*0.7 + float64(other)*0.25)
	if estimated < 1 {
		return 1
	}
	return estimated
}
