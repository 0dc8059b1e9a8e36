package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/scope"
	"github.com/wispbot/wisp/internal/session"
)

const consolidationTurns = 15

// Consolidator turns a finished dialogue turn into durable memory entries.
// The whole pipeline is best-effort: the reply has already been delivered
// when it runs, so every failure here is logged and swallowed.
type Consolidator struct {
	sessions *session.Store
	store    *Store
	memorist capability.Memorist
	logger   *slog.Logger

	timeout        time.Duration
	sharedKeywords []string
}

func NewConsolidator(
	sessions *session.Store,
	store *Store,
	memorist capability.Memorist,
	sharedKeywords []string,
	timeout time.Duration,
	logger *slog.Logger,
) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Consolidator{
		sessions:       sessions,
		store:          store,
		memorist:       memorist,
		logger:         logger.With("component", "consolidator"),
		timeout:        timeout,
		sharedKeywords: sharedKeywords,
	}
}

// Consolidate runs judge, extract, dedup, persist for one completed turn.
// Where the facts land depends on the scope and its memory mode: the
// sender's own memory always, the group's per-sender memory unless the mode
// is personal_only, and the group's shared context only in mixed mode for
// facts matching a shared-context keyword.
func (c *Consolidator) Consolidate(ctx context.Context, sc scope.Scope, senderID string, mode config.MemoryMode, now time.Time) {
	history := c.sessions.History(ctx, sc, consolidationTurns)
	if len(history) == 0 {
		return
	}
	turns := make([]capability.Turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, capability.Turn{Role: msg.Role, SenderName: msg.SenderName, Content: msg.Content})
	}

	judgeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	worth, err := c.memorist.IsWorthRemembering(judgeCtx, turns)
	cancel()
	if err != nil {
		c.logger.Warn("memory judgment failed", "scope", sc.Key(), "error", err)
		return
	}
	if !worth {
		return
	}

	extractCtx, cancel := context.WithTimeout(ctx, c.timeout)
	facts, err := c.memorist.ExtractFacts(extractCtx, turns)
	cancel()
	if err != nil {
		c.logger.Warn("fact extraction failed", "scope", sc.Key(), "error", err)
		return
	}

	stored := 0
	for _, fact := range facts {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		entry := NewEntry(fact, TagAuto, now)

		added, err := c.store.AppendUser(ctx, senderID, entry)
		if err != nil {
			c.logger.Warn("store user memory failed", "user", senderID, "error", err)
		} else if added {
			stored++
		}

		if sc.Kind != scope.KindGroup || mode == config.MemoryModePersonalOnly {
			continue
		}
		if _, err := c.store.AppendGroupSender(ctx, sc.ID, senderID, entry); err != nil {
			c.logger.Warn("store group memory failed", "group", sc.ID, "error", err)
		}
		if mode == config.MemoryModeMixed && matchesAny(fact, c.sharedKeywords) {
			if _, err := c.store.AppendGroupContext(ctx, sc.ID, entry); err != nil {
				c.logger.Warn("store shared context failed", "group", sc.ID, "error", err)
			}
		}
	}
	if stored > 0 {
		c.logger.Info("consolidated memories", "scope", sc.Key(), "stored", stored)
	}
}

func matchesAny(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
