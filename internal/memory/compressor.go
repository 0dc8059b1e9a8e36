package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/kvstore"
)

// Compressor is the scheduled sweep that rewrites oversized user memory
// collections through the summarization capability.
type Compressor struct {
	kv        *kvstore.Store
	store     *Store
	memorist  capability.Memorist
	logger    *slog.Logger
	threshold int
	timeout   time.Duration
}

func NewCompressor(kv *kvstore.Store, store *Store, memorist capability.Memorist, threshold int, timeout time.Duration, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold < 1 {
		threshold = 50
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Compressor{
		kv:        kv,
		store:     store,
		memorist:  memorist,
		logger:    logger.With("component", "compressor"),
		threshold: threshold,
		timeout:   timeout,
	}
}

// Sweep compresses every user collection past the threshold. Failures for
// one user never stop the sweep.
func (c *Compressor) Sweep(ctx context.Context) {
	keys, err := c.kv.Keys(ctx, "user:")
	if err != nil {
		c.logger.Warn("list memory keys failed", "error", err)
		return
	}
	for _, key := range keys {
		userID, ok := userIDFromMemoryKey(key)
		if !ok {
			continue
		}
		if err := c.compressUser(ctx, userID); err != nil {
			c.logger.Warn("compress user memory failed", "user", userID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Compressor) compressUser(ctx context.Context, userID string) error {
	entries, err := c.store.UserEntries(ctx, userID)
	if err != nil {
		return err
	}
	if len(entries) <= c.threshold {
		return nil
	}

	facts := make([]string, 0, len(entries))
	for _, entry := range entries {
		facts = append(facts, entry.Content)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	compressed, err := c.memorist.SummarizeMemories(callCtx, facts)
	cancel()
	if err != nil {
		return err
	}
	if len(compressed) >= len(entries) {
		return nil
	}

	now := time.Now()
	rewritten := make([]Entry, 0, len(compressed))
	for _, fact := range compressed {
		if strings.TrimSpace(fact) == "" {
			continue
		}
		if containsContent(rewritten, fact) {
			continue
		}
		rewritten = append(rewritten, NewEntry(fact, TagAuto, now))
	}
	if err := c.store.ReplaceUser(ctx, userID, rewritten); err != nil {
		return err
	}
	c.logger.Info("compressed user memory", "user", userID, "before", len(entries), "after", len(rewritten))
	return nil
}

func userIDFromMemoryKey(key string) (string, bool) {
	trimmed, ok := strings.CutSuffix(key, ":memory")
	if !ok {
		return "", false
	}
	userID, ok := strings.CutPrefix(trimmed, "user:")
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
