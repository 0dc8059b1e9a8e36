package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/intent"
	"github.com/wispbot/wisp/internal/memory"
	"github.com/wispbot/wisp/internal/scope"
)

func (p *Pipeline) handleDialogue(ctx context.Context, req intent.Request) (string, error) {
	sc, ok := scope.Parse(req.ScopeKey)
	if !ok {
		return "", fmt.Errorf("bad scope key %q", req.ScopeKey)
	}
	return p.generateReply(ctx, sc, req.SenderID, req.SenderName)
}

// generateReply assembles history, memory notes and any cached image into a
// reply request. An empty senderID means an unprompted follow-up.
func (p *Pipeline) generateReply(ctx context.Context, sc scope.Scope, senderID, senderName string) (string, error) {
	effective := p.resolver.Resolve(sc, senderID)
	history := p.sessions.History(ctx, sc, p.historyLimit)

	turns := make([]capability.Turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, capability.Turn{
			Role:       msg.Role,
			SenderName: msg.SenderName,
			Content:    msg.Content,
		})
	}

	imageRefs, _ := p.sessions.TakeCachedImage(sc, time.Now())

	input := capability.ReplyInput{
		ScopeKey:     sc.Key(),
		IsGroup:      sc.Kind == scope.KindGroup,
		AgentName:    p.agentName,
		SenderName:   senderName,
		SystemPrompt: effective.SystemPrompt,
		MemoryNotes:  p.memoryNotes(ctx, sc, senderID, effective.MemoryMode),
		ImageRefs:    imageRefs,
		History:      turns,
	}

	callCtx, cancel := context.WithTimeout(ctx, p.capabilityTimeout)
	defer cancel()
	return p.responder.Reply(callCtx, input)
}

// memoryNotes collects the remembered facts relevant to this turn. Storage
// failures degrade to fewer notes, never to a failed reply.
func (p *Pipeline) memoryNotes(ctx context.Context, sc scope.Scope, senderID string, mode config.MemoryMode) []string {
	var notes []string
	appendEntries := func(entries []memory.Entry, err error, what string) {
		if err != nil {
			p.logger.Warn("load memory failed", "scope", sc.Key(), "collection", what, "error", err)
			return
		}
		for _, entry := range entries {
			notes = append(notes, entry.Content)
		}
	}

	if senderID != "" {
		entries, err := p.memories.UserEntries(ctx, senderID)
		appendEntries(entries, err, "user")
	}
	if sc.Kind == scope.KindGroup {
		if senderID != "" && mode != config.MemoryModePersonalOnly {
			entries, err := p.memories.GroupSenderEntries(ctx, sc.ID, senderID)
			appendEntries(entries, err, "group-sender")
		}
		if mode == config.MemoryModeMixed {
			entries, err := p.memories.GroupContext(ctx, sc.ID)
			appendEntries(entries, err, "group-context")
		}
	}
	return notes
}

func (p *Pipeline) handleMemoryAdd(ctx context.Context, req intent.Request) (string, error) {
	sc, ok := scope.Parse(req.ScopeKey)
	if !ok {
		return "", fmt.Errorf("bad scope key %q", req.ScopeKey)
	}

	fact := strings.TrimSpace(req.Message)
	entry := memory.NewEntry(fact, memory.TagManual, time.Now())
	added, err := p.memories.AppendUser(ctx, req.SenderID, entry)
	if err != nil {
		p.logger.Warn("manual memory add failed", "scope", sc.Key(), "error", err)
		return "I couldn't save that right now.", nil
	}
	if !added {
		return "I already remember that.", nil
	}
	return "Got it, I'll remember that.", nil
}

func (p *Pipeline) handleMemoryDelete(ctx context.Context, req intent.Request) (string, error) {
	index, ok := firstNumber(req.Message)
	if !ok {
		entries, err := p.memories.UserEntries(ctx, req.SenderID)
		if err != nil || len(entries) == 0 {
			return "I don't have anything saved for you.", nil
		}
		var b strings.Builder
		b.WriteString("Tell me which one to forget:\n")
		for i, entry := range entries {
			fmt.Fprintf(&b, "%d. %s\n", i+1, entry.Content)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	removed, err := p.memories.DeleteUserEntry(ctx, req.SenderID, index)
	if err != nil {
		return "I couldn't find that memory.", nil
	}
	return fmt.Sprintf("Forgotten: %s", removed.Content), nil
}

func firstNumber(text string) (int, bool) {
	start := -1
	for i, r := range text {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(text[start:i])
			return n, err == nil
		}
	}
	if start >= 0 {
		n, err := strconv.Atoi(text[start:])
		return n, err == nil
	}
	return 0, false
}
