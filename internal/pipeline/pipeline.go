// Package pipeline is the message path: it routes each inbound message
// through continuity, the decision engine, the token budget, intent
// dispatch and delivery, then kicks off memory consolidation.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/continuity"
	"github.com/wispbot/wisp/internal/decision"
	"github.com/wispbot/wisp/internal/intent"
	"github.com/wispbot/wisp/internal/memory"
	"github.com/wispbot/wisp/internal/rateguard"
	"github.com/wispbot/wisp/internal/scope"
	"github.com/wispbot/wisp/internal/session"
)

// Inbound is one normalized platform message.
type Inbound struct {
	Scope      scope.Scope
	SenderID   string
	SenderName string
	Content    string
	ImageRefs  []string
	Mentioned  bool
}

// Delivery sends reply segments back to the platform, honoring each
// segment's delay.
type Delivery interface {
	Send(ctx context.Context, sc scope.Scope, segments []Segment) error
}

// Pipeline wires the decision core to the platform edge.
type Pipeline struct {
	sessions     *session.Store
	guard        *rateguard.Guard
	engine       *decision.Engine
	monitor      *continuity.Monitor
	consolidator *memory.Consolidator
	memories     *memory.Store
	resolver     *config.Resolver
	judge        capability.Judge
	responder    capability.Responder
	delivery     Delivery
	registry     *intent.Registry
	logger       *slog.Logger

	agentName         string
	commandPrefix     string
	imageTTL          time.Duration
	capabilityTimeout time.Duration
	historyLimit      int
}

type Options struct {
	AgentName         string
	CommandPrefix     string
	ImageTTL          time.Duration
	CapabilityTimeout time.Duration
	HistoryLimit      int
}

func New(
	sessions *session.Store,
	guard *rateguard.Guard,
	engine *decision.Engine,
	monitor *continuity.Monitor,
	consolidator *memory.Consolidator,
	memories *memory.Store,
	resolver *config.Resolver,
	judge capability.Judge,
	responder capability.Responder,
	delivery Delivery,
	logger *slog.Logger,
	opts Options,
) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CapabilityTimeout <= 0 {
		opts.CapabilityTimeout = 20 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.ImageTTL <= 0 {
		opts.ImageTTL = time.Minute
	}
	p := &Pipeline{
		sessions:          sessions,
		guard:             guard,
		engine:            engine,
		monitor:           monitor,
		consolidator:      consolidator,
		memories:          memories,
		resolver:          resolver,
		judge:             judge,
		responder:         responder,
		delivery:          delivery,
		logger:            logger.With("component", "pipeline"),
		agentName:         opts.AgentName,
		commandPrefix:     opts.CommandPrefix,
		imageTTL:          opts.ImageTTL,
		capabilityTimeout: opts.CapabilityTimeout,
		historyLimit:      opts.HistoryLimit,
	}
	registry, err := intent.NewRegistry(map[intent.Intent]intent.Handler{
		intent.Dialogue:     p.handleDialogue,
		intent.MemoryAdd:    p.handleMemoryAdd,
		intent.MemoryDelete: p.handleMemoryDelete,
	})
	if err != nil {
		return nil, err
	}
	p.registry = registry
	return p, nil
}

// HandleInbound processes one message end to end. It never returns an
// error: every failure either falls back or is logged and swallowed, since
// the platform has nothing useful to do with it.
func (p *Pipeline) HandleInbound(ctx context.Context, in Inbound) {
	now := time.Now()

	// Commands never reach the decision core.
	if p.commandPrefix != "" && strings.HasPrefix(strings.TrimSpace(in.Content), p.commandPrefix) {
		return
	}

	// An image with no text waits briefly for its caption.
	if strings.TrimSpace(in.Content) == "" {
		if len(in.ImageRefs) > 0 {
			p.sessions.CacheImage(in.Scope, in.ImageRefs, p.imageTTL, now)
		}
		return
	}
	if len(in.ImageRefs) > 0 {
		p.sessions.CacheImage(in.Scope, in.ImageRefs, p.imageTTL, now)
	}

	msg := session.Message{
		Role:       "user",
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Content:    in.Content,
		Timestamp:  now,
	}
	if p.monitor.Observe(ctx, in.Scope, msg, now) {
		return
	}

	verdict := p.engine.Decide(ctx, decision.Input{
		Scope:      in.Scope,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Content:    in.Content,
		Mentioned:  in.Mentioned,
	}, now)
	if !verdict.Reply {
		p.logger.Debug("skip", "scope", in.Scope.Key(), "reason", string(verdict.Reason))
		return
	}

	// Inbound processing plus the reply roughly doubles the spend.
	estimated := rateguard.EstimateTokens(in.Content) * 2
	if !p.guard.AllowTokens(in.Scope, estimated, now) {
		return
	}

	resolved := verdict.Intent
	if resolved == "" {
		resolved = p.classify(ctx, in)
	}

	req := intent.Request{
		ScopeKey:   in.Scope.Key(),
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Message:    in.Content,
	}
	reply, err := p.registry.Dispatch(ctx, resolved, req)
	if err != nil {
		p.logger.Warn("intent handler failed",
			"scope", in.Scope.Key(),
			"intent", string(resolved),
			"kind", capability.FailureKind(err),
			"error", err,
		)
		return
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	if !p.deliver(ctx, in.Scope, reply, false) {
		return
	}

	if resolved == intent.Dialogue {
		effective := p.resolver.Resolve(in.Scope, in.SenderID)
		consolidateCtx := context.WithoutCancel(ctx)
		go p.consolidator.Consolidate(consolidateCtx, in.Scope, in.SenderID, effective.MemoryMode, time.Now())
	}
}

// classify runs intent identification for reply paths that skipped the
// escalation call. Failure degrades to dialogue.
func (p *Pipeline) classify(ctx context.Context, in Inbound) intent.Intent {
	callCtx, cancel := context.WithTimeout(ctx, p.capabilityTimeout)
	defer cancel()
	label, err := p.judge.IdentifyIntent(callCtx, capability.Context{
		ScopeKey:  in.Scope.Key(),
		AgentName: p.agentName,
		Message:   in.Content,
		Mentioned: in.Mentioned,
	})
	if err != nil {
		p.logger.Warn("intent classification failed", "scope", in.Scope.Key(), "error", err)
		return intent.Dialogue
	}
	return intent.Parse(label)
}

// deliver sends the reply, records it in the session and arms continuity.
// Follow-up replies skip arming; the monitor re-arms itself with the chain
// count intact.
func (p *Pipeline) deliver(ctx context.Context, sc scope.Scope, reply string, followUp bool) bool {
	segments := ParseSegments(reply)
	if len(segments) == 0 {
		return false
	}
	if err := p.delivery.Send(ctx, sc, segments); err != nil {
		p.logger.Warn("delivery failed", "scope", sc.Key(), "error", err)
		return false
	}

	now := time.Now()
	p.sessions.AddMessage(ctx, sc, session.Message{
		Role:       "assistant",
		SenderName: p.agentName,
		Content:    reply,
		Timestamp:  now,
	})
	p.sessions.RecordReply(sc, now)
	if !followUp {
		p.monitor.Arm(sc, now)
	}
	return true
}

// FollowUp generates and delivers a continuity follow-up for the scope.
func (p *Pipeline) FollowUp(ctx context.Context, sc scope.Scope) error {
	reply, err := p.generateReply(ctx, sc, "", "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	p.deliver(ctx, sc, reply, true)
	return nil
}
