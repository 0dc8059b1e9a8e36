// Package decision implements the reply gate: the ordered pipeline that
// turns an inbound message into a Reply or Skip verdict before any reply
// generation happens.
package decision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wispbot/wisp/internal/activemode"
	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/intent"
	"github.com/wispbot/wisp/internal/rateguard"
	"github.com/wispbot/wisp/internal/scope"
	"github.com/wispbot/wisp/internal/session"
)

// Reason explains a verdict. Skip reasons are never surfaced as errors.
type Reason string

const (
	ReasonTooLong            Reason = "too_long"
	ReasonAIDisabled         Reason = "ai_disabled"
	ReasonStalkerDisabled    Reason = "stalker_disabled"
	ReasonIntervalNotElapsed Reason = "interval_not_elapsed"
	ReasonReplyTooSoon       Reason = "reply_too_soon"
	ReasonHourlyCap          Reason = "hourly_cap"
	ReasonJudgeAccepted      Reason = "judge_accepted"
	ReasonJudgeDeclined      Reason = "judge_declined"
	ReasonJudgeFailed        Reason = "judge_failed"
	ReasonMentionSampled     Reason = "mention_sampled"
	ReasonKeywordSampled     Reason = "keyword_sampled"
	ReasonDefaultSampled     Reason = "default_sampled"
)

// Decision is the engine's verdict for one message. Intent is set only on
// paths that escalated to the judgment capability, where it is classified
// concurrently with the reply judgment; the empty value means the caller
// still has to classify.
type Decision struct {
	Reply  bool
	Reason Reason
	Intent intent.Intent
}

// Input is one inbound non-command message.
type Input struct {
	Scope      scope.Scope
	SenderID   string
	SenderName string
	Content    string
	Mentioned  bool
}

// Rand is the injected probability source. Seeded in tests, system entropy
// in production.
type Rand interface {
	Float64() float64
}

// Engine runs the reply gate. It owns no state of its own; everything it
// consults lives in the stores it was built with.
type Engine struct {
	sessions *session.Store
	guard    *rateguard.Guard
	active   *activemode.Controller
	resolver *config.Resolver
	judge    capability.Judge
	rand     Rand
	logger   *slog.Logger

	agentName         string
	minReplyInterval  time.Duration
	capabilityTimeout time.Duration
	judgeHistoryLimit int
}

type Options struct {
	AgentName         string
	MinReplyInterval  time.Duration
	CapabilityTimeout time.Duration
	JudgeHistoryLimit int
}

func NewEngine(
	sessions *session.Store,
	guard *rateguard.Guard,
	active *activemode.Controller,
	resolver *config.Resolver,
	judge capability.Judge,
	rnd Rand,
	logger *slog.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CapabilityTimeout <= 0 {
		opts.CapabilityTimeout = 20 * time.Second
	}
	if opts.JudgeHistoryLimit <= 0 {
		opts.JudgeHistoryLimit = 10
	}
	return &Engine{
		sessions:          sessions,
		guard:             guard,
		active:            active,
		resolver:          resolver,
		judge:             judge,
		rand:              rnd,
		logger:            logger.With("component", "decision"),
		agentName:         opts.AgentName,
		minReplyInterval:  opts.MinReplyInterval,
		capabilityTimeout: opts.CapabilityTimeout,
		judgeHistoryLimit: opts.JudgeHistoryLimit,
	}
}

// Decide runs the gate in strict order: length guard, AI-enabled guard,
// session update, mode/policy selection, hourly cap. A message rejected by
// the length guard touches nothing else, including the session.
func (e *Engine) Decide(ctx context.Context, in Input, now time.Time) Decision {
	if !e.guard.AllowLength(in.Content) {
		return Decision{Reason: ReasonTooLong}
	}

	effective := e.resolver.Resolve(in.Scope, in.SenderID)
	if !effective.AIEnabled {
		return Decision{Reason: ReasonAIDisabled}
	}

	e.sessions.AddMessage(ctx, in.Scope, session.Message{
		Role:       "user",
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Content:    in.Content,
		Timestamp:  now,
	})
	e.sessions.TouchActivity(in.Scope, now)

	// Mode is sampled once here; expiry mid-decision does not retract it.
	verdict := e.selectPolicy(ctx, in, effective, now)

	if verdict.Reply && in.Scope.Kind == scope.KindGroup {
		if e.sessions.ReplyCountLastHour(in.Scope, now) >= effective.Stalker.MaxRepliesPerHour {
			e.logger.Info("hourly cap reached", "scope", in.Scope.Key())
			return Decision{Reason: ReasonHourlyCap, Intent: verdict.Intent}
		}
	}
	return verdict
}

func (e *Engine) selectPolicy(ctx context.Context, in Input, effective config.Effective, now time.Time) Decision {
	if in.Scope.IsPrivate() || e.active.IsActive(in.Scope, now) {
		return e.escalate(ctx, in, effective, now)
	}

	// Stalker mode. Precedence is fixed: mention, keyword, silence,
	// interval, default. The first matching rule decides.
	if in.Mentioned {
		if !effective.Stalker.Enabled {
			return e.escalate(ctx, in, effective, now)
		}
		return e.sample(effective.Stalker.MentionProbability, ReasonMentionSampled)
	}
	if !effective.Stalker.Enabled {
		return Decision{Reason: ReasonStalkerDisabled}
	}
	if matchesKeyword(in.Content, effective.Keywords) {
		return e.sample(effective.Stalker.KeywordProbability, ReasonKeywordSampled)
	}
	silenceThreshold := time.Duration(effective.Stalker.SilenceThresholdMinutes) * time.Minute
	if e.sessions.IsSilent(in.Scope, silenceThreshold) {
		return e.escalate(ctx, in, effective, now)
	}
	if e.sessions.MessagesSinceLastReply(in.Scope) < effective.Stalker.MinMessagesBetweenReplies {
		return Decision{Reason: ReasonIntervalNotElapsed}
	}
	return e.sample(effective.Stalker.DefaultProbability, ReasonDefaultSampled)
}

func (e *Engine) sample(probability float64, reason Reason) Decision {
	return Decision{Reply: e.rand.Float64() < probability, Reason: reason}
}

// escalate asks the judgment capability whether to reply, classifying the
// message's intent concurrently. Both calls settle before either result is
// used; a failed intent classification degrades to dialogue while a failed
// reply judgment fails closed.
func (e *Engine) escalate(ctx context.Context, in Input, effective config.Effective, now time.Time) Decision {
	if e.minReplyInterval > 0 {
		if elapsed, ok := e.sessions.TimeSinceLastReply(in.Scope, now); ok && elapsed < e.minReplyInterval {
			return Decision{Reason: ReasonReplyTooSoon}
		}
	}

	jc := capability.Context{
		ScopeKey:  in.Scope.Key(),
		AgentName: e.agentName,
		Message:   in.Content,
		Mentioned: in.Mentioned,
		Keywords:  effective.Keywords,
		History:   JudgeHistory(e.sessions.History(ctx, in.Scope, e.judgeHistoryLimit)),
	}

	var (
		shouldReply bool
		replyErr    error
		label       string
		intentErr   error
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.capabilityTimeout)
		defer cancel()
		shouldReply, replyErr = e.judge.ShouldReply(callCtx, jc)
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.capabilityTimeout)
		defer cancel()
		label, intentErr = e.judge.IdentifyIntent(callCtx, jc)
		return nil
	})
	_ = g.Wait()

	resolved := intent.Dialogue
	if intentErr != nil {
		e.logger.Warn("intent classification failed",
			"scope", in.Scope.Key(),
			"kind", capability.FailureKind(intentErr),
			"error", intentErr,
		)
	} else {
		resolved = intent.Parse(label)
	}

	if replyErr != nil {
		e.logger.Warn("reply judgment failed, skipping",
			"scope", in.Scope.Key(),
			"kind", capability.FailureKind(replyErr),
			"error", replyErr,
		)
		return Decision{Reason: ReasonJudgeFailed, Intent: resolved}
	}
	if !shouldReply {
		return Decision{Reason: ReasonJudgeDeclined, Intent: resolved}
	}
	return Decision{Reply: true, Reason: ReasonJudgeAccepted, Intent: resolved}
}

func matchesKeyword(content string, keywords []string) bool {
	lowered := strings.ToLower(content)
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// JudgeHistory converts session history into capability turns.
func JudgeHistory(history []session.Message) []capability.Turn {
	turns := make([]capability.Turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, capability.Turn{
			Role:       msg.Role,
			SenderName: msg.SenderName,
			Content:    msg.Content,
		})
	}
	return turns
}
