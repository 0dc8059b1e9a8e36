package decision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wispbot/wisp/internal/activemode"
	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/intent"
	"github.com/wispbot/wisp/internal/rateguard"
	"github.com/wispbot/wisp/internal/scope"
	"github.com/wispbot/wisp/internal/session"
)

type fakeJudge struct {
	mu          sync.Mutex
	replyCalls  int
	intentCalls int
	replyResult bool
	replyErr    error
	intentLabel string
	intentErr   error
}

func (f *fakeJudge) ShouldReply(ctx context.Context, c capability.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyCalls++
	return f.replyResult, f.replyErr
}

func (f *fakeJudge) ShouldContinue(ctx context.Context, c capability.Context) (bool, error) {
	return false, nil
}

func (f *fakeJudge) IdentifyIntent(ctx context.Context, c capability.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentCalls++
	return f.intentLabel, f.intentErr
}

func (f *fakeJudge) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyCalls, f.intentCalls
}

func testConfig() config.Config {
	return config.Config{
		ReplyKeywords: []string{"wisp"},
		Stalker: config.StalkerConfig{
			Enabled:                   true,
			DefaultProbability:        0.03,
			MentionProbability:        0.8,
			KeywordProbability:        0.5,
			MinMessagesBetweenReplies: 15,
			MaxRepliesPerHour:         8,
			SilenceThresholdMinutes:   30,
		},
	}
}

type engineHarness struct {
	engine   *Engine
	sessions *session.Store
	active   *activemode.Controller
	resolver *config.Resolver
	judge    *fakeJudge
}

func newHarness(t *testing.T, cfg config.Config, rnd Rand, opts Options) *engineHarness {
	t.Helper()
	sessions := session.NewStore(nil, 20, nil)
	guard := rateguard.New(1000, 1_000_000, time.Minute, nil)
	active := activemode.NewController()
	resolver := config.NewResolver(cfg)
	judge := &fakeJudge{intentLabel: "dialogue"}
	if opts.AgentName == "" {
		opts.AgentName = "wisp"
	}
	engine := NewEngine(sessions, guard, active, resolver, judge, rnd, nil, opts)
	return &engineHarness{
		engine:   engine,
		sessions: sessions,
		active:   active,
		resolver: resolver,
		judge:    judge,
	}
}

func TestTooLongTouchesNothing(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	sc := scope.Group("1001")

	verdict := h.engine.Decide(context.Background(), Input{
		Scope:    sc,
		SenderID: "42",
		Content:  strings.Repeat("a", 1500),
	}, time.Now())

	if verdict.Reply || verdict.Reason != ReasonTooLong {
		t.Fatalf("expected skip too_long, got %+v", verdict)
	}
	if replies, intents := h.judge.calls(); replies != 0 || intents != 0 {
		t.Fatalf("no capability call expected, got %d/%d", replies, intents)
	}
	if got := len(h.sessions.History(context.Background(), sc, 0)); got != 0 {
		t.Fatalf("history should be untouched, got %d entries", got)
	}
}

func TestAIDisabledSkipsBeforeSessionUpdate(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	sc := scope.Group("1001")
	h.resolver.SetAIEnabled(sc, false)

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hi"}, time.Now())
	if verdict.Reply || verdict.Reason != ReasonAIDisabled {
		t.Fatalf("expected skip ai_disabled, got %+v", verdict)
	}
	if got := len(h.sessions.History(context.Background(), sc, 0)); got != 0 {
		t.Fatalf("history should be untouched, got %d entries", got)
	}
}

func TestPrivateScopeEscalates(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	h.judge.replyResult = true
	h.judge.intentLabel = "memory_add"

	verdict := h.engine.Decide(context.Background(), Input{
		Scope:    scope.User("42"),
		SenderID: "42",
		Content:  "remember my birthday is June 15",
	}, time.Now())

	if !verdict.Reply || verdict.Reason != ReasonJudgeAccepted {
		t.Fatalf("expected judged reply, got %+v", verdict)
	}
	if verdict.Intent != intent.MemoryAdd {
		t.Fatalf("intent should ride along, got %q", verdict.Intent)
	}
	if replies, intents := h.judge.calls(); replies != 1 || intents != 1 {
		t.Fatalf("both judgments should run once, got %d/%d", replies, intents)
	}
}

func TestJudgeFailureFailsClosed(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	h.judge.replyErr = &capability.Error{Kind: capability.KindTimeout, Op: "should_reply", Err: errors.New("deadline")}
	h.judge.intentLabel = "dialogue"

	verdict := h.engine.Decide(context.Background(), Input{Scope: scope.User("42"), SenderID: "42", Content: "hi"}, time.Now())
	if verdict.Reply || verdict.Reason != ReasonJudgeFailed {
		t.Fatalf("expected fail-closed skip, got %+v", verdict)
	}
	if verdict.Intent != intent.Dialogue {
		t.Fatalf("intent result should survive judge failure, got %q", verdict.Intent)
	}
}

func TestIntentFailureDegradesToDialogue(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	h.judge.replyResult = true
	h.judge.intentErr = errors.New("boom")

	verdict := h.engine.Decide(context.Background(), Input{Scope: scope.User("42"), SenderID: "42", Content: "hi"}, time.Now())
	if !verdict.Reply || verdict.Intent != intent.Dialogue {
		t.Fatalf("expected dialogue fallback, got %+v", verdict)
	}
}

func TestActiveModeEscalatesGroup(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	h.judge.replyResult = true
	sc := scope.Group("1001")
	now := time.Now()
	h.active.Enable(sc, 10*time.Minute, now)

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hi"}, now)
	if !verdict.Reply || verdict.Reason != ReasonJudgeAccepted {
		t.Fatalf("active mode should escalate, got %+v", verdict)
	}
}

func TestMinReplyIntervalOnJudgedPath(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{MinReplyInterval: 10 * time.Second})
	h.judge.replyResult = true
	sc := scope.User("42")
	now := time.Now()
	h.sessions.RecordReply(sc, now.Add(-3*time.Second))

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hi"}, now)
	if verdict.Reply || verdict.Reason != ReasonReplyTooSoon {
		t.Fatalf("expected reply_too_soon, got %+v", verdict)
	}
	if replies, _ := h.judge.calls(); replies != 0 {
		t.Fatalf("interval skip must not call the judge, got %d calls", replies)
	}
}

func TestIntervalNotElapsed(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	sc := scope.Group("1001")
	now := time.Now()
	h.sessions.RecordReply(sc, now.Add(-time.Minute))

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hello there"}, now)
	if verdict.Reply || verdict.Reason != ReasonIntervalNotElapsed {
		t.Fatalf("expected interval_not_elapsed, got %+v", verdict)
	}
}

func TestHourlyCapGroupOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Stalker.MentionProbability = 1.0
	h := newHarness(t, cfg, NewSeededRand(1), Options{})
	sc := scope.Group("1001")
	now := time.Now()
	for i := 0; i < cfg.Stalker.MaxRepliesPerHour; i++ {
		h.sessions.RecordReply(sc, now.Add(-time.Duration(i)*time.Minute))
	}

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hi", Mentioned: true}, now)
	if verdict.Reply || verdict.Reason != ReasonHourlyCap {
		t.Fatalf("expected hourly_cap, got %+v", verdict)
	}

	// Private scopes have no hourly cap.
	h.judge.replyResult = true
	user := scope.User("42")
	for i := 0; i < cfg.Stalker.MaxRepliesPerHour; i++ {
		h.sessions.RecordReply(user, now.Add(-time.Duration(i+1)*time.Minute))
	}
	verdict = h.engine.Decide(context.Background(), Input{Scope: user, SenderID: "42", Content: "hi"}, now)
	if !verdict.Reply {
		t.Fatalf("private scope should ignore the cap, got %+v", verdict)
	}
}

func TestStalkerPrecedenceProbabilities(t *testing.T) {
	const trials = 10000
	const tolerance = 0.02

	sample := func(seed uint64, in Input, adjust func(*config.Config)) float64 {
		cfg := testConfig()
		cfg.Stalker.MinMessagesBetweenReplies = 0
		if adjust != nil {
			adjust(&cfg)
		}
		h := newHarness(t, cfg, NewSeededRand(seed), Options{})
		now := time.Now()
		replies := 0
		for i := 0; i < trials; i++ {
			verdict := h.engine.Decide(context.Background(), in, now)
			if verdict.Reply {
				replies++
			}
		}
		return float64(replies) / trials
	}

	mention := sample(7, Input{Scope: scope.Group("m"), SenderID: "42", Content: "hello", Mentioned: true}, nil)
	keyword := sample(7, Input{Scope: scope.Group("k"), SenderID: "42", Content: "hey wisp what's up"}, nil)
	plain := sample(7, Input{Scope: scope.Group("d"), SenderID: "42", Content: "hello"}, nil)

	if !(mention > keyword && keyword > plain) {
		t.Fatalf("precedence ordering violated: mention=%.3f keyword=%.3f default=%.3f", mention, keyword, plain)
	}
	if diff := mention - 0.8; diff < -tolerance || diff > tolerance {
		t.Fatalf("mention rate %.3f outside tolerance of 0.8", mention)
	}
	if diff := keyword - 0.5; diff < -tolerance || diff > tolerance {
		t.Fatalf("keyword rate %.3f outside tolerance of 0.5", keyword)
	}
	if diff := plain - 0.03; diff < -tolerance || diff > tolerance {
		t.Fatalf("default rate %.3f outside tolerance of 0.03", plain)
	}
}

func TestSeededOutcomeIsDeterministic(t *testing.T) {
	run := func() []bool {
		cfg := testConfig()
		cfg.Stalker.MinMessagesBetweenReplies = 0
		h := newHarness(t, cfg, NewSeededRand(99), Options{})
		now := time.Now()
		var outcomes []bool
		for i := 0; i < 50; i++ {
			verdict := h.engine.Decide(context.Background(), Input{
				Scope:    scope.Group("1001"),
				SenderID: "42",
				Content:  "hello",
			}, now)
			outcomes = append(outcomes, verdict.Reply)
		}
		return outcomes
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("outcome diverged at trial %d", i)
		}
	}
}

func TestSilenceEscalatesInsteadOfSampling(t *testing.T) {
	h := newHarness(t, testConfig(), NewSeededRand(1), Options{})
	h.judge.replyResult = true
	sc := scope.Group("1001")
	base := time.Now()

	h.sessions.TouchActivity(sc, base.Add(-45*time.Minute))

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "anyone here?"}, base)
	if !verdict.Reply || verdict.Reason != ReasonJudgeAccepted {
		t.Fatalf("silence should escalate to the judge, got %+v", verdict)
	}
	if replies, _ := h.judge.calls(); replies != 1 {
		t.Fatalf("judge should run once, got %d", replies)
	}
}

func TestStalkerDisabledSkipsUnlessMentioned(t *testing.T) {
	cfg := testConfig()
	cfg.Stalker.Enabled = false
	h := newHarness(t, cfg, NewSeededRand(1), Options{})
	h.judge.replyResult = true
	sc := scope.Group("1001")

	verdict := h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hello"}, time.Now())
	if verdict.Reply || verdict.Reason != ReasonStalkerDisabled {
		t.Fatalf("expected stalker_disabled skip, got %+v", verdict)
	}

	verdict = h.engine.Decide(context.Background(), Input{Scope: sc, SenderID: "42", Content: "hello", Mentioned: true}, time.Now())
	if !verdict.Reply || verdict.Reason != ReasonJudgeAccepted {
		t.Fatalf("mention should escalate when stalker is off, got %+v", verdict)
	}
}
