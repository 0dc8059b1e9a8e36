// Package continuity keeps a conversation open for a bounded window after
// the agent replies, letting it follow up without a fresh trigger.
package continuity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wispbot/wisp/internal/capability"
	"github.com/wispbot/wisp/internal/config"
	"github.com/wispbot/wisp/internal/decision"
	"github.com/wispbot/wisp/internal/scope"
	"github.com/wispbot/wisp/internal/session"
)

// FollowUp generates and delivers an unprompted follow-up reply for the
// scope. The implementation records the reply, which re-arms the window.
type FollowUp func(ctx context.Context, sc scope.Scope) error

// window is one open continuity period. At most one exists per scope; a new
// reply always replaces the old one and cancels its expiry watcher.
type window struct {
	start        time.Time
	messagesSeen int
	chainReplies int
	cancel       context.CancelFunc
}

// Monitor owns the per-scope continuity windows.
type Monitor struct {
	sessions *session.Store
	judge    capability.Judge
	logger   *slog.Logger
	cfg      config.ContinuityConfig
	followUp FollowUp

	agentName         string
	capabilityTimeout time.Duration
	judgeHistoryLimit int

	mu      sync.Mutex
	windows map[string]*window
	baseCtx context.Context
}

func NewMonitor(
	sessions *session.Store,
	judge capability.Judge,
	cfg config.ContinuityConfig,
	followUp FollowUp,
	agentName string,
	capabilityTimeout time.Duration,
	logger *slog.Logger,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if capabilityTimeout <= 0 {
		capabilityTimeout = 20 * time.Second
	}
	return &Monitor{
		sessions:          sessions,
		judge:             judge,
		logger:            logger.With("component", "continuity"),
		cfg:               cfg,
		followUp:          followUp,
		agentName:         agentName,
		capabilityTimeout: capabilityTimeout,
		judgeHistoryLimit: 10,
		windows:           map[string]*window{},
		baseCtx:           context.Background(),
	}
}

// Start blocks until ctx is done, then cancels every open window. Watchers
// spawned while running are children of ctx, so shutdown leaks nothing.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	<-ctx.Done()
	m.CloseAll()
	return ctx.Err()
}

// Arm opens a fresh window for the scope, replacing any prior one. Called
// after every outbound reply; the follow-up chain counter starts at zero.
func (m *Monitor) Arm(sc scope.Scope, now time.Time) {
	if !m.cfg.Enabled || sc.Kind != scope.KindGroup {
		return
	}
	m.arm(sc, now, 0)
}

func (m *Monitor) arm(sc scope.Scope, now time.Time, chainReplies int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.windows[sc.Key()]; ok {
		prior.cancel()
	}
	watchCtx, cancel := context.WithCancel(m.baseCtx)
	w := &window{start: now, chainReplies: chainReplies, cancel: cancel}
	m.windows[sc.Key()] = w

	maxDuration := time.Duration(m.cfg.MaxDurationSec) * time.Second
	go m.expire(watchCtx, sc, w, maxDuration)
}

// expire closes the window once its duration elapses, unless it was
// replaced or cancelled first.
func (m *Monitor) expire(ctx context.Context, sc scope.Scope, w *window, after time.Duration) {
	timer := time.NewTimer(after)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		m.mu.Lock()
		if m.windows[sc.Key()] == w {
			delete(m.windows, sc.Key())
			m.logger.Debug("continuity window expired", "scope", sc.Key())
		}
		m.mu.Unlock()
	}
}

// Observe offers an inbound message to the scope's window. It returns true
// when continuity handled the message, meaning the caller must not run the
// regular decision pipeline for it. Hitting either bound closes the window
// and lets the message fall through unhandled.
func (m *Monitor) Observe(ctx context.Context, sc scope.Scope, msg session.Message, now time.Time) bool {
	if !m.cfg.Enabled || sc.Kind != scope.KindGroup {
		return false
	}

	m.mu.Lock()
	w, ok := m.windows[sc.Key()]
	if !ok {
		m.mu.Unlock()
		return false
	}
	maxDuration := time.Duration(m.cfg.MaxDurationSec) * time.Second
	if w.messagesSeen >= m.cfg.MaxMessages || now.Sub(w.start) >= maxDuration {
		w.cancel()
		delete(m.windows, sc.Key())
		m.mu.Unlock()
		return false
	}
	w.messagesSeen++
	chainReplies := w.chainReplies
	m.mu.Unlock()

	m.sessions.AddMessage(ctx, sc, msg)
	m.sessions.TouchActivity(sc, now)

	if chainReplies >= m.cfg.MaxConsecutiveReplies {
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, m.capabilityTimeout)
	proceed, err := m.judge.ShouldContinue(callCtx, capability.Context{
		ScopeKey:  sc.Key(),
		AgentName: m.agentName,
		Message:   msg.Content,
		History:   decision.JudgeHistory(m.sessions.History(ctx, sc, m.judgeHistoryLimit)),
	})
	cancel()
	if err != nil {
		m.logger.Warn("continue judgment failed", "scope", sc.Key(), "error", err)
		return true
	}
	if !proceed {
		return true
	}

	if err := m.followUp(ctx, sc); err != nil {
		m.logger.Warn("follow-up failed", "scope", sc.Key(), "error", err)
		return true
	}
	// The follow-up counts toward the consecutive-reply chain; the fresh
	// window it opens inherits the incremented count.
	m.arm(sc, time.Now(), chainReplies+1)
	return true
}

// Disarm closes the scope's window, if any.
func (m *Monitor) Disarm(sc scope.Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[sc.Key()]; ok {
		w.cancel()
		delete(m.windows, sc.Key())
	}
}

// CloseAll cancels every open window.
func (m *Monitor) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		w.cancel()
		delete(m.windows, key)
	}
}

// OpenWindows reports how many windows are currently open.
func (m *Monitor) OpenWindows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
