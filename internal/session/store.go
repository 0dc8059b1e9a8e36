package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wispbot/wisp/internal/kvstore"
	"github.com/wispbot/wisp/internal/scope"
)

const replyWindow = time.Hour

// Message is one entry of a scope's bounded conversation history.
type Message struct {
	Role       string    `json:"role"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

type cachedImage struct {
	refs    []string
	expires time.Time
}

// state is the mutable per-scope record. Its mutex enforces the single-writer
// discipline: every operation on one scope serializes here, while operations
// on distinct scopes never contend.
type state struct {
	mu sync.Mutex

	loaded         bool
	history        []Message
	replyTimes     []time.Time
	lastReply      time.Time
	msgsSinceReply int
	lastActivity   time.Time
	gapBeforeLast  time.Duration
	image          *cachedImage
}

// Store holds per-scope conversation state. History is durable through the
// key/value store; counters and caches are process-local, matching their
// lifecycle (they are heuristics, not records).
type Store struct {
	kv         *kvstore.Store
	logger     *slog.Logger
	maxHistory int

	mu       sync.Mutex
	sessions map[string]*state
}

func NewStore(kv *kvstore.Store, maxHistory int, logger *slog.Logger) *Store {
	if maxHistory < 1 {
		maxHistory = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:         kv,
		logger:     logger,
		maxHistory: maxHistory,
		sessions:   map[string]*state{},
	}
}

func (s *Store) scopeState(sc scope.Scope) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sc.Key()]
	if !ok {
		st = &state{}
		s.sessions[sc.Key()] = st
	}
	return st
}

// load restores durable history on first access. Caller holds st.mu.
func (s *Store) load(ctx context.Context, sc scope.Scope, st *state) {
	if st.loaded {
		return
	}
	st.loaded = true
	if s.kv == nil {
		return
	}
	data, found, err := s.kv.Get(ctx, kvstore.SessionKey(sc.Key()))
	if err != nil {
		s.logger.Warn("load session history failed", "scope", sc.Key(), "error", err)
		return
	}
	if !found {
		return
	}
	var history []Message
	if err := json.Unmarshal(data, &history); err != nil {
		s.logger.Warn("decode session history failed", "scope", sc.Key(), "error", err)
		return
	}
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	st.history = history
}

// persist writes durable history best-effort. A storage failure only costs
// durability of this attempt, never the turn. Caller holds st.mu.
func (s *Store) persist(ctx context.Context, sc scope.Scope, st *state) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(st.history)
	if err != nil {
		s.logger.Warn("encode session history failed", "scope", sc.Key(), "error", err)
		return
	}
	if err := s.kv.Set(ctx, kvstore.SessionKey(sc.Key()), data); err != nil {
		s.logger.Warn("persist session history failed", "scope", sc.Key(), "error", err)
	}
}

// AddMessage appends to the scope's history, evicting the oldest entry once
// the configured cap is exceeded, and counts the message toward the
// messages-since-last-reply interval.
func (s *Store) AddMessage(ctx context.Context, sc scope.Scope, msg Message) {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	s.load(ctx, sc, st)

	st.history = append(st.history, msg)
	if len(st.history) > s.maxHistory {
		st.history = st.history[len(st.history)-s.maxHistory:]
	}
	if msg.Role == "user" {
		st.msgsSinceReply++
	}
	s.persist(ctx, sc, st)
}

// History returns the most recent limit entries, most recent last.
// limit < 1 returns the full (bounded) history.
func (s *Store) History(ctx context.Context, sc scope.Scope, limit int) []Message {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	s.load(ctx, sc, st)

	history := st.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Message, len(history))
	copy(out, history)
	return out
}

// ClearHistory drops the scope's history, in memory and durably.
func (s *Store) ClearHistory(ctx context.Context, sc scope.Scope) {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.loaded = true
	st.history = nil
	st.msgsSinceReply = 0
	s.persist(ctx, sc, st)
}

// RecordReply registers an outbound reply at now, prunes reply timestamps
// older than one hour and resets the message interval counter. Returns the
// pruned count, including the new entry.
func (s *Store) RecordReply(sc scope.Scope, now time.Time) int {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.replyTimes = append(st.replyTimes, now)
	st.replyTimes = pruneBefore(st.replyTimes, now.Add(-replyWindow))
	st.lastReply = now
	st.msgsSinceReply = 0
	return len(st.replyTimes)
}

// ReplyCountLastHour prunes and returns how many replies were sent in the
// trailing hour.
func (s *Store) ReplyCountLastHour(sc scope.Scope, now time.Time) int {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.replyTimes = pruneBefore(st.replyTimes, now.Add(-replyWindow))
	return len(st.replyTimes)
}

// TimeSinceLastReply returns how long ago the last reply in this scope was
// sent, and false if no reply was ever recorded.
func (s *Store) TimeSinceLastReply(sc scope.Scope, now time.Time) (time.Duration, bool) {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.lastReply.IsZero() {
		return 0, false
	}
	return now.Sub(st.lastReply), true
}

// MessagesSinceLastReply counts user messages observed since the last
// recorded reply in the scope.
func (s *Store) MessagesSinceLastReply(sc scope.Scope) int {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.msgsSinceReply
}

// CacheImage stores image refs awaiting an accompanying text message.
// Any previously cached refs are replaced.
func (s *Store) CacheImage(sc scope.Scope, refs []string, ttl time.Duration, now time.Time) {
	if len(refs) == 0 {
		return
	}
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.image = &cachedImage{refs: refs, expires: now.Add(ttl)}
}

// TakeCachedImage returns and consumes the cached refs if they have not
// expired. Single-consume: a second call returns nothing.
func (s *Store) TakeCachedImage(sc scope.Scope, now time.Time) ([]string, bool) {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.image == nil || now.After(st.image.expires) {
		st.image = nil
		return nil, false
	}
	refs := st.image.refs
	st.image = nil
	return refs, true
}

func (s *Store) ClearImageCache(sc scope.Scope) {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.image = nil
}

// TouchActivity marks the scope active at now, recording the quiet gap that
// preceded this activity.
func (s *Store) TouchActivity(sc scope.Scope, now time.Time) {
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastActivity.IsZero() {
		st.gapBeforeLast = now.Sub(st.lastActivity)
	} else {
		st.gapBeforeLast = 0
	}
	st.lastActivity = now
}

// IsSilent reports whether the scope had been quiet for at least threshold
// before its most recent activity. A scope that was just touched can still be
// "silent" in this sense: the message that touched it broke the silence.
func (s *Store) IsSilent(sc scope.Scope, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	st := s.scopeState(sc)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gapBeforeLast >= threshold
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
