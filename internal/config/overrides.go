package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/wispbot/wisp/internal/scope"
)

// MemoryMode controls where consolidated facts from a group turn are stored.
type MemoryMode string

const (
	// MemoryModeMixed stores facts in the sender's memory, the group's
	// per-sender memory, and may promote one fact to shared context.
	MemoryModeMixed MemoryMode = "mixed"
	// MemoryModeSenderOnly stores facts in the sender's memory and the
	// group's per-sender memory, never in shared context.
	MemoryModeSenderOnly MemoryMode = "sender_only"
	// MemoryModePersonalOnly stores facts only in the sender's own memory.
	MemoryModePersonalOnly MemoryMode = "personal_only"
)

func ParseMemoryMode(value string) (MemoryMode, bool) {
	switch MemoryMode(strings.ToLower(strings.TrimSpace(value))) {
	case MemoryModeMixed:
		return MemoryModeMixed, true
	case MemoryModeSenderOnly:
		return MemoryModeSenderOnly, true
	case MemoryModePersonalOnly:
		return MemoryModePersonalOnly, true
	default:
		return "", false
	}
}

// ScopeOverride is a partial override for one scope. Nil fields fall through
// to the next level of precedence.
type ScopeOverride struct {
	EnableAI                  *bool    `json:"enable_ai,omitempty"`
	StalkerEnabled            *bool    `json:"stalker_enabled,omitempty"`
	MemoryMode                string   `json:"memory_mode,omitempty"`
	SystemPrompt              string   `json:"system_prompt,omitempty"`
	DefaultProbability        *float64 `json:"default_probability,omitempty"`
	MentionProbability        *float64 `json:"mention_probability,omitempty"`
	KeywordProbability        *float64 `json:"keyword_probability,omitempty"`
	MinMessagesBetweenReplies *int     `json:"min_messages_between_replies,omitempty"`
	MaxRepliesPerHour         *int     `json:"max_replies_per_hour,omitempty"`
	SilenceThresholdMinutes   *int     `json:"silence_threshold_minutes,omitempty"`
	ReplyKeywords             []string `json:"reply_keywords,omitempty"`
}

type overridesFile struct {
	Groups map[string]ScopeOverride `json:"groups"`
	Users  map[string]ScopeOverride `json:"users"`
}

// Effective is the fully resolved view of the knobs a single decision needs.
type Effective struct {
	AIEnabled    bool
	MemoryMode   MemoryMode
	SystemPrompt string
	Keywords     []string
	Stalker      StalkerConfig
}

// Resolver applies per-scope overrides on top of the immutable defaults.
// Precedence is group > user > default: for a group message the group's
// override wins over the sender's, which wins over the built-in config.
type Resolver struct {
	defaults Config

	mu     sync.RWMutex
	groups map[string]ScopeOverride
	users  map[string]ScopeOverride
}

func NewResolver(defaults Config) *Resolver {
	return &Resolver{
		defaults: defaults,
		groups:   map[string]ScopeOverride{},
		users:    map[string]ScopeOverride{},
	}
}

func (r *Resolver) Defaults() Config {
	return r.defaults
}

// LoadFile replaces the override tables from a JSON file. Called at startup
// and again whenever the watched overrides file changes.
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read overrides file: %w", err)
	}
	var parsed overridesFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse overrides file: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = parsed.Groups
	if r.groups == nil {
		r.groups = map[string]ScopeOverride{}
	}
	r.users = parsed.Users
	if r.users == nil {
		r.users = map[string]ScopeOverride{}
	}
	return nil
}

func (r *Resolver) SetGroupOverride(groupID string, override ScopeOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[groupID] = override
}

func (r *Resolver) SetUserOverride(userID string, override ScopeOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = override
}

// SetAIEnabled flips the AI flag for one scope, preserving any other fields
// already overridden there.
func (r *Resolver) SetAIEnabled(sc scope.Scope, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.users
	if sc.Kind == scope.KindGroup {
		table = r.groups
	}
	override := table[sc.ID]
	override.EnableAI = &enabled
	table[sc.ID] = override
}

// Resolve computes the effective settings for a message sent by senderID in
// the given scope. For private scopes only the sender's override applies.
func (r *Resolver) Resolve(sc scope.Scope, senderID string) Effective {
	r.mu.RLock()
	defer r.mu.RUnlock()

	effective := Effective{
		AIEnabled:  true,
		MemoryMode: MemoryModeMixed,
		Keywords:   r.defaults.ReplyKeywords,
		Stalker:    r.defaults.Stalker,
	}

	if user, ok := r.users[senderID]; ok {
		applyOverride(&effective, user)
	}
	if sc.Kind == scope.KindGroup {
		if group, ok := r.groups[sc.ID]; ok {
			applyOverride(&effective, group)
		}
	}
	return effective
}

func applyOverride(effective *Effective, override ScopeOverride) {
	if override.EnableAI != nil {
		effective.AIEnabled = *override.EnableAI
	}
	if override.StalkerEnabled != nil {
		effective.Stalker.Enabled = *override.StalkerEnabled
	}
	if mode, ok := ParseMemoryMode(override.MemoryMode); ok {
		effective.MemoryMode = mode
	}
	if strings.TrimSpace(override.SystemPrompt) != "" {
		effective.SystemPrompt = override.SystemPrompt
	}
	if override.DefaultProbability != nil {
		effective.Stalker.DefaultProbability = *override.DefaultProbability
	}
	if override.MentionProbability != nil {
		effective.Stalker.MentionProbability = *override.MentionProbability
	}
	if override.KeywordProbability != nil {
		effective.Stalker.KeywordProbability = *override.KeywordProbability
	}
	if override.MinMessagesBetweenReplies != nil {
		effective.Stalker.MinMessagesBetweenReplies = *override.MinMessagesBetweenReplies
	}
	if override.MaxRepliesPerHour != nil {
		effective.Stalker.MaxRepliesPerHour = *override.MaxRepliesPerHour
	}
	if override.SilenceThresholdMinutes != nil {
		effective.Stalker.SilenceThresholdMinutes = *override.SilenceThresholdMinutes
	}
	if len(override.ReplyKeywords) > 0 {
		effective.Keywords = override.ReplyKeywords
	}
}
