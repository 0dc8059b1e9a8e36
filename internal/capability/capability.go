// Package capability defines the external judgment and generation calls the
// decision core consumes. Every call is remote, fallible and carries a
// context deadline; callers decide the fallback, never this package.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a capability failure. A timed-out call is treated the same
// as a failed one by every caller.
type Kind string

const (
	KindUnavailable     Kind = "unavailable"
	KindTimeout         Kind = "timeout"
	KindInvalidResponse Kind = "invalid_response"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capability %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("capability %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureKind extracts the failure kind, defaulting to unavailable for
// errors that did not originate here.
func FailureKind(err error) Kind {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// Turn is one line of recent conversation handed to a capability.
type Turn struct {
	Role       string
	SenderName string
	Content    string
}

// Context is the conversational context for a judgment call.
type Context struct {
	ScopeKey  string
	AgentName string
	Message   string
	Mentioned bool
	Keywords  []string
	History   []Turn
}

// Judge answers the yes/no and classification questions the pipeline asks.
type Judge interface {
	// ShouldReply decides whether the agent should respond to the latest
	// message given recent context.
	ShouldReply(ctx context.Context, c Context) (bool, error)
	// ShouldContinue decides whether an open conversation deserves an
	// unprompted follow-up.
	ShouldContinue(ctx context.Context, c Context) (bool, error)
	// IdentifyIntent labels the message; the returned label is normalized
	// by the intent package.
	IdentifyIntent(ctx context.Context, c Context) (string, error)
}

// Memorist answers the memory pipeline's questions.
type Memorist interface {
	// IsWorthRemembering judges whether the recent turns contain anything
	// a friend would remember.
	IsWorthRemembering(ctx context.Context, turns []Turn) (bool, error)
	// ExtractFacts returns zero or more durable fact strings from the
	// recent turns, already filtered of chit-chat.
	ExtractFacts(ctx context.Context, turns []Turn) ([]string, error)
	// SummarizeMemories compresses a list of stored facts into a shorter
	// list preserving the important ones.
	SummarizeMemories(ctx context.Context, facts []string) ([]string, error)
}

// ReplyInput carries everything reply generation needs.
type ReplyInput struct {
	ScopeKey     string
	IsGroup      bool
	AgentName    string
	SenderName   string
	SystemPrompt string
	MemoryNotes  []string
	ImageRefs    []string
	History      []Turn
}

// Responder generates the outbound reply text. Prompt construction belongs
// to the implementation.
type Responder interface {
	Reply(ctx context.Context, input ReplyInput) (string, error)
}
