// Package intent classifies what an inbound message asks of the agent and
// dispatches to a fixed set of handlers. The set of intents is closed:
// adding one means adding a handler, enforced at registry construction.
package intent

import (
	"context"
	"fmt"
	"strings"
)

// Intent labels a message. Unknown labels normalize to Dialogue.
type Intent string

const (
	Dialogue     Intent = "dialogue"
	MemoryAdd    Intent = "memory_add"
	MemoryDelete Intent = "memory_delete"
)

// All lists every recognized intent.
func All() []Intent {
	return []Intent{Dialogue, MemoryAdd, MemoryDelete}
}

// Parse normalizes a raw classifier label. Anything unrecognized falls back
// to Dialogue so a sloppy classifier can never strand a message.
func Parse(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case MemoryAdd:
		return MemoryAdd
	case MemoryDelete:
		return MemoryDelete
	default:
		return Dialogue
	}
}

// Request carries the classified message into a handler.
type Request struct {
	ScopeKey   string
	SenderID   string
	SenderName string
	Message    string
}

// Handler processes one intent. The returned string is the outbound reply
// text; empty means nothing to send.
type Handler func(ctx context.Context, req Request) (string, error)

// Registry maps every intent to exactly one handler.
type Registry struct {
	handlers map[Intent]Handler
}

// NewRegistry requires a handler for every intent in All.
func NewRegistry(handlers map[Intent]Handler) (*Registry, error) {
	for _, it := range All() {
		if handlers[it] == nil {
			return nil, fmt.Errorf("intent %q has no handler", it)
		}
	}
	copied := make(map[Intent]Handler, len(handlers))
	for it, h := range handlers {
		copied[it] = h
	}
	return &Registry{handlers: copied}, nil
}

// Dispatch runs the handler for the intent. The intent is normalized first,
// so Dispatch never fails on an unknown label.
func (r *Registry) Dispatch(ctx context.Context, it Intent, req Request) (string, error) {
	return r.handlers[Parse(string(it))](ctx, req)
}
