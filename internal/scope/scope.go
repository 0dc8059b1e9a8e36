package scope

import "strings"

// Kind distinguishes group conversations from private ones.
type Kind string

const (
	KindGroup Kind = "group"
	KindUser  Kind = "user"
)

// Scope is a conversation partition key. All state in the decision core is
// partitioned by scope: a group scope is shared across every member of the
// group, a user scope is a single private conversation.
type Scope struct {
	Kind Kind
	ID   string
}

func Group(id string) Scope {
	return Scope{Kind: KindGroup, ID: strings.TrimSpace(id)}
}

func User(id string) Scope {
	return Scope{Kind: KindUser, ID: strings.TrimSpace(id)}
}

// For returns the scope for a message: the group scope when groupID is set,
// otherwise the sender's private scope.
func For(userID, groupID string) Scope {
	if strings.TrimSpace(groupID) != "" {
		return Group(groupID)
	}
	return User(userID)
}

func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) IsPrivate() bool {
	return s.Kind == KindUser
}

func (s Scope) IsZero() bool {
	return s.ID == ""
}

// Parse reconstructs a scope from its key form ("group:123" or "user:456").
func Parse(key string) (Scope, bool) {
	kind, id, found := strings.Cut(key, ":")
	if !found || strings.TrimSpace(id) == "" {
		return Scope{}, false
	}
	switch Kind(kind) {
	case KindGroup:
		return Group(id), true
	case KindUser:
		return User(id), true
	default:
		return Scope{}, false
	}
}
