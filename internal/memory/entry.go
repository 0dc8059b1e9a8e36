// Package memory holds durable facts about users and groups: the owner
// collections, the write-side dedup and trim rules, and the consolidation
// pipeline that turns finished conversation turns into entries.
package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TagAuto   = "auto"
	TagManual = "manual"
)

// Entry is one remembered fact. Content is unique within its owner
// collection; duplicates are dropped on write, never erred.
type Entry struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Importance float64   `json:"importance"`
}

func NewEntry(content, tag string, now time.Time) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Content:    strings.TrimSpace(content),
		Tags:       []string{tag},
		CreatedAt:  now,
		Importance: 1.0,
	}
}

func containsContent(entries []Entry, content string) bool {
	content = strings.TrimSpace(content)
	for _, entry := range entries {
		if strings.EqualFold(entry.Content, content) {
			return true
		}
	}
	return false
}
