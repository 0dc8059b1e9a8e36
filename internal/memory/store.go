package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wispbot/wisp/internal/kvstore"
	"github.com/wispbot/wisp/internal/rateguard"
)

// Caps bound each owner collection.
type Caps struct {
	// MaxUserTokens bounds a user's long-term memory by estimated token
	// cost; exceeding it trims the collection down to UserKeepEntries.
	MaxUserTokens   int
	UserKeepEntries int
	// GroupSenderEntries bounds each sender's slice of a group's memory.
	GroupSenderEntries int
	// GroupContextEntries bounds a group's shared-context list.
	GroupContextEntries int
}

func DefaultCaps() Caps {
	return Caps{
		MaxUserTokens:       10000,
		UserKeepEntries:     50,
		GroupSenderEntries:  10,
		GroupContextEntries: 20,
	}
}

// Store owns the durable memory collections. Read-modify-write cycles on
// the key/value layer are serialized by a single lock; memory writes are
// rare enough that finer granularity buys nothing.
type Store struct {
	kv     *kvstore.Store
	logger *slog.Logger
	caps   Caps
	audit  AuditSink

	mu sync.Mutex
}

func NewStore(kv *kvstore.Store, caps Caps, audit AuditSink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = nopSink{}
	}
	if caps.MaxUserTokens < 1 {
		caps = DefaultCaps()
	}
	return &Store{
		kv:     kv,
		logger: logger.With("component", "memory"),
		caps:   caps,
		audit:  audit,
	}
}

func (s *Store) loadEntries(ctx context.Context, key string) ([]Entry, error) {
	data, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode entries at %s: %w", key, err)
	}
	return entries, nil
}

func (s *Store) saveEntries(ctx context.Context, key string, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode entries at %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, data)
}

// UserEntries returns a user's long-term memory, oldest first.
func (s *Store) UserEntries(ctx context.Context, userID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadEntries(ctx, kvstore.UserMemoryKey(userID))
}

// AppendUser adds a fact to a user's memory. Returns false when an entry
// with identical content already exists. Exceeding the token budget trims
// the collection, oldest first, down to the keep count.
func (s *Store) AppendUser(ctx context.Context, userID string, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kvstore.UserMemoryKey(userID)
	entries, err := s.loadEntries(ctx, key)
	if err != nil {
		return false, err
	}
	if containsContent(entries, entry.Content) {
		return false, nil
	}
	entries = append(entries, entry)

	trimmed := 0
	if entriesTokens(entries) > s.caps.MaxUserTokens && len(entries) > s.caps.UserKeepEntries {
		trimmed = len(entries) - s.caps.UserKeepEntries
		entries = entries[trimmed:]
	}
	if err := s.saveEntries(ctx, key, entries); err != nil {
		return false, err
	}
	s.audit.Record(Event{Op: OpAppend, OwnerKey: key, Content: entry.Content, Tag: firstTag(entry), At: entry.CreatedAt})
	if trimmed > 0 {
		s.logger.Info("trimmed user memory", "user", userID, "dropped", trimmed)
		s.audit.Record(Event{Op: OpTrim, OwnerKey: key, At: entry.CreatedAt})
	}
	return true, nil
}

// DeleteUserEntry removes the index-th entry (1-based, oldest first) and
// returns it.
func (s *Store) DeleteUserEntry(ctx context.Context, userID string, index int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kvstore.UserMemoryKey(userID)
	entries, err := s.loadEntries(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if index < 1 || index > len(entries) {
		return Entry{}, fmt.Errorf("memory index %d out of range 1..%d", index, len(entries))
	}
	removed := entries[index-1]
	entries = append(entries[:index-1], entries[index:]...)
	if err := s.saveEntries(ctx, key, entries); err != nil {
		return Entry{}, err
	}
	s.audit.Record(Event{Op: OpDelete, OwnerKey: key, Content: removed.Content, At: time.Now()})
	return removed, nil
}

// ReplaceUser swaps a user's entire collection, used by the compression
// sweep after summarization.
func (s *Store) ReplaceUser(ctx context.Context, userID string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kvstore.UserMemoryKey(userID)
	if err := s.saveEntries(ctx, key, entries); err != nil {
		return err
	}
	s.audit.Record(Event{Op: OpRewrite, OwnerKey: key, At: time.Now()})
	return nil
}

// SearchUser returns entries whose content contains the query,
// case-insensitive, oldest first.
func (s *Store) SearchUser(ctx context.Context, userID, query string) ([]Entry, error) {
	entries, err := s.UserEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return entries, nil
	}
	var matched []Entry
	for _, entry := range entries {
		if strings.Contains(strings.ToLower(entry.Content), query) {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

// ExportUser renders a user's memory as indented JSON.
func (s *Store) ExportUser(ctx context.Context, userID string) ([]byte, error) {
	entries, err := s.UserEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}

// GroupSenderEntries returns the facts a group remembers about one sender.
func (s *Store) GroupSenderEntries(ctx context.Context, groupID, senderID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySender, err := s.loadGroupMemory(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return bySender[senderID], nil
}

// AppendGroupSender adds a fact to the group's memory of one sender,
// capped FIFO per sender.
func (s *Store) AppendGroupSender(ctx context.Context, groupID, senderID string, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kvstore.GroupMemoryKey(groupID)
	bySender, err := s.loadGroupMemory(ctx, groupID)
	if err != nil {
		return false, err
	}
	entries := bySender[senderID]
	if containsContent(entries, entry.Content) {
		return false, nil
	}
	entries = append(entries, entry)
	if len(entries) > s.caps.GroupSenderEntries {
		entries = entries[len(entries)-s.caps.GroupSenderEntries:]
	}
	bySender[senderID] = entries

	data, err := json.Marshal(bySender)
	if err != nil {
		return false, fmt.Errorf("encode group memory %s: %w", groupID, err)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return false, err
	}
	s.audit.Record(Event{Op: OpAppend, OwnerKey: key + ":" + senderID, Content: entry.Content, Tag: firstTag(entry), At: entry.CreatedAt})
	return true, nil
}

// GroupContext returns the group's shared-context entries, oldest first.
func (s *Store) GroupContext(ctx context.Context, groupID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadEntries(ctx, kvstore.GroupContextKey(groupID))
}

// AppendGroupContext adds a fact to the group's shared context, capped FIFO.
func (s *Store) AppendGroupContext(ctx context.Context, groupID string, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kvstore.GroupContextKey(groupID)
	entries, err := s.loadEntries(ctx, key)
	if err != nil {
		return false, err
	}
	if containsContent(entries, entry.Content) {
		return false, nil
	}
	entries = append(entries, entry)
	if len(entries) > s.caps.GroupContextEntries {
		entries = entries[len(entries)-s.caps.GroupContextEntries:]
	}
	if err := s.saveEntries(ctx, key, entries); err != nil {
		return false, err
	}
	s.audit.Record(Event{Op: OpAppend, OwnerKey: key, Content: entry.Content, Tag: firstTag(entry), At: entry.CreatedAt})
	return true, nil
}

func (s *Store) loadGroupMemory(ctx context.Context, groupID string) (map[string][]Entry, error) {
	data, found, err := s.kv.Get(ctx, kvstore.GroupMemoryKey(groupID))
	if err != nil {
		return nil, err
	}
	bySender := map[string][]Entry{}
	if !found {
		return bySender, nil
	}
	if err := json.Unmarshal(data, &bySender); err != nil {
		return nil, fmt.Errorf("decode group memory %s: %w", groupID, err)
	}
	return bySender, nil
}

func entriesTokens(entries []Entry) int {
	total := 0
	for _, entry := range entries {
		total += rateguard.EstimateTokens(entry.Content)
	}
	return total
}

func firstTag(entry Entry) string {
	if len(entry.Tags) > 0 {
		return entry.Tags[0]
	}
	return ""
}
