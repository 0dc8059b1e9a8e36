package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wispbot/wisp/internal/kvstore"
)

func newTestKV(t *testing.T) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.New(filepath.Join(t.TempDir(), "memory.sqlite"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	if err := kv.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return kv
}

func newTestMemories(t *testing.T, caps Caps) *Store {
	t.Helper()
	return NewStore(newTestKV(t), caps, nil, nil)
}

func TestAppendUserDedup(t *testing.T) {
	store := newTestMemories(t, DefaultCaps())
	ctx := context.Background()
	now := time.Now()

	added, err := store.AppendUser(ctx, "42", NewEntry("user's birthday is June 15", TagAuto, now))
	if err != nil || !added {
		t.Fatalf("first append: added=%v err=%v", added, err)
	}
	// Identical content, different casing.
	added, err = store.AppendUser(ctx, "42", NewEntry("User's birthday is June 15", TagAuto, now))
	if err != nil || added {
		t.Fatalf("duplicate should be dropped: added=%v err=%v", added, err)
	}

	entries, err := store.UserEntries(ctx, "42")
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Importance != 1.0 || len(entries[0].Tags) != 1 || entries[0].Tags[0] != TagAuto {
		t.Fatalf("unexpected entry metadata: %+v", entries[0])
	}
}

func TestAppendUserTrimsOldestPastBudget(t *testing.T) {
	store := newTestMemories(t, Caps{
		MaxUserTokens:       10,
		UserKeepEntries:     2,
		GroupSenderEntries:  10,
		GroupContextEntries: 20,
	})
	ctx := context.Background()
	now := time.Now()

	facts := []string{
		"likes long walks on the beach at sunset",
		"works night shifts at the hospital downtown",
		"allergic to peanuts and most tree nuts too",
		"birthday lands on the fifteenth of June",
	}
	for _, fact := range facts {
		if _, err := store.AppendUser(ctx, "42", NewEntry(fact, TagAuto, now)); err != nil {
			t.Fatalf("append %q: %v", fact, err)
		}
	}

	entries, err := store.UserEntries(ctx, "42")
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected trim to 2 entries, got %d", len(entries))
	}
	if entries[1].Content != facts[3] {
		t.Fatalf("newest entry should survive, got %q", entries[1].Content)
	}
}

func TestDeleteUserEntryByIndex(t *testing.T) {
	store := newTestMemories(t, DefaultCaps())
	ctx := context.Background()
	now := time.Now()

	for _, fact := range []string{"first", "second", "third"} {
		store.AppendUser(ctx, "42", NewEntry(fact, TagManual, now))
	}
	removed, err := store.DeleteUserEntry(ctx, "42", 2)
	if err != nil || removed.Content != "second" {
		t.Fatalf("delete index 2: removed=%q err=%v", removed.Content, err)
	}
	entries, _ := store.UserEntries(ctx, "42")
	if len(entries) != 2 || entries[0].Content != "first" || entries[1].Content != "third" {
		t.Fatalf("unexpected remainder: %+v", entries)
	}

	if _, err := store.DeleteUserEntry(ctx, "42", 9); err == nil {
		t.Fatal("out-of-range index should fail")
	}
	if _, err := store.DeleteUserEntry(ctx, "42", 0); err == nil {
		t.Fatal("index zero should fail")
	}
}

func TestSearchUser(t *testing.T) {
	store := newTestMemories(t, DefaultCaps())
	ctx := context.Background()
	now := time.Now()

	store.AppendUser(ctx, "42", NewEntry("enjoys hiking in the Alps", TagAuto, now))
	store.AppendUser(ctx, "42", NewEntry("prefers tea over coffee", TagAuto, now))

	matched, err := store.SearchUser(ctx, "42", "HIKING")
	if err != nil || len(matched) != 1 || matched[0].Content != "enjoys hiking in the Alps" {
		t.Fatalf("search failed: %+v err=%v", matched, err)
	}
	all, _ := store.SearchUser(ctx, "42", "")
	if len(all) != 2 {
		t.Fatalf("empty query should return everything, got %d", len(all))
	}
}

func TestGroupSenderCapFIFO(t *testing.T) {
	store := newTestMemories(t, Caps{
		MaxUserTokens:       10000,
		UserKeepEntries:     50,
		GroupSenderEntries:  3,
		GroupContextEntries: 20,
	})
	ctx := context.Background()
	now := time.Now()

	for _, fact := range []string{"one", "two", "three", "four"} {
		if _, err := store.AppendGroupSender(ctx, "1001", "42", NewEntry(fact, TagAuto, now)); err != nil {
			t.Fatalf("append %q: %v", fact, err)
		}
	}
	entries, err := store.GroupSenderEntries(ctx, "1001", "42")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 || entries[0].Content != "two" || entries[2].Content != "four" {
		t.Fatalf("FIFO cap violated: %+v", entries)
	}

	// Another sender's slice is independent.
	other, _ := store.GroupSenderEntries(ctx, "1001", "99")
	if len(other) != 0 {
		t.Fatalf("unexpected entries for other sender: %+v", other)
	}
}

func TestGroupContextCapAndDedup(t *testing.T) {
	store := newTestMemories(t, Caps{
		MaxUserTokens:       10000,
		UserKeepEntries:     50,
		GroupSenderEntries:  10,
		GroupContextEntries: 2,
	})
	ctx := context.Background()
	now := time.Now()

	for _, fact := range []string{"rule: no spoilers", "event friday", "schedule moved"} {
		store.AppendGroupContext(ctx, "1001", NewEntry(fact, TagAuto, now))
	}
	added, _ := store.AppendGroupContext(ctx, "1001", NewEntry("schedule moved", TagAuto, now))
	if added {
		t.Fatal("duplicate shared-context fact should be dropped")
	}
	entries, _ := store.GroupContext(ctx, "1001")
	if len(entries) != 2 || entries[0].Content != "event friday" {
		t.Fatalf("cap violated: %+v", entries)
	}
}

func TestExportUser(t *testing.T) {
	store := newTestMemories(t, DefaultCaps())
	ctx := context.Background()

	store.AppendUser(ctx, "42", NewEntry("likes jazz", TagAuto, time.Now()))
	data, err := store.ExportUser(ctx, "42")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("export should not be empty")
	}
}
