package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/wispbot/wisp/internal/kvstore"
	"github.com/wispbot/wisp/internal/scope"
)

func newTestStore(t *testing.T, maxHistory int) *Store {
	t.Helper()
	kv, err := kvstore.New(filepath.Join(t.TempDir(), "session.sqlite"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	if err := kv.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(kv, maxHistory, nil)
}

func TestHistoryNeverExceedsCap(t *testing.T) {
	store := newTestStore(t, 5)
	sc := scope.Group("1001")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		store.AddMessage(ctx, sc, Message{Role: "user", Content: fmt.Sprintf("m%d", i), Timestamp: time.Now()})
		if got := len(store.History(ctx, sc, 0)); got > 5 {
			t.Fatalf("history grew past cap: %d", got)
		}
	}
	history := store.History(ctx, sc, 0)
	if len(history) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(history))
	}
	if history[0].Content != "m15" || history[4].Content != "m19" {
		t.Fatalf("eviction order wrong: first=%q last=%q", history[0].Content, history[4].Content)
	}
}

func TestHistoryLimit(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.User("42")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		store.AddMessage(ctx, sc, Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	recent := store.History(ctx, sc, 2)
	if len(recent) != 2 || recent[1].Content != "m5" {
		t.Fatalf("unexpected recent slice: %+v", recent)
	}
}

func TestHistorySurvivesReload(t *testing.T) {
	kv, err := kvstore.New(filepath.Join(t.TempDir(), "session.sqlite"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()
	if err := kv.AutoMigrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sc := scope.Group("1001")

	first := NewStore(kv, 10, nil)
	first.AddMessage(ctx, sc, Message{Role: "user", Content: "hello"})

	second := NewStore(kv, 10, nil)
	history := second.History(ctx, sc, 0)
	if len(history) != 1 || history[0].Content != "hello" {
		t.Fatalf("history not restored: %+v", history)
	}
}

func TestRecordReplyPrunesHourWindow(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.Group("1001")
	base := time.Now()

	for i := 0; i < 3; i++ {
		store.RecordReply(sc, base.Add(time.Duration(i)*time.Minute))
	}
	if got := store.ReplyCountLastHour(sc, base.Add(2*time.Minute)); got != 3 {
		t.Fatalf("expected 3 replies, got %d", got)
	}
	// 61 minutes later the first entries have aged out.
	if got := store.ReplyCountLastHour(sc, base.Add(61*time.Minute)); got != 2 {
		t.Fatalf("expected 2 replies after pruning, got %d", got)
	}
	if got := store.ReplyCountLastHour(sc, base.Add(3*time.Hour)); got != 0 {
		t.Fatalf("expected empty window, got %d", got)
	}
}

func TestRecordReplyResetsMessageCounter(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.Group("1001")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		store.AddMessage(ctx, sc, Message{Role: "user", Content: "m"})
	}
	if got := store.MessagesSinceLastReply(sc); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	store.RecordReply(sc, time.Now())
	if got := store.MessagesSinceLastReply(sc); got != 0 {
		t.Fatalf("counter should reset, got %d", got)
	}
	store.AddMessage(ctx, sc, Message{Role: "assistant", Content: "r"})
	if got := store.MessagesSinceLastReply(sc); got != 0 {
		t.Fatalf("assistant messages should not count, got %d", got)
	}
}

func TestTimeSinceLastReply(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.User("42")
	base := time.Now()

	if _, ok := store.TimeSinceLastReply(sc, base); ok {
		t.Fatal("no reply recorded yet")
	}
	store.RecordReply(sc, base)
	elapsed, ok := store.TimeSinceLastReply(sc, base.Add(30*time.Second))
	if !ok || elapsed != 30*time.Second {
		t.Fatalf("unexpected elapsed %v ok=%v", elapsed, ok)
	}
}

func TestImageCacheSingleConsume(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.User("42")
	base := time.Now()

	store.CacheImage(sc, []string{"img://1"}, time.Minute, base)
	refs, ok := store.TakeCachedImage(sc, base.Add(10*time.Second))
	if !ok || len(refs) != 1 || refs[0] != "img://1" {
		t.Fatalf("unexpected refs %v ok=%v", refs, ok)
	}
	if _, ok := store.TakeCachedImage(sc, base.Add(11*time.Second)); ok {
		t.Fatal("second take should find nothing")
	}
}

func TestImageCacheExpires(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.User("42")
	base := time.Now()

	store.CacheImage(sc, []string{"img://1"}, time.Minute, base)
	if _, ok := store.TakeCachedImage(sc, base.Add(2*time.Minute)); ok {
		t.Fatal("expired image should not be returned")
	}
}

func TestSilenceTracking(t *testing.T) {
	store := newTestStore(t, 10)
	sc := scope.Group("1001")
	base := time.Now()

	store.TouchActivity(sc, base)
	if store.IsSilent(sc, 30*time.Minute) {
		t.Fatal("first activity has no preceding gap")
	}
	// The next message arrives after a long quiet stretch; it broke the
	// silence, so the scope reads as silent for this decision.
	store.TouchActivity(sc, base.Add(45*time.Minute))
	if !store.IsSilent(sc, 30*time.Minute) {
		t.Fatal("45 minute gap should count as silence")
	}
	store.TouchActivity(sc, base.Add(46*time.Minute))
	if store.IsSilent(sc, 30*time.Minute) {
		t.Fatal("1 minute gap should not count as silence")
	}
}
