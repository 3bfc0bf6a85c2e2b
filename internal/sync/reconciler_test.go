package sync

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/rooms"
	"github.com/matrixchat/matrixchat/internal/store"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testReconciler(t *testing.T) (*Reconciler, *store.DB, *bus.Bus) {
	t.Helper()
	db := testStore(t)
	b := bus.New()
	r := NewReconciler(db, b, zap.NewNop())
	r.Activate("@me:x")
	return r, db, b
}

func TestApplyRoomUpdatePreservesResolvedName(t *testing.T) {
	r, _, _ := testReconciler(t)

	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Membership: rooms.MembershipJoined, Name: "Bob"})
	// A later delta with no naming state must not regress to the room id.
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Membership: rooms.MembershipJoined, Name: "!r:x"})

	if got := r.Room("!r:x"); got.Name != "Bob" {
		t.Fatalf("name = %q, want Bob", got.Name)
	}
}

func TestApplyRoomUpdateDirectIsSticky(t *testing.T) {
	r, _, _ := testReconciler(t)

	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob", IsDirect: true})
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob", IsDirect: false})

	if got := r.Room("!r:x"); !got.IsDirect {
		t.Fatal("direct flag regressed")
	}
}

func TestMergeTimelineIdempotent(t *testing.T) {
	r, _, b := testReconciler(t)
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})

	events := []timeline.Event{
		{EventID: "$1", RoomID: "!r:x", Timestamp: 10, Body: "hi", DisplayBody: "hi", Status: timeline.StatusSent},
	}
	r.MergeTimelineEvents("!r:x", events)

	ch, unsub := b.Subscribe("timeline.", 8)
	defer unsub()

	// Same delta again: no change, no notification.
	r.MergeTimelineEvents("!r:x", events)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected notification %q", evt.Kind)
	default:
	}

	if got := r.Events("!r:x"); len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
}

func TestOptimisticEchoLifecycle(t *testing.T) {
	r, db, _ := testReconciler(t)
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})

	echo := timeline.Event{
		EventID:       timeline.LocalEventID("t1"),
		RoomID:        "!r:x",
		SenderID:      "@me:x",
		Type:          "m.room.message",
		Timestamp:     100,
		Body:          "hello",
		DisplayBody:   "hello",
		Status:        timeline.StatusPending,
		TransactionID: "t1",
	}
	r.UpsertOptimistic(echo)

	got := r.Events("!r:x")
	if len(got) != 1 || got[0].Status != timeline.StatusPending {
		t.Fatalf("echo state = %+v", got)
	}

	// Echo survives a restart.
	persisted, err := db.LoadRoomEvents("@me:x", "!r:x")
	if err != nil || len(persisted) != 1 {
		t.Fatalf("persisted = %v, %v", persisted, err)
	}

	r.ResolveOptimistic("!r:x", "t1", "$srv")
	got = r.Events("!r:x")
	if len(got) != 1 {
		t.Fatalf("len = %d after resolve", len(got))
	}
	if got[0].EventID != "$srv" || got[0].Status != timeline.StatusSent {
		t.Fatalf("resolved = %+v", got[0])
	}

	// The sync delta for the same send must collapse into the echo.
	r.MergeTimelineEvents("!r:x", []timeline.Event{
		{EventID: "$srv", RoomID: "!r:x", Timestamp: 101, Body: "hello", DisplayBody: "hello", Status: timeline.StatusSent, TransactionID: "t1"},
	})
	if got = r.Events("!r:x"); len(got) != 1 {
		t.Fatalf("delta duplicated echo: %+v", got)
	}
}

func TestFailOptimisticKeepsEventVisible(t *testing.T) {
	r, _, b := testReconciler(t)
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	r.UpsertOptimistic(timeline.Event{
		EventID: timeline.LocalEventID("t2"), RoomID: "!r:x", Timestamp: 100,
		Body: "oops", DisplayBody: "oops", Status: timeline.StatusPending, TransactionID: "t2",
	})
	r.FailOptimistic("!r:x", "t2")

	got := r.Events("!r:x")
	if len(got) != 1 || got[0].Status != timeline.StatusError {
		t.Fatalf("failed echo = %+v", got)
	}

	var sawFail bool
	for len(ch) > 0 {
		if evt := <-ch; evt.Kind == bus.KindMessageSendFail {
			sawFail = true
		}
	}
	if !sawFail {
		t.Fatal("no failure notification")
	}
}

func TestRemoveEvent(t *testing.T) {
	r, _, _ := testReconciler(t)
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})
	r.MergeTimelineEvents("!r:x", []timeline.Event{
		{EventID: "$1", RoomID: "!r:x", Timestamp: 1, Status: timeline.StatusSent, Body: "a", DisplayBody: "a"},
		{EventID: "$2", RoomID: "!r:x", Timestamp: 2, Status: timeline.StatusSent, Body: "b", DisplayBody: "b"},
	})

	r.RemoveEvent("!r:x", "$1")
	got := r.Events("!r:x")
	if len(got) != 1 || got[0].EventID != "$2" {
		t.Fatalf("events = %+v", got)
	}
}

func TestLoadCachedRestoresState(t *testing.T) {
	db := testStore(t)
	b := bus.New()

	first := NewReconciler(db, b, zap.NewNop())
	first.Activate("@me:x")
	first.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob", IsDirect: true})
	first.MergeTimelineEvents("!r:x", []timeline.Event{
		{EventID: "$1", RoomID: "!r:x", Timestamp: 10, Body: "hi", DisplayBody: "hi", Status: timeline.StatusSent},
	})

	second := NewReconciler(db, b, zap.NewNop())
	second.Activate("@me:x")
	if err := second.LoadCached(); err != nil {
		t.Fatalf("load cached: %v", err)
	}

	if got := second.Room("!r:x"); got == nil || got.Name != "Bob" {
		t.Fatalf("room = %+v", got)
	}
	if got := second.Events("!r:x"); len(got) != 1 || got[0].EventID != "$1" {
		t.Fatalf("events = %+v", got)
	}
}

func TestTimelineUpdatesRoomPreview(t *testing.T) {
	r, _, _ := testReconciler(t)
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})
	r.MergeTimelineEvents("!r:x", []timeline.Event{
		{EventID: "$1", RoomID: "!r:x", SenderID: "@bob:x", Timestamp: 10, Body: "latest", DisplayBody: "latest", Status: timeline.StatusSent},
	})

	got := r.Room("!r:x")
	if got.LastEvent == nil || got.LastEvent.Body != "latest" {
		t.Fatalf("preview = %+v", got.LastEvent)
	}
}

func TestRemoveRoomDropsEverything(t *testing.T) {
	r, db, _ := testReconciler(t)
	r.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})
	r.MergeTimelineEvents("!r:x", []timeline.Event{
		{EventID: "$1", RoomID: "!r:x", Timestamp: 1, Status: timeline.StatusSent, Body: "a", DisplayBody: "a"},
	})

	r.RemoveRoom("!r:x")
	if r.Room("!r:x") != nil {
		t.Fatal("summary survived")
	}
	if events, _ := db.LoadRoomEvents("@me:x", "!r:x"); len(events) != 0 {
		t.Fatal("persisted events survived")
	}
}
