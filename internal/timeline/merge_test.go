package timeline

import (
	"fmt"
	"testing"
)

func ev(id string, ts int64, body string, status Status) Event {
	return Event{
		EventID:     id,
		RoomID:      "!room:x",
		SenderID:    "@alice:x",
		Type:        "m.room.message",
		Timestamp:   ts,
		Body:        body,
		DisplayBody: body,
		Status:      status,
	}
}

func TestCollapseDeduplicatesByEventID(t *testing.T) {
	out := Collapse([]Event{
		ev("$1", 10, "hello", StatusSent),
		ev("$1", 10, "hello", StatusSent),
		ev("$2", 20, "world", StatusSent),
	})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].EventID != "$1" || out[1].EventID != "$2" {
		t.Fatalf("order = %v", []string{out[0].EventID, out[1].EventID})
	}
}

func TestCollapseRekeysEchoOnTransactionMatch(t *testing.T) {
	local := ev(LocalEventID("txn1"), 100, "hi", StatusPending)
	local.TransactionID = "txn1"
	server := ev("$srv", 105, "hi", StatusSent)
	server.TransactionID = "txn1"

	out := Collapse([]Event{local, server})
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1 (echo should collapse)", len(out))
	}
	got := out[0]
	if got.EventID != "$srv" {
		t.Fatalf("event id = %q, want server id", got.EventID)
	}
	// The echo stays pending until the send call itself resolves; the
	// sync copy must not flip it early.
	if got.Status != StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.TransactionID != "txn1" {
		t.Fatalf("transaction id lost: %q", got.TransactionID)
	}
}

func TestCollapseEchoArrivingAfterServerEvent(t *testing.T) {
	// Sync can deliver the server event before the local echo is replayed
	// from cache. The echo must still fold into the server copy.
	server := ev("$srv", 105, "hi", StatusSent)
	server.TransactionID = "txn1"
	local := ev(LocalEventID("txn1"), 100, "hi", StatusPending)
	local.TransactionID = "txn1"

	out := Collapse([]Event{server, local})
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].EventID != "$srv" {
		t.Fatalf("event id = %q", out[0].EventID)
	}
	if out[0].Status != StatusPending {
		t.Fatalf("status = %q, want pending", out[0].Status)
	}
}

func TestStatusPriorityOnMerge(t *testing.T) {
	cases := []struct {
		existing, incoming, want Status
	}{
		{StatusPending, StatusSent, StatusPending}, // sent is lower priority, existing kept
		{StatusSent, StatusPending, StatusPending},
		{StatusPending, StatusError, StatusError},
		{StatusError, StatusSent, StatusError},
		{StatusSent, StatusSent, StatusSent},
		{"", StatusSent, StatusSent},
		{StatusPending, "", StatusPending},
	}
	for _, tc := range cases {
		if got := resolveStatus(tc.existing, tc.incoming); got != tc.want {
			t.Errorf("resolveStatus(%q, %q) = %q, want %q", tc.existing, tc.incoming, got, tc.want)
		}
	}
}

func TestCollapseSortsByTimestamp(t *testing.T) {
	out := Collapse([]Event{
		ev("$3", 30, "c", StatusSent),
		ev("$1", 10, "a", StatusSent),
		ev("$2", 20, "b", StatusSent),
	})
	for i, want := range []string{"$1", "$2", "$3"} {
		if out[i].EventID != want {
			t.Fatalf("position %d = %q, want %q", i, out[i].EventID, want)
		}
	}
}

func TestCollapseStableForEqualTimestamps(t *testing.T) {
	out := Collapse([]Event{
		ev("$a", 10, "first", StatusSent),
		ev("$b", 10, "second", StatusSent),
	})
	if out[0].EventID != "$a" || out[1].EventID != "$b" {
		t.Fatalf("equal timestamps reordered: %q, %q", out[0].EventID, out[1].EventID)
	}
}

func TestCollapseCapsAtLimitDroppingOldest(t *testing.T) {
	var in []Event
	for i := 0; i < MaxEventsPerRoom+25; i++ {
		in = append(in, ev(fmt.Sprintf("$%d", i), int64(i), "m", StatusSent))
	}
	out := Collapse(in)
	if len(out) != MaxEventsPerRoom {
		t.Fatalf("len = %d, want %d", len(out), MaxEventsPerRoom)
	}
	if out[0].EventID != "$25" {
		t.Fatalf("oldest surviving = %q, want $25", out[0].EventID)
	}
	if out[len(out)-1].EventID != fmt.Sprintf("$%d", MaxEventsPerRoom+24) {
		t.Fatalf("newest = %q", out[len(out)-1].EventID)
	}
}

func TestCollapseSkipsEmptyEventIDs(t *testing.T) {
	out := Collapse([]Event{
		{RoomID: "!room:x", Timestamp: 5},
		ev("$1", 10, "a", StatusSent),
	})
	if len(out) != 1 || out[0].EventID != "$1" {
		t.Fatalf("out = %+v", out)
	}
}

func TestMergePrefersIncomingFields(t *testing.T) {
	existing := ev("$1", 10, "draft", StatusPending)
	incoming := Event{EventID: "$1", Timestamp: 12, Body: "final", DisplayBody: "final", Status: StatusSent}

	out := Collapse([]Event{existing, incoming})
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Body != "final" || out[0].Timestamp != 12 {
		t.Fatalf("merge did not prefer incoming: %+v", out[0])
	}
	if out[0].SenderID != "@alice:x" {
		t.Fatal("merge dropped existing sender")
	}
}
