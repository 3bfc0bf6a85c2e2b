package timeline

import (
	"testing"

	"github.com/matrixchat/matrixchat/internal/matrix"
)

func TestNormalizeTextMessage(t *testing.T) {
	raw := matrix.RawEvent{
		EventID:        "$1",
		Sender:         "@alice:example.org",
		Type:           "m.room.message",
		OriginServerTS: 1234,
		Content:        map[string]any{"msgtype": "m.text", "body": "hello"},
	}
	ev := Normalize("!room:x", raw)
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.Body != "hello" || ev.DisplayBody != "hello" {
		t.Fatalf("body = %q / %q", ev.Body, ev.DisplayBody)
	}
	if ev.SenderName != "alice" {
		t.Fatalf("sender name = %q", ev.SenderName)
	}
	if ev.Status != StatusSent {
		t.Fatalf("status = %q", ev.Status)
	}
	if ev.RoomID != "!room:x" {
		t.Fatalf("room id = %q", ev.RoomID)
	}
}

func TestNormalizeEncryptedPlaceholder(t *testing.T) {
	raw := matrix.RawEvent{
		EventID:        "$e",
		Sender:         "@bob:x",
		Type:           "m.room.encrypted",
		OriginServerTS: 99,
	}
	ev := Normalize("!room:x", raw)
	if ev == nil {
		t.Fatal("expected event")
	}
	if !ev.Encrypted {
		t.Fatal("encrypted flag not set")
	}
	if ev.DisplayBody == "" {
		t.Fatal("encrypted events need a visible placeholder")
	}
}

func TestNormalizeSkipsStateEvents(t *testing.T) {
	raw := matrix.RawEvent{EventID: "$m", Type: "m.room.member"}
	if ev := Normalize("!room:x", raw); ev != nil {
		t.Fatalf("expected nil, got %+v", ev)
	}
}

func TestNormalizeMissingTimestampGetsOne(t *testing.T) {
	raw := matrix.RawEvent{EventID: "$1", Type: "m.room.message", Content: map[string]any{"body": "x"}}
	ev := Normalize("!room:x", raw)
	if ev.Timestamp == 0 {
		t.Fatal("timestamp not defaulted")
	}
}

func TestNormalizeCarriesTransactionID(t *testing.T) {
	raw := matrix.RawEvent{
		EventID:  "$1",
		Type:     "m.room.message",
		Content:  map[string]any{"body": "x"},
		Unsigned: matrix.RawUnsigned{TransactionID: "txn9"},
	}
	ev := Normalize("!room:x", raw)
	if ev.TransactionID != "txn9" {
		t.Fatalf("transaction id = %q", ev.TransactionID)
	}
}

func TestNormalizeBatchFilters(t *testing.T) {
	out := NormalizeBatch("!room:x", []matrix.RawEvent{
		{EventID: "$1", Type: "m.room.message", OriginServerTS: 1, Content: map[string]any{"body": "a"}},
		{EventID: "$2", Type: "m.room.member", OriginServerTS: 2},
		{EventID: "$3", Type: "m.room.encrypted", OriginServerTS: 3},
	})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}
