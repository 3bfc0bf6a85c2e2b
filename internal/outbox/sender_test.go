package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/matrix"
	"github.com/matrixchat/matrixchat/internal/rooms"
	"github.com/matrixchat/matrixchat/internal/store"
	synceng "github.com/matrixchat/matrixchat/internal/sync"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

type fakeMessageAPI struct {
	sendErr   error
	uploadErr error
	sentTxns  []string
	sentBody  string
	redacted  []string
	// snapshot of the echo status at the moment SendText runs
	echoDuringSend timeline.Status
	rec            *synceng.Reconciler
	roomID         string
}

func (f *fakeMessageAPI) SendText(_ context.Context, _ *matrix.Session, roomID, body, txnID string) (string, error) {
	f.sentTxns = append(f.sentTxns, txnID)
	f.sentBody = body
	if f.rec != nil {
		for _, ev := range f.rec.Events(f.roomID) {
			if ev.TransactionID == txnID {
				f.echoDuringSend = ev.Status
			}
		}
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "$srv-" + txnID, nil
}

func (f *fakeMessageAPI) SendImage(_ context.Context, _ *matrix.Session, _ string, _ string, _ string, _ string, _ int64, txnID string) (string, error) {
	f.sentTxns = append(f.sentTxns, txnID)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "$img-" + txnID, nil
}

func (f *fakeMessageAPI) Upload(_ context.Context, _ *matrix.Session, _ []byte, _ string, _ string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "mxc://x/y", nil
}

func (f *fakeMessageAPI) Redact(_ context.Context, _ *matrix.Session, _ string, eventID string, _ string) error {
	f.redacted = append(f.redacted, eventID)
	return nil
}

type fakeRefresher struct{ kicks int }

func (f *fakeRefresher) RefreshNow() { f.kicks++ }

func testSender(t *testing.T, api *fakeMessageAPI) (*Sender, *synceng.Reconciler, *fakeRefresher) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := synceng.NewReconciler(db, bus.New(), zap.NewNop())
	rec.Activate("@me:x")
	rec.ApplyRoomUpdate(&rooms.Summary{RoomID: "!r:x", Name: "Bob"})
	api.rec = rec
	api.roomID = "!r:x"

	refresher := &fakeRefresher{}
	sess := &matrix.Session{AccessToken: "tok", UserID: "@me:x"}
	sender := NewSender(api, rec, refresher, zap.NewNop(), func() *matrix.Session { return sess })
	return sender, rec, refresher
}

func TestSendTextEchoesBeforeWireCall(t *testing.T) {
	api := &fakeMessageAPI{}
	sender, rec, refresher := testSender(t, api)

	eventID, err := sender.SendText(context.Background(), "!r:x", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if api.echoDuringSend != timeline.StatusPending {
		t.Fatalf("echo status during send = %q, want pending", api.echoDuringSend)
	}

	events := rec.Events("!r:x")
	if len(events) != 1 {
		t.Fatalf("len = %d", len(events))
	}
	if events[0].EventID != eventID || events[0].Status != timeline.StatusSent {
		t.Fatalf("resolved echo = %+v", events[0])
	}
	if refresher.kicks != 1 {
		t.Fatalf("kicks = %d", refresher.kicks)
	}
}

func TestSendFailureKeepsMessageVisible(t *testing.T) {
	api := &fakeMessageAPI{sendErr: errors.New("boom")}
	sender, rec, refresher := testSender(t, api)

	if _, err := sender.SendText(context.Background(), "!r:x", "hello"); err == nil {
		t.Fatal("expected error")
	}

	events := rec.Events("!r:x")
	if len(events) != 1 {
		t.Fatalf("failed message vanished: %+v", events)
	}
	if events[0].Status != timeline.StatusError {
		t.Fatalf("status = %q", events[0].Status)
	}
	if events[0].Body != "hello" {
		t.Fatalf("body lost: %q", events[0].Body)
	}
	if refresher.kicks != 0 {
		t.Fatal("failed send must not kick the poller")
	}
}

func TestRetryReusesTransactionID(t *testing.T) {
	api := &fakeMessageAPI{sendErr: errors.New("boom")}
	sender, rec, _ := testSender(t, api)

	_, _ = sender.SendText(context.Background(), "!r:x", "hello")
	failed := rec.Events("!r:x")[0]

	api.sendErr = nil
	eventID, err := sender.Retry(context.Background(), "!r:x", failed.TransactionID, failed.Body)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(api.sentTxns) != 2 || api.sentTxns[0] != api.sentTxns[1] {
		t.Fatalf("txns = %v, want the same id twice", api.sentTxns)
	}

	events := rec.Events("!r:x")
	if len(events) != 1 {
		t.Fatalf("retry duplicated the message: %+v", events)
	}
	if events[0].EventID != eventID || events[0].Status != timeline.StatusSent {
		t.Fatalf("retried echo = %+v", events[0])
	}
}

func TestSendImageUploadFailureFailsEcho(t *testing.T) {
	api := &fakeMessageAPI{uploadErr: errors.New("no media")}
	sender, rec, _ := testSender(t, api)

	if _, err := sender.SendImage(context.Background(), "!r:x", []byte("img"), "image/png", "a.png"); err == nil {
		t.Fatal("expected error")
	}
	events := rec.Events("!r:x")
	if len(events) != 1 || events[0].Status != timeline.StatusError {
		t.Fatalf("events = %+v", events)
	}
}

func TestDeleteRedactsServerEvents(t *testing.T) {
	api := &fakeMessageAPI{}
	sender, rec, _ := testSender(t, api)

	_, _ = sender.SendText(context.Background(), "!r:x", "hello")
	eventID := rec.Events("!r:x")[0].EventID

	if err := sender.Delete(context.Background(), "!r:x", eventID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(api.redacted) != 1 || api.redacted[0] != eventID {
		t.Fatalf("redacted = %v", api.redacted)
	}
	if events := rec.Events("!r:x"); len(events) != 0 {
		t.Fatalf("event survived delete: %+v", events)
	}
}

func TestDeleteLocalEchoSkipsRedaction(t *testing.T) {
	api := &fakeMessageAPI{sendErr: errors.New("boom")}
	sender, rec, _ := testSender(t, api)

	_, _ = sender.SendText(context.Background(), "!r:x", "hello")
	localID := rec.Events("!r:x")[0].EventID

	if err := sender.Delete(context.Background(), "!r:x", localID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(api.redacted) != 0 {
		t.Fatal("local echo should not be redacted server-side")
	}
	if events := rec.Events("!r:x"); len(events) != 0 {
		t.Fatalf("echo survived delete: %+v", events)
	}
}
