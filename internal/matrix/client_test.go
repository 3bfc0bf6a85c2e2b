package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second), srv
}

func testSession() *Session {
	return &Session{AccessToken: "tok", UserID: "@alice:example.org", DeviceID: "DEV"}
}

func TestLoginQualifiesUsername(t *testing.T) {
	var got map[string]any
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/login" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok",
			"user_id":      "@alice:127.0.0.1",
			"device_id":    "DEV",
		})
	}))

	sess, err := client.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.AccessToken != "tok" || sess.UserID != "@alice:127.0.0.1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Homeserver != client.HomeserverURL() {
		t.Fatalf("homeserver not captured: %q", sess.Homeserver)
	}

	ident := got["identifier"].(map[string]any)
	user := ident["user"].(string)
	if user == "alice" {
		t.Fatal("bare username was not qualified")
	}
	if user[0] != '@' {
		t.Fatalf("qualified user %q does not start with @", user)
	}
}

func TestLoginErrorDecoded(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"Invalid password"}`))
	}))

	_, err := client.Login(context.Background(), "alice", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthFailure(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	herr := err.(*Error)
	if herr.Code != "M_FORBIDDEN" {
		t.Fatalf("errcode = %q", herr.Code)
	}
}

func TestRegisterRetriesWithUIASession(t *testing.T) {
	calls := 0
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"session":"uia123","flows":[{"stages":["m.login.dummy"]}]}`))
			return
		}
		auth := body["auth"].(map[string]any)
		if auth["session"] != "uia123" {
			t.Fatalf("retry did not carry session id: %v", auth)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok",
			"user_id":      "@bob:127.0.0.1",
			"device_id":    "DEV2",
		})
	}))

	sess, err := client.Register(context.Background(), "bob", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if sess.UserID != "@bob:127.0.0.1" {
		t.Fatalf("unexpected user %q", sess.UserID)
	}
}

func TestRegisterHardFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"taken"}`))
	}))

	_, err := client.Register(context.Background(), "bob", "secret")
	if err == nil {
		t.Fatal("expected error")
	}
	herr := err.(*Error)
	if herr.Code != "M_USER_IN_USE" {
		t.Fatalf("errcode = %q", herr.Code)
	}
}

func TestSyncSinceToken(t *testing.T) {
	var since []string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since = append(since, r.URL.Query().Get("since"))
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"next_batch": "s2"})
	}))

	sess := testSession()
	resp, err := client.Sync(context.Background(), sess, "")
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	if resp.NextBatch != "s2" {
		t.Fatalf("next_batch = %q", resp.NextBatch)
	}
	if _, err := client.Sync(context.Background(), sess, "s2"); err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if since[0] != "" || since[1] != "s2" {
		t.Fatalf("since sequence = %v", since)
	}
}

func TestSendTextIsIdempotentPut(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/_matrix/client/v3/rooms/!room:x/send/m.room.message/txn-1" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["msgtype"] != "m.text" || body["body"] != "hello" {
			t.Fatalf("body = %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$abc"})
	}))

	eventID, err := client.SendText(context.Background(), testSession(), "!room:x", "hello", "txn-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if eventID != "$abc" {
		t.Fatalf("event id = %q", eventID)
	}
}

func TestUploadFallsBackToR0(t *testing.T) {
	var paths []string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/_matrix/media/v3/upload" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"content_uri": "mxc://x/y"})
	}))

	uri, err := client.Upload(context.Background(), testSession(), []byte("img"), "image/png", "a.png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "mxc://x/y" {
		t.Fatalf("uri = %q", uri)
	}
	if len(paths) != 2 || paths[1] != "/_matrix/media/r0/upload" {
		t.Fatalf("paths = %v", paths)
	}
}

func TestJoinRoomReturnsResolvedID(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!resolved:x"})
	}))

	roomID, err := client.JoinRoom(context.Background(), testSession(), "#alias:x")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if roomID != "!resolved:x" {
		t.Fatalf("room id = %q", roomID)
	}
}

func TestCreateDirectRoomPatchesAccountData(t *testing.T) {
	var directPut map[string][]string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/_matrix/client/v3/createRoom":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["is_direct"] != true {
				t.Fatalf("is_direct not set: %v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"room_id": "!dm:x"})
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND"}`))
		case r.Method == http.MethodPut:
			_ = json.NewDecoder(r.Body).Decode(&directPut)
			_, _ = w.Write([]byte(`{}`))
		}
	}))

	roomID, err := client.CreateDirectRoom(context.Background(), testSession(), "@bob:example.org")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if roomID != "!dm:x" {
		t.Fatalf("room id = %q", roomID)
	}
	if rooms := directPut["@bob:example.org"]; len(rooms) != 1 || rooms[0] != "!dm:x" {
		t.Fatalf("m.direct patch = %v", directPut)
	}
}

func TestMessagesRequestsBackwards(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dir") != "b" {
			t.Fatalf("dir = %q", r.URL.Query().Get("dir"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"chunk": []map[string]any{
				{"event_id": "$1", "type": "m.room.message", "origin_server_ts": 10},
			},
		})
	}))

	events, err := client.Messages(context.Background(), testSession(), "!room:x", 30)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "$1" {
		t.Fatalf("events = %+v", events)
	}
}

func TestMxcToHTTP(t *testing.T) {
	client := NewClient("https://hs.example.org", time.Second)
	sess := testSession()

	got := client.MxcToHTTP(sess, "mxc://hs.example.org/media1", 64, 64)
	want := "https://hs.example.org/_matrix/media/v3/thumbnail/hs.example.org/media1?width=64&height=64&method=scale&access_token=tok"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}

	if client.MxcToHTTP(sess, "https://plain.example/x.png", 64, 64) != "https://plain.example/x.png" {
		t.Fatal("non-mxc URL should pass through")
	}
}
