// Package matrix implements the wire-level client for the Matrix
// client-server v3 API. It owns no state beyond the HTTP client; sessions
// are passed in explicitly on every call.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

const (
	clientAPIPrefix = "/_matrix/client/v3"
	mediaAPIPrefix  = "/_matrix/media/v3"

	mediaUploadTimeout = 30 * time.Second
)

var serverNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://([^/:?#]+)`)

// Client talks to a single homeserver. Safe for concurrent use.
type Client struct {
	homeserver string
	serverName string
	hc         *http.Client
	mediaHC    *http.Client
}

// NewClient creates a client for the given homeserver base URL with a
// bounded per-request timeout. Media uploads use a longer timeout.
func NewClient(homeserverURL string, timeout time.Duration) *Client {
	return &Client{
		homeserver: homeserverURL,
		serverName: resolveServerName(homeserverURL),
		hc:         &http.Client{Timeout: timeout},
		mediaHC:    &http.Client{Timeout: mediaUploadTimeout},
	}
}

// HomeserverURL returns the configured base URL.
func (c *Client) HomeserverURL() string {
	return c.homeserver
}

// ServerName returns the host portion of the homeserver URL, used to
// qualify bare usernames into full Matrix IDs.
func (c *Client) ServerName() string {
	return c.serverName
}

func resolveServerName(homeserverURL string) string {
	if m := serverNameRe.FindStringSubmatch(homeserverURL); m != nil {
		return m[1]
	}
	if u, err := url.Parse(homeserverURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "matrixchat"
}

func (c *Client) apiURL(path string, query url.Values) string {
	u := c.homeserver + clientAPIPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs a JSON request. A nil reqBody sends no body; a nil resBody
// discards the response. Non-2xx responses decode into *Error.
func (c *Client) do(ctx context.Context, hc *http.Client, method, rawURL, token string, reqBody, resBody any) error {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &Error{StatusCode: resp.StatusCode, RawBody: data}
		_ = json.Unmarshal(data, herr)
		return herr
	}

	if resBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, resBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

func (c *Client) sessionFrom(resp authResponse) *Session {
	return &Session{
		AccessToken: resp.AccessToken,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		Homeserver:  c.homeserver,
	}
}

// Login authenticates with m.login.password. Bare usernames are qualified
// against the homeserver's server name first.
func (c *Client) Login(ctx context.Context, usernameOrID, password string) (*Session, error) {
	identifier := EnsureUserID(usernameOrID, c.serverName)
	payload := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": identifier,
		},
		"password":  password,
		"device_id": fmt.Sprintf("matrixchat_%d", time.Now().UnixMilli()),
	}

	var resp authResponse
	if err := c.do(ctx, c.hc, http.MethodPost, c.apiURL("/login", nil), "", payload, &resp); err != nil {
		return nil, err
	}
	return c.sessionFrom(resp), nil
}

// Register creates an account with dummy auth. When the server rejects the
// first attempt with a user-interactive-auth session id, the call is retried
// once carrying that session id.
func (c *Client) Register(ctx context.Context, username, password string) (*Session, error) {
	regURL := c.apiURL("/register", url.Values{"kind": {"user"}})
	payload := map[string]any{
		"username": username,
		"password": password,
		"auth":     map[string]any{"type": "m.login.dummy"},
	}

	var resp authResponse
	err := c.do(ctx, c.hc, http.MethodPost, regURL, "", payload, &resp)
	if err == nil {
		return c.sessionFrom(resp), nil
	}

	uiaSession := uiaSessionFrom(err)
	if uiaSession == "" {
		return nil, err
	}

	payload["auth"] = map[string]any{
		"type":    "m.login.dummy",
		"session": uiaSession,
	}
	if err := c.do(ctx, c.hc, http.MethodPost, regURL, "", payload, &resp); err != nil {
		return nil, err
	}
	return c.sessionFrom(resp), nil
}

// uiaSessionFrom extracts a user-interactive-auth session id from a
// registration rejection, or "" if the error carries none.
func uiaSessionFrom(err error) string {
	herr, ok := err.(*Error)
	if !ok || len(herr.RawBody) == 0 {
		return ""
	}
	var body struct {
		Session string `json:"session"`
	}
	if json.Unmarshal(herr.RawBody, &body) != nil {
		return ""
	}
	return body.Session
}

// Logout invalidates the session's access token.
func (c *Client) Logout(ctx context.Context, sess *Session) error {
	return c.do(ctx, c.hc, http.MethodPost, c.apiURL("/logout", nil), sess.AccessToken, nil, nil)
}

// Deactivate permanently deactivates the account, erasing its data.
func (c *Client) Deactivate(ctx context.Context, sess *Session, password string) error {
	payload := map[string]any{
		"auth": map[string]any{
			"type": "m.login.password",
			"identifier": map[string]any{
				"type": "m.id.user",
				"user": sess.UserID,
			},
			"user":     sess.UserID,
			"password": password,
		},
		"erase": true,
	}
	return c.do(ctx, c.hc, http.MethodPost, c.apiURL("/account/deactivate", nil), sess.AccessToken, payload, nil)
}

// Sync fetches room deltas since the given token. An empty token requests
// full room state. The server long-poll timeout is kept at zero; pacing is
// the poller's job.
func (c *Client) Sync(ctx context.Context, sess *Session, since string) (*SyncResponse, error) {
	query := url.Values{
		"timeout":      {"0"},
		"set_presence": {"offline"},
	}
	if since != "" {
		query.Set("since", since)
	}

	var resp SyncResponse
	if err := c.do(ctx, c.hc, http.MethodGet, c.apiURL("/sync", query), sess.AccessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages fetches the most recent events of a room, newest first on the
// wire; callers re-sort after normalizing.
func (c *Client) Messages(ctx context.Context, sess *Session, roomID string, limit int) ([]RawEvent, error) {
	if limit <= 0 {
		limit = 30
	}
	query := url.Values{
		"dir":   {"b"},
		"limit": {fmt.Sprintf("%d", limit)},
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"

	var resp struct {
		Chunk []RawEvent `json:"chunk"`
	}
	if err := c.do(ctx, c.hc, http.MethodGet, c.apiURL(path, query), sess.AccessToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chunk, nil
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

// SendText sends an m.text message. The transaction id makes the PUT
// idempotent: retrying with the same id cannot create a duplicate event.
func (c *Client) SendText(ctx context.Context, sess *Session, roomID, body, txnID string) (string, error) {
	path := "/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + url.PathEscape(txnID)
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    body,
	}

	var resp sendResponse
	if err := c.do(ctx, c.hc, http.MethodPut, c.apiURL(path, nil), sess.AccessToken, payload, &resp); err != nil {
		return "", err
	}
	if resp.EventID == "" {
		return txnID, nil
	}
	return resp.EventID, nil
}

// SendImage sends an m.image message referencing already-uploaded content.
func (c *Client) SendImage(ctx context.Context, sess *Session, roomID, contentURI, mimeType, fileName string, size int64, txnID string) (string, error) {
	path := "/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + url.PathEscape(txnID)
	payload := map[string]any{
		"msgtype": "m.image",
		"body":    fileName,
		"url":     contentURI,
		"info": map[string]any{
			"size":     size,
			"mimetype": mimeType,
		},
	}

	var resp sendResponse
	if err := c.do(ctx, c.hc, http.MethodPut, c.apiURL(path, nil), sess.AccessToken, payload, &resp); err != nil {
		return "", err
	}
	if resp.EventID == "" {
		return txnID, nil
	}
	return resp.EventID, nil
}

// Upload stores media on the homeserver and returns its mxc:// URI.
// Servers predating the v3 media API get one retry against r0.
func (c *Client) Upload(ctx context.Context, sess *Session, content []byte, mimeType, fileName string) (string, error) {
	uri, err := c.uploadTo(ctx, sess, c.homeserver+mediaAPIPrefix+"/upload", content, mimeType, fileName)
	if err != nil && IsNotFound(err) {
		return c.uploadTo(ctx, sess, c.homeserver+"/_matrix/media/r0/upload", content, mimeType, fileName)
	}
	return uri, err
}

func (c *Client) uploadTo(ctx context.Context, sess *Session, base string, content []byte, mimeType, fileName string) (string, error) {
	query := url.Values{}
	if fileName != "" {
		query.Set("filename", fileName)
	}
	uploadURL := base
	if len(query) > 0 {
		uploadURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := c.mediaHC.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &Error{StatusCode: resp.StatusCode, RawBody: data}
		_ = json.Unmarshal(data, herr)
		return "", herr
	}

	var body struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return body.ContentURI, nil
}

// Redact removes an event's content server-side (message deletion).
func (c *Client) Redact(ctx context.Context, sess *Session, roomID, eventID, reason string) error {
	if reason == "" {
		reason = "Message deleted by user"
	}
	txnID := fmt.Sprintf("redact_%d", time.Now().UnixNano())
	path := "/rooms/" + url.PathEscape(roomID) + "/redact/" + url.PathEscape(eventID) + "/" + url.PathEscape(txnID)
	return c.do(ctx, c.hc, http.MethodPut, c.apiURL(path, nil), sess.AccessToken, map[string]any{"reason": reason}, nil)
}

// JoinRoom joins a room by id or alias, returning the resolved room id.
func (c *Client) JoinRoom(ctx context.Context, sess *Session, roomIDOrAlias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	path := "/join/" + url.PathEscape(roomIDOrAlias)
	if err := c.do(ctx, c.hc, http.MethodPost, c.apiURL(path, nil), sess.AccessToken, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return roomIDOrAlias, nil
	}
	return resp.RoomID, nil
}

// LeaveRoom leaves the given room.
func (c *Client) LeaveRoom(ctx context.Context, sess *Session, roomID string) error {
	path := "/rooms/" + url.PathEscape(roomID) + "/leave"
	return c.do(ctx, c.hc, http.MethodPost, c.apiURL(path, nil), sess.AccessToken, struct{}{}, nil)
}

// CreateDirectRoom creates a private 1:1 room with the partner and records
// it in the m.direct account-data map. The account-data patch is best
// effort: the room is usable even when the patch fails.
func (c *Client) CreateDirectRoom(ctx context.Context, sess *Session, partnerUserID string) (string, error) {
	partner := EnsureUserID(partnerUserID, c.serverName)
	payload := map[string]any{
		"is_direct":   true,
		"invite":      []string{partner},
		"preset":      "private_chat",
		"direct_user": partner,
	}

	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, c.hc, http.MethodPost, c.apiURL("/createRoom", nil), sess.AccessToken, payload, &resp); err != nil {
		return "", err
	}

	c.markRoomDirect(ctx, sess, partner, resp.RoomID)
	return resp.RoomID, nil
}

func (c *Client) markRoomDirect(ctx context.Context, sess *Session, partner, roomID string) {
	var direct map[string][]string
	err := c.accountData(ctx, sess, "m.direct", &direct)
	if err != nil && !IsNotFound(err) {
		return
	}
	if direct == nil {
		direct = make(map[string][]string)
	}
	for _, id := range direct[partner] {
		if id == roomID {
			return
		}
	}
	direct[partner] = append(direct[partner], roomID)
	_ = c.PutAccountData(ctx, sess, "m.direct", direct)
}

// SearchUsers queries the server's user directory.
func (c *Client) SearchUsers(ctx context.Context, sess *Session, term string, limit int) ([]UserSearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	payload := map[string]any{
		"search_term": term,
		"limit":       limit,
	}

	var resp struct {
		Results []UserSearchResult `json:"results"`
	}
	if err := c.do(ctx, c.hc, http.MethodPost, c.apiURL("/user_directory/search", nil), sess.AccessToken, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Profile fetches a user's display name and avatar.
func (c *Client) Profile(ctx context.Context, sess *Session, userID string) (*UserProfile, error) {
	var profile UserProfile
	path := "/profile/" + url.PathEscape(userID)
	if err := c.do(ctx, c.hc, http.MethodGet, c.apiURL(path, nil), sess.AccessToken, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SetDisplayName updates the session user's display name.
func (c *Client) SetDisplayName(ctx context.Context, sess *Session, displayName string) error {
	path := "/profile/" + url.PathEscape(sess.UserID) + "/displayname"
	return c.do(ctx, c.hc, http.MethodPut, c.apiURL(path, nil), sess.AccessToken, map[string]any{"displayname": displayName}, nil)
}

// SetAvatarURL updates the session user's avatar to an mxc:// URI.
func (c *Client) SetAvatarURL(ctx context.Context, sess *Session, mxcURL string) error {
	path := "/profile/" + url.PathEscape(sess.UserID) + "/avatar_url"
	return c.do(ctx, c.hc, http.MethodPut, c.apiURL(path, nil), sess.AccessToken, map[string]any{"avatar_url": mxcURL}, nil)
}

// PutAccountData stores a global account-data event for the session user.
func (c *Client) PutAccountData(ctx context.Context, sess *Session, eventType string, content any) error {
	path := "/user/" + url.PathEscape(sess.UserID) + "/account_data/" + url.PathEscape(eventType)
	return c.do(ctx, c.hc, http.MethodPut, c.apiURL(path, nil), sess.AccessToken, content, nil)
}

// AccountData loads a global account-data event into out.
// Returns a 404 *Error when the event type has never been set.
func (c *Client) AccountData(ctx context.Context, sess *Session, eventType string, out any) error {
	return c.accountData(ctx, sess, eventType, out)
}

func (c *Client) accountData(ctx context.Context, sess *Session, eventType string, out any) error {
	path := "/user/" + url.PathEscape(sess.UserID) + "/account_data/" + url.PathEscape(eventType)
	return c.do(ctx, c.hc, http.MethodGet, c.apiURL(path, nil), sess.AccessToken, nil, out)
}

// MxcToHTTP converts an mxc:// URI into a thumbnail URL the UI can fetch.
// Non-mxc inputs pass through unchanged.
func (c *Client) MxcToHTTP(sess *Session, mxcURL string, width, height int) string {
	const prefix = "mxc://"
	if len(mxcURL) < len(prefix) || mxcURL[:len(prefix)] != prefix {
		return mxcURL
	}
	if width <= 0 {
		width = 256
	}
	if height <= 0 {
		height = 256
	}
	return fmt.Sprintf("%s%s/thumbnail/%s?width=%d&height=%d&method=scale&access_token=%s",
		c.homeserver, mediaAPIPrefix, mxcURL[len(prefix):], width, height, url.QueryEscape(sess.AccessToken))
}
