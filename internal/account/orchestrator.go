// Package account orchestrates the session lifecycle: login, registration,
// restore, the PIN gate, recovery backup, and teardown. It is the single
// writer of session state; everything else reads through it.
package account

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/matrix"
	"github.com/matrixchat/matrixchat/internal/recovery"
	"github.com/matrixchat/matrixchat/internal/rooms"
	"github.com/matrixchat/matrixchat/internal/status"
	"github.com/matrixchat/matrixchat/internal/store"
	synceng "github.com/matrixchat/matrixchat/internal/sync"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

// Client is the slice of the wire client the orchestrator drives.
type Client interface {
	Login(ctx context.Context, usernameOrID, password string) (*matrix.Session, error)
	Register(ctx context.Context, username, password string) (*matrix.Session, error)
	Logout(ctx context.Context, sess *matrix.Session) error
	Deactivate(ctx context.Context, sess *matrix.Session, password string) error

	Profile(ctx context.Context, sess *matrix.Session, userID string) (*matrix.UserProfile, error)
	SetDisplayName(ctx context.Context, sess *matrix.Session, displayName string) error
	SetAvatarURL(ctx context.Context, sess *matrix.Session, mxcURL string) error
	Upload(ctx context.Context, sess *matrix.Session, content []byte, mimeType, fileName string) (string, error)
	PutAccountData(ctx context.Context, sess *matrix.Session, eventType string, content any) error
	AccountData(ctx context.Context, sess *matrix.Session, eventType string, out any) error

	Messages(ctx context.Context, sess *matrix.Session, roomID string, limit int) ([]matrix.RawEvent, error)
	JoinRoom(ctx context.Context, sess *matrix.Session, roomIDOrAlias string) (string, error)
	LeaveRoom(ctx context.Context, sess *matrix.Session, roomID string) error
	CreateDirectRoom(ctx context.Context, sess *matrix.Session, partnerUserID string) (string, error)
	SearchUsers(ctx context.Context, sess *matrix.Session, term string, limit int) ([]matrix.UserSearchResult, error)
}

// RecoveryService is the recovery backend the orchestrator flushes key
// hashes to.
type RecoveryService interface {
	StoreKey(ctx context.Context, userID, keyHash string) error
	VerifyKey(ctx context.Context, userID, keyHash string) (bool, error)
	ResetPassword(ctx context.Context, userID, newPassword string) error
}

// Poller is the sync engine surface the orchestrator controls.
type Poller interface {
	Start(sess *matrix.Session)
	Stop()
	RefreshNow()
}

// Orchestrator owns the active session and coordinates the store, the sync
// engine, and the state machine around it.
type Orchestrator struct {
	client   Client
	recovery RecoveryService
	db       *store.DB
	rec      *synceng.Reconciler
	poller   Poller
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	mu              stdsync.Mutex
	sess            *matrix.Session
	profile         *matrix.UserProfile
	recoveryFlushed bool

	stopWatch func()
}

// NewOrchestrator wires the orchestrator and starts watching sync outcomes
// to keep the state machine current.
func NewOrchestrator(client Client, rc RecoveryService, db *store.DB, rec *synceng.Reconciler, poller Poller, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		recovery: rc,
		db:       db,
		rec:      rec,
		poller:   poller,
		machine:  machine,
		bus:      b,
		logger:   logger.Named("account"),
	}
	o.watchSync()
	return o
}

// watchSync mirrors sync outcomes into the state machine: a completed
// cycle means Ready, a failed one means Degraded until the next success.
func (o *Orchestrator) watchSync() {
	ch, unsub := o.bus.Subscribe("sync.", 64)
	done := make(chan struct{})
	o.stopWatch = func() {
		unsub()
		close(done)
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindSyncCompleted:
					if cur := o.machine.Current(); cur == status.Syncing || cur == status.Degraded {
						_ = o.machine.Transition(status.Ready)
					}
				case bus.KindSyncFailed:
					if cur := o.machine.Current(); cur == status.Ready || cur == status.Syncing {
						_ = o.machine.Transition(status.Degraded)
					}
				}
			}
		}
	}()
}

// Close stops the sync watcher.
func (o *Orchestrator) Close() {
	if o.stopWatch != nil {
		o.stopWatch()
	}
}

// Session returns the active session, or nil when logged out.
func (o *Orchestrator) Session() *matrix.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// Status returns the current session state.
func (o *Orchestrator) Status() status.State {
	return o.machine.Current()
}

// Profile returns the cached profile of the session user, if fetched.
func (o *Orchestrator) Profile() *matrix.UserProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.profile
}

// Restore brings a persisted session back to life on startup. With a PIN
// configured, the session stays locked until VerifyPIN succeeds; sync does
// not start while locked.
func (o *Orchestrator) Restore(ctx context.Context) error {
	sess, err := o.db.LoadSession()
	if err != nil {
		return err
	}
	if sess == nil {
		return o.machine.Transition(status.LoggedOut)
	}

	o.mu.Lock()
	o.sess = sess
	o.mu.Unlock()

	o.rec.Activate(sess.UserID)
	if err := o.rec.LoadCached(); err != nil {
		o.logger.Warn("restore cached state", zap.Error(err))
	}

	hasPIN, err := o.db.HasPIN()
	if err != nil {
		return err
	}
	if hasPIN {
		o.logger.Info("session restored behind pin gate", zap.String("user", sess.UserID))
		return o.machine.Transition(status.PinLocked)
	}

	o.startSyncing(ctx, sess)
	return nil
}

// Login authenticates and adopts the resulting session.
func (o *Orchestrator) Login(ctx context.Context, usernameOrID, password string) (*matrix.Session, error) {
	sess, err := o.client.Login(ctx, usernameOrID, password)
	if err != nil {
		return nil, err
	}
	if err := o.adopt(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Register creates an account and adopts the resulting session. Recovery
// setup is a separate, explicit step (SetupRecovery).
func (o *Orchestrator) Register(ctx context.Context, username, password string) (*matrix.Session, error) {
	sess, err := o.client.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := o.adopt(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// adopt persists a fresh session and starts syncing under it.
func (o *Orchestrator) adopt(ctx context.Context, sess *matrix.Session) error {
	if err := o.db.SaveSession(sess); err != nil {
		return err
	}

	o.mu.Lock()
	o.sess = sess
	o.profile = nil
	o.recoveryFlushed = false
	o.mu.Unlock()

	o.rec.Activate(sess.UserID)
	o.bus.Publish(bus.Event{Kind: bus.KindSessionLoggedIn, Timestamp: time.Now(), Payload: sess.UserID})

	o.startSyncing(ctx, sess)
	return nil
}

func (o *Orchestrator) startSyncing(ctx context.Context, sess *matrix.Session) {
	if err := o.machine.Transition(status.Syncing); err != nil {
		o.logger.Warn("state transition", zap.Error(err))
	}
	o.poller.Start(sess)

	go o.flushRecoveryBackup(ctx)
	go o.fetchProfile(ctx, sess)
}

func (o *Orchestrator) fetchProfile(ctx context.Context, sess *matrix.Session) {
	profile, err := o.client.Profile(ctx, sess, sess.UserID)
	if err != nil {
		o.logger.Debug("profile fetch failed", zap.Error(err))
		return
	}
	o.mu.Lock()
	o.profile = profile
	o.mu.Unlock()
}

// Logout tears the session down: server-side token invalidation (best
// effort), then local state, cache, PIN, and pending recovery.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil
	}

	if err := o.client.Logout(ctx, sess); err != nil {
		o.logger.Warn("server-side logout failed", zap.Error(err))
	}
	return o.teardown(sess)
}

// DeleteAccount permanently deactivates the account, then tears down local
// state the same way logout does.
func (o *Orchestrator) DeleteAccount(ctx context.Context, password string) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return matrix.ErrNotLoggedIn
	}

	if err := o.client.Deactivate(ctx, sess, password); err != nil {
		return err
	}
	return o.teardown(sess)
}

func (o *Orchestrator) teardown(sess *matrix.Session) error {
	o.poller.Stop()

	if err := o.db.ClearRoomEvents(sess.UserID); err != nil {
		o.logger.Warn("clear cached events", zap.Error(err))
	}
	if err := o.db.ClearRoomSummaries(sess.UserID); err != nil {
		o.logger.Warn("clear cached summaries", zap.Error(err))
	}
	if err := o.db.ClearPendingRecovery(sess.UserID); err != nil {
		o.logger.Warn("clear pending recovery", zap.Error(err))
	}
	if err := o.db.ClearPIN(); err != nil {
		o.logger.Warn("clear pin", zap.Error(err))
	}
	if err := o.db.ClearSession(); err != nil {
		return err
	}

	o.mu.Lock()
	o.sess = nil
	o.profile = nil
	o.recoveryFlushed = false
	o.mu.Unlock()

	o.rec.Reset()
	o.bus.Publish(bus.Event{Kind: bus.KindSessionLoggedOut, Timestamp: time.Now(), Payload: sess.UserID})
	return o.machine.Transition(status.LoggedOut)
}

// SetupRecovery generates a fresh recovery phrase, records its hash as
// pending, and attempts an immediate flush. The phrase itself is returned
// exactly once and never stored.
func (o *Orchestrator) SetupRecovery(ctx context.Context) (string, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return "", matrix.ErrNotLoggedIn
	}

	phrase, err := recovery.GeneratePhrase()
	if err != nil {
		return "", err
	}
	keyHash := recovery.HashPhrase(phrase)

	if err := o.db.SavePendingRecovery(sess.UserID, keyHash); err != nil {
		return "", err
	}
	o.mu.Lock()
	o.recoveryFlushed = false
	o.mu.Unlock()

	o.flushRecoveryBackup(ctx)
	return phrase, nil
}

// flushRecoveryBackup pushes a pending recovery-key hash to the backend,
// at most once per session adoption. When the dedicated service is absent
// the hash lands in Matrix account data instead. Failures leave the
// pending record in place for the next attempt.
func (o *Orchestrator) flushRecoveryBackup(ctx context.Context) {
	o.mu.Lock()
	sess := o.sess
	if sess == nil || o.recoveryFlushed {
		o.mu.Unlock()
		return
	}
	o.recoveryFlushed = true
	o.mu.Unlock()

	keyHash, err := o.db.LoadPendingRecovery(sess.UserID)
	if err != nil || keyHash == "" {
		return
	}

	err = o.recovery.StoreKey(ctx, sess.UserID, keyHash)
	if err != nil && recovery.IsEndpointMissing(err) {
		err = recovery.StoreKeyAccountData(ctx, o.client, sess, keyHash)
	}
	if err != nil {
		o.logger.Warn("recovery backup flush failed", zap.Error(err))
		o.mu.Lock()
		o.recoveryFlushed = false
		o.mu.Unlock()
		return
	}

	if err := o.db.ClearPendingRecovery(sess.UserID); err != nil {
		o.logger.Warn("clear pending recovery", zap.Error(err))
	}
	o.logger.Info("recovery backup flushed", zap.String("user", sess.UserID))
}

// RecoverAccount verifies a recovery phrase for a logged-out user and
// resets their password through the recovery service.
func (o *Orchestrator) RecoverAccount(ctx context.Context, userID, phrase, newPassword, serverName string) error {
	if err := recovery.ValidatePhrase(phrase); err != nil {
		return err
	}
	fullID := matrix.EnsureUserID(userID, serverName)
	keyHash := recovery.HashPhrase(phrase)

	ok, err := o.recovery.VerifyKey(ctx, fullID, keyHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecoveryMismatch
	}
	return o.recovery.ResetPassword(ctx, fullID, newPassword)
}

// SetPIN configures the local PIN gate.
func (o *Orchestrator) SetPIN(pin string) error {
	return o.db.SavePIN(pin)
}

// HasPIN reports whether the PIN gate is configured.
func (o *Orchestrator) HasPIN() (bool, error) {
	return o.db.HasPIN()
}

// VerifyPIN checks a PIN entry. A correct entry unlocks a PinLocked
// session and starts sync. Exhausting the attempt budget wipes local state
// and logs the session out.
func (o *Orchestrator) VerifyPIN(ctx context.Context, pin string) (ok bool, remaining int, err error) {
	ok, remaining, err = o.db.VerifyPIN(pin)
	if err != nil {
		return false, remaining, err
	}

	if ok {
		o.mu.Lock()
		sess := o.sess
		o.mu.Unlock()
		if sess != nil && o.machine.Current() == status.PinLocked {
			o.startSyncing(ctx, sess)
		}
		return true, remaining, nil
	}

	if remaining == 0 {
		o.logger.Warn("pin attempts exhausted, wiping local state")
		if err := o.securityWipe(ctx); err != nil {
			o.logger.Error("security wipe failed", zap.Error(err))
		}
	}
	return false, remaining, nil
}

// securityWipe clears everything local after PIN exhaustion. Server-side
// logout is attempted but the wipe proceeds regardless.
func (o *Orchestrator) securityWipe(ctx context.Context) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := o.client.Logout(ctx, sess); err != nil {
		o.logger.Warn("server-side logout during wipe failed", zap.Error(err))
	}
	return o.teardown(sess)
}

// FetchMessages pulls recent history for a room and merges it into the
// timeline, returning the room's merged view.
func (o *Orchestrator) FetchMessages(ctx context.Context, roomID string, limit int) ([]timeline.Event, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil, matrix.ErrNotLoggedIn
	}

	raws, err := o.client.Messages(ctx, sess, roomID, limit)
	if err != nil {
		return nil, err
	}
	if events := timeline.NormalizeBatch(roomID, raws); len(events) > 0 {
		o.rec.MergeTimelineEvents(roomID, events)
	}
	return o.rec.Events(roomID), nil
}

// Rooms returns the current room list.
func (o *Orchestrator) Rooms() []*rooms.Summary {
	return o.rec.Rooms()
}

// Events returns a room's merged timeline.
func (o *Orchestrator) Events(roomID string) []timeline.Event {
	return o.rec.Events(roomID)
}

// JoinRoom joins a room and requests an immediate sync.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return "", matrix.ErrNotLoggedIn
	}
	roomID, err := o.client.JoinRoom(ctx, sess, roomIDOrAlias)
	if err != nil {
		return "", err
	}
	o.poller.RefreshNow()
	return roomID, nil
}

// LeaveRoom leaves a room and removes it locally right away.
func (o *Orchestrator) LeaveRoom(ctx context.Context, roomID string) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return matrix.ErrNotLoggedIn
	}
	if err := o.client.LeaveRoom(ctx, sess, roomID); err != nil {
		return err
	}
	o.rec.RemoveRoom(roomID)
	o.poller.RefreshNow()
	return nil
}

// StartDirectChat creates (or surfaces) a 1:1 room with the partner.
func (o *Orchestrator) StartDirectChat(ctx context.Context, partnerUserID string) (string, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return "", matrix.ErrNotLoggedIn
	}
	roomID, err := o.client.CreateDirectRoom(ctx, sess, partnerUserID)
	if err != nil {
		return "", err
	}
	o.poller.RefreshNow()
	return roomID, nil
}

// SearchUsers queries the user directory.
func (o *Orchestrator) SearchUsers(ctx context.Context, term string, limit int) ([]matrix.UserSearchResult, error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil, matrix.ErrNotLoggedIn
	}
	return o.client.SearchUsers(ctx, sess, term, limit)
}

// UpdateDisplayName sets the session user's display name.
func (o *Orchestrator) UpdateDisplayName(ctx context.Context, displayName string) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return matrix.ErrNotLoggedIn
	}
	if err := o.client.SetDisplayName(ctx, sess, displayName); err != nil {
		return err
	}
	go o.fetchProfile(ctx, sess)
	return nil
}

// UpdateAvatar uploads an image and sets it as the user's avatar.
func (o *Orchestrator) UpdateAvatar(ctx context.Context, content []byte, mimeType, fileName string) error {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return matrix.ErrNotLoggedIn
	}
	contentURI, err := o.client.Upload(ctx, sess, content, mimeType, fileName)
	if err != nil {
		return err
	}
	if err := o.client.SetAvatarURL(ctx, sess, contentURI); err != nil {
		return err
	}
	go o.fetchProfile(ctx, sess)
	return nil
}
