package sync

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/matrix"
	"github.com/matrixchat/matrixchat/internal/rooms"
	"github.com/matrixchat/matrixchat/internal/store"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

// HomeserverAPI is the slice of the wire client the engine needs.
type HomeserverAPI interface {
	Sync(ctx context.Context, sess *matrix.Session, since string) (*matrix.SyncResponse, error)
	JoinRoom(ctx context.Context, sess *matrix.Session, roomIDOrAlias string) (string, error)
}

// Engine polls /sync on a fixed interval, feeds deltas to the reconciler,
// advances the sync token, and auto-joins incoming invites.
type Engine struct {
	client   HomeserverAPI
	rec      *Reconciler
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu             stdsync.Mutex
	sess           *matrix.Session
	firstOfSession bool
	initialDone    bool
	inFlightJoins  map[string]bool
	builder        *rooms.Builder

	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// NewEngine creates a stopped engine.
func NewEngine(client HomeserverAPI, rec *Reconciler, db *store.DB, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Engine {
	return &Engine{
		client:        client,
		rec:           rec,
		db:            db,
		bus:           b,
		logger:        logger.Named("sync"),
		interval:      interval,
		inFlightJoins: make(map[string]bool),
	}
}

// Start begins polling for the given session. Any previous poll loop is
// stopped first.
func (e *Engine) Start(sess *matrix.Session) {
	e.Stop()

	e.mu.Lock()
	e.sess = sess
	e.firstOfSession = true
	e.initialDone = sess.NextSyncToken != ""
	e.inFlightJoins = make(map[string]bool)
	e.builder = rooms.NewBuilder(sess.UserID)
	e.kick = make(chan struct{}, 1)
	e.done = make(chan struct{})
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.loop(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

// RefreshNow requests an immediate sync cycle without waiting out the
// interval. No-op when the engine is stopped or a kick is already queued.
func (e *Engine) RefreshNow() {
	e.mu.Lock()
	kick := e.kick
	e.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// First cycle runs immediately.
	e.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		e.cycle(ctx)
	}
}

func (e *Engine) cycle(ctx context.Context) {
	if err := e.SyncOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("sync cycle failed", zap.Error(err))
		e.bus.Publish(bus.Event{Kind: bus.KindSyncFailed, Timestamp: time.Now(), Payload: err.Error()})
	}
}

// SyncOnce runs a single sync cycle: fetch, reconcile, advance the token.
//
// A failed fetch leaves the token untouched, so the next cycle retries the
// same window. A stale token (server restarted, cache wiped) shows up as an
// empty first incremental response; that one case is healed by discarding
// the token and re-running a full sync.
func (e *Engine) SyncOnce(ctx context.Context) error {
	e.mu.Lock()
	sess := e.sess
	first := e.firstOfSession
	initialDone := e.initialDone
	e.mu.Unlock()
	if sess == nil {
		return nil
	}

	// Until a response has carried room deltas, every cycle is a full
	// sync. Quiet empty responses advance the token but do not flip the
	// session into incremental mode.
	since := ""
	if initialDone {
		since = sess.NextSyncToken
	}
	resp, err := e.client.Sync(ctx, sess, since)
	if err != nil {
		return err
	}

	if first && since != "" && resp.Empty() {
		e.logger.Info("sync token looks stale, running full resync")
		since = ""
		resp, err = e.client.Sync(ctx, sess, "")
		if err != nil {
			return err
		}
	}

	e.apply(ctx, resp, since == "")

	e.mu.Lock()
	e.firstOfSession = false
	if resp.NextBatch != "" {
		sess.NextSyncToken = resp.NextBatch
	}
	e.mu.Unlock()

	if err := e.db.SaveSession(sess); err != nil {
		e.logger.Warn("persist sync token", zap.Error(err))
	}
	e.bus.Publish(bus.Event{Kind: bus.KindSyncCompleted, Timestamp: time.Now()})
	return nil
}

// apply reconciles one sync response. fullSync means the response carries
// complete room state, so rooms absent from it are gone.
func (e *Engine) apply(ctx context.Context, resp *matrix.SyncResponse, fullSync bool) {
	e.mu.Lock()
	builder := e.builder
	e.mu.Unlock()

	if direct := resp.DirectRooms(); direct != nil {
		builder.SetDirectMap(direct)
	}

	seen := make(map[string]bool, len(resp.Rooms.Join)+len(resp.Rooms.Invite))

	for roomID, joined := range resp.Rooms.Join {
		seen[roomID] = true
		room := joined
		e.rec.ApplyRoomUpdate(builder.Joined(roomID, &room))
		if events := timeline.NormalizeBatch(roomID, room.Timeline.Events); len(events) > 0 {
			e.rec.MergeTimelineEvents(roomID, events)
		}
	}

	for roomID, invited := range resp.Rooms.Invite {
		seen[roomID] = true
		room := invited
		e.rec.ApplyRoomUpdate(builder.Invited(roomID, &room))
	}

	for _, roomID := range resp.LeftRoomIDs() {
		e.rec.RemoveRoom(roomID)
	}

	if fullSync {
		for _, roomID := range e.rec.RoomIDs() {
			if !seen[roomID] {
				e.rec.RemoveRoom(roomID)
			}
		}
	}

	pending := e.pendingInviteRooms()

	e.mu.Lock()
	if !e.initialDone && !resp.Empty() {
		e.initialDone = true
	}
	e.pruneJoinMarkers(pending)
	e.mu.Unlock()

	e.autoJoin(ctx, pending)
}

// pendingInviteRooms lists the rooms the reconciler still holds as
// invites. The set is derived from accumulated state rather than the
// latest response: an invite appears in only one incremental delta, but
// it stays an invite in the reconciler until the join lands, so a failed
// auto-join gets retried on later cycles.
func (e *Engine) pendingInviteRooms() []string {
	var ids []string
	for _, sum := range e.rec.Rooms() {
		if sum.Membership == rooms.MembershipInvited {
			ids = append(ids, sum.RoomID)
		}
	}
	return ids
}

// pruneJoinMarkers drops in-flight markers for rooms no longer held as
// invites. Caller holds the lock.
func (e *Engine) pruneJoinMarkers(pending []string) {
	still := make(map[string]bool, len(pending))
	for _, id := range pending {
		still[id] = true
	}
	for id := range e.inFlightJoins {
		if !still[id] {
			delete(e.inFlightJoins, id)
		}
	}
}

// autoJoin accepts pending invites, at most one join attempt per invite at
// a time. A failed join releases its marker so the next cycle retries; a
// successful one keeps it until the room stops being an invite, which
// stops duplicate joins while the membership flip is still in flight. A
// successful join triggers an immediate follow-up sync so the room shows
// up joined without waiting out the interval.
func (e *Engine) autoJoin(ctx context.Context, pendingInvites []string) {
	e.mu.Lock()
	sess := e.sess
	var toJoin []string
	for _, roomID := range pendingInvites {
		if !e.inFlightJoins[roomID] {
			e.inFlightJoins[roomID] = true
			toJoin = append(toJoin, roomID)
		}
	}
	e.mu.Unlock()
	if len(toJoin) == 0 {
		return
	}

	go func() {
		joinedAny := false
		for _, roomID := range toJoin {
			_, err := e.client.JoinRoom(ctx, sess, roomID)
			if err != nil {
				e.mu.Lock()
				delete(e.inFlightJoins, roomID)
				e.mu.Unlock()
				e.logger.Warn("auto-join failed", zap.String("room", roomID), zap.Error(err))
				continue
			}
			e.logger.Info("auto-joined invite", zap.String("room", roomID))
			joinedAny = true
		}
		if joinedAny {
			e.RefreshNow()
		}
	}()
}
