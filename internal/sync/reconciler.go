// Package sync keeps the local room and timeline state converged with the
// homeserver: the Engine polls /sync, the Reconciler folds deltas, cached
// history, and optimistic echoes into one consistent view.
package sync

import (
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/bus"
	"github.com/matrixchat/matrixchat/internal/rooms"
	"github.com/matrixchat/matrixchat/internal/store"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

// Reconciler owns the in-memory room list and per-room timelines, persists
// them through the store, and publishes change events. All mutation funnels
// through it so merge rules apply uniformly no matter where an event came
// from.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu        stdsync.Mutex
	userID    string
	summaries map[string]*rooms.Summary
	events    map[string][]timeline.Event
}

// NewReconciler creates an inactive reconciler. Activate binds it to a user.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:        db,
		bus:       b,
		logger:    logger.Named("reconciler"),
		summaries: make(map[string]*rooms.Summary),
		events:    make(map[string][]timeline.Event),
	}
}

func (r *Reconciler) lock()   { r.mu.Lock() }
func (r *Reconciler) unlock() { r.mu.Unlock() }

// Activate binds the reconciler to a user, clearing any previous state.
func (r *Reconciler) Activate(userID string) {
	r.lock()
	defer r.unlock()
	r.userID = userID
	r.summaries = make(map[string]*rooms.Summary)
	r.events = make(map[string][]timeline.Event)
}

// Reset drops all state, in memory only. Used on logout after the store
// has been cleared separately.
func (r *Reconciler) Reset() {
	r.Activate("")
}

// LoadCached restores summaries and timelines from the store so the room
// list is usable before the first sync completes.
func (r *Reconciler) LoadCached() error {
	r.lock()
	defer r.unlock()

	summaries, err := r.db.LoadRoomSummaries(r.userID)
	if err != nil {
		return err
	}
	events, err := r.db.LoadAllRoomEvents(r.userID)
	if err != nil {
		return err
	}

	r.summaries = summaries
	for roomID, evs := range events {
		r.events[roomID] = timeline.Collapse(evs)
	}
	r.logger.Info("restored cached state",
		zap.Int("rooms", len(summaries)),
		zap.Int("timelines", len(events)))

	for roomID := range summaries {
		r.publishRoom(roomID)
	}
	return nil
}

// ApplyRoomUpdate folds an incoming summary into the room list. A name
// already resolved from real state is kept when the delta would regress it
// to a placeholder, and a room once known to be direct stays direct.
func (r *Reconciler) ApplyRoomUpdate(incoming *rooms.Summary) {
	r.lock()
	defer r.unlock()

	existing := r.summaries[incoming.RoomID]
	if existing != nil {
		if rooms.IsPlaceholderName(incoming.Name) && !rooms.IsPlaceholderName(existing.Name) {
			incoming.Name = existing.Name
		}
		incoming.IsDirect = incoming.IsDirect || existing.IsDirect
		if incoming.LastEvent == nil {
			incoming.LastEvent = existing.LastEvent
		}
	}
	r.summaries[incoming.RoomID] = incoming

	if err := r.db.SaveRoomSummary(r.userID, incoming); err != nil {
		r.logger.Warn("persist room summary", zap.String("room", incoming.RoomID), zap.Error(err))
	}
	r.publishRoom(incoming.RoomID)
}

// RemoveRoom drops a room and its timeline from memory and the store.
func (r *Reconciler) RemoveRoom(roomID string) {
	r.lock()
	defer r.unlock()

	delete(r.summaries, roomID)
	delete(r.events, roomID)
	if err := r.db.RemoveRoomSummary(r.userID, roomID); err != nil {
		r.logger.Warn("remove room summary", zap.String("room", roomID), zap.Error(err))
	}
	if err := r.db.RemoveRoomEvents(r.userID, roomID); err != nil {
		r.logger.Warn("remove room events", zap.String("room", roomID), zap.Error(err))
	}
	r.bus.Publish(bus.Event{Kind: bus.KindRoomRemoved, Timestamp: time.Now(), Payload: roomID})
}

// RoomIDs returns the ids of all known rooms.
func (r *Reconciler) RoomIDs() []string {
	r.lock()
	defer r.unlock()
	ids := make([]string, 0, len(r.summaries))
	for id := range r.summaries {
		ids = append(ids, id)
	}
	return ids
}

// Rooms returns a snapshot of all room summaries.
func (r *Reconciler) Rooms() []*rooms.Summary {
	r.lock()
	defer r.unlock()
	out := make([]*rooms.Summary, 0, len(r.summaries))
	for _, s := range r.summaries {
		copied := *s
		out = append(out, &copied)
	}
	return out
}

// Room returns a snapshot of one room summary, or nil.
func (r *Reconciler) Room(roomID string) *rooms.Summary {
	r.lock()
	defer r.unlock()
	s := r.summaries[roomID]
	if s == nil {
		return nil
	}
	copied := *s
	return &copied
}

// Events returns a snapshot of one room's timeline, oldest first.
func (r *Reconciler) Events(roomID string) []timeline.Event {
	r.lock()
	defer r.unlock()
	return append([]timeline.Event(nil), r.events[roomID]...)
}

// MergeTimelineEvents folds incoming events into a room's timeline. When
// the merge produces a timeline positionally identical to the current one,
// nothing is persisted and no notification fires.
func (r *Reconciler) MergeTimelineEvents(roomID string, incoming []timeline.Event) {
	r.update(roomID, func(current []timeline.Event) []timeline.Event {
		return timeline.Collapse(append(current, incoming...))
	})
}

// UpsertOptimistic inserts or refreshes a local echo.
func (r *Reconciler) UpsertOptimistic(ev timeline.Event) {
	r.update(ev.RoomID, func(current []timeline.Event) []timeline.Event {
		return timeline.Collapse(append(current, ev))
	})
}

// ResolveOptimistic marks a local echo as acknowledged, re-keying it under
// the server-assigned event id.
func (r *Reconciler) ResolveOptimistic(roomID, txnID, serverEventID string) {
	r.update(roomID, func(current []timeline.Event) []timeline.Event {
		out := append([]timeline.Event(nil), current...)
		for i := range out {
			if out[i].TransactionID != txnID {
				continue
			}
			out[i].EventID = serverEventID
			out[i].Status = timeline.StatusSent
			break
		}
		return timeline.Collapse(out)
	})
	r.bus.Publish(bus.Event{Kind: bus.KindMessageSendAck, Timestamp: time.Now(), Payload: serverEventID})
}

// FailOptimistic marks a local echo as failed so it renders with a retry
// affordance instead of silently vanishing.
func (r *Reconciler) FailOptimistic(roomID, txnID string) {
	r.update(roomID, func(current []timeline.Event) []timeline.Event {
		out := append([]timeline.Event(nil), current...)
		for i := range out {
			if out[i].TransactionID == txnID {
				out[i].Status = timeline.StatusError
				break
			}
		}
		return out
	})
	r.bus.Publish(bus.Event{Kind: bus.KindMessageSendFail, Timestamp: time.Now(), Payload: txnID})
}

// RemoveEvent drops one event from a room's timeline (local half of a
// redaction).
func (r *Reconciler) RemoveEvent(roomID, eventID string) {
	r.update(roomID, func(current []timeline.Event) []timeline.Event {
		out := current[:0:0]
		for _, ev := range current {
			if ev.EventID != eventID {
				out = append(out, ev)
			}
		}
		return out
	})
}

// update applies fn to a room's timeline under the lock, then persists,
// refreshes the room preview, and notifies only when something changed.
func (r *Reconciler) update(roomID string, fn func([]timeline.Event) []timeline.Event) {
	r.lock()
	defer r.unlock()

	current := r.events[roomID]
	next := fn(current)
	if timeline.EqualSlices(current, next) {
		return
	}
	r.events[roomID] = next

	if err := r.db.SaveRoomEvents(r.userID, roomID, next); err != nil {
		r.logger.Warn("persist timeline", zap.String("room", roomID), zap.Error(err))
	}
	r.refreshPreview(roomID, next)
	r.bus.Publish(bus.Event{Kind: bus.KindTimelineUpdated, Timestamp: time.Now(), Payload: roomID})
}

// refreshPreview recomputes the room-list preview after a timeline change.
// Caller holds the lock.
func (r *Reconciler) refreshPreview(roomID string, events []timeline.Event) {
	summary := r.summaries[roomID]
	if summary == nil {
		return
	}
	preview := rooms.PreviewFrom(events)
	if preview == nil {
		return
	}
	if summary.LastEvent != nil && summary.LastEvent.EventID == preview.EventID &&
		summary.LastEvent.Body == preview.Body {
		return
	}
	summary.LastEvent = preview
	if err := r.db.SaveRoomSummary(r.userID, summary); err != nil {
		r.logger.Warn("persist room preview", zap.String("room", roomID), zap.Error(err))
	}
	r.publishRoom(roomID)
}

// publishRoom notifies room-list subscribers. Caller holds the lock.
func (r *Reconciler) publishRoom(roomID string) {
	r.bus.Publish(bus.Event{Kind: bus.KindRoomUpdated, Timestamp: time.Now(), Payload: roomID})
}
