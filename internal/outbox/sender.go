// Package outbox drives outgoing messages: optimistic local echo first,
// then the wire call, then resolution of the echo to its server event.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/matrix"
	synceng "github.com/matrixchat/matrixchat/internal/sync"
	"github.com/matrixchat/matrixchat/internal/timeline"
)

// MessageAPI is the slice of the wire client the sender needs.
type MessageAPI interface {
	SendText(ctx context.Context, sess *matrix.Session, roomID, body, txnID string) (string, error)
	SendImage(ctx context.Context, sess *matrix.Session, roomID, contentURI, mimeType, fileName string, size int64, txnID string) (string, error)
	Upload(ctx context.Context, sess *matrix.Session, content []byte, mimeType, fileName string) (string, error)
	Redact(ctx context.Context, sess *matrix.Session, roomID, eventID, reason string) error
}

// Refresher lets the sender request an immediate sync after a successful
// send, so the server copy arrives without waiting out the poll interval.
type Refresher interface {
	RefreshNow()
}

// Sender performs sends on behalf of the session user. Every send is
// echoed into the timeline as pending before the wire call, and resolved
// or failed afterwards; the message never disappears while in flight.
type Sender struct {
	client  MessageAPI
	rec     *synceng.Reconciler
	poller  Refresher
	logger  *zap.Logger
	session func() *matrix.Session
}

// NewSender creates a sender. session supplies the current credentials on
// each call so the sender survives re-login.
func NewSender(client MessageAPI, rec *synceng.Reconciler, poller Refresher, logger *zap.Logger, session func() *matrix.Session) *Sender {
	return &Sender{
		client:  client,
		rec:     rec,
		poller:  poller,
		logger:  logger.Named("outbox"),
		session: session,
	}
}

// SendText sends a text message with a fresh transaction id.
func (s *Sender) SendText(ctx context.Context, roomID, body string) (string, error) {
	return s.sendText(ctx, roomID, body, uuid.NewString())
}

// Retry re-sends a failed message reusing its original transaction id, so
// the homeserver deduplicates if the first attempt actually landed.
func (s *Sender) Retry(ctx context.Context, roomID, txnID, body string) (string, error) {
	return s.sendText(ctx, roomID, body, txnID)
}

func (s *Sender) sendText(ctx context.Context, roomID, body, txnID string) (string, error) {
	sess := s.session()
	if sess == nil {
		return "", matrix.ErrNotLoggedIn
	}

	s.rec.UpsertOptimistic(timeline.Event{
		EventID:       timeline.LocalEventID(txnID),
		RoomID:        roomID,
		SenderID:      sess.UserID,
		SenderName:    matrix.DisplayNameFromID(sess.UserID),
		Type:          "m.room.message",
		Timestamp:     time.Now().UnixMilli(),
		Body:          body,
		DisplayBody:   body,
		Status:        timeline.StatusPending,
		TransactionID: txnID,
	})

	eventID, err := s.client.SendText(ctx, sess, roomID, body, txnID)
	if err != nil {
		s.logger.Warn("send failed", zap.String("room", roomID), zap.String("txn", txnID), zap.Error(err))
		s.rec.FailOptimistic(roomID, txnID)
		return "", err
	}

	s.rec.ResolveOptimistic(roomID, txnID, eventID)
	s.poller.RefreshNow()
	return eventID, nil
}

// SendImage uploads the content and sends an m.image referencing it. The
// echo shows the file name while the upload runs.
func (s *Sender) SendImage(ctx context.Context, roomID string, content []byte, mimeType, fileName string) (string, error) {
	sess := s.session()
	if sess == nil {
		return "", matrix.ErrNotLoggedIn
	}
	txnID := uuid.NewString()

	s.rec.UpsertOptimistic(timeline.Event{
		EventID:       timeline.LocalEventID(txnID),
		RoomID:        roomID,
		SenderID:      sess.UserID,
		SenderName:    matrix.DisplayNameFromID(sess.UserID),
		Type:          "m.room.message",
		Timestamp:     time.Now().UnixMilli(),
		Body:          fileName,
		DisplayBody:   "[Image] " + fileName,
		Status:        timeline.StatusPending,
		TransactionID: txnID,
	})

	contentURI, err := s.client.Upload(ctx, sess, content, mimeType, fileName)
	if err != nil {
		s.logger.Warn("upload failed", zap.String("room", roomID), zap.Error(err))
		s.rec.FailOptimistic(roomID, txnID)
		return "", err
	}

	eventID, err := s.client.SendImage(ctx, sess, roomID, contentURI, mimeType, fileName, int64(len(content)), txnID)
	if err != nil {
		s.logger.Warn("image send failed", zap.String("room", roomID), zap.Error(err))
		s.rec.FailOptimistic(roomID, txnID)
		return "", err
	}

	s.rec.ResolveOptimistic(roomID, txnID, eventID)
	s.poller.RefreshNow()
	return eventID, nil
}

// Delete redacts a message server-side and drops it locally. Local-only
// echoes (never acknowledged) are just dropped.
func (s *Sender) Delete(ctx context.Context, roomID, eventID string) error {
	sess := s.session()
	if sess == nil {
		return matrix.ErrNotLoggedIn
	}

	if !timeline.IsLocalEventID(eventID) {
		if err := s.client.Redact(ctx, sess, roomID, eventID, ""); err != nil {
			return err
		}
	}
	s.rec.RemoveEvent(roomID, eventID)
	return nil
}
