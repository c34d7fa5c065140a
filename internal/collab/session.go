package collab

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt/amdoc"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
)

// SyncSession speaks the automerge sync protocol with one connected replica
// on behalf of the live table. It is safe to use from one reader and one
// writer goroutine.
type SyncSession struct {
	hub    *Hub
	userID documents.UserID
	live   *liveTable
	peer   *amdoc.SyncPeer
}

// OpenSyncSession starts a sync session for userID on tableID.
func (h *Hub) OpenSyncSession(ctx context.Context, userID documents.UserID, tableID documents.DocumentID) (*SyncSession, error) {
	live, err := h.acquire(ctx, tableID)
	if err != nil {
		return nil, err
	}
	defer live.mu.Unlock()
	return &SyncSession{
		hub:    h,
		userID: userID,
		live:   live,
		peer:   live.doc.NewSyncPeer(clientOrigin(userID)),
	}, nil
}

// TableID returns the table the session is bound to.
func (s *SyncSession) TableID() documents.DocumentID {
	return s.live.id
}

// Next returns the next message to send to the replica, if any.
func (s *SyncSession) Next() ([]byte, bool, error) {
	if err := s.lock(); err != nil {
		return nil, false, err
	}
	defer s.live.mu.Unlock()
	message, ok := s.peer.Generate()
	return message, ok, nil
}

// Receive applies a message from the replica. Changes it carries are
// persisted and published like any other update.
func (s *SyncSession) Receive(ctx context.Context, message []byte) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.live.mu.Unlock()
	if err := s.peer.Receive(message); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	change := s.live.doc.SaveIncremental()
	if len(change) == 0 {
		return nil
	}
	if _, err := s.hub.persist(ctx, s.live, s.userID, [][]byte{change}); err != nil {
		return err
	}
	s.hub.logger.Debug("sync change persisted",
		zap.String("table_id", s.live.id.String()),
		zap.String("user_id", s.userID.String()))
	return nil
}

// lock takes the replica mutex, failing when the replica was evicted and the
// session must be reopened.
func (s *SyncSession) lock() error {
	s.live.mu.Lock()
	if s.live.doc == nil || !s.live.doc.Attached() {
		s.live.mu.Unlock()
		return ErrSessionClosed
	}
	return nil
}
