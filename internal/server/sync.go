package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/collab"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
)

const syncWriteTimeout = 10 * time.Second

var syncUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTableSync upgrades to a websocket and runs the automerge sync
// protocol between the client replica and the live table. Binary frames carry
// sync messages in both directions.
func (h *httpHandler) handleTableSync(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	tableID, ok := h.tableIDParam(c)
	if !ok {
		return
	}
	session, err := h.tables.OpenSyncSession(c.Request.Context(), userID, tableID)
	if err != nil {
		h.respondError(c, "sync_open_failed", err)
		return
	}

	conn, err := syncUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("table_id", tableID.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	changes, cleanup := h.realtime.Subscribe(ctx, tableID.String())
	defer cleanup()

	err = runSyncSession(ctx, conn, session, changes)
	h.closeSyncConnection(conn, tableID, userID, err)
}

func runSyncSession(ctx context.Context, conn *websocket.Conn, session *collab.SyncSession, changes <-chan RealtimeMessage) error {
	incoming := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			select {
			case incoming <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if err := flushSyncMessages(conn, session); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case payload := <-incoming:
			if err := session.Receive(ctx, payload); err != nil {
				return err
			}
		case <-changes:
		}
	}
}

// flushSyncMessages sends every message the session has ready.
func flushSyncMessages(conn *websocket.Conn, session *collab.SyncSession) error {
	for {
		message, ok, err := session.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := conn.SetWriteDeadline(time.Now().Add(syncWriteTimeout)); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			return err
		}
	}
}

func (h *httpHandler) closeSyncConnection(conn *websocket.Conn, tableID documents.DocumentID, userID documents.UserID, err error) {
	fields := []zap.Field{zap.String("table_id", tableID.String()), zap.String("user_id", userID.String())}
	code, text := websocket.CloseNormalClosure, ""
	switch {
	case err == nil:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		h.logger.Debug("sync peer disconnected", fields...)
		return
	case errors.Is(err, collab.ErrSessionClosed):
		code, text = websocket.CloseServiceRestart, "session closed"
		h.logger.Info("sync session closed by hub", fields...)
	case errors.Is(err, collab.ErrInvalidUpdate):
		code, text = websocket.CloseInvalidFramePayloadData, "invalid sync message"
		h.logger.Warn("sync message rejected", append(fields, zap.Error(err))...)
	default:
		code, text = websocket.CloseInternalServerErr, "sync failed"
		h.logger.Warn("sync session failed", append(fields, zap.Error(err))...)
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
