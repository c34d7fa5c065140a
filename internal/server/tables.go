package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
)

type tableResponsePayload struct {
	TableID string      `json:"table_id"`
	Table   table.Table `json:"table"`
}

type applyUpdatesRequestPayload struct {
	Updates []updatePayload `json:"updates"`
}

type updatePayload struct {
	UpdateB64 string `json:"update_b64"`
}

type applyUpdatesResponsePayload struct {
	TableID string                `json:"table_id"`
	Results []updateResultPayload `json:"results"`
	Table   table.Table           `json:"table"`
}

type updateResultPayload struct {
	UpdateID  int64 `json:"update_id"`
	Duplicate bool  `json:"duplicate"`
}

type listUpdatesResponsePayload struct {
	TableID string                `json:"table_id"`
	Updates []updateRecordPayload `json:"updates"`
}

type updateRecordPayload struct {
	UpdateID  int64  `json:"update_id"`
	AuthorID  string `json:"author_id"`
	UpdateB64 string `json:"update_b64"`
}

type tableChangeEventPayload struct {
	TableID      string `json:"tableId"`
	AuthorID     string `json:"authorId"`
	LastUpdateID int64  `json:"lastUpdateId"`
	Timestamp    string `json:"timestamp"`
	Source       string `json:"source"`
}

type heartbeatEventPayload struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (h *httpHandler) tableIDParam(c *gin.Context) (documents.DocumentID, bool) {
	tableID, err := documents.NewDocumentID(c.Param("table_id"))
	if err != nil {
		h.respondError(c, "invalid_table_id", err)
		return "", false
	}
	return tableID, true
}

func (h *httpHandler) handleGetTable(c *gin.Context) {
	tableID, ok := h.tableIDParam(c)
	if !ok {
		return
	}
	current, err := h.tables.Table(c.Request.Context(), tableID)
	if err != nil {
		h.respondError(c, "table_load_failed", err)
		return
	}
	c.JSON(http.StatusOK, tableResponsePayload{TableID: tableID.String(), Table: current})
}

func (h *httpHandler) handleApplyUpdates(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	tableID, ok := h.tableIDParam(c)
	if !ok {
		return
	}

	var request applyUpdatesRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updates := make([][]byte, 0, len(request.Updates))
	for _, update := range request.Updates {
		payload, err := documents.NewCrdtUpdateBase64(update.UpdateB64)
		if err != nil {
			h.respondError(c, "invalid_update", err)
			return
		}
		raw, err := payload.Bytes()
		if err != nil {
			h.respondError(c, "invalid_update", err)
			return
		}
		updates = append(updates, raw)
	}

	result, err := h.tables.ApplyUpdates(c.Request.Context(), userID, tableID, updates)
	if err != nil {
		h.respondError(c, "sync_failed", err)
		return
	}
	current, err := h.tables.Table(c.Request.Context(), tableID)
	if err != nil {
		h.respondError(c, "table_load_failed", err)
		return
	}

	response := applyUpdatesResponsePayload{
		TableID: tableID.String(),
		Results: make([]updateResultPayload, 0, len(result.UpdateOutcomes)),
		Table:   current,
	}
	for _, outcome := range result.UpdateOutcomes {
		response.Results = append(response.Results, updateResultPayload{
			UpdateID:  outcome.UpdateID().Int64(),
			Duplicate: outcome.Duplicate(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListUpdates(c *gin.Context) {
	tableID, ok := h.tableIDParam(c)
	if !ok {
		return
	}
	var after documents.CrdtUpdateID
	if raw := c.Query("after"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		if after, err = documents.NewCrdtUpdateID(value); err != nil {
			h.respondError(c, "invalid_cursor", err)
			return
		}
	}

	records, err := h.updateLog.ListCrdtUpdates(c.Request.Context(), tableID, after)
	if err != nil {
		h.respondError(c, "list_failed", err)
		return
	}
	response := listUpdatesResponsePayload{
		TableID: tableID.String(),
		Updates: make([]updateRecordPayload, 0, len(records)),
	}
	for _, record := range records {
		response.Updates = append(response.Updates, updateRecordPayload{
			UpdateID:  record.UpdateID().Int64(),
			AuthorID:  record.AuthorID(),
			UpdateB64: record.UpdateB64().String(),
		})
	}
	c.JSON(http.StatusOK, response)
}

// handleTableStream emits table-change events for one table as server-sent
// events until the client disconnects.
func (h *httpHandler) handleTableStream(c *gin.Context) {
	tableID, ok := h.tableIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, tableID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	h.writeHeartbeat(c)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, tableChangeEventPayload{
				TableID:      message.TableID,
				AuthorID:     message.AuthorID,
				LastUpdateID: message.LastUpdateID,
				Timestamp:    message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:       realtimeSourceBackend,
			})
			c.Writer.Flush()
		case <-ticker.C:
			h.writeHeartbeat(c)
		}
	}
}

func (h *httpHandler) writeHeartbeat(c *gin.Context) {
	c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    realtimeSourceBackend,
	})
	c.Writer.Flush()
	h.logger.Debug("realtime heartbeat sent", zap.String("path", c.FullPath()))
}
