package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/blocks"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
)

type blocksResponsePayload struct {
	DocumentID string       `json:"document_id"`
	Root       blocks.Block `json:"root"`
}

type putBlocksResponsePayload struct {
	DocumentID string                `json:"document_id"`
	Tables     []retainedTablePayload `json:"tables"`
}

type retainedTablePayload struct {
	TableID string `json:"table_id"`
	Rows    int    `json:"rows"`
}

func (h *httpHandler) documentIDParam(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("document_id"))
	if err != nil {
		h.respondError(c, "invalid_document_id", err)
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) handleGetBlocks(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	root, found := h.blocks.Get(documentID.String())
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, blocksResponsePayload{DocumentID: documentID.String(), Root: root})
}

// handlePutBlocks replaces the cached block tree of a document and prunes the
// row data of every table block down to that block's children.
func (h *httpHandler) handlePutBlocks(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var root blocks.Block
	if err := c.ShouldBindJSON(&root); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.blocks.Put(documentID.String(), root); err != nil {
		h.respondError(c, "invalid_blocks", err)
		return
	}

	response := putBlocksResponsePayload{DocumentID: documentID.String(), Tables: []retainedTablePayload{}}
	var tableBlocks []blocks.Block
	blocks.Walk(root, func(block blocks.Block) bool {
		if block.Kind == blocks.KindTable {
			tableBlocks = append(tableBlocks, block)
		}
		return true
	})
	for _, block := range tableBlocks {
		tableID, err := documents.NewDocumentID(block.ID)
		if err != nil {
			h.respondError(c, "invalid_table_id", err)
			return
		}
		retained, err := h.tables.RetainRows(c.Request.Context(), tableID, blocks.TableRowIDs(block))
		if err != nil {
			h.respondError(c, "retain_rows_failed", err)
			return
		}
		response.Tables = append(response.Tables, retainedTablePayload{TableID: tableID.String(), Rows: len(retained.RowData)})
	}
	h.logger.Debug("block tree stored",
		zap.String("document_id", documentID.String()),
		zap.Int("tables", len(response.Tables)))
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteBlocks(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	h.blocks.Invalidate(documentID.String())
	c.Status(http.StatusNoContent)
}
