package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/tablesync/internal/blocks"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
)

func mustBlock(t *testing.T, id string, kind blocks.Kind, data any, children ...blocks.Block) blocks.Block {
	t.Helper()
	block, err := blocks.NewBlock(id, kind, "", data, children...)
	if err != nil {
		t.Fatalf("failed to build block %s: %v", id, err)
	}
	return block
}

func TestPutBlocksPrunesTableRows(t *testing.T) {
	fixture := newServerFixture(t)
	_, update := clientUpdate(t, sampleTable())
	fixture.do(t, http.MethodPost, "/tables/table-5/updates", applyUpdatesRequestPayload{Updates: []updatePayload{{UpdateB64: update}}})

	root := mustBlock(t, "root", blocks.KindContainer, nil,
		mustBlock(t, "intro", blocks.KindMarkdown, blocks.MarkdownData{Text: "# Plan"}),
		mustBlock(t, "table-5", blocks.KindTable, blocks.TableData{RowIDs: []string{"row-1"}},
			mustBlock(t, "row-1", blocks.KindMarkdown, blocks.MarkdownData{Text: "Draft agenda"}),
		),
	)
	recorder := fixture.do(t, http.MethodPut, "/documents/doc-1/blocks", root)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response putBlocksResponsePayload
	decodeBody(t, recorder, &response)
	if len(response.Tables) != 1 || response.Tables[0].TableID != "table-5" || response.Tables[0].Rows != 1 {
		t.Fatalf("unexpected retained tables %#v", response.Tables)
	}

	recorder = fixture.do(t, http.MethodGet, "/tables/table-5", nil)
	var current tableResponsePayload
	decodeBody(t, recorder, &current)
	expected := table.DeleteRowData("row-2", sampleTable())
	if !table.Equal(current.Table, expected) {
		t.Fatalf("expected row-2 to be pruned, got %#v", current.Table.RowData)
	}

	recorder = fixture.do(t, http.MethodGet, "/documents/doc-1/blocks", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var stored struct {
		Root json.RawMessage `json:"root"`
	}
	decodeBody(t, recorder, &stored)
	var tree blocks.Block
	if err := json.Unmarshal(stored.Root, &tree); err != nil {
		t.Fatalf("failed to decode tree: %v", err)
	}
	if _, ok := blocks.Find(tree, "row-1"); !ok {
		t.Fatalf("expected stored tree to contain row-1")
	}
}

func TestPutBlocksRejectsInvalidTree(t *testing.T) {
	fixture := newServerFixture(t)
	root := mustBlock(t, "note", blocks.KindMarkdown, blocks.MarkdownData{Text: "leaf"},
		mustBlock(t, "child", blocks.KindMarkdown, blocks.MarkdownData{Text: "nested"}),
	)
	recorder := fixture.do(t, http.MethodPut, "/documents/doc-2/blocks", root)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if _, ok := fixture.blocks.Get("doc-2"); ok {
		t.Fatalf("invalid tree must not be cached")
	}
}

func TestDeleteBlocksInvalidatesCache(t *testing.T) {
	fixture := newServerFixture(t)
	root := mustBlock(t, "root", blocks.KindContainer, nil)
	if recorder := fixture.do(t, http.MethodPut, "/documents/doc-3/blocks", root); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodDelete, "/documents/doc-3/blocks", nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/documents/doc-3/blocks", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after invalidation, got %d", recorder.Code)
	}
}
