package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt/amdoc"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablecrdt"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
}

func (p *recordingPublisher) PublishTableChange(change Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) snapshot() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Change(nil), p.changes...)
}

func mustStore(testContext *testing.T) *documents.Service {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&documents.CrdtUpdate{}, &documents.CrdtSnapshot{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := documents.NewService(documents.ServiceConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustHub(testContext *testing.T, store DocumentStore, publisher Publisher) *Hub {
	testContext.Helper()
	hub, err := NewHub(HubConfig{Store: store, Publisher: publisher, Origin: "hub"})
	if err != nil {
		testContext.Fatalf("failed to create hub: %v", err)
	}
	testContext.Cleanup(hub.Close)
	return hub
}

func sampleTable() table.Table {
	sample := table.New(
		table.Column{ID: "col-title", Name: "Title", DataType: table.DataTypeText},
		table.Column{ID: "col-due", Name: "Due", DataType: table.DataTypeDate},
	)
	sample.RowData["row-1"] = map[string]string{"col-title": "Write report", "col-due": "2026-10-20"}
	sample.RowData["row-2"] = map[string]string{"col-title": "Review"}
	return sample
}

// clientChange writes value into a fresh client replica and returns its change set.
func clientChange(testContext *testing.T, value table.Table) (*amdoc.Doc, []byte) {
	testContext.Helper()
	client := amdoc.New()
	if _, err := tablecrdt.SyncTo(tablecrdt.NewSharedTable(client, ""), value, "client"); err != nil {
		testContext.Fatalf("client sync failed: %v", err)
	}
	return client, client.SaveIncremental()
}

func mustTable(testContext *testing.T, hub *Hub, tableID documents.DocumentID) table.Table {
	testContext.Helper()
	current, err := hub.Table(context.Background(), tableID)
	if err != nil {
		testContext.Fatalf("table read failed: %v", err)
	}
	return current
}

func TestApplyUpdatesPersistsAndPublishes(testContext *testing.T) {
	store := mustStore(testContext)
	publisher := &recordingPublisher{}
	hub := mustHub(testContext, store, publisher)

	_, change := clientChange(testContext, sampleTable())
	result, err := hub.ApplyUpdates(context.Background(), "user-1", "table-1", [][]byte{change})
	if err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if len(result.UpdateOutcomes) != 1 || result.UpdateOutcomes[0].Duplicate() {
		testContext.Fatalf("unexpected outcomes %#v", result.UpdateOutcomes)
	}
	if current := mustTable(testContext, hub, "table-1"); !table.Equal(current, sampleTable()) {
		testContext.Fatalf("hub table mismatch: %#v", current)
	}

	changes := publisher.snapshot()
	if len(changes) != 1 || changes[0].TableID != "table-1" || changes[0].AuthorID != "user-1" {
		testContext.Fatalf("unexpected published changes %#v", changes)
	}

	if _, err := hub.ApplyUpdates(context.Background(), "user-1", "table-1", [][]byte{change}); err != nil {
		testContext.Fatalf("reapply failed: %v", err)
	}
	if len(publisher.snapshot()) != 1 {
		testContext.Fatalf("duplicate update must not be published again")
	}
}

func TestTableSurvivesReload(testContext *testing.T) {
	store := mustStore(testContext)
	first := mustHub(testContext, store, nil)
	_, change := clientChange(testContext, sampleTable())
	if _, err := first.ApplyUpdates(context.Background(), "user-1", "table-2", [][]byte{change}); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	second := mustHub(testContext, store, nil)
	if current := mustTable(testContext, second, "table-2"); !table.Equal(current, sampleTable()) {
		testContext.Fatalf("reloaded table mismatch: %#v", current)
	}

	first.Evict("table-2")
	if current := mustTable(testContext, first, "table-2"); !table.Equal(current, sampleTable()) {
		testContext.Fatalf("table mismatch after eviction: %#v", current)
	}
}

func TestRetainRowsPrunesAndPersists(testContext *testing.T) {
	store := mustStore(testContext)
	publisher := &recordingPublisher{}
	hub := mustHub(testContext, store, publisher)
	client, change := clientChange(testContext, sampleTable())
	applied, err := hub.ApplyUpdates(context.Background(), "user-1", "table-3", [][]byte{change})
	if err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	pruned, err := hub.RetainRows(context.Background(), "table-3", []string{"row-1"})
	if err != nil {
		testContext.Fatalf("retain failed: %v", err)
	}
	if _, ok := pruned.RowData["row-2"]; ok || len(pruned.RowData) != 1 {
		testContext.Fatalf("expected row-2 to be pruned, got %#v", pruned.RowData)
	}

	changes := publisher.snapshot()
	if len(changes) != 2 || changes[1].AuthorID != HubAuthorID {
		testContext.Fatalf("expected a hub-authored change, got %#v", changes)
	}

	records, err := store.ListCrdtUpdates(context.Background(), "table-3", applied.UpdateOutcomes[0].UpdateID())
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		testContext.Fatalf("expected one pruning update, got %d", len(records))
	}
	raw, err := records[0].UpdateB64().Bytes()
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	if err := client.ApplyIncremental(raw, "server"); err != nil {
		testContext.Fatalf("client apply failed: %v", err)
	}
	converged, err := tablecrdt.ParseFrom(tablecrdt.NewSharedTable(client, ""))
	if err != nil {
		testContext.Fatalf("client parse failed: %v", err)
	}
	if !table.Equal(converged, pruned) {
		testContext.Fatalf("client did not converge: %#v", converged)
	}

	if _, err := hub.RetainRows(context.Background(), "table-3", []string{"row-1"}); err != nil {
		testContext.Fatalf("second retain failed: %v", err)
	}
	if len(publisher.snapshot()) != 2 {
		testContext.Fatalf("retaining the same rows must not write")
	}
}

func TestApplyUpdatesRejectsEmptyUpdate(testContext *testing.T) {
	hub := mustHub(testContext, mustStore(testContext), nil)
	if _, err := hub.ApplyUpdates(context.Background(), "user-1", "table-4", [][]byte{{}}); !errors.Is(err, ErrInvalidUpdate) {
		testContext.Fatalf("expected empty update to be rejected, got %v", err)
	}
	if current := mustTable(testContext, hub, "table-4"); len(current.Columns) != 0 {
		testContext.Fatalf("expected untouched table, got %#v", current)
	}
}

func TestSyncSessionConverges(testContext *testing.T) {
	store := mustStore(testContext)
	publisher := &recordingPublisher{}
	hub := mustHub(testContext, store, publisher)

	client := amdoc.New()
	if _, err := tablecrdt.SyncTo(tablecrdt.NewSharedTable(client, ""), sampleTable(), "client"); err != nil {
		testContext.Fatalf("client sync failed: %v", err)
	}
	session, err := hub.OpenSyncSession(context.Background(), "user-2", "table-5")
	if err != nil {
		testContext.Fatalf("open session failed: %v", err)
	}
	clientPeer := client.NewSyncPeer("server")

	for round := 0; round < 10; round++ {
		exchanged := false
		for {
			message, ok := clientPeer.Generate()
			if !ok {
				break
			}
			exchanged = true
			if err := session.Receive(context.Background(), message); err != nil {
				testContext.Fatalf("session receive failed: %v", err)
			}
		}
		for {
			message, ok, err := session.Next()
			if err != nil {
				testContext.Fatalf("session next failed: %v", err)
			}
			if !ok {
				break
			}
			exchanged = true
			if err := clientPeer.Receive(message); err != nil {
				testContext.Fatalf("client receive failed: %v", err)
			}
		}
		if !exchanged {
			break
		}
	}

	if current := mustTable(testContext, hub, "table-5"); !table.Equal(current, sampleTable()) {
		testContext.Fatalf("hub did not converge: %#v", current)
	}
	if len(publisher.snapshot()) == 0 {
		testContext.Fatalf("expected synced change to be published")
	}

	reloaded := mustHub(testContext, store, nil)
	if current := mustTable(testContext, reloaded, "table-5"); !table.Equal(current, sampleTable()) {
		testContext.Fatalf("synced change was not persisted: %#v", current)
	}

	hub.Evict("table-5")
	if _, _, err := session.Next(); !errors.Is(err, ErrSessionClosed) {
		testContext.Fatalf("expected closed session after eviction, got %v", err)
	}
}
