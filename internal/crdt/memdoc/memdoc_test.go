package memdoc

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
)

func TestTransactDeliversOneTaggedEvent(t *testing.T) {
	doc := New()
	var events []crdt.Event
	unobserve := doc.ObserveDeep("table", func(event crdt.Event) {
		events = append(events, event)
	})
	defer unobserve()

	err := doc.Transact("writer", func() error {
		sequence, err := doc.Root().SetSequence("table")
		if err != nil {
			return err
		}
		columns, err := sequence.AppendMap()
		if err != nil {
			return err
		}
		return columns.SetString("id", "col-1")
	})
	if err != nil {
		t.Fatalf("transact failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected a single event, got %d", len(events))
	}
	if events[0].Origin != "writer" {
		t.Fatalf("expected origin writer, got %q", events[0].Origin)
	}
}

func TestObserversOnlySeeTheirRoot(t *testing.T) {
	doc := New()
	tableEvents := 0
	otherEvents := 0
	doc.ObserveDeep("table", func(crdt.Event) { tableEvents++ })
	doc.ObserveDeep("other", func(crdt.Event) { otherEvents++ })

	if err := doc.Root().SetString("other", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if tableEvents != 0 || otherEvents != 1 {
		t.Fatalf("unexpected event counts table=%d other=%d", tableEvents, otherEvents)
	}
}

func TestNoEventWithoutChanges(t *testing.T) {
	doc := New()
	events := 0
	doc.ObserveDeep("table", func(crdt.Event) { events++ })
	if err := doc.Transact("writer", func() error { return nil }); err != nil {
		t.Fatalf("transact failed: %v", err)
	}
	if err := doc.Root().Delete("table"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if events != 0 {
		t.Fatalf("expected no events, got %d", events)
	}
}

func TestUnobserveStopsDelivery(t *testing.T) {
	doc := New()
	events := 0
	unobserve := doc.ObserveDeep("table", func(crdt.Event) { events++ })
	unobserve()
	if err := doc.Root().SetString("table", "x"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if events != 0 {
		t.Fatalf("expected no events after unobserve, got %d", events)
	}
}

func TestDestroyedDocumentRejectsAccess(t *testing.T) {
	doc := New()
	root := doc.Root()
	doc.Destroy()
	if doc.Attached() {
		t.Fatalf("expected document to be detached")
	}
	if err := root.SetString("k", "v"); !errors.Is(err, crdt.ErrDetached) {
		t.Fatalf("expected detached error, got %v", err)
	}
	if _, _, err := root.String("k"); !errors.Is(err, crdt.ErrDetached) {
		t.Fatalf("expected detached error on read, got %v", err)
	}
}

func TestSequenceOperations(t *testing.T) {
	doc := New()
	sequence, err := doc.Root().SetSequence("list")
	if err != nil {
		t.Fatalf("set sequence failed: %v", err)
	}
	if _, err := sequence.AppendMap(); err != nil {
		t.Fatalf("append map failed: %v", err)
	}
	if _, err := sequence.AppendSequence(); err != nil {
		t.Fatalf("append sequence failed: %v", err)
	}
	if _, ok, _ := sequence.Map(1); ok {
		t.Fatalf("expected index 1 to hold a sequence, not a map")
	}
	if _, ok, _ := sequence.Sequence(1); !ok {
		t.Fatalf("expected index 1 to hold a sequence")
	}
	if err := sequence.Delete(0); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if sequence.Len() != 1 {
		t.Fatalf("expected one item, got %d", sequence.Len())
	}
	if _, ok, _ := sequence.Map(5); ok {
		t.Fatalf("expected out-of-range read to report absence")
	}
}

func TestFailedTransactKeepsAppliedChanges(t *testing.T) {
	doc := New()
	var events []crdt.Event
	doc.ObserveDeep("table", func(event crdt.Event) {
		events = append(events, event)
	})

	stop := errors.New("stop")
	err := doc.Transact("writer", func() error {
		row, err := doc.Root().SetMap("table")
		if err != nil {
			return err
		}
		if err := row.SetString("col", "kept"); err != nil {
			return err
		}
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if len(events) != 1 || events[0].Origin != "writer" {
		t.Fatalf("expected one writer event, got %#v", events)
	}
	row, ok, err := doc.Root().Map("table")
	if err != nil || !ok {
		t.Fatalf("expected the map to remain, ok=%v err=%v", ok, err)
	}
	if value, ok, err := row.String("col"); err != nil || !ok || value != "kept" {
		t.Fatalf("unexpected value %q ok=%v err=%v", value, ok, err)
	}
}
