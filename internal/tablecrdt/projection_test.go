package tablecrdt

import (
	"testing"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt/amdoc"
	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt/memdoc"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
)

type backend struct {
	name string
	open func() crdt.Document
}

func backends() []backend {
	return []backend{
		{name: "memdoc", open: func() crdt.Document { return memdoc.New() }},
		{name: "amdoc", open: func() crdt.Document { return amdoc.New() }},
	}
}

func sampleTable() table.Table {
	sample := table.New(
		table.Column{ID: "col-name", Name: "Name", DataType: table.DataTypeText},
		table.Column{ID: "col-done", Name: "Done", DataType: table.DataTypeCheckbox, Default: "false"},
	)
	sample.RowData["row-1"] = map[string]string{"col-name": "first", "col-done": "true"}
	sample.RowData["row-2"] = map[string]string{"col-name": "second"}
	return sample
}

func mustSync(testContext *testing.T, shared SharedTable, value table.Table, origin crdt.Origin) {
	testContext.Helper()
	written, err := SyncTo(shared, value, origin)
	if err != nil {
		testContext.Fatalf("sync failed: %v", err)
	}
	if !written {
		testContext.Fatalf("expected sync to write")
	}
}

func mustParse(testContext *testing.T, shared SharedTable) table.Table {
	testContext.Helper()
	parsed, err := ParseFrom(shared)
	if err != nil {
		testContext.Fatalf("parse failed: %v", err)
	}
	return parsed
}

func TestSyncThenParseRoundTrips(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			shared := NewSharedTable(candidate.open(), "")
			expected := sampleTable()
			mustSync(t, shared, expected, "writer")
			if parsed := mustParse(t, shared); !table.Equal(parsed, expected) {
				t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", expected, parsed)
			}
		})
	}
}

func TestParseEmptyDocumentYieldsEmptyTable(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			doc := candidate.open()
			events := 0
			doc.ObserveDeep(DefaultKey, func(crdt.Event) { events++ })
			parsed := mustParse(t, NewSharedTable(doc, ""))
			if len(parsed.Columns) != 0 || len(parsed.RowData) != 0 {
				t.Fatalf("expected empty table, got %#v", parsed)
			}
			if events != 0 {
				t.Fatalf("parse must not write, saw %d events", events)
			}
		})
	}
}

func TestSyncUnchangedTableIsSilent(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			doc := candidate.open()
			shared := NewSharedTable(doc, "")
			mustSync(t, shared, sampleTable(), "writer")

			events := 0
			doc.ObserveDeep(DefaultKey, func(crdt.Event) { events++ })
			mustSync(t, shared, sampleTable(), "writer")
			if events != 0 {
				t.Fatalf("expected no event for an unchanged sync, got %d", events)
			}
		})
	}
}

func TestSyncWritesOnlyChangedKeys(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			doc := candidate.open()
			shared := NewSharedTable(doc, "")
			mustSync(t, shared, sampleTable(), "writer")

			var origins []crdt.Origin
			doc.ObserveDeep(DefaultKey, func(event crdt.Event) { origins = append(origins, event.Origin) })

			changed := sampleTable()
			changed.RowData["row-2"] = map[string]string{"col-name": "renamed", "col-done": "true"}
			changed.Columns[0].Name = "Title"
			mustSync(t, shared, changed, "editor")

			if len(origins) != 1 || origins[0] != "editor" {
				t.Fatalf("expected one event from editor, got %#v", origins)
			}
			if parsed := mustParse(t, shared); !table.Equal(parsed, changed) {
				t.Fatalf("unexpected table after edit: %#v", parsed)
			}
		})
	}
}

func TestSyncRemovesAbsentRowsAndColumns(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			shared := NewSharedTable(candidate.open(), "")
			mustSync(t, shared, sampleTable(), "writer")

			reduced := table.New(table.Column{ID: "col-name", Name: "Name", DataType: table.DataTypeText})
			reduced.RowData["row-1"] = map[string]string{"col-name": "first"}
			mustSync(t, shared, reduced, "writer")

			parsed := mustParse(t, shared)
			if !table.Equal(parsed, reduced) {
				t.Fatalf("expected reduced table, got %#v", parsed)
			}
			if _, ok := parsed.RowData["row-2"]; ok {
				t.Fatalf("expected row-2 to be removed")
			}
		})
	}
}

func TestSyncDetachedDocumentReportsFalse(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			doc := candidate.open()
			doc.Destroy()
			written, err := SyncTo(NewSharedTable(doc, ""), sampleTable(), "writer")
			if err != nil {
				t.Fatalf("expected no error for detached document, got %v", err)
			}
			if written {
				t.Fatalf("expected detached sync to report false")
			}
		})
	}
}

func TestParseSkipsMalformedColumns(t *testing.T) {
	doc := memdoc.New()
	err := doc.Transact("seed", func() error {
		container, err := doc.Root().SetSequence(DefaultKey)
		if err != nil {
			return err
		}
		columns, err := container.AppendSequence()
		if err != nil {
			return err
		}
		entries := []map[string]string{
			{fieldID: "col-ok", fieldName: "Ok", fieldDataType: "number"},
			{fieldID: "col-no-name", fieldDataType: "text"},
			{fieldID: "col-bad-type", fieldName: "Bad", fieldDataType: "blob"},
			{fieldName: "Anonymous", fieldDataType: "text"},
		}
		for _, fields := range entries {
			entry, err := columns.AppendMap()
			if err != nil {
				return err
			}
			for key, value := range fields {
				if err := entry.SetString(key, value); err != nil {
					return err
				}
			}
		}
		_, err = container.AppendMap()
		return err
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	parsed := mustParse(t, NewSharedTable(doc, ""))
	if len(parsed.Columns) != 1 || parsed.Columns[0].ID != "col-ok" {
		t.Fatalf("expected only the well-formed column, got %#v", parsed.Columns)
	}
}

func TestSyncHealsWrongShape(t *testing.T) {
	doc := memdoc.New()
	if err := doc.Root().SetString(DefaultKey, "not a table"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	shared := NewSharedTable(doc, "")
	if parsed := mustParse(t, shared); len(parsed.Columns) != 0 {
		t.Fatalf("expected wrong shape to read as empty, got %#v", parsed)
	}
	mustSync(t, shared, sampleTable(), "writer")
	if parsed := mustParse(t, shared); !table.Equal(parsed, sampleTable()) {
		t.Fatalf("expected healed table, got %#v", parsed)
	}
}

func TestTablesUnderDifferentKeysAreIndependent(t *testing.T) {
	doc := memdoc.New()
	first := NewSharedTable(doc, "first")
	second := NewSharedTable(doc, "second")
	mustSync(t, first, sampleTable(), "writer")
	if parsed := mustParse(t, second); len(parsed.Columns) != 0 {
		t.Fatalf("expected second table to stay empty, got %#v", parsed)
	}
}

func TestDiff(t *testing.T) {
	patch := Diff(
		map[string]string{"keep": "1", "change": "old", "drop": "x"},
		map[string]string{"keep": "1", "change": "new", "add": "y"},
	)
	if len(patch.Set) != 2 || patch.Set["change"] != "new" || patch.Set["add"] != "y" {
		t.Fatalf("unexpected set: %#v", patch.Set)
	}
	if len(patch.Delete) != 1 || patch.Delete[0] != "drop" {
		t.Fatalf("unexpected delete: %#v", patch.Delete)
	}
	if !Diff(map[string]string{"a": "1"}, map[string]string{"a": "1"}).Empty() {
		t.Fatalf("expected identical maps to produce an empty patch")
	}
}

func TestEmptyColumnNameSurvivesRoundTripAndPeerWrite(t *testing.T) {
	for _, candidate := range backends() {
		t.Run(candidate.name, func(t *testing.T) {
			shared := NewSharedTable(candidate.open(), "")
			store := table.NewStore(table.NewUUIDProvider())
			value, err := store.AddColumn(table.ColumnSpec{Name: "", DataType: table.DataTypeText}, table.New())
			if err != nil {
				t.Fatalf("add column failed: %v", err)
			}
			value = table.SetCellData("row-1", value.Columns[0], "v", value)
			mustSync(t, shared, value, "writer")

			parsed := mustParse(t, shared)
			if !table.Equal(parsed, value) {
				t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", value, parsed)
			}

			if _, err := SyncTo(shared, parsed, "peer"); err != nil {
				t.Fatalf("peer sync failed: %v", err)
			}
			if reparsed := mustParse(t, shared); len(reparsed.Columns) != 1 || reparsed.Columns[0].Name != "" {
				t.Fatalf("peer write dropped the unnamed column: %#v", reparsed.Columns)
			}
		})
	}
}
