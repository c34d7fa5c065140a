// Package tablecrdt projects table.Table values onto a shared document and
// back. The shared shape is a two-slot sequence under one root key: slot 0
// holds one map per column, slot 1 maps row ids to maps of column id to value.
package tablecrdt

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
)

// DefaultKey is the root key tables are stored under.
const DefaultKey = "table"

const (
	slotColumns = 0
	slotRows    = 1

	fieldID       = "id"
	fieldName     = "name"
	fieldDataType = "data_type"
	fieldDefault  = "default"
)

var errMissingDocument = errors.New("tablecrdt: document is required")

// SharedTable is a handle on a table stored in a shared document.
type SharedTable struct {
	doc crdt.Document
	key string
}

// NewSharedTable returns a handle on the table stored under key. An empty key
// selects DefaultKey.
func NewSharedTable(doc crdt.Document, key string) SharedTable {
	if key == "" {
		key = DefaultKey
	}
	return SharedTable{doc: doc, key: key}
}

// Document returns the backing document.
func (s SharedTable) Document() crdt.Document {
	return s.doc
}

// Key returns the root key holding the table.
func (s SharedTable) Key() string {
	return s.key
}

// Attached reports whether the handle points at a live document.
func (s SharedTable) Attached() bool {
	return s.doc != nil && s.doc.Attached()
}

// slots returns the column sequence and row map without creating anything.
// Missing or wrongly typed slots come back as nil.
func (s SharedTable) slots() (crdt.Sequence, crdt.Map, error) {
	if s.doc == nil {
		return nil, nil, errMissingDocument
	}
	container, ok, err := s.doc.Root().Sequence(s.key)
	if err != nil || !ok {
		return nil, nil, err
	}
	columns, _, err := container.Sequence(slotColumns)
	if err != nil {
		return nil, nil, err
	}
	rows, _, err := container.Map(slotRows)
	if err != nil {
		return nil, nil, err
	}
	return columns, rows, nil
}

// ensureSlots creates or replaces missing and wrongly typed slots. It must run
// inside a transaction.
func (s SharedTable) ensureSlots() (crdt.Sequence, crdt.Map, error) {
	root := s.doc.Root()
	container, ok, err := root.Sequence(s.key)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		if container, err = root.SetSequence(s.key); err != nil {
			return nil, nil, fmt.Errorf("tablecrdt: create container: %w", err)
		}
	}

	columns, columnsOK, err := container.Sequence(slotColumns)
	if err != nil {
		return nil, nil, err
	}
	rows, rowsOK, err := container.Map(slotRows)
	if err != nil {
		return nil, nil, err
	}
	if columnsOK && rowsOK {
		return columns, rows, nil
	}

	if !columnsOK {
		// Rebuild from scratch: a sequence only appends, so a broken slot 0
		// forces every later slot to be recreated too.
		for container.Len() > 0 {
			if err := container.Delete(container.Len() - 1); err != nil {
				return nil, nil, fmt.Errorf("tablecrdt: reset container: %w", err)
			}
		}
		if columns, err = container.AppendSequence(); err != nil {
			return nil, nil, fmt.Errorf("tablecrdt: create columns: %w", err)
		}
	} else {
		for container.Len() > slotRows {
			if err := container.Delete(container.Len() - 1); err != nil {
				return nil, nil, fmt.Errorf("tablecrdt: reset rows: %w", err)
			}
		}
	}
	if rows, err = container.AppendMap(); err != nil {
		return nil, nil, fmt.Errorf("tablecrdt: create rows: %w", err)
	}
	return columns, rows, nil
}
