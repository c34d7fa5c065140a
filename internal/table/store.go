package table

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var errMissingIDProvider = errors.New("table: id provider is required")

// ColumnSpec describes a column to be added.
type ColumnSpec struct {
	Name     string
	DataType DataType
	Default  string
}

// ColumnPatch carries the fields to merge into an existing column. Nil fields
// are left untouched. Fill, when set, becomes the column's value on every
// existing row.
type ColumnPatch struct {
	ID       string
	Name     *string
	DataType *DataType
	Default  *string
	Fill     *string
}

// Store owns id generation for new columns. Every other transformation is a
// package-level function.
type Store struct {
	idProvider IDProvider
}

// NewStore constructs a Store. A nil provider falls back to UUIDv7 ids.
func NewStore(idProvider IDProvider) *Store {
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &Store{idProvider: idProvider}
}

// AddColumn appends a column with a fresh id.
func (s *Store) AddColumn(spec ColumnSpec, t Table) (Table, error) {
	if s == nil || s.idProvider == nil {
		return t, errMissingIDProvider
	}
	columnID, err := s.idProvider.NewID()
	if err != nil {
		return t, fmt.Errorf("table: generate column id: %w", err)
	}
	columns := make([]Column, 0, len(t.Columns)+1)
	columns = append(columns, t.Columns...)
	columns = append(columns, Column{
		ID:       columnID,
		Name:     spec.Name,
		DataType: spec.DataType,
		Default:  spec.Default,
	})
	return Table{Columns: columns, RowData: t.RowData}, nil
}

// MoveColumn reinserts column at targetIndex. A missing column or a negative
// index leaves the table unchanged; an index past the end moves it last.
func MoveColumn(targetIndex int, column Column, t Table) Table {
	currentIndex := t.columnIndex(column.ID)
	if currentIndex < 0 || targetIndex < 0 {
		return t
	}
	moved := t.Columns[currentIndex]
	columns := slices.Delete(slices.Clone(t.Columns), currentIndex, currentIndex+1)
	if targetIndex > len(columns) {
		targetIndex = len(columns)
	}
	columns = slices.Insert(columns, targetIndex, moved)
	return Table{Columns: columns, RowData: t.RowData}
}

// DeleteColumn removes column and its cell from every row.
func DeleteColumn(column Column, t Table) Table {
	currentIndex := t.columnIndex(column.ID)
	columns := t.Columns
	if currentIndex >= 0 {
		columns = slices.Delete(slices.Clone(t.Columns), currentIndex, currentIndex+1)
	}
	return Table{Columns: columns, RowData: withoutCellKey(t.RowData, column.ID)}
}

// AlterColumn merges patch into the column with the same id.
func AlterColumn(patch ColumnPatch, t Table) Table {
	currentIndex := t.columnIndex(patch.ID)
	if currentIndex < 0 {
		return t
	}
	columns := slices.Clone(t.Columns)
	altered := columns[currentIndex]
	if patch.Name != nil {
		altered.Name = *patch.Name
	}
	if patch.DataType != nil {
		altered.DataType = *patch.DataType
	}
	if patch.Default != nil {
		altered.Default = *patch.Default
	}
	columns[currentIndex] = altered

	rowData := t.RowData
	if patch.Fill != nil {
		rowData = make(map[string]map[string]string, len(t.RowData))
		for rowID, row := range t.RowData {
			filled := maps.Clone(row)
			if filled == nil {
				filled = map[string]string{}
			}
			filled[altered.ID] = *patch.Fill
			rowData[rowID] = filled
		}
	}
	return Table{Columns: columns, RowData: rowData}
}

// SetCellData sets a single cell, creating the row entry when needed.
func SetCellData(rowID string, column Column, value string, t Table) Table {
	rowData := t.withRowData()
	row := maps.Clone(rowData[rowID])
	if row == nil {
		row = map[string]string{}
	}
	row[column.ID] = value
	rowData[rowID] = row
	return Table{Columns: t.Columns, RowData: rowData}
}

// DeleteRowData removes every cell of a row. Columns are untouched.
func DeleteRowData(rowID string, t Table) Table {
	if _, ok := t.RowData[rowID]; !ok {
		return t
	}
	rowData := t.withRowData()
	delete(rowData, rowID)
	return Table{Columns: t.Columns, RowData: rowData}
}

// PruneOrphans drops cells keyed by columns that no longer exist.
func PruneOrphans(t Table) Table {
	live := make(map[string]struct{}, len(t.Columns))
	for _, column := range t.Columns {
		live[column.ID] = struct{}{}
	}
	var rowData map[string]map[string]string
	for rowID, row := range t.RowData {
		for columnID := range row {
			if _, ok := live[columnID]; ok {
				continue
			}
			if rowData == nil {
				rowData = t.withRowData()
			}
			pruned := maps.Clone(rowData[rowID])
			maps.DeleteFunc(pruned, func(key string, _ string) bool {
				_, ok := live[key]
				return !ok
			})
			rowData[rowID] = pruned
			break
		}
	}
	if rowData == nil {
		return t
	}
	return Table{Columns: t.Columns, RowData: rowData}
}

// RetainRows drops the data of every row not listed in rowIDs. The owning
// table block decides which row ids are valid.
func RetainRows(rowIDs []string, t Table) Table {
	valid := make(map[string]struct{}, len(rowIDs))
	for _, rowID := range rowIDs {
		valid[rowID] = struct{}{}
	}
	var rowData map[string]map[string]string
	for rowID := range t.RowData {
		if _, ok := valid[rowID]; ok {
			continue
		}
		if rowData == nil {
			rowData = t.withRowData()
		}
		delete(rowData, rowID)
	}
	if rowData == nil {
		return t
	}
	return Table{Columns: t.Columns, RowData: rowData}
}

func withoutCellKey(source map[string]map[string]string, columnID string) map[string]map[string]string {
	rowData := make(map[string]map[string]string, len(source))
	for rowID, row := range source {
		if _, ok := row[columnID]; !ok {
			rowData[rowID] = row
			continue
		}
		pruned := maps.Clone(row)
		delete(pruned, columnID)
		rowData[rowID] = pruned
	}
	return rowData
}
