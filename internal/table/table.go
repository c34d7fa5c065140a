package table

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DataType enumerates the semantic kinds a column can hold.
type DataType string

const (
	DataTypeText     DataType = "text"
	DataTypeNumber   DataType = "number"
	DataTypeDate     DataType = "date"
	DataTypeURL      DataType = "url"
	DataTypeCheckbox DataType = "checkbox"
	// DataTypeUser references a workspace user by id.
	DataTypeUser DataType = "user"
	// DataTypeProperty projects a field of the row's backing item; Column.Default names the field.
	DataTypeProperty DataType = "property"
)

// ErrInvalidDataType indicates an unknown column data type.
var ErrInvalidDataType = errors.New("table: invalid data type")

// ParseDataType validates raw input and returns a DataType.
func ParseDataType(rawInput string) (DataType, error) {
	candidate := DataType(strings.ToLower(strings.TrimSpace(rawInput)))
	switch candidate {
	case DataTypeText, DataTypeNumber, DataTypeDate, DataTypeURL, DataTypeCheckbox, DataTypeUser, DataTypeProperty:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDataType, rawInput)
	}
}

// String returns the wire representation of the data type.
func (dataType DataType) String() string {
	return string(dataType)
}

// Column describes one table column. Ids are never reused after deletion.
type Column struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
	Default  string   `json:"default,omitempty"`
}

// Table is the authoritative in-memory model. Column order is display order.
// RowData maps row id to column id to cell value; a missing key means no value.
type Table struct {
	Columns []Column                     `json:"columns"`
	RowData map[string]map[string]string `json:"row_data"`
}

// New returns a table holding a copy of columns and no row data.
func New(columns ...Column) Table {
	return Table{
		Columns: slices.Clone(columns),
		RowData: map[string]map[string]string{},
	}
}

// ColumnByID returns the column with the given id.
func (t Table) ColumnByID(columnID string) (Column, bool) {
	index := t.columnIndex(columnID)
	if index < 0 {
		return Column{}, false
	}
	return t.Columns[index], true
}

// Cell returns the value stored for a row and column.
func (t Table) Cell(rowID, columnID string) (string, bool) {
	row, ok := t.RowData[rowID]
	if !ok {
		return "", false
	}
	value, ok := row[columnID]
	return value, ok
}

// Equal reports whether two tables hold the same columns in the same order
// and the same cells. A nil and an empty row map are equal.
func Equal(left, right Table) bool {
	if !slices.Equal(left.Columns, right.Columns) {
		return false
	}
	if len(left.RowData) != len(right.RowData) {
		return false
	}
	for rowID, leftRow := range left.RowData {
		rightRow, ok := right.RowData[rowID]
		if !ok {
			return false
		}
		if !maps.Equal(leftRow, rightRow) {
			return false
		}
	}
	return true
}

func (t Table) columnIndex(columnID string) int {
	return slices.IndexFunc(t.Columns, func(column Column) bool {
		return column.ID == columnID
	})
}

// withRowData returns a shallow copy of the row map so one row can be replaced
// without touching the input table.
func (t Table) withRowData() map[string]map[string]string {
	rowData := make(map[string]map[string]string, len(t.RowData))
	for rowID, row := range t.RowData {
		rowData[rowID] = row
	}
	return rowData
}
