package tablecrdt

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
)

// ParseFrom reads the shared table into a Table. It never writes: missing or
// malformed slots read as empty, and column entries lacking an id, name or
// valid data type are skipped. An empty name is still a name.
func ParseFrom(shared SharedTable) (table.Table, error) {
	result := table.New()
	if !shared.Attached() {
		return result, nil
	}
	columns, rows, err := shared.slots()
	if err != nil {
		return table.Table{}, fmt.Errorf("tablecrdt: read slots: %w", err)
	}

	if columns != nil {
		for index := 0; index < columns.Len(); index++ {
			entry, ok, err := columns.Map(index)
			if err != nil {
				return table.Table{}, fmt.Errorf("tablecrdt: read column %d: %w", index, err)
			}
			if !ok {
				continue
			}
			column, ok, err := parseColumn(entry)
			if err != nil {
				return table.Table{}, fmt.Errorf("tablecrdt: read column %d: %w", index, err)
			}
			if ok {
				result.Columns = append(result.Columns, column)
			}
		}
	}

	if rows != nil {
		rowIDs, err := rows.Keys()
		if err != nil {
			return table.Table{}, fmt.Errorf("tablecrdt: read rows: %w", err)
		}
		for _, rowID := range rowIDs {
			row, ok, err := rows.Map(rowID)
			if err != nil {
				return table.Table{}, fmt.Errorf("tablecrdt: read row %s: %w", rowID, err)
			}
			if !ok {
				continue
			}
			cells, _, err := readStrings(row)
			if err != nil {
				return table.Table{}, fmt.Errorf("tablecrdt: read row %s: %w", rowID, err)
			}
			result.RowData[rowID] = cells
		}
	}
	return result, nil
}

func parseColumn(entry crdt.Map) (table.Column, bool, error) {
	fields, _, err := readStrings(entry)
	if err != nil {
		return table.Column{}, false, err
	}
	id, hasID := fields[fieldID]
	name, hasName := fields[fieldName]
	if !hasID || !hasName {
		return table.Column{}, false, nil
	}
	dataType, err := table.ParseDataType(fields[fieldDataType])
	if err != nil {
		return table.Column{}, false, nil
	}
	return table.Column{
		ID:       id,
		Name:     name,
		DataType: dataType,
		Default:  fields[fieldDefault],
	}, true, nil
}

func columnFields(column table.Column) map[string]string {
	fields := map[string]string{
		fieldID:       column.ID,
		fieldName:     column.Name,
		fieldDataType: column.DataType.String(),
	}
	if column.Default != "" {
		fields[fieldDefault] = column.Default
	}
	return fields
}

// SyncTo writes t into the shared table as a single transaction tagged with
// origin. Only keys whose values differ are written, so syncing an unchanged
// table commits nothing and notifies no one. Rows absent from t are removed.
// It returns false without error when the document is detached.
func SyncTo(shared SharedTable, t table.Table, origin crdt.Origin) (bool, error) {
	if !shared.Attached() {
		return false, nil
	}
	err := shared.doc.Transact(origin, func() error {
		columns, rows, err := shared.ensureSlots()
		if err != nil {
			return err
		}
		if err := syncColumns(columns, t.Columns); err != nil {
			return err
		}
		return syncRows(rows, t.RowData)
	})
	if err != nil {
		return false, fmt.Errorf("tablecrdt: sync: %w", err)
	}
	return true, nil
}

func syncColumns(target crdt.Sequence, columns []table.Column) error {
	for target.Len() > len(columns) {
		if err := target.Delete(target.Len() - 1); err != nil {
			return fmt.Errorf("shrink columns: %w", err)
		}
	}
	for index, column := range columns {
		var entry crdt.Map
		if index < target.Len() {
			existing, ok, err := target.Map(index)
			if err != nil {
				return fmt.Errorf("column %d: %w", index, err)
			}
			if !ok {
				// A non-map entry cannot be replaced in place; drop the tail and
				// append fresh maps from here on.
				for target.Len() > index {
					if err := target.Delete(target.Len() - 1); err != nil {
						return fmt.Errorf("column %d: %w", index, err)
					}
				}
			} else {
				entry = existing
			}
		}
		if entry == nil {
			created, err := target.AppendMap()
			if err != nil {
				return fmt.Errorf("append column %d: %w", index, err)
			}
			entry = created
		}
		if err := applyDiff(entry, columnFields(column)); err != nil {
			return fmt.Errorf("column %s: %w", column.ID, err)
		}
	}
	return nil
}

func syncRows(target crdt.Map, rowData map[string]map[string]string) error {
	existingIDs, err := target.Keys()
	if err != nil {
		return fmt.Errorf("row ids: %w", err)
	}
	for _, rowID := range existingIDs {
		if _, ok := rowData[rowID]; ok {
			continue
		}
		if err := target.Delete(rowID); err != nil {
			return fmt.Errorf("delete row %s: %w", rowID, err)
		}
	}
	for _, rowID := range sortedKeys(rowData) {
		row, ok, err := target.Map(rowID)
		if err != nil {
			return fmt.Errorf("row %s: %w", rowID, err)
		}
		if !ok {
			if row, err = target.SetMap(rowID); err != nil {
				return fmt.Errorf("create row %s: %w", rowID, err)
			}
		}
		if err := applyDiff(row, rowData[rowID]); err != nil {
			return fmt.Errorf("row %s: %w", rowID, err)
		}
	}
	return nil
}
