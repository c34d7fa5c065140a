package documents

// CrdtUpdate stores an append-only change set for one document.
type CrdtUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_table_crdt_updates_document;uniqueIndex:idx_table_crdt_update_dedupe,priority:1"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	UpdateB64        string `gorm:"column:update_b64;type:text;not null"`
	UpdateHash       string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_table_crdt_update_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CrdtUpdate) TableName() string {
	return "table_crdt_updates"
}

// CrdtSnapshot stores the latest compacted save of a document. Every update
// up to SnapshotUpdateID is contained in it.
type CrdtSnapshot struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SnapshotB64      string `gorm:"column:snapshot_b64;type:text;not null"`
	SnapshotUpdateID int64  `gorm:"column:snapshot_update_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CrdtSnapshot) TableName() string {
	return "table_crdt_snapshots"
}
