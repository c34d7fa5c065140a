// Package collab keeps one live replica per table document on the server,
// persists every change that reaches it and announces the change to
// subscribers.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt/amdoc"
	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablecrdt"
)

// HubAuthorID is recorded as the author of updates the hub writes itself.
const HubAuthorID documents.UserID = "tablesync-hub"

const originReplay crdt.Origin = "replay"

var (
	errMissingStore = errors.New("collab: document store is required")
	// ErrInvalidUpdate indicates an update that could not be merged into the table document.
	ErrInvalidUpdate = errors.New("collab: invalid update")
	// ErrSessionClosed indicates that the live replica behind a sync session was evicted.
	ErrSessionClosed = errors.New("collab: sync session closed")
)

// DocumentStore persists change sets. documents.Service implements it.
type DocumentStore interface {
	ApplyCrdtUpdates(ctx context.Context, userID documents.UserID, updates []documents.CrdtUpdateEnvelope) (documents.CrdtSyncResult, error)
	LoadDocument(ctx context.Context, documentID documents.DocumentID) (documents.DocumentState, error)
}

// Change announces newly persisted updates for one table.
type Change struct {
	TableID      documents.DocumentID
	AuthorID     documents.UserID
	LastUpdateID documents.CrdtUpdateID
}

// Publisher receives a Change after every persisted write.
type Publisher interface {
	PublishTableChange(change Change)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Store     DocumentStore
	Publisher Publisher
	Logger    *zap.Logger
	// Origin tags the hub's own writes. A fresh origin is generated when empty.
	Origin crdt.Origin
}

// Hub owns the live table replicas. Each replica is guarded by its own mutex.
type Hub struct {
	store     DocumentStore
	publisher Publisher
	logger    *zap.Logger
	origin    crdt.Origin

	mu   sync.Mutex
	live map[documents.DocumentID]*liveTable
}

type liveTable struct {
	mu     sync.Mutex
	id     documents.DocumentID
	doc    *amdoc.Doc
	shared tablecrdt.SharedTable
}

// NewHub validates the configuration and returns a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := cfg.Origin
	if origin == "" {
		origin = crdt.NewOrigin()
	}
	return &Hub{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    logger,
		origin:    origin,
		live:      make(map[documents.DocumentID]*liveTable),
	}, nil
}

// Table returns the current state of a table.
func (h *Hub) Table(ctx context.Context, tableID documents.DocumentID) (table.Table, error) {
	live, err := h.acquire(ctx, tableID)
	if err != nil {
		return table.Table{}, err
	}
	defer live.mu.Unlock()
	return tablecrdt.ParseFrom(live.shared)
}

// ApplyUpdates merges change sets produced by a client replica, stores them
// together with a fresh snapshot and publishes the change.
func (h *Hub) ApplyUpdates(ctx context.Context, userID documents.UserID, tableID documents.DocumentID, updates [][]byte) (documents.CrdtSyncResult, error) {
	if len(updates) == 0 {
		return documents.CrdtSyncResult{}, nil
	}
	for index, raw := range updates {
		if len(raw) == 0 {
			return documents.CrdtSyncResult{}, fmt.Errorf("%w: update %d is empty", ErrInvalidUpdate, index)
		}
	}
	live, err := h.acquire(ctx, tableID)
	if err != nil {
		return documents.CrdtSyncResult{}, err
	}
	defer live.mu.Unlock()

	origin := clientOrigin(userID)
	for index, raw := range updates {
		if err := live.doc.ApplyIncremental(raw, origin); err != nil {
			h.evictLocked(live)
			return documents.CrdtSyncResult{}, fmt.Errorf("%w: update %d: %v", ErrInvalidUpdate, index, err)
		}
	}
	return h.persist(ctx, live, userID, updates)
}

// RetainRows drops row data for rows that are not in rowIDs. Rows are owned
// by the block tree, so this runs whenever a table block's children change.
func (h *Hub) RetainRows(ctx context.Context, tableID documents.DocumentID, rowIDs []string) (table.Table, error) {
	live, err := h.acquire(ctx, tableID)
	if err != nil {
		return table.Table{}, err
	}
	defer live.mu.Unlock()

	current, err := tablecrdt.ParseFrom(live.shared)
	if err != nil {
		return table.Table{}, err
	}
	pruned := table.RetainRows(rowIDs, current)
	if table.Equal(pruned, current) {
		return current, nil
	}
	if _, err := tablecrdt.SyncTo(live.shared, pruned, h.origin); err != nil {
		h.evictLocked(live)
		return table.Table{}, err
	}
	change := live.doc.SaveIncremental()
	if len(change) == 0 {
		return pruned, nil
	}
	if _, err := h.persist(ctx, live, HubAuthorID, [][]byte{change}); err != nil {
		return table.Table{}, err
	}
	h.logger.Info("table rows pruned",
		zap.String("table_id", tableID.String()),
		zap.Int("rows_before", len(current.RowData)),
		zap.Int("rows_after", len(pruned.RowData)))
	return pruned, nil
}

// Evict drops the live replica so the next access reloads it from storage.
func (h *Hub) Evict(tableID documents.DocumentID) {
	h.mu.Lock()
	live, ok := h.live[tableID]
	h.mu.Unlock()
	if !ok {
		return
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	h.evictLocked(live)
}

// Close destroys every live replica.
func (h *Hub) Close() {
	h.mu.Lock()
	tables := make([]*liveTable, 0, len(h.live))
	for _, live := range h.live {
		tables = append(tables, live)
	}
	h.live = make(map[documents.DocumentID]*liveTable)
	h.mu.Unlock()
	for _, live := range tables {
		live.mu.Lock()
		if live.doc != nil {
			live.doc.Destroy()
		}
		live.mu.Unlock()
	}
}

// persist stores change sets with a snapshot of the live replica. The caller
// holds live.mu.
func (h *Hub) persist(ctx context.Context, live *liveTable, author documents.UserID, changes [][]byte) (documents.CrdtSyncResult, error) {
	snapshot, err := documents.EncodeCrdtSnapshot(live.doc.Save())
	if err != nil {
		return documents.CrdtSyncResult{}, err
	}
	envelopes := make([]documents.CrdtUpdateEnvelope, 0, len(changes))
	for index, raw := range changes {
		payload, err := documents.EncodeCrdtUpdate(raw)
		if err != nil {
			return documents.CrdtSyncResult{}, fmt.Errorf("%w: update %d: %v", ErrInvalidUpdate, index, err)
		}
		cfg := documents.CrdtUpdateEnvelopeConfig{DocumentID: live.id, UpdateB64: payload}
		if index == len(changes)-1 {
			cfg.SnapshotB64 = snapshot
		}
		envelope, err := documents.NewCrdtUpdateEnvelope(cfg)
		if err != nil {
			return documents.CrdtSyncResult{}, err
		}
		envelopes = append(envelopes, envelope)
	}

	result, err := h.store.ApplyCrdtUpdates(ctx, author, envelopes)
	if err != nil {
		h.logger.Error("table update persistence failed",
			zap.String("table_id", live.id.String()),
			zap.String("author_id", author.String()),
			zap.Error(err))
		h.evictLocked(live)
		return documents.CrdtSyncResult{}, err
	}
	h.publish(live.id, author, result)
	return result, nil
}

func (h *Hub) publish(tableID documents.DocumentID, author documents.UserID, result documents.CrdtSyncResult) {
	if h.publisher == nil {
		return
	}
	var last documents.CrdtUpdateID
	fresh := false
	for _, outcome := range result.UpdateOutcomes {
		if outcome.Duplicate() {
			continue
		}
		fresh = true
		if outcome.UpdateID() > last {
			last = outcome.UpdateID()
		}
	}
	if !fresh {
		return
	}
	h.publisher.PublishTableChange(Change{TableID: tableID, AuthorID: author, LastUpdateID: last})
}

// acquire returns the live replica for tableID with its mutex held, loading
// it from storage on first use.
func (h *Hub) acquire(ctx context.Context, tableID documents.DocumentID) (*liveTable, error) {
	for {
		h.mu.Lock()
		live, ok := h.live[tableID]
		if !ok {
			live = &liveTable{id: tableID}
			live.mu.Lock()
			h.live[tableID] = live
			h.mu.Unlock()
			if err := h.load(ctx, live); err != nil {
				h.mu.Lock()
				delete(h.live, tableID)
				h.mu.Unlock()
				live.mu.Unlock()
				return nil, err
			}
			return live, nil
		}
		h.mu.Unlock()

		live.mu.Lock()
		if live.doc != nil && live.doc.Attached() {
			return live, nil
		}
		// Evicted while waiting; retry with a fresh entry.
		live.mu.Unlock()
	}
}

func (h *Hub) load(ctx context.Context, live *liveTable) error {
	state, err := h.store.LoadDocument(ctx, live.id)
	if err != nil {
		return err
	}
	doc := amdoc.New()
	if state.Snapshot != "" {
		raw, err := state.Snapshot.Bytes()
		if err != nil {
			return fmt.Errorf("collab: decode snapshot for %s: %w", live.id, err)
		}
		if doc, err = amdoc.Load(raw); err != nil {
			return fmt.Errorf("collab: load snapshot for %s: %w", live.id, err)
		}
	}
	for _, record := range state.Updates {
		raw, err := record.UpdateB64().Bytes()
		if err != nil {
			return fmt.Errorf("collab: decode update %d for %s: %w", record.UpdateID(), live.id, err)
		}
		if err := doc.ApplyIncremental(raw, originReplay); err != nil {
			return fmt.Errorf("collab: replay update %d for %s: %w", record.UpdateID(), live.id, err)
		}
	}
	// Reset the incremental save point so later changes exclude the replay.
	doc.Save()
	live.doc = doc
	live.shared = tablecrdt.NewSharedTable(doc, tablecrdt.DefaultKey)
	h.logger.Debug("table document loaded",
		zap.String("table_id", live.id.String()),
		zap.Int64("snapshot_update_id", state.SnapshotUpdateID.Int64()),
		zap.Int("replayed_updates", len(state.Updates)))
	return nil
}

// evictLocked destroys the replica and removes it from the cache. The caller
// holds live.mu.
func (h *Hub) evictLocked(live *liveTable) {
	h.mu.Lock()
	if current, ok := h.live[live.id]; ok && current == live {
		delete(h.live, live.id)
	}
	h.mu.Unlock()
	if live.doc != nil {
		live.doc.Destroy()
	}
}

func clientOrigin(userID documents.UserID) crdt.Origin {
	return crdt.Origin("client:" + userID.String())
}
