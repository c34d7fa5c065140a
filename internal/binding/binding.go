// Package binding keeps an in-memory table snapshot and a shared table in step.
// Local edits are written through with the binding's own origin; changes from
// any other origin are re-derived and handed to the caller.
package binding

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
	"github.com/MarcoPoloResearchLab/tablesync/internal/table"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablecrdt"
)

var errMissingTransform = errors.New("binding: transform is required")

// Config customizes a binding.
type Config struct {
	// Origin tags local writes. A fresh origin is generated when empty.
	Origin crdt.Origin
	Logger *zap.Logger
	// OnRemoteChange receives the re-derived table after every foreign change.
	OnRemoteChange func(table.Table)
}

// Binding ties one table snapshot to one shared table. It is not safe for
// concurrent use; callers serialize access together with the document.
type Binding struct {
	shared         tablecrdt.SharedTable
	origin         crdt.Origin
	logger         *zap.Logger
	onRemoteChange func(table.Table)
	snapshot       table.Table
	unobserve      func()
	detached       bool

	remoteDerivations atomic.Int64
	suppressedEchoes  atomic.Int64
}

// Attach parses the current shared state and starts observing it.
func Attach(shared tablecrdt.SharedTable, cfg Config) (*Binding, error) {
	if !shared.Attached() {
		return nil, crdt.ErrDetached
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := cfg.Origin
	if origin == "" {
		origin = crdt.NewOrigin()
	}
	initial, err := tablecrdt.ParseFrom(shared)
	if err != nil {
		return nil, fmt.Errorf("binding: initial parse: %w", err)
	}
	binding := &Binding{
		shared:         shared,
		origin:         origin,
		logger:         logger.With(zap.String("table_key", shared.Key()), zap.String("origin", string(origin))),
		onRemoteChange: cfg.OnRemoteChange,
		snapshot:       initial,
	}
	binding.unobserve = shared.Document().ObserveDeep(shared.Key(), binding.handleEvent)
	return binding, nil
}

// Origin returns the tag used for local writes.
func (b *Binding) Origin() crdt.Origin {
	return b.origin
}

// Snapshot returns the latest table known to the binding.
func (b *Binding) Snapshot() table.Table {
	return b.snapshot
}

// Update applies fn to the current snapshot and writes the result through.
func (b *Binding) Update(fn func(table.Table) (table.Table, error)) error {
	if fn == nil {
		return errMissingTransform
	}
	if b.detached {
		return crdt.ErrDetached
	}
	next, err := fn(b.snapshot)
	if err != nil {
		return err
	}
	return b.Set(next)
}

// Set writes next through and adopts it as the snapshot once the write
// succeeds. A failed write leaves the previous snapshot in place.
func (b *Binding) Set(next table.Table) error {
	if b.detached {
		return crdt.ErrDetached
	}
	written, err := tablecrdt.SyncTo(b.shared, next, b.origin)
	if err != nil {
		b.logger.Warn("binding write failed", zap.Error(err))
		return err
	}
	if !written {
		return crdt.ErrDetached
	}
	b.snapshot = next
	return nil
}

// Detach stops observing the shared table. Calling it again has no effect.
func (b *Binding) Detach() {
	if b.detached {
		return
	}
	b.detached = true
	if b.unobserve != nil {
		b.unobserve()
	}
}

// RemoteDerivations counts snapshots re-derived from foreign changes.
func (b *Binding) RemoteDerivations() int64 {
	return b.remoteDerivations.Load()
}

// SuppressedEchoes counts own-origin events that were ignored.
func (b *Binding) SuppressedEchoes() int64 {
	return b.suppressedEchoes.Load()
}

func (b *Binding) handleEvent(event crdt.Event) {
	if b.detached {
		return
	}
	if event.Origin == b.origin {
		b.suppressedEchoes.Add(1)
		b.logger.Debug("binding echo suppressed")
		return
	}
	derived, err := tablecrdt.ParseFrom(b.shared)
	if err != nil {
		b.logger.Warn("binding derivation failed", zap.String("event_origin", string(event.Origin)), zap.Error(err))
		return
	}
	b.snapshot = derived
	b.remoteDerivations.Add(1)
	if b.onRemoteChange != nil {
		b.onRemoteChange(derived)
	}
}
