package amdoc

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
)

// SyncPeer tracks the automerge sync protocol state for one remote replica.
type SyncPeer struct {
	doc    *Doc
	state  *automerge.SyncState
	origin crdt.Origin
}

// NewSyncPeer starts a sync session. Changes received through it are
// announced to observers with origin.
func (d *Doc) NewSyncPeer(origin crdt.Origin) *SyncPeer {
	return &SyncPeer{doc: d, state: automerge.NewSyncState(d.am), origin: origin}
}

// Generate returns the next message for the remote replica, if any.
func (p *SyncPeer) Generate() ([]byte, bool) {
	message, valid := p.state.GenerateMessage()
	if !valid || message == nil {
		return nil, false
	}
	return message.Bytes(), true
}

// Receive applies a message from the remote replica.
func (p *SyncPeer) Receive(raw []byte) error {
	if p.doc.destroyed {
		return crdt.ErrDetached
	}
	before := p.doc.am.Heads()
	if _, err := p.state.ReceiveMessage(raw); err != nil {
		return fmt.Errorf("amdoc: receive sync message: %w", err)
	}
	p.doc.notifyIfChanged(before, p.origin)
	return nil
}
