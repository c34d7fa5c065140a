// Package memdoc is an in-process shared document with last-writer-wins keys.
// It has no replication of its own; it backs single-process embedders and
// tests of code written against the crdt capability.
package memdoc

import (
	"slices"
	"sort"

	"github.com/MarcoPoloResearchLab/tablesync/internal/crdt"
)

type observer struct {
	key string
	fn  func(crdt.Event)
}

type transaction struct {
	origin crdt.Origin
	keys   []string
}

func (txn *transaction) touch(key string) {
	if !slices.Contains(txn.keys, key) {
		txn.keys = append(txn.keys, key)
	}
}

// Doc is an in-memory crdt.Document.
type Doc struct {
	root      *mapNode
	txn       *transaction
	observers map[int64]observer
	nextID    int64
	destroyed bool
}

// New returns an empty attached document.
func New() *Doc {
	doc := &Doc{observers: make(map[int64]observer)}
	doc.root = &mapNode{doc: doc, isRoot: true, entries: map[string]any{}}
	return doc
}

func (d *Doc) Root() crdt.Map {
	return d.root
}

func (d *Doc) Attached() bool {
	return !d.destroyed
}

// Destroy detaches the document and drops every observer.
func (d *Doc) Destroy() {
	d.destroyed = true
	d.observers = make(map[int64]observer)
}

func (d *Doc) Transact(origin crdt.Origin, fn func() error) error {
	if d.destroyed {
		return crdt.ErrDetached
	}
	if d.txn != nil {
		return fn()
	}
	txn := &transaction{origin: origin}
	d.txn = txn
	err := fn()
	d.txn = nil
	if len(txn.keys) > 0 {
		d.dispatch(crdt.Event{Origin: txn.origin, Keys: txn.keys})
	}
	return err
}

func (d *Doc) ObserveDeep(key string, fn func(crdt.Event)) func() {
	d.nextID++
	id := d.nextID
	d.observers[id] = observer{key: key, fn: fn}
	return func() {
		delete(d.observers, id)
	}
}

func (d *Doc) dispatch(event crdt.Event) {
	ids := make([]int64, 0, len(d.observers))
	for id, registered := range d.observers {
		if event.Touches(registered.key) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		registered, ok := d.observers[id]
		if !ok {
			continue
		}
		registered.fn(event)
	}
}

func (d *Doc) mutate(key string, apply func()) error {
	if d.destroyed {
		return crdt.ErrDetached
	}
	return d.Transact("", func() error {
		apply()
		d.txn.touch(key)
		return nil
	})
}

type mapNode struct {
	doc     *Doc
	isRoot  bool
	scope   string
	entries map[string]any
}

func (m *mapNode) scopeFor(key string) string {
	if m.isRoot {
		return key
	}
	return m.scope
}

func (m *mapNode) Len() int {
	return len(m.entries)
}

func (m *mapNode) Keys() ([]string, error) {
	if m.doc.destroyed {
		return nil, crdt.ErrDetached
	}
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mapNode) String(key string) (string, bool, error) {
	if m.doc.destroyed {
		return "", false, crdt.ErrDetached
	}
	value, ok := m.entries[key].(string)
	return value, ok, nil
}

func (m *mapNode) Map(key string) (crdt.Map, bool, error) {
	if m.doc.destroyed {
		return nil, false, crdt.ErrDetached
	}
	child, ok := m.entries[key].(*mapNode)
	if !ok {
		return nil, false, nil
	}
	return child, true, nil
}

func (m *mapNode) Sequence(key string) (crdt.Sequence, bool, error) {
	if m.doc.destroyed {
		return nil, false, crdt.ErrDetached
	}
	child, ok := m.entries[key].(*sequenceNode)
	if !ok {
		return nil, false, nil
	}
	return child, true, nil
}

func (m *mapNode) SetString(key, value string) error {
	return m.doc.mutate(m.scopeFor(key), func() {
		m.entries[key] = value
	})
}

func (m *mapNode) SetMap(key string) (crdt.Map, error) {
	child := &mapNode{doc: m.doc, scope: m.scopeFor(key), entries: map[string]any{}}
	if err := m.doc.mutate(child.scope, func() {
		m.entries[key] = child
	}); err != nil {
		return nil, err
	}
	return child, nil
}

func (m *mapNode) SetSequence(key string) (crdt.Sequence, error) {
	child := &sequenceNode{doc: m.doc, scope: m.scopeFor(key)}
	if err := m.doc.mutate(child.scope, func() {
		m.entries[key] = child
	}); err != nil {
		return nil, err
	}
	return child, nil
}

func (m *mapNode) Delete(key string) error {
	if m.doc.destroyed {
		return crdt.ErrDetached
	}
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	return m.doc.mutate(m.scopeFor(key), func() {
		delete(m.entries, key)
	})
}

type sequenceNode struct {
	doc   *Doc
	scope string
	items []any
}

func (s *sequenceNode) Len() int {
	return len(s.items)
}

func (s *sequenceNode) Map(index int) (crdt.Map, bool, error) {
	if s.doc.destroyed {
		return nil, false, crdt.ErrDetached
	}
	if index < 0 || index >= len(s.items) {
		return nil, false, nil
	}
	child, ok := s.items[index].(*mapNode)
	if !ok {
		return nil, false, nil
	}
	return child, true, nil
}

func (s *sequenceNode) Sequence(index int) (crdt.Sequence, bool, error) {
	if s.doc.destroyed {
		return nil, false, crdt.ErrDetached
	}
	if index < 0 || index >= len(s.items) {
		return nil, false, nil
	}
	child, ok := s.items[index].(*sequenceNode)
	if !ok {
		return nil, false, nil
	}
	return child, true, nil
}

func (s *sequenceNode) AppendMap() (crdt.Map, error) {
	child := &mapNode{doc: s.doc, scope: s.scope, entries: map[string]any{}}
	if err := s.doc.mutate(s.scope, func() {
		s.items = append(s.items, child)
	}); err != nil {
		return nil, err
	}
	return child, nil
}

func (s *sequenceNode) AppendSequence() (crdt.Sequence, error) {
	child := &sequenceNode{doc: s.doc, scope: s.scope}
	if err := s.doc.mutate(s.scope, func() {
		s.items = append(s.items, child)
	}); err != nil {
		return nil, err
	}
	return child, nil
}

func (s *sequenceNode) Delete(index int) error {
	if s.doc.destroyed {
		return crdt.ErrDetached
	}
	if index < 0 || index >= len(s.items) {
		return nil
	}
	return s.doc.mutate(s.scope, func() {
		s.items = slices.Delete(s.items, index, index+1)
	})
}
