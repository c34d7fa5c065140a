// Package amdoc implements the crdt capability on top of an automerge document,
// adding origin-tagged transactions and deep observation.
package amdoc

import (
	"fmt"
	"slices"
	"sort"

	"github.com/automerge/automerge-go"

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

// Doc is an automerge-backed crdt.Document. Like automerge documents it is
// not safe for concurrent use.
type Doc struct {
	am        *automerge.Doc
	txn       *transaction
	observers map[int64]observer
	nextID    int64
	destroyed bool
}

// New returns an empty document.
func New() *Doc {
	return wrap(automerge.New())
}

// Load restores a document saved with Save.
func Load(raw []byte) (*Doc, error) {
	am, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("amdoc: load: %w", err)
	}
	return wrap(am), nil
}

func wrap(am *automerge.Doc) *Doc {
	return &Doc{am: am, observers: make(map[int64]observer)}
}

// Save returns the full compacted document.
func (d *Doc) Save() []byte {
	return d.am.Save()
}

// SaveIncremental returns the changes made since the previous Save or SaveIncremental.
func (d *Doc) SaveIncremental() []byte {
	return d.am.SaveIncremental()
}

// Heads returns the hashes of the latest changes.
func (d *Doc) Heads() []automerge.ChangeHash {
	return d.am.Heads()
}

// ApplyIncremental merges changes produced by another replica's
// SaveIncremental and notifies observers with origin when anything changed.
func (d *Doc) ApplyIncremental(raw []byte, origin crdt.Origin) error {
	if d.destroyed {
		return crdt.ErrDetached
	}
	before := d.am.Heads()
	if err := d.am.LoadIncremental(raw); err != nil {
		return fmt.Errorf("amdoc: load incremental: %w", err)
	}
	d.notifyIfChanged(before, origin)
	return nil
}

// Merge pulls every change of other into d.
func (d *Doc) Merge(other *Doc, origin crdt.Origin) error {
	if d.destroyed {
		return crdt.ErrDetached
	}
	before := d.am.Heads()
	if _, err := d.am.Merge(other.am); err != nil {
		return fmt.Errorf("amdoc: merge: %w", err)
	}
	d.notifyIfChanged(before, origin)
	return nil
}

func (d *Doc) notifyIfChanged(before []automerge.ChangeHash, origin crdt.Origin) {
	if slices.Equal(before, d.am.Heads()) {
		return
	}
	d.dispatch(crdt.Event{Origin: origin})
}

func (d *Doc) Root() crdt.Map {
	return &mapNode{doc: d, am: d.am.RootMap(), isRoot: true}
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
	if len(txn.keys) == 0 {
		return err
	}
	if _, commitErr := d.am.Commit("origin:" + string(origin)); commitErr != nil && err == nil {
		err = fmt.Errorf("amdoc: commit: %w", commitErr)
	}
	d.dispatch(crdt.Event{Origin: origin, Keys: txn.keys})
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
		if registered, ok := d.observers[id]; ok {
			registered.fn(event)
		}
	}
}

func (d *Doc) mutate(key string, apply func() error) error {
	if d.destroyed {
		return crdt.ErrDetached
	}
	return d.Transact("", func() error {
		if err := apply(); err != nil {
			return err
		}
		d.txn.touch(key)
		return nil
	})
}

type mapNode struct {
	doc    *Doc
	am     *automerge.Map
	isRoot bool
	scope  string
}

func (m *mapNode) scopeFor(key string) string {
	if m.isRoot {
		return key
	}
	return m.scope
}

func (m *mapNode) get(key string) (*automerge.Value, error) {
	if m.doc.destroyed {
		return nil, crdt.ErrDetached
	}
	value, err := m.am.Get(key)
	if err != nil {
		return nil, fmt.Errorf("amdoc: get %q: %w", key, err)
	}
	return value, nil
}

func (m *mapNode) Len() int {
	return m.am.Len()
}

func (m *mapNode) Keys() ([]string, error) {
	if m.doc.destroyed {
		return nil, crdt.ErrDetached
	}
	keys, err := m.am.Keys()
	if err != nil {
		return nil, fmt.Errorf("amdoc: keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mapNode) String(key string) (string, bool, error) {
	value, err := m.get(key)
	if err != nil {
		return "", false, err
	}
	if value.Kind() != automerge.KindStr {
		return "", false, nil
	}
	return value.Str(), true, nil
}

func (m *mapNode) Map(key string) (crdt.Map, bool, error) {
	value, err := m.get(key)
	if err != nil {
		return nil, false, err
	}
	if value.Kind() != automerge.KindMap {
		return nil, false, nil
	}
	return &mapNode{doc: m.doc, am: value.Map(), scope: m.scopeFor(key)}, true, nil
}

func (m *mapNode) Sequence(key string) (crdt.Sequence, bool, error) {
	value, err := m.get(key)
	if err != nil {
		return nil, false, err
	}
	if value.Kind() != automerge.KindList {
		return nil, false, nil
	}
	return &sequenceNode{doc: m.doc, am: value.List(), scope: m.scopeFor(key)}, true, nil
}

func (m *mapNode) SetString(key, value string) error {
	return m.doc.mutate(m.scopeFor(key), func() error {
		return m.am.Set(key, value)
	})
}

func (m *mapNode) SetMap(key string) (crdt.Map, error) {
	if err := m.doc.mutate(m.scopeFor(key), func() error {
		return m.am.Set(key, automerge.NewMap())
	}); err != nil {
		return nil, err
	}
	child, ok, err := m.Map(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("amdoc: map %q missing after set", key)
	}
	return child, nil
}

func (m *mapNode) SetSequence(key string) (crdt.Sequence, error) {
	if err := m.doc.mutate(m.scopeFor(key), func() error {
		return m.am.Set(key, automerge.NewList())
	}); err != nil {
		return nil, err
	}
	child, ok, err := m.Sequence(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("amdoc: list %q missing after set", key)
	}
	return child, nil
}

func (m *mapNode) Delete(key string) error {
	value, err := m.get(key)
	if err != nil {
		return err
	}
	if value.Kind() == automerge.KindVoid {
		return nil
	}
	return m.doc.mutate(m.scopeFor(key), func() error {
		return m.am.Delete(key)
	})
}

type sequenceNode struct {
	doc   *Doc
	am    *automerge.List
	scope string
}

func (s *sequenceNode) get(index int) (*automerge.Value, error) {
	if s.doc.destroyed {
		return nil, crdt.ErrDetached
	}
	if index < 0 || index >= s.am.Len() {
		return nil, nil
	}
	value, err := s.am.Get(index)
	if err != nil {
		return nil, fmt.Errorf("amdoc: get index %d: %w", index, err)
	}
	return value, nil
}

func (s *sequenceNode) Len() int {
	return s.am.Len()
}

func (s *sequenceNode) Map(index int) (crdt.Map, bool, error) {
	value, err := s.get(index)
	if err != nil || value == nil {
		return nil, false, err
	}
	if value.Kind() != automerge.KindMap {
		return nil, false, nil
	}
	return &mapNode{doc: s.doc, am: value.Map(), scope: s.scope}, true, nil
}

func (s *sequenceNode) Sequence(index int) (crdt.Sequence, bool, error) {
	value, err := s.get(index)
	if err != nil || value == nil {
		return nil, false, err
	}
	if value.Kind() != automerge.KindList {
		return nil, false, nil
	}
	return &sequenceNode{doc: s.doc, am: value.List(), scope: s.scope}, true, nil
}

func (s *sequenceNode) AppendMap() (crdt.Map, error) {
	if err := s.doc.mutate(s.scope, func() error {
		return s.am.Append(automerge.NewMap())
	}); err != nil {
		return nil, err
	}
	child, ok, err := s.Map(s.am.Len() - 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("amdoc: appended map missing")
	}
	return child, nil
}

func (s *sequenceNode) AppendSequence() (crdt.Sequence, error) {
	if err := s.doc.mutate(s.scope, func() error {
		return s.am.Append(automerge.NewList())
	}); err != nil {
		return nil, err
	}
	child, ok, err := s.Sequence(s.am.Len() - 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("amdoc: appended list missing")
	}
	return child, nil
}

func (s *sequenceNode) Delete(index int) error {
	if s.doc.destroyed {
		return crdt.ErrDetached
	}
	if index < 0 || index >= s.am.Len() {
		return nil
	}
	return s.doc.mutate(s.scope, func() error {
		return s.am.Delete(index)
	})
}
