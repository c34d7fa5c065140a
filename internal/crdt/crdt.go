// Package crdt defines the narrow shared-document capability the table
// projection is written against: keyed maps, ordered sequences, atomic
// origin-tagged transactions and deep observation of named roots.
package crdt

import (
	"crypto/rand"
	"errors"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrDetached indicates that the document was destroyed and can no longer be read or written.
var ErrDetached = errors.New("crdt: document detached")

// Origin tags a transaction so observers can tell who wrote it.
type Origin string

// NewOrigin returns a unique origin token. Tokens sort by creation time.
func NewOrigin() Origin {
	return Origin(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// Event describes one committed transaction.
type Event struct {
	Origin Origin
	// Keys lists the root keys touched by the transaction. Nil means the scope
	// is unknown, as with merged remote changes, and reaches every observer.
	Keys []string
}

// Touches reports whether the event concerns the root key.
func (e Event) Touches(key string) bool {
	if e.Keys == nil {
		return true
	}
	return slices.Contains(e.Keys, key)
}

// Document is a replicated document. Implementations are not safe for
// concurrent use.
type Document interface {
	Root() Map
	// Transact runs fn as one mutation tagged with origin: its changes commit
	// together and observers see a single event. Nothing is rolled back when fn
	// fails; changes made before the error are committed and notified, and the
	// error is returned. Nested calls join the outer transaction. Mutations made
	// outside Transact commit individually with an empty origin.
	Transact(origin Origin, fn func() error) error
	// ObserveDeep registers fn for every committed change below the root key.
	ObserveDeep(key string, fn func(Event)) (unobserve func())
	Attached() bool
	Destroy()
}

// Map is a last-writer-wins keyed container.
type Map interface {
	Len() int
	Keys() ([]string, error)
	// String returns the value under key when it holds a string.
	String(key string) (string, bool, error)
	Map(key string) (Map, bool, error)
	Sequence(key string) (Sequence, bool, error)
	SetString(key, value string) error
	// SetMap stores a new empty map under key and returns it.
	SetMap(key string) (Map, error)
	SetSequence(key string) (Sequence, error)
	Delete(key string) error
}

// Sequence is an ordered container.
type Sequence interface {
	Len() int
	Map(index int) (Map, bool, error)
	Sequence(index int) (Sequence, bool, error)
	AppendMap() (Map, error)
	AppendSequence() (Sequence, error)
	Delete(index int) error
}
