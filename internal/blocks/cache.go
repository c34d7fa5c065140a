package blocks

import (
	"sort"
	"sync"
)

// Cache holds the latest validated block tree per document and notifies
// observers when a tree is replaced or invalidated.
type Cache struct {
	mu        sync.RWMutex
	trees     map[string]Block
	observers map[string]map[int64]func(Block, bool)
	nextID    int64
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{
		trees:     make(map[string]Block),
		observers: make(map[string]map[int64]func(Block, bool)),
	}
}

// Put validates and stores tree for the document, then notifies observers.
func (c *Cache) Put(documentID string, tree Block) error {
	if err := Validate(tree); err != nil {
		return err
	}
	c.mu.Lock()
	c.trees[documentID] = tree
	callbacks := c.callbacksLocked(documentID)
	c.mu.Unlock()
	for _, callback := range callbacks {
		callback(tree, true)
	}
	return nil
}

// Get returns the cached tree for the document.
func (c *Cache) Get(documentID string) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tree, ok := c.trees[documentID]
	return tree, ok
}

// Invalidate drops the cached tree and notifies observers with ok set to false.
func (c *Cache) Invalidate(documentID string) {
	c.mu.Lock()
	_, existed := c.trees[documentID]
	delete(c.trees, documentID)
	callbacks := c.callbacksLocked(documentID)
	c.mu.Unlock()
	if !existed {
		return
	}
	for _, callback := range callbacks {
		callback(Block{}, false)
	}
}

// Observe registers fn for tree changes of one document.
func (c *Cache) Observe(documentID string, fn func(tree Block, ok bool)) (unobserve func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if _, ok := c.observers[documentID]; !ok {
		c.observers[documentID] = make(map[int64]func(Block, bool))
	}
	c.observers[documentID][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			observers := c.observers[documentID]
			delete(observers, id)
			if len(observers) == 0 {
				delete(c.observers, documentID)
			}
		})
	}
}

func (c *Cache) callbacksLocked(documentID string) []func(Block, bool) {
	observers := c.observers[documentID]
	ids := make([]int64, 0, len(observers))
	for id := range observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(Block, bool), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, observers[id])
	}
	return callbacks
}
