package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tablesync/internal/collab"
)

const (
	RealtimeEventTableChanged = "table-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "tablesync-backend"
	defaultRealtimeBuffer     = 16
)

// RealtimeMessage is delivered to every subscriber of a table.
type RealtimeMessage struct {
	TableID      string
	EventType    string
	AuthorID     string
	LastUpdateID int64
	Timestamp    time.Time
}

// RealtimeDispatcher fans table changes out to subscribers of that table.
// Slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher returns a dispatcher whose subscriber channels hold
// bufferSize messages. Non-positive sizes fall back to the default.
func NewRealtimeDispatcher(bufferSize int) *RealtimeDispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultRealtimeBuffer
	}
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  bufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers interest in tableID until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tableID string) (<-chan RealtimeMessage, func()) {
	if tableID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(tableID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(tableID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the subscribers of message.TableID.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TableID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TableID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishTableChange implements collab.Publisher.
func (d *RealtimeDispatcher) PublishTableChange(change collab.Change) {
	d.Publish(RealtimeMessage{
		TableID:      change.TableID.String(),
		EventType:    RealtimeEventTableChanged,
		AuthorID:     change.AuthorID.String(),
		LastUpdateID: change.LastUpdateID.Int64(),
		Timestamp:    d.clock().UTC(),
	})
}

// SubscriberCount reports how many subscribers listen on tableID.
func (d *RealtimeDispatcher) SubscriberCount(tableID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tableID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(tableID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tableID]; !ok {
		d.subscribers[tableID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[tableID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(tableID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tableID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tableID)
		}
	}
	d.mu.Unlock()
}
