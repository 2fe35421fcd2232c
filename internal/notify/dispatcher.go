package notify

import (
	"context"
	"sync"
	"time"
)

// Lifecycle event names emitted by the sharing service.
const (
	EventWorkspaceCreated  = "workspaceCreated"
	EventWorkspaceDeleted  = "workspaceDeleted"
	EventContextShared     = "contextShared"
	EventContextAccessed   = "contextAccessed"
	EventContextUpdated    = "contextUpdated"
	EventContextRevoked    = "contextRevoked"
	EventContextsPruned    = "contextsPruned"
	EventMemberAdded       = "memberAdded"
	EventMemberRemoved     = "memberRemoved"
	EventMemberRoleUpdated = "memberRoleUpdated"
	EventPermissionGranted = "permissionGranted"
	EventConflictResolved  = "conflictResolved"

	wildcard          = "*"
	defaultBufferSize = 16
)

// Event is a named lifecycle notification.
type Event struct {
	Name        string
	WorkspaceID string
	ShareID     string
	UserID      string
	Timestamp   time.Time
	Payload     map[string]any
}

// Dispatcher fans events out to in-process subscribers keyed by event name.
// Slow subscribers lose events instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a Dispatcher with the given per-subscriber buffer.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe delivers events named eventName until ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, eventName string) (<-chan Event, func()) {
	if eventName == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(eventName, entry)

	var once sync.Once
	stop := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			d.unregister(eventName, entry.id)
			close(stop)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-stop:
		}
	}()
	return entry.stream, cleanup
}

// SubscribeAll delivers every event.
func (d *Dispatcher) SubscribeAll(ctx context.Context) (<-chan Event, func()) {
	return d.Subscribe(ctx, wildcard)
}

// Publish delivers event to its named subscribers and to wildcard subscribers.
func (d *Dispatcher) Publish(event Event) {
	if event.Name == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers[event.Name])+len(d.subscribers[wildcard]))
	for _, entry := range d.subscribers[event.Name] {
		targets = append(targets, entry)
	}
	for _, entry := range d.subscribers[wildcard] {
		targets = append(targets, entry)
	}
	d.mu.RUnlock()

	for _, entry := range targets {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(eventName string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[eventName]; !ok {
		d.subscribers[eventName] = make(map[int64]*subscriber)
	}
	d.subscribers[eventName][entry.id] = entry
}

func (d *Dispatcher) unregister(eventName string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[eventName]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, eventName)
		}
	}
	d.mu.Unlock()
}
