package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/foundry/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventGroupCreated     EventType = "group.created"
	EventGroupDispatching EventType = "group.dispatching"
	EventGroupComplete    EventType = "group.complete"
	EventGroupFailed      EventType = "group.failed"
	EventGroupCanceled    EventType = "group.canceled"
	EventJobDispatched    EventType = "job.dispatched"
	EventJobComplete      EventType = "job.complete"
	EventJobFailed        EventType = "job.failed"
	EventJobRequeued      EventType = "job.requeued"
	EventJobCanceled      EventType = "job.canceled"
	EventWorkerRegistered EventType = "worker.registered"
	EventWorkerExpired    EventType = "worker.expired"
	EventLogArchived      EventType = "log.archived"
	EventPackagePromoted  EventType = "package.promoted"
	EventPackageDemoted   EventType = "package.demoted"
)

// Event represents a build lifecycle event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// ForGroup builds an event carrying group context.
func ForGroup(t EventType, group *types.Group, msg string) *Event {
	return &Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"group_id": strconv.FormatInt(group.ID, 10),
			"project":  group.ProjectName,
			"target":   string(group.Target),
		},
	}
}

// ForJob builds an event carrying job context.
func ForJob(t EventType, job *types.Job, msg string) *Event {
	return &Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"job_id":   strconv.FormatInt(job.ID, 10),
			"group_id": strconv.FormatInt(job.GroupID, 10),
			"ident":    job.Ident,
			"target":   string(job.Target),
			"worker":   job.WorkerIdent,
		},
	}
}

// ForWorker builds an event carrying worker context.
func ForWorker(t EventType, ident string, target types.Target, msg string) *Event {
	return &Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"worker": ident,
			"target": string(target),
		},
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
