package publisher

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/branchline/branchline/pkg/metrics"
)

// EventType represents the type of fleet event
type EventType string

const (
	EventPairingChallenge   EventType = "pairing.challenge"
	EventBranchConnected    EventType = "branch.connected"
	EventBranchDisconnected EventType = "branch.disconnected"
	EventBranchReconnecting EventType = "branch.reconnecting"
	EventBranchHealth       EventType = "branch.health"
	EventBranchFailed       EventType = "branch.failed"
	EventBranchFailover     EventType = "branch.failover"
	EventCredentialsSaved   EventType = "credentials.saved"
	EventPersistenceError   EventType = "persistence.error"
)

// Event is one dashboard-facing fleet event.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	BranchID  string            `json:"branch_id"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// subscriberBuffer bounds each subscriber's queue. When it fills, the
// oldest buffered event is dropped so the producer never blocks.
const subscriberBuffer = 50

// Broker fans fleet events out to dashboard subscribers and keeps the
// latest event per (branch, type) so pull-mode clients that just connected
// can catch up without replaying history.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once

	latestMu sync.RWMutex
	latest   map[string]*Event
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		latest:      make(map[string]*Event),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Fire-and-forget: with
// zero subscribers this is a no-op beyond the snapshot update.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.latestMu.Lock()
	b.latest[event.BranchID+"/"+string(event.Type)] = event
	b.latestMu.Unlock()

	metrics.PublishedEventsTotal.WithLabelValues(string(event.Type)).Inc()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Snapshot returns the latest event per (branch, type), oldest first.
func (b *Broker) Snapshot() []*Event {
	b.latestMu.RLock()
	events := make([]*Event, 0, len(b.latest))
	for _, ev := range b.latest {
		events = append(events, ev)
	}
	b.latestMu.RUnlock()

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
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
		for {
			select {
			case sub <- event:
			default:
				// Buffer full: evict the oldest buffered event and retry,
				// never block the producer on a slow dashboard.
				select {
				case <-sub:
					metrics.DroppedEventsTotal.Inc()
				default:
				}
				continue
			}
			break
		}
	}
}
