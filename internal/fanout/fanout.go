// Package fanout normalizes persistence-layer mutations into change events
// and republishes them to subscribed peers.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/yourorg/fedcoord/internal/observability/metrics"
)

// EntityType keys a change notification to the kind of record it describes.
type EntityType string

const (
	EntityConsortium     EntityType = "consortium"
	EntityPipeline       EntityType = "pipeline"
	EntityComputation    EntityType = "computation"
	EntityUser           EntityType = "user"
	EntityRun            EntityType = "run"
	EntityHeadlessClient EntityType = "headlessClient"
	EntityPresence       EntityType = "presence"
)

// Event is one normalized change notification. Deletions carry the
// last-known payload plus the explicit Deleted flag; receivers must never
// infer deletion from missing fields.
type Event struct {
	Type     EntityType  `json:"type"`
	EntityID string      `json:"entityId"`
	Payload  interface{} `json:"payload"`
	Deleted  bool        `json:"deleted"`
}

type subscriber struct {
	ch    chan Event
	types map[EntityType]struct{}
}

func (s *subscriber) wants(t EntityType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Subscription is one peer's view of the event stream. Events arrive on C in
// publish order. Close must be called when the peer disconnects.
type Subscription struct {
	C      <-chan Event
	cancel func()
	once   sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Dispatcher owns the set of subscribers and the channels events travel on.
// Controllers are handed the dispatcher explicitly; there is no ambient
// global emitter. Delivery is fire-and-forget: a subscriber that cannot keep
// up loses events rather than stalling the publisher.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	bufSize int
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. bufSize is the per-subscriber channel
// depth; zero picks a default.
func NewDispatcher(bufSize int, logger *slog.Logger) *Dispatcher {
	if bufSize <= 0 {
		bufSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:    map[*subscriber]struct{}{},
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a peer for the given entity types; no types means all.
func (d *Dispatcher) Subscribe(types ...EntityType) *Subscription {
	sub := &subscriber{
		ch:    make(chan Event, d.bufSize),
		types: map[EntityType]struct{}{},
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	d.mu.Lock()
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			d.mu.Lock()
			if _, ok := d.subs[sub]; ok {
				delete(d.subs, sub)
				close(sub.ch)
			}
			d.mu.Unlock()
		},
	}
}

// Publish sends an updated-entity notification to every interested
// subscriber.
func (d *Dispatcher) Publish(t EntityType, entityID string, payload interface{}) {
	d.deliver(Event{Type: t, EntityID: entityID, Payload: payload})
}

// PublishDeleted sends a deletion notification carrying the last-known
// entity.
func (d *Dispatcher) PublishDeleted(t EntityType, entityID string, lastKnown interface{}) {
	d.deliver(Event{Type: t, EntityID: entityID, Payload: lastKnown, Deleted: true})
}

// Entity pairs an id with its payload for bulk publication.
type Entity struct {
	ID      string
	Payload interface{}
}

// PublishEach fans an array-valued mutation out as one notification per
// affected entity, so subscriber merge logic stays uniform for single and
// bulk mutations.
func (d *Dispatcher) PublishEach(t EntityType, entities []Entity) {
	for _, e := range entities {
		d.Publish(t, e.ID, e.Payload)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	metrics.ObserveFanout(string(ev.Type), ev.Deleted)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for sub := range d.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.ObserveFanoutDrop(string(ev.Type))
			d.logger.Warn("dropping change event for slow subscriber",
				slog.String("entity_type", string(ev.Type)),
				slog.String("entity_id", ev.EntityID),
			)
		}
	}
}

// SubscriberCount reports the number of attached subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
