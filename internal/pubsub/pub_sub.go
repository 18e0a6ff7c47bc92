package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// EventType identifies what a subscriber listens for. Each publisher declares its own constants on top of it.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait until the subscriber's channel has room. Delivery is guaranteed but one slow
	// subscriber stalls every other one, so most subscribers should leave it false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription and is needed to unsubscribe.
type SubscriberID uint64

// Event is a typed event. Event[A] and Event[B] are distinct types, so a subscriber only ever sees payloads of the
// type it asked for.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber stores a typed channel behind closures with a uniform signature, which lets channels of different
// Event[T] types share one registry.
type subscriber struct {
	deliver func(eventType EventType, payload any) bool
	close   func()
	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// PubSubClient is an in-process event broker. Publishing only enqueues, a single goroutine fans events out to
// subscribers.
type PubSubClient struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	queue    chan envelope
	nextID   atomic.Uint64
	closed   atomic.Bool
	logger   hclog.Logger
}

// Subscribe registers ch for eventType. The caller owns the buffer size of ch. The channel is closed on Unsubscribe.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(p.nextID.Add(1))
	sub := &subscriber{
		opts: opts,
		deliver: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warn("payload type mismatch", "event", evType, "want", *new(T), "got", payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
}

// Publish enqueues an event. Events published after shutdown are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps a concurrent shutdown from closing the queue between the check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		p.logger.Debug("dropping event published after shutdown", "event", event.Type)
		return
	}
	p.queue <- envelope{eventType: event.Type, payload: event.Payload}
}

// GracefulShutdown stops accepting events, drains the queue and waits for the broker goroutine to exit.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Dropped returns how many events were dropped for a non-blocking subscriber whose channel was full.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.queue {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.deliver(msg.eventType, msg.payload) && !sub.opts.IsBlocking {
				dropped := sub.dropped.Add(1)
				p.logger.Debug("subscriber channel full, event dropped", "event", msg.eventType, "subscriber", id,
					"dropped", dropped)
			}
		}
		p.mu.RUnlock()
	}
}

// NewPubSub starts a broker. A nil logger disables logging.
func NewPubSub(logger hclog.Logger) *PubSubClient {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &PubSubClient{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan envelope, 100),
		logger:   logger.Named("pubsub"),
	}

	p.wg.Add(1)
	go p.run()

	return p
}
