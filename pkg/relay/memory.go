package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/blobdvm/blobdvm/pkg/nostr"
	"github.com/google/uuid"
)

type subscription struct {
	filter Filter
	ch     chan Notification
}

// Broker is the shared in-memory relay state multiple Client
// handles (e.g. one per server, one per client) can attach to, so that a
// Publish from one handle reaches subscribers on another — mirroring a
// real relay's fan-out.
type Broker struct {
	mu          sync.RWMutex
	past        []*nostr.Event
	subscribers map[string]*subscription
}

// NewBroker creates a new shared in-memory relay broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]*subscription)}
}

// BrokerClient is a Client backed by a shared Broker.
type BrokerClient struct {
	broker *Broker
	mu     sync.Mutex
	relays map[string]bool
}

// NewClient creates a Client handle attached to broker.
func NewClient(broker *Broker) *BrokerClient {
	return &BrokerClient{broker: broker, relays: make(map[string]bool)}
}

func (c *BrokerClient) Connect(ctx context.Context, urls []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range urls {
		c.relays[u] = true
	}
	return nil
}

func (c *BrokerClient) AddRelay(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays[url] = true
	return nil
}

func (c *BrokerClient) Publish(ctx context.Context, event *nostr.Event) error {
	return c.broker.publish(event)
}

func (c *BrokerClient) Subscribe(ctx context.Context, filter Filter) (string, <-chan Notification, error) {
	return c.broker.subscribe(filter)
}

func (c *BrokerClient) Unsubscribe(subID string) error {
	return c.broker.unsubscribe(subID)
}

func (c *BrokerClient) Query(ctx context.Context, filter Filter) ([]*nostr.Event, error) {
	return c.broker.query(filter), nil
}

func (b *Broker) publish(event *nostr.Event) error {
	b.mu.Lock()
	b.past = append(b.past, event)
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Matches(event) {
			continue
		}
		notif := Notification{RelayURL: "memory", SubscriptionID: "", Event: event}
		select {
		case s.ch <- notif:
		default:
			// Slow subscriber; drop rather than block the publisher.
			// Relay publish is fire-and-forget, not a reliable queue.
		}
	}
	return nil
}

func (b *Broker) subscribe(filter Filter) (string, <-chan Notification, error) {
	id := uuid.NewString()
	ch := make(chan Notification, 64)

	b.mu.Lock()
	b.subscribers[id] = &subscription{filter: filter, ch: ch}
	b.mu.Unlock()

	return id, ch, nil
}

func (b *Broker) unsubscribe(subID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[subID]
	if !ok {
		return fmt.Errorf("unknown subscription %s", subID)
	}
	delete(b.subscribers, subID)
	close(sub.ch)
	return nil
}

func (b *Broker) query(filter Filter) []*nostr.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var results []*nostr.Event
	for _, e := range b.past {
		if filter.Matches(e) {
			results = append(results, e)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				break
			}
		}
	}
	return results
}
