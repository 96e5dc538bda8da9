// Package relay defines the small relay-client dependency surface the
// BlobDVM core consumes: connect, publish a signed event, subscribe
// with a filter, query past events, and receive notifications. The real
// relay implementation, connection handling, and signing are external
// collaborators; this package only describes the seam and ships an
// in-memory reference implementation for tests and local wiring.
package relay

import (
	"context"

	"github.com/blobdvm/blobdvm/pkg/nostr"
)

// Filter mirrors the subset of Nostr filter fields the core needs:
// kinds, a lower bound on created_at, a result-count limit, and tag
// constraints such as #e, #file_hash, #k.
type Filter struct {
	Kinds []int
	Since int64
	Limit int
	Tags  map[string][]string // tag name (without '#') -> accepted values
}

// Matches reports whether event satisfies the filter. The reference
// in-memory client uses this; a real relay client performs the
// equivalent matching server-side.
func (f Filter) Matches(e *nostr.Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	for tagName, wanted := range f.Tags {
		values := e.TagValues(tagName)
		matched := false
		for _, v := range values {
			for _, w := range wanted {
				if v == w {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Notification is delivered to subscribers as events arrive.
type Notification struct {
	RelayURL       string
	SubscriptionID string
	Event          *nostr.Event
}

// Client is the relay-client dependency surface the core consumes:
// connect, add_relay, publish, subscribe, unsubscribe, and query.
// Notifications arrive on the channel Subscribe returns; there is no
// separate event callback.
type Client interface {
	// Connect establishes connections to the given relay URLs.
	Connect(ctx context.Context, urls []string) error

	// AddRelay adds a single relay to the active connection set.
	AddRelay(ctx context.Context, url string) error

	// Publish sends a signed event to all connected relays. Publication
	// may be fire-and-forget; callers must not assume a round trip.
	Publish(ctx context.Context, event *nostr.Event) error

	// Subscribe opens a live subscription matching filter and returns a
	// channel of notifications plus a subscription id for later
	// unsubscription. The channel is closed when the subscription ends.
	Subscribe(ctx context.Context, filter Filter) (subID string, events <-chan Notification, err error)

	// Unsubscribe releases a subscription created by Subscribe.
	Unsubscribe(subID string) error

	// Query performs a one-shot historical fetch matching filter.
	Query(ctx context.Context, filter Filter) ([]*nostr.Event, error)
}
