package relay

import (
	"context"
	"testing"
	"time"

	"github.com/blobdvm/blobdvm/pkg/nostr"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	publisher := NewClient(broker)
	subscriber := NewClient(broker)

	subID, events, err := subscriber.Subscribe(context.Background(), Filter{Kinds: []int{nostr.KindRequest}})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer subscriber.Unsubscribe(subID)

	e := nostr.NewEvent(nostr.KindRequest, "pk", 0, "{}", nil)
	if err := publisher.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case notif := <-events:
		if notif.Event != e {
			t.Errorf("received wrong event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestBrokerFilterByKindExcludesOthers(t *testing.T) {
	broker := NewBroker()
	publisher := NewClient(broker)
	subscriber := NewClient(broker)

	_, events, _ := subscriber.Subscribe(context.Background(), Filter{Kinds: []int{nostr.KindResponse}})

	publisher.Publish(context.Background(), nostr.NewEvent(nostr.KindRequest, "pk", 0, "{}", nil))

	select {
	case <-events:
		t.Fatal("should not have received a non-matching kind")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrokerQuery(t *testing.T) {
	broker := NewBroker()
	client := NewClient(broker)

	e1 := nostr.NewEvent(nostr.KindAnnouncement, "pk1", 0, "", nil)
	e2 := nostr.NewEvent(nostr.KindAnnouncement, "pk2", 0, "", nil)
	client.Publish(context.Background(), e1)
	client.Publish(context.Background(), e2)

	results, err := client.Query(context.Background(), Filter{Kinds: []int{nostr.KindAnnouncement}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestFilterTagMatch(t *testing.T) {
	e := nostr.NewEvent(nostr.KindResponse, "pk", 0, "{}", nil)
	e.AddTag("e", "req-1")

	f := Filter{Tags: map[string][]string{"e": {"req-1"}}}
	if !f.Matches(e) {
		t.Fatal("expected filter to match on e-tag")
	}

	f2 := Filter{Tags: map[string][]string{"e": {"req-2"}}}
	if f2.Matches(e) {
		t.Fatal("expected filter to reject non-matching e-tag")
	}
}
