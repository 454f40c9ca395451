package nostrpool

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type fakeRelay struct {
	url       string
	connected bool
	events    chan *nostr.Event
	published []nostr.Event
}

func newFakeRelay(url string) *fakeRelay {
	return &fakeRelay{url: url, connected: true, events: make(chan *nostr.Event, 8)}
}

func (f *fakeRelay) URL() string       { return f.url }
func (f *fakeRelay) Connected() bool   { return f.connected }
func (f *fakeRelay) Connecting() bool  { return false }

func (f *fakeRelay) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, <-chan struct{}, error) {
	return f.events, make(chan struct{}), nil
}

func (f *fakeRelay) Publish(ctx context.Context, ev nostr.Event) error {
	f.published = append(f.published, ev)
	return nil
}

func TestPublishReachesAllRelays(t *testing.T) {
	r1 := newFakeRelay("wss://a")
	r2 := newFakeRelay("wss://b")
	p, err := New(t.TempDir(), []RelayConn{r1, r2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ev := nostr.Event{ID: "abc123", CreatedAt: nostr.Timestamp(time.Now().Unix())}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(r1.published) != 1 || len(r2.published) != 1 {
		t.Fatalf("expected publish to reach both relays, got %d/%d", len(r1.published), len(r2.published))
	}
}

func TestQueryOnceServesFromCacheAfterPublish(t *testing.T) {
	r1 := newFakeRelay("wss://a")
	p, err := New(t.TempDir(), []RelayConn{r1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	ev := nostr.Event{
		ID:        "cached-event",
		Kind:      30078,
		PubKey:    "abcd",
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"d", "media"}},
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.QueryOnce(ctx, nostr.Filter{Kinds: []int{30078}, Authors: []string{"abcd"}})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "cached-event" {
		t.Fatalf("expected cached event, got %+v", got)
	}
}

func TestRelayStats(t *testing.T) {
	r1 := newFakeRelay("wss://a")
	p, err := New(t.TempDir(), []RelayConn{r1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	stats := p.RelayStats()
	if len(stats) != 1 || stats[0].URL != "wss://a" || !stats[0].Connected {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
