// Package nostrpool implements NostrPool, the L6 shared multi-relay
// pool: subscription registry with retry, an on-disk replay cache, and
// publish-to-all-relays.
//
// The periodic-retry-against-a-tracked-peer-set shape is adapted from
// synctable's sync-trigger/retry pattern (applied here to relay
// subscriptions instead of sync peers); the on-disk event cache follows
// the index-then-fetch idiom in pkg/backend/blobsfile.
package nostrpool

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log2 "github.com/inconshreveable/log15"
	"github.com/nbd-wtf/go-nostr"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	retryPeriod = 2 * time.Second
	dedupeSize  = 8192
)

// defaultRelays mirrors the original app's default relay set; overridden
// by config, and superseded entirely by TEST_RELAY in tests.
var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// RelayConn is the minimal relay connection surface the pool drives.
// The concrete implementation wraps *nostr.Relay from go-nostr.
type RelayConn interface {
	URL() string
	Connected() bool
	Connecting() bool
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, <-chan struct{}, error)
	Publish(ctx context.Context, ev nostr.Event) error
}

type subscription struct {
	id      string
	filters nostr.Filters
	sentTo  map[string]bool
	events  chan *nostr.Event
	eose    chan struct{}
	mu      sync.Mutex
}

// RelayStat is one row of NostrPool.RelayStats.
type RelayStat struct {
	URL        string `json:"url"`
	Connected  bool   `json:"connected"`
	Connecting bool   `json:"connecting"`
}

// Pool is the process-wide Nostr relay pool.
type Pool struct {
	log    log2.Logger
	relays []RelayConn
	cache  *leveldb.DB
	dedupe *lru.Cache

	mu   sync.Mutex
	subs map[string]*subscription

	stop chan struct{}
}

// New opens the event cache at cacheDir and starts the subscription
// retry loop. relays is typically built by the caller by dialing each
// configured URL; an empty list is valid (the pool stays usable, it
// simply has nothing to query until relays are added).
func New(cacheDir string, relays []RelayConn, log log2.Logger) (*Pool, error) {
	if log == nil {
		log = log2.New()
	}
	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(cacheDir, nil)
	if err != nil {
		return nil, err
	}
	dedupe, _ := lru.New(dedupeSize)
	p := &Pool{
		log:    log.New("component", "nostrpool"),
		relays: relays,
		cache:  db,
		dedupe: dedupe,
		subs:   make(map[string]*subscription),
		stop:   make(chan struct{}),
	}
	go p.retryLoop()
	return p, nil
}

// DefaultRelays returns the built-in relay set, honoring TEST_RELAY.
func DefaultRelays() []string {
	if r := os.Getenv("TEST_RELAY"); r != "" {
		return []string{r}
	}
	return defaultRelays
}

// Close stops the retry loop and the event cache.
func (p *Pool) Close() error {
	close(p.stop)
	return p.cache.Close()
}

// RelayStats reports connection state per relay, for UI surfaces.
func (p *Pool) RelayStats() []RelayStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]RelayStat, 0, len(p.relays))
	for _, r := range p.relays {
		stats = append(stats, RelayStat{URL: r.URL(), Connected: r.Connected(), Connecting: r.Connecting()})
	}
	return stats
}

// Subscribe registers a subscription and returns its channels at once;
// a background goroutine then queries the cache, replays matching
// cached events, and attempts to issue the subscription to every
// currently connected relay. The cache is not queried before Subscribe
// returns. Cached replay is always delivered before any live event, and
// a single EOSE fires once replay completes, even if no relay has
// EOSE'd yet.
func (p *Pool) Subscribe(ctx context.Context, subID string, filters nostr.Filters) (<-chan *nostr.Event, <-chan struct{}, error) {
	sub := &subscription{
		id:      subID,
		filters: filters,
		sentTo:  make(map[string]bool),
		events:  make(chan *nostr.Event, 64),
		eose:    make(chan struct{}, 1),
	}
	p.mu.Lock()
	p.subs[subID] = sub
	p.mu.Unlock()

	go p.replayThenLive(ctx, sub)
	return sub.events, sub.eose, nil
}

func (p *Pool) replayThenLive(ctx context.Context, sub *subscription) {
	for _, ev := range p.queryCache(sub.filters) {
		select {
		case sub.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	select {
	case sub.eose <- struct{}{}:
	default:
	}
	p.issueToConnected(sub)
}

func (p *Pool) issueToConnected(sub *subscription) {
	p.mu.Lock()
	relays := append([]RelayConn(nil), p.relays...)
	p.mu.Unlock()

	for _, r := range relays {
		sub.mu.Lock()
		already := sub.sentTo[r.URL()]
		sub.mu.Unlock()
		if already || !r.Connected() {
			continue
		}
		events, _, err := r.Subscribe(context.Background(), sub.filters)
		if err != nil {
			p.log.Error("subscribe failed", "relay", r.URL(), "sub", sub.id, "err", err)
			continue
		}
		sub.mu.Lock()
		sub.sentTo[r.URL()] = true
		sub.mu.Unlock()
		go p.forward(sub, events)
	}
}

func (p *Pool) forward(sub *subscription, events <-chan *nostr.Event) {
	for ev := range events {
		p.ingest(ev)
		sub.events <- ev
	}
}

// retryLoop re-issues any subscription whose sent_to set is empty,
// roughly every retryPeriod.
func (p *Pool) retryLoop() {
	ticker := time.NewTicker(retryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			subs := make([]*subscription, 0, len(p.subs))
			for _, s := range p.subs {
				subs = append(subs, s)
			}
			p.mu.Unlock()
			for _, s := range subs {
				s.mu.Lock()
				empty := len(s.sentTo) == 0
				s.mu.Unlock()
				if empty {
					p.issueToConnected(s)
				}
			}
		}
	}
}

// Unsubscribe removes the registry entry and closes the channel.
func (p *Pool) Unsubscribe(subID string) {
	p.mu.Lock()
	sub, ok := p.subs[subID]
	delete(p.subs, subID)
	p.mu.Unlock()
	if ok {
		close(sub.events)
	}
}

// Publish writes the event to the local cache, forwards it to all
// relays, and returns nil on at least one acceptance. It does not check
// the event's signature; an unsigned event is cached and forwarded as-is.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	p.ingest(&ev)

	p.mu.Lock()
	relays := append([]RelayConn(nil), p.relays...)
	p.mu.Unlock()

	var accepted bool
	var lastErr error
	for _, r := range relays {
		if err := r.Publish(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		accepted = true
	}
	if !accepted && lastErr != nil {
		return lastErr
	}
	return nil
}

// QueryOnce is the RootResolver-facing single-shot query: it checks the
// local cache first, then issues a subscription against connected
// relays and returns the newest matching event received before ctx is
// done, or nil with ctx's error if none arrived. The subscription stays
// registered in the pool after QueryOnce returns.
func (p *Pool) QueryOnce(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	cached := p.queryCache(nostr.Filters{filter})
	if len(cached) > 0 {
		return newest(cached), nil
	}

	events, _, err := p.Subscribe(ctx, "query-"+randomID(), nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	var best *nostr.Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return best, nil
			}
			if best == nil || ev.CreatedAt > best.CreatedAt {
				best = ev
			}
		case <-ctx.Done():
			if best != nil {
				return best, nil
			}
			return nil, ctx.Err()
		}
	}
}

func newest(evs []*nostr.Event) *nostr.Event {
	best := evs[0]
	for _, ev := range evs[1:] {
		if ev.CreatedAt > best.CreatedAt {
			best = ev
		}
	}
	return best
}

func (p *Pool) ingest(ev *nostr.Event) {
	if _, ok := p.dedupe.Get(ev.ID); ok {
		return
	}
	p.dedupe.Add(ev.ID, struct{}{})
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.cache.Put([]byte(ev.ID), data, nil); err != nil {
		p.log.Error("failed to cache event", "id", ev.ID, "err", err)
	}
}

func (p *Pool) queryCache(filters nostr.Filters) []*nostr.Event {
	var out []*nostr.Event
	iter := p.cache.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var ev nostr.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		if filters.Match(&ev) {
			out = append(out, &ev)
		}
	}
	return out
}

func randomID() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}
