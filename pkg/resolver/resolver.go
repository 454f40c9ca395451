// Package resolver implements RootResolver, the L5 component that
// translates npub/treeName keys into root CIDs via Nostr kind-30078
// events, with LRU caching and advisory re-validation semantics.
//
// Cache shape and resolve-flow follow HtreeState.root_cache and
// resolve_tree in the original hashtree implementation.
package resolver

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log2 "github.com/inconshreveable/log15"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
	"github.com/mmalmi/hashtreed/pkg/htree/node"
	"github.com/mmalmi/hashtreed/pkg/store"
)

const (
	cacheSize       = 1000
	resolveDeadline = 10 * time.Second

	kindHashtreeRoot = 30078
	tagHashtree      = "hashtree"
)

// Visibility tags a resolved tree for UI share-link decisions, carried
// over from the original's TreeVisibility enum.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityLinkVisible
	VisibilityPrivate
)

// CachedRoot is one LRU entry.
type CachedRoot struct {
	CID        blob.CID
	Visibility Visibility
	Timestamp  time.Time
}

// RelayQuerier is the subset of NostrPool the resolver needs: a
// single-shot filtered query against relays and the local event cache.
type RelayQuerier interface {
	QueryOnce(ctx context.Context, filter nostr.Filter) (*nostr.Event, error)
}

// Resolver is the L5 root resolver.
type Resolver struct {
	pool  RelayQuerier
	store store.Store
	cache *lru.Cache
	log   log2.Logger
}

// New builds a Resolver querying relays through pool and validating
// cached roots against blocks fetched from s.
func New(pool RelayQuerier, s store.Store, log log2.Logger) *Resolver {
	if log == nil {
		log = log2.New()
	}
	c, _ := lru.New(cacheSize)
	return &Resolver{pool: pool, store: s, cache: c, log: log.New("component", "resolver")}
}

func cacheKey(npub, treeName string) string {
	return npub + "/" + treeName
}

// CacheRoot pre-seeds the cache with a known mapping, used to warm
// resolution right after a tree is published locally.
func (r *Resolver) CacheRoot(npub, treeName string, cid blob.CID, vis Visibility) {
	r.cache.Add(cacheKey(npub, treeName), &CachedRoot{CID: cid, Visibility: vis, Timestamp: time.Now()})
}

// Resolve implements the flow: cache probe (peek), then (on miss or a
// probe that can't be trusted) a bounded Nostr query, then an upsert
// into the cache on success.
func (r *Resolver) Resolve(ctx context.Context, npub, treeName string) (blob.CID, Visibility, error) {
	key := cacheKey(npub, treeName)
	if v, ok := r.cache.Peek(key); ok {
		cached := v.(*CachedRoot)
		if r.trustCacheHit(ctx, cached) {
			return cached.CID, cached.Visibility, nil
		}
	}

	cid, err := r.resolveViaRelays(ctx, npub, treeName)
	if err != nil {
		return blob.CID{}, VisibilityPublic, err
	}
	entry := &CachedRoot{CID: cid, Visibility: VisibilityPublic, Timestamp: time.Now()}
	r.cache.Add(key, entry)
	return cid, entry.Visibility, nil
}

// trustCacheHit implements the peek rule: a cache hit is usable
// without re-resolving if its CID carries a key (an encrypted root is
// self-verifying once fetched), or if the corresponding block is
// locally retrievable and confirmed to be a tree node. A key-less
// cached root may never satisfy a key-requiring request without
// re-resolution — callers requiring a specific key compare it
// themselves against the returned CID.
func (r *Resolver) trustCacheHit(ctx context.Context, cached *CachedRoot) bool {
	if cached.CID.Encrypted() {
		return true
	}
	raw, err := r.store.Get(ctx, cached.CID.Hash)
	if err != nil {
		return false
	}
	return node.IsTreeNode(raw)
}

func (r *Resolver) resolveViaRelays(ctx context.Context, npub, treeName string) (blob.CID, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveDeadline)
	defer cancel()

	pubkey, err := decodeNpub(npub)
	if err != nil {
		return blob.CID{}, err
	}

	filter := nostr.Filter{
		Kinds:   []int{kindHashtreeRoot},
		Authors: []string{pubkey},
		Tags:    nostr.TagMap{"d": []string{treeName}, "l": []string{tagHashtree}},
		Limit:   1,
	}
	ev, err := r.pool.QueryOnce(ctx, filter)
	if err != nil {
		if ctx.Err() != nil {
			return blob.CID{}, herr.New(herr.KindTimedOut, "resolver.resolveViaRelays", err)
		}
		return blob.CID{}, herr.New(herr.KindNotFound, "resolver.resolveViaRelays", err)
	}
	if ev == nil {
		return blob.CID{}, herr.New(herr.KindNotFound, "resolver.resolveViaRelays", nil)
	}
	return cidFromEvent(ev)
}

// decodeNpub turns a bech32 npub1... string into the 32-byte hex
// pubkey NIP-01 filters expect. NIP-19's "npub" entity and the
// "authors" field of a filter are different representations of the
// same key; a raw npub string never matches a real relay's index.
func decodeNpub(npub string) (string, error) {
	prefix, value, err := nip19.Decode(npub)
	if err != nil {
		return "", herr.New(herr.KindInvalidPath, "resolver.decodeNpub", err)
	}
	if prefix != "npub" {
		return "", herr.New(herr.KindInvalidPath, "resolver.decodeNpub", fmt.Errorf("expected npub, got %s", prefix))
	}
	pubkey, ok := value.(string)
	if !ok {
		return "", herr.New(herr.KindInvalidPath, "resolver.decodeNpub", fmt.Errorf("unexpected npub payload type %T", value))
	}
	return pubkey, nil
}

func cidFromEvent(ev *nostr.Event) (blob.CID, error) {
	var hashHex, keyHex string
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "hash":
			hashHex = tag[1]
		case "key":
			keyHex = tag[1]
		}
	}
	if hashHex == "" {
		return blob.CID{}, herr.New(herr.KindProtocol, "resolver.cidFromEvent", fmt.Errorf("event missing hash tag"))
	}
	h, err := blob.ParseHash(hashHex)
	if err != nil {
		return blob.CID{}, err
	}
	cid := blob.CID{Hash: h}
	if keyHex != "" {
		kb, err := blob.ParseHash(keyHex)
		if err != nil {
			return blob.CID{}, err
		}
		key := [32]byte(kb)
		cid.Key = &key
	}
	return cid, nil
}
