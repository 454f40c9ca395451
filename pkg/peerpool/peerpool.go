// Package peerpool implements PeerPool, the L10 WebRTC peer manager:
// two capacity-bounded pools ("follows" and "other"), signaling carried
// over the shared NostrPool using custom hello/offer/answer/ice kinds,
// and a periodic liveness hello.
//
// The peer-slot/liveness bookkeeping (bounded pool, periodic keepalive,
// per-peer stats snapshot) is adapted from synctable.SyncTable's
// trigger/sync bookkeeping shape, applied here to WebRTC sessions
// instead of blob-namespace sync partners; the signaling transport is
// grounded on pkg/nostrpool.Pool's publish/subscribe surface.
package peerpool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log2 "github.com/inconshreveable/log15"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pion/webrtc/v3"

	"github.com/mmalmi/hashtreed/pkg/nostrpool"
)

const (
	helloPeriod = 30 * time.Second

	kindHello  = 30079
	kindOffer  = 30080
	kindAnswer = 30081
	kindICE    = 30082
)

// PoolKind names which of the two pools a peer belongs to.
type PoolKind string

const (
	PoolFollows PoolKind = "follows"
	PoolOther   PoolKind = "other"
)

// Classifier decides which pool an inbound peer belongs in, typically
// backed by the host's follow list.
type Classifier func(peerPubkey string) PoolKind

// PeerStat is one row of GetPeerStats.
type PeerStat struct {
	PeerID    string   `json:"peer_id"`
	Connected bool     `json:"connected"`
	Pool      PoolKind `json:"pool"`
}

type slot struct {
	max       int
	satisfied int
}

type peer struct {
	pubkey    string
	sessionID string
	pool      PoolKind
	conn      *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	connected bool
}

// Pool is the L10 WebRTC peer manager.
type Pool struct {
	signaling  *nostrpool.Pool
	classifier Classifier
	ourPubkey  string
	log        log2.Logger

	mu     sync.Mutex
	slots  map[PoolKind]*slot
	peers  map[string]*peer // keyed by pubkey+"/"+sessionID
	stopCh chan struct{}
}

// New builds a Pool with the given per-pool capacities, signaling over
// signaling, classifying inbound peers with classify.
func New(signaling *nostrpool.Pool, ourPubkey string, followsMax, otherMax int, classify Classifier, log log2.Logger) *Pool {
	if log == nil {
		log = log2.New()
	}
	p := &Pool{
		signaling:  signaling,
		classifier: classify,
		ourPubkey:  ourPubkey,
		log:        log.New("component", "peerpool"),
		slots: map[PoolKind]*slot{
			PoolFollows: {max: followsMax},
			PoolOther:   {max: otherMax},
		},
		peers:  make(map[string]*peer),
		stopCh: make(chan struct{}),
	}
	go p.helloLoop()
	return p
}

// Close stops the hello loop and tears down every peer connection.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pr := range p.peers {
		if pr.conn != nil {
			pr.conn.Close()
		}
		delete(p.peers, key)
	}
	return nil
}

func peerKey(pubkey, sessionID string) string {
	return pubkey + "/" + sessionID
}

// GetPeerStats reports connection state for every tracked peer.
func (p *Pool) GetPeerStats() []PeerStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerStat, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, PeerStat{PeerID: pr.pubkey, Connected: pr.connected, Pool: pr.pool})
	}
	return out
}

// HandleHello processes an inbound hello signal from peerPubkey,
// classifying it into a pool (respecting capacity) and initiating a
// WebRTC offer if a slot is available and no session already exists.
func (p *Pool) HandleHello(ctx context.Context, peerPubkey, sessionID string) error {
	pool := p.classifier(peerPubkey)

	p.mu.Lock()
	key := peerKey(peerPubkey, sessionID)
	if _, exists := p.peers[key]; exists {
		p.mu.Unlock()
		return nil
	}
	s := p.slots[pool]
	if s.satisfied >= s.max {
		p.mu.Unlock()
		p.log.Debug("pool full, dropping hello", "peer", peerPubkey, "pool", pool)
		return nil
	}
	s.satisfied++
	pr := &peer{pubkey: peerPubkey, sessionID: sessionID, pool: pool}
	p.peers[key] = pr
	p.mu.Unlock()

	return p.openConnection(ctx, pr)
}

func (p *Pool) openConnection(ctx context.Context, pr *peer) error {
	conn, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return err
	}
	pr.conn = conn

	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.mu.Lock()
		pr.connected = s == webrtc.PeerConnectionStateConnected
		p.mu.Unlock()
	})

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.sendSignal(ctx, kindICE, pr, c.ToJSON())
	})

	offer, err := conn.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.sendSignal(ctx, kindOffer, pr, offer)
}

// OpenDataChannel opens a data channel on demand for an already
// connected peer.
func (p *Pool) OpenDataChannel(pubkey, sessionID, label string) (*webrtc.DataChannel, error) {
	p.mu.Lock()
	pr, ok := p.peers[peerKey(pubkey, sessionID)]
	p.mu.Unlock()
	if !ok || pr.conn == nil {
		return nil, errNoSuchPeer
	}
	dc, err := pr.conn.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	pr.dc = dc
	p.mu.Unlock()
	return dc, nil
}

func (p *Pool) sendSignal(ctx context.Context, kind int, pr *peer, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := nostr.Event{
		Kind:      kind,
		PubKey:    p.ourPubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags: nostr.Tags{
			{"p", pr.pubkey},
			{"session", pr.sessionID},
		},
		Content: string(body),
	}
	return p.signaling.Publish(ctx, ev)
}

// helloLoop periodically publishes one untargeted hello event over the
// signaling pool so dropped sessions are rediscovered.
func (p *Pool) helloLoop() {
	ticker := time.NewTicker(helloPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.broadcastHello()
		}
	}
}

func (p *Pool) broadcastHello() {
	ev := nostr.Event{
		Kind:      kindHello,
		PubKey:    p.ourPubkey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
	}
	if err := p.signaling.Publish(context.Background(), ev); err != nil {
		p.log.Error("hello broadcast failed", "err", err)
	}
}

var errNoSuchPeer = peerNotFoundError{}

type peerNotFoundError struct{}

func (peerNotFoundError) Error() string { return "no tracked peer for that pubkey/session" }
