package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/mmalmi/hashtreed/pkg/nostrpool"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only server
}

// relayConn bridges one WebSocket client to the shared NostrPool: it
// tracks the client's subscription ids mapped onto pool-generated
// backend ids, so EVENT/EOSE frames can be routed back under the
// client's own sub_id.
type relayConn struct {
	ws     *websocket.Conn
	pool   *nostrpool.Pool
	cancel context.CancelFunc

	mu      sync.Mutex
	writeMu sync.Mutex
	subs    map[string]string // client sub_id -> backend sub_id
}

func (s *Server) relayHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("relay upgrade failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &relayConn{ws: conn, pool: s.pool, cancel: cancel, subs: make(map[string]string)}

	s.relayMu.Lock()
	s.relays[rc] = struct{}{}
	s.relayMu.Unlock()

	defer func() {
		rc.closeAll()
		s.relayMu.Lock()
		delete(s.relays, rc)
		s.relayMu.Unlock()
		conn.Close()
		cancel()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rc.handleFrame(ctx, msg)
	}
}

// handleFrame dispatches one NIP-01 client message: ["REQ", sub_id,
// filters...], ["CLOSE", sub_id], or ["EVENT", event].
func (rc *relayConn) handleFrame(ctx context.Context, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		rc.notice("malformed frame")
		return
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		rc.notice("malformed frame")
		return
	}

	switch kind {
	case "REQ":
		rc.handleReq(ctx, frame)
	case "CLOSE":
		rc.handleClose(frame)
	case "EVENT":
		rc.handleEvent(ctx, frame)
	default:
		rc.notice("unknown message kind")
	}
}

func (rc *relayConn) handleReq(ctx context.Context, frame []json.RawMessage) {
	if len(frame) < 2 {
		rc.notice("REQ missing sub_id")
		return
	}
	var clientSubID string
	if err := json.Unmarshal(frame[1], &clientSubID); err != nil {
		rc.notice("REQ sub_id must be a string")
		return
	}
	var filters nostr.Filters
	for _, raw := range frame[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			rc.notice("REQ malformed filter")
			return
		}
		filters = append(filters, f)
	}

	backendID := "relay-" + clientSubID + "-" + randomSuffix()
	rc.mu.Lock()
	rc.subs[clientSubID] = backendID
	rc.mu.Unlock()

	events, eose, err := rc.pool.Subscribe(ctx, backendID, filters)
	if err != nil {
		rc.notice("subscribe failed")
		return
	}
	go rc.forward(clientSubID, events, eose)
}

func (rc *relayConn) forward(clientSubID string, events <-chan *nostr.Event, eose <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			rc.send([]interface{}{"EVENT", clientSubID, ev})
		case <-eose:
			rc.send([]interface{}{"EOSE", clientSubID})
		}
	}
}

func (rc *relayConn) handleClose(frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var clientSubID string
	if err := json.Unmarshal(frame[1], &clientSubID); err != nil {
		return
	}
	rc.mu.Lock()
	backendID, ok := rc.subs[clientSubID]
	delete(rc.subs, clientSubID)
	rc.mu.Unlock()
	if ok {
		rc.pool.Unsubscribe(backendID)
	}
}

func (rc *relayConn) handleEvent(ctx context.Context, frame []json.RawMessage) {
	if len(frame) < 2 {
		rc.notice("EVENT missing body")
		return
	}
	var ev nostr.Event
	if err := json.Unmarshal(frame[1], &ev); err != nil {
		rc.notice("EVENT malformed")
		return
	}
	err := rc.pool.Publish(ctx, ev)
	ok := err == nil
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	rc.send([]interface{}{"OK", ev.ID, ok, reason})
}

func (rc *relayConn) closeAll() {
	rc.mu.Lock()
	backendIDs := make([]string, 0, len(rc.subs))
	for _, id := range rc.subs {
		backendIDs = append(backendIDs, id)
	}
	rc.subs = make(map[string]string)
	rc.mu.Unlock()
	for _, id := range backendIDs {
		rc.pool.Unsubscribe(id)
	}
}

func (rc *relayConn) notice(msg string) {
	rc.send([]interface{}{"NOTICE", msg})
}

func (rc *relayConn) send(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.ws.WriteMessage(websocket.TextMessage, data)
}

func randomSuffix() string {
	return uuid.NewString()
}
