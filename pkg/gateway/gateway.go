// Package gateway implements Gateway, the L9 protocol front-end: an
// HTTP server serving `/htree/*` content range-aware, a `/relay`
// WebSocket bridge onto the shared NostrPool, a `/nip07` signer RPC,
// and a `/webview` shell-event relay. The `htree://` custom URI scheme
// is served by the same ServeHTTPPath the HTTP route uses.
//
// Route registration and the loopback-only CORS/logging middleware
// chain follow pkg/filetree/filetree.go's Register method and
// blobstash's negroni wiring; MIME-by-extension and thumbnail discovery
// are grounded on the original hashtree worker's htree.rs gateway.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	log2 "github.com/inconshreveable/log15"
	negronilogrus "github.com/meatballhat/negroni-logrus"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"
	"github.com/urfave/negroni"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
	"github.com/mmalmi/hashtreed/pkg/history"
	"github.com/mmalmi/hashtreed/pkg/htree"
	"github.com/mmalmi/hashtreed/pkg/htree/node"
	"github.com/mmalmi/hashtreed/pkg/nostrpool"
	"github.com/mmalmi/hashtreed/pkg/permission"
	"github.com/mmalmi/hashtreed/pkg/resolver"
)

// Signer signs Nostr events with the identity hashtreed runs under, used
// to answer the NIP-07 `signEvent` RPC.
type Signer interface {
	SignEvent(ev *nostr.Event) error
	PublicKey() string
}

// defaultAddr is the preferred loopback bind address; on conflict the
// listener falls back to an ephemeral port on the same interface.
const defaultAddr = "127.0.0.1:21417"

// Server is the L9 gateway.
type Server struct {
	engine   *htree.Engine
	resolver *resolver.Resolver
	pool     *nostrpool.Pool
	perms    *permission.Store
	history  *history.Store
	signer   Signer
	sessions *sessions
	log      log2.Logger

	relayMu sync.Mutex
	relays  map[*relayConn]struct{}
}

// New builds a gateway over the given components.
func New(engine *htree.Engine, res *resolver.Resolver, pool *nostrpool.Pool, perms *permission.Store, hist *history.Store, signer Signer, log log2.Logger) *Server {
	if log == nil {
		log = log2.New()
	}
	return &Server{
		engine:   engine,
		resolver: res,
		pool:     pool,
		perms:    perms,
		history:  hist,
		signer:   signer,
		sessions: newSessions(),
		log:      log.New("component", "gateway"),
		relays:   make(map[*relayConn]struct{}),
	}
}

// Router builds the mux.Router serving every gateway route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/htree/{path:.*}", s.htreeHandler)
	r.HandleFunc("/nip07", s.nip07Handler).Methods("POST")
	r.HandleFunc("/relay", s.relayHandler)
	r.HandleFunc("/webview", s.webviewHandler).Methods("POST")
	return r
}

// Handler wraps the router with the loopback CORS/logging negroni
// middleware chain.
func (s *Server) Handler() http.Handler {
	secureMw := secure.New(secure.Options{
		IsDevelopment: true, // loopback-only server, no HSTS/TLS redirect
	})

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negronilogrus.NewMiddlewareFromLogger(logrus.StandardLogger(), "hashtreed-gateway"))
	n.Use(negroni.HandlerFunc(secureMw.HandlerFuncWithNext))
	n.UseHandler(handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Session-Token"}),
	)(s.Router()))
	return n
}

// Listen binds the loopback listener, preferring defaultAddr and
// falling back to an ephemeral port on conflict.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", defaultAddr)
	if err == nil {
		return ln, nil
	}
	s.log.Warn("default gateway port unavailable, falling back to ephemeral", "addr", defaultAddr, "err", err)
	return net.Listen("tcp", "127.0.0.1:0")
}

// MintSession creates a new session token for origin, used when the
// shell spawns a child webview.
func (s *Server) MintSession(origin string) string {
	return s.sessions.Mint(origin)
}

func writeErr(w http.ResponseWriter, err error) {
	w.WriteHeader(herr.StatusCode(err))
}

// htreeHandler serves both the HTTP /htree/<path> route and (via
// ServeHTTPPath) the htree:// URI-scheme handler.
func (s *Server) htreeHandler(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	s.ServeHTTPPath(w, r, path)
}

// ServeHTTPPath resolves and serves the content addressed by path
// (everything after `/htree/` or `htree://<host>/`), shared by both the
// HTTP route and the custom URI scheme handler so the two stay in
// lockstep per spec.
func (s *Server) ServeHTTPPath(w http.ResponseWriter, r *http.Request, path string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		writeErr(w, herr.New(herr.KindInvalidPath, "gateway.ServeHTTPPath", fmt.Errorf("empty path")))
		return
	}

	head := segs[0]
	rest := segs[1:]

	var cid blob.CID
	var fileSegs []string

	switch {
	case strings.HasPrefix(head, "nhash1"):
		decoded, err := blob.DecodeNHash(head)
		if err != nil {
			writeErr(w, err)
			return
		}
		cid = decoded.CID
		fileSegs = append(append([]string{}, decoded.Path...), rest...)

	case blob.IsNpub(head):
		if len(rest) == 0 {
			writeErr(w, herr.New(herr.KindInvalidPath, "gateway.ServeHTTPPath", fmt.Errorf("missing tree name")))
			return
		}
		resolved, remaining, err := s.resolveTreeWithFallback(r, head, rest)
		if err != nil {
			writeErr(w, err)
			return
		}
		cid = resolved
		fileSegs = remaining
		if s.history != nil {
			s.history.Visit(path, labelFor(fileSegs, rest), strings.Join(rest[:len(rest)-len(fileSegs)], "/"))
		}

	default:
		writeErr(w, herr.New(herr.KindInvalidPath, "gateway.ServeHTTPPath", fmt.Errorf("unrecognized host segment %q", head)))
		return
	}

	thumb := false
	if n := len(fileSegs); n > 0 && fileSegs[n-1] == "thumbnail" {
		thumb = true
		fileSegs = fileSegs[:n-1]
	}

	target, err := s.engine.ResolvePath(r.Context(), cid, fileSegs)
	if err != nil {
		writeErr(w, err)
		return
	}

	if thumb {
		thumbCID, name, err := s.findThumbnail(r.Context(), target)
		if err != nil {
			writeErr(w, err)
			return
		}
		target = thumbCID
		s.serveFile(w, r, target, name)
		return
	}

	name := ""
	if len(fileSegs) > 0 {
		name = fileSegs[len(fileSegs)-1]
	} else if len(rest) > 0 {
		name = rest[len(rest)-1]
	}
	s.serveFile(w, r, target, name)
}

// resolveTreeWithFallback implements the one-level tree-name fallback:
// if resolving treeName fails and the remaining path is non-empty,
// retries with "{treeName}/{firstSegment}" before giving up.
func (s *Server) resolveTreeWithFallback(r *http.Request, npub string, rest []string) (blob.CID, []string, error) {
	treeName := rest[0]
	filePath := rest[1:]

	cid, _, err := s.resolver.Resolve(r.Context(), npub, treeName)
	if err == nil {
		return cid, filePath, nil
	}
	if len(filePath) == 0 {
		return blob.CID{}, nil, err
	}

	fallbackName := treeName + "/" + filePath[0]
	cid2, _, err2 := s.resolver.Resolve(r.Context(), npub, fallbackName)
	if err2 != nil {
		return blob.CID{}, nil, err
	}
	return cid2, filePath[1:], nil
}

func labelFor(fileSegs, rest []string) string {
	if len(fileSegs) > 0 {
		return fileSegs[len(fileSegs)-1]
	}
	if len(rest) > 0 {
		return rest[0]
	}
	return ""
}

// splitPath splits an htree path into its non-empty segments. It does
// no percent-decoding of its own; segments are returned exactly as they
// appear in path.
func splitPath(path string) []string {
	var segs []string
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		segs = append(segs, p)
	}
	return segs
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, cid blob.CID, name string) {
	total, err := s.engine.Size(r.Context(), cid)
	if err != nil {
		writeErr(w, err)
		return
	}

	mimeType := mimeForName(name)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", mimeType)

	if rw, rh, ok := resizeParams(r); ok {
		data, err := s.engine.Get(r.Context(), cid)
		if err != nil {
			writeErr(w, err)
			return
		}
		resized, err := resizeImage(data, mimeType, rw, rh)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Del("Accept-Ranges")
		w.Header().Set("Content-Length", strconv.Itoa(len(resized)))
		w.WriteHeader(http.StatusOK)
		w.Write(resized)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		data, err := s.engine.Get(r.Context(), cid)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	br, ok := parseRange(rangeHeader, total)
	if !ok {
		data, err := s.engine.Get(r.Context(), cid)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	data, err := s.engine.ReadFileRange(r.Context(), cid, br.Start, br.End+1)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, total))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data)
}

// thumbnailPatterns is the search order for a directory's thumbnail.
var thumbnailPatterns = []string{"thumbnail.jpg", "thumbnail.webp", "thumbnail.png", "thumbnail.jpeg"}

const maxThumbnailProbeDirs = 3

// findThumbnail searches dirCID directly for a thumbnail file, then
// probes up to maxThumbnailProbeDirs alphabetically-earliest
// non-metadata subdirectories.
func (s *Server) findThumbnail(ctx context.Context, dirCID blob.CID) (blob.CID, string, error) {
	links, err := s.engine.ListDirectory(ctx, dirCID)
	if err != nil {
		return blob.CID{}, "", err
	}
	if cid, name, ok := matchThumbnail(links); ok {
		return cid, name, nil
	}

	var subdirs []string
	for _, l := range links {
		if l.Type == node.TypeDir && !strings.HasPrefix(l.Name, ".") {
			subdirs = append(subdirs, l.Name)
		}
	}
	sort.Strings(subdirs)
	if len(subdirs) > maxThumbnailProbeDirs {
		subdirs = subdirs[:maxThumbnailProbeDirs]
	}
	for _, name := range subdirs {
		link, _ := findLink(links, name)
		sub, err := s.engine.ListDirectory(ctx, link.CID())
		if err != nil {
			continue
		}
		if cid, fname, ok := matchThumbnail(sub); ok {
			return cid, fname, nil
		}
	}
	return blob.CID{}, "", herr.New(herr.KindNotFound, "gateway.findThumbnail", fmt.Errorf("no thumbnail found"))
}

func matchThumbnail(links []node.TreeLink) (blob.CID, string, bool) {
	for _, pattern := range thumbnailPatterns {
		if l, ok := findLink(links, pattern); ok {
			return l.CID(), l.Name, true
		}
	}
	return blob.CID{}, "", false
}

func findLink(links []node.TreeLink, name string) (node.TreeLink, bool) {
	for _, l := range links {
		if l.Name == name {
			return l, true
		}
	}
	return node.TreeLink{}, false
}

// nip07Request is the body of a POST /nip07 request.
type nip07Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Origin string          `json:"origin"`
}

type nip07Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) nip07Handler(w http.ResponseWriter, r *http.Request) {
	var req nip07Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, nip07Response{Error: "malformed request body"})
		return
	}
	token := r.Header.Get("X-Session-Token")
	if !s.sessions.Validate(token, req.Origin) {
		writeJSON(w, nip07Response{Error: "invalid session token"})
		return
	}

	switch req.Method {
	case "getPublicKey":
		writeJSON(w, nip07Response{Result: quoteJSON(s.signer.PublicKey())})

	case "signEvent":
		if s.perms.NeedsPrompt(req.Origin, permission.SignEvent) {
			writeJSON(w, nip07Response{Error: "permission required"})
			return
		}
		if !s.perms.IsGranted(req.Origin, permission.SignEvent) {
			writeJSON(w, nip07Response{Error: "permission denied"})
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(req.Params, &ev); err != nil {
			writeJSON(w, nip07Response{Error: "malformed event"})
			return
		}
		if err := s.signer.SignEvent(&ev); err != nil {
			writeJSON(w, nip07Response{Error: "signing failed"})
			return
		}
		out, _ := json.Marshal(ev)
		writeJSON(w, nip07Response{Result: out})

	case "getRelays":
		writeJSON(w, nip07Response{Result: json.RawMessage("{}")})

	case "nip04.encrypt", "nip04.decrypt", "nip44.encrypt", "nip44.decrypt":
		writeJSON(w, nip07Response{Error: "not implemented"})

	default:
		writeJSON(w, nip07Response{Error: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

func quoteJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type webviewEvent struct {
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) webviewHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Session-Token")
	var ev webviewEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.sessions.Validate(token, ev.Origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	s.log.Debug("webview event", "origin", ev.Origin, "kind", ev.Kind)
	w.WriteHeader(http.StatusOK)
}
