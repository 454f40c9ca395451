// Package blossom implements BlossomClient, the L2 remote blob store: an
// HTTP client for the Blossom blob protocol (HEAD/GET/PUT over content
// hash) with NIP-98 signed auth and independent read/write server lists.
// It sends no DELETE requests: Delete is a no-op.
//
// Request shape (base URL list, per-call retry across servers, a single
// reused *http.Client) follows client2.BlobStore's own HTTP client
// pattern; the wire protocol itself is Blossom, per the fetch/push
// functions in the original hashtree implementation.
package blossom

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
)

// Signer produces a signed NIP-98 HTTP-auth event for a given method+URL.
type Signer interface {
	SignHTTPAuth(method, url string, payloadHash *blob.Hash) (*nostr.Event, error)
}

// Client is the L2 Blossom blob store.
type Client struct {
	ReadServers  []string
	WriteServers []string
	signer       Signer
	http         *http.Client
}

// New builds a Client against the given read and write server lists.
// signer may be nil, in which case requests are sent unauthenticated
// (servers that require auth will reject writes).
func New(readServers, writeServers []string, signer Signer) *Client {
	return &Client{
		ReadServers:  readServers,
		WriteServers: writeServers,
		signer:       signer,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) authHeader(method, url string, h *blob.Hash) (string, error) {
	if c.signer == nil {
		return "", nil
	}
	ev, err := c.signer.SignHTTPAuth(method, url, h)
	if err != nil {
		return "", herr.New(herr.KindSignature, "blossom.authHeader", err)
	}
	b, err := ev.MarshalJSON()
	if err != nil {
		return "", herr.New(herr.KindSignature, "blossom.authHeader", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(b), nil
}

// Get fetches a blob by hash, trying each read server in order.
func (c *Client) Get(ctx context.Context, h blob.Hash) ([]byte, error) {
	var lastErr error
	for _, server := range c.ReadServers {
		url := fmt.Sprintf("%s/%s", server, h.String())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.StatusCode {
		case http.StatusOK:
			if blob.Sum(body) != h {
				lastErr = herr.New(herr.KindCorrupt, "blossom.Get", fmt.Errorf("hash mismatch from %s", server))
				continue
			}
			return body, nil
		case http.StatusNotFound:
			lastErr = herr.New(herr.KindNotFound, "blossom.Get", nil)
		default:
			lastErr = herr.New(herr.KindRemote, "blossom.Get", fmt.Errorf("%s: status %d", server, resp.StatusCode))
		}
	}
	if lastErr == nil {
		lastErr = herr.New(herr.KindNotFound, "blossom.Get", nil)
	}
	return nil, lastErr
}

// Has performs a HEAD request against each read server until one
// confirms presence.
func (c *Client) Has(ctx context.Context, h blob.Hash) (bool, error) {
	var lastErr error
	for _, server := range c.ReadServers {
		url := fmt.Sprintf("%s/%s", server, h.String())
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true, nil
		}
		if resp.StatusCode != http.StatusNotFound {
			lastErr = herr.New(herr.KindRemote, "blossom.Has", fmt.Errorf("%s: status %d", server, resp.StatusCode))
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// Put uploads data to every configured write server. The hash is
// computed from data directly, matching Store.Put's content-addressed
// contract; Put succeeds if at least one write server accepts the upload.
func (c *Client) Put(ctx context.Context, data []byte) (blob.Hash, error) {
	h := blob.Sum(data)
	var lastErr error
	uploaded := 0
	for _, server := range c.WriteServers {
		url := fmt.Sprintf("%s/upload", server)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			lastErr = err
			continue
		}
		if hdr, err := c.authHeader(http.MethodPut, url, &h); err == nil && hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			uploaded++
			continue
		}
		lastErr = herr.New(herr.KindRemote, "blossom.Put", fmt.Errorf("%s: status %d", server, resp.StatusCode))
	}
	if uploaded == 0 && lastErr != nil {
		return h, lastErr
	}
	return h, nil
}

// Pin, Unpin, PinCount and Delete are no-ops for a remote store:
// retention policy is the Blossom server's own concern, and a local
// delete must never imply deleting remote replicas.
func (c *Client) Pin(ctx context.Context, h blob.Hash) error   { return nil }
func (c *Client) Unpin(ctx context.Context, h blob.Hash) error { return nil }
func (c *Client) PinCount(ctx context.Context, h blob.Hash) (int, error) {
	return 0, nil
}
func (c *Client) Delete(ctx context.Context, h blob.Hash) error { return nil }

