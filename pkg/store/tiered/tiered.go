// Package tiered implements TieredStore, the L3 store composing the
// local disk cache and the remote Blossom backend: writes land in the
// local tier only, reads fall back to remote with local write-through
// caching, and remote replication is a separate explicit batch push
// (see PushToRemote), not an implicit consequence of Put.
//
// The fallback/reconcile shape is adapted from synctable's local-vs-
// remote index comparison, narrowed from full anti-entropy sync down to
// a two-tier read/write cache.
package tiered

import (
	"context"

	log2 "github.com/inconshreveable/log15"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
	"github.com/mmalmi/hashtreed/pkg/store"
)

// Store composes a local store (required) and a remote store
// (optional; nil disables remote fallback and push).
type Store struct {
	local  store.Store
	remote store.Store
	log    log2.Logger
}

// New builds a TieredStore. remote may be nil.
func New(local, remote store.Store, log log2.Logger) *Store {
	if log == nil {
		log = log2.New()
	}
	return &Store{local: local, remote: remote, log: log.New("component", "store.tiered")}
}

// Put writes to the local tier only. Uploading to Blossom is an
// explicit, separate batch operation (PushToRemote) over hashes the
// caller supplies, for example from htree.Engine.WalkBlocks.
func (s *Store) Put(ctx context.Context, data []byte) (blob.Hash, error) {
	return s.local.Put(ctx, data)
}

// Get tries the local store first, falling back to remote and caching
// the result locally (best-effort) on a remote hit.
func (s *Store) Get(ctx context.Context, h blob.Hash) ([]byte, error) {
	data, err := s.local.Get(ctx, h)
	if err == nil {
		return data, nil
	}
	if !herr.Is(err, herr.KindNotFound) || s.remote == nil {
		return nil, err
	}
	data, rerr := s.remote.Get(ctx, h)
	if rerr != nil {
		return nil, rerr
	}
	if _, perr := s.local.Put(ctx, data); perr != nil {
		s.log.Error("failed to cache remote blob locally", "hash", h, "err", perr)
	}
	return data, nil
}

// Has reports L1 OR L2 presence.
func (s *Store) Has(ctx context.Context, h blob.Hash) (bool, error) {
	ok, err := s.local.Has(ctx, h)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if s.remote == nil {
		return false, nil
	}
	return s.remote.Has(ctx, h)
}

// Pin pins in the local tier; remote pin state is the server's concern.
func (s *Store) Pin(ctx context.Context, h blob.Hash) error {
	return s.local.Pin(ctx, h)
}

// Unpin unpins in the local tier.
func (s *Store) Unpin(ctx context.Context, h blob.Hash) error {
	return s.local.Unpin(ctx, h)
}

// PinCount reports the local tier's pin refcount.
func (s *Store) PinCount(ctx context.Context, h blob.Hash) (int, error) {
	return s.local.PinCount(ctx, h)
}

// Delete removes from the local tier only; remote replicas are never
// implicitly deleted.
func (s *Store) Delete(ctx context.Context, h blob.Hash) error {
	return s.local.Delete(ctx, h)
}

// PushToRemote uploads the given blocks to the remote tier, fetching
// each from the local store first. Used by callers walking a tree's
// blocks (HtreeEngine.WalkBlocks) to batch-publish to Blossom.
func (s *Store) PushToRemote(ctx context.Context, hashes []blob.Hash) error {
	if s.remote == nil {
		return herr.New(herr.KindRemote, "tiered.PushToRemote", errNoRemote)
	}
	for _, h := range hashes {
		if ok, _ := s.remote.Has(ctx, h); ok {
			continue
		}
		data, err := s.local.Get(ctx, h)
		if err != nil {
			return err
		}
		if _, err := s.remote.Put(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

var errNoRemote = noRemoteError{}

type noRemoteError struct{}

func (noRemoteError) Error() string { return "no remote store configured" }
