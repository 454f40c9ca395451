// Package store defines the Store interface shared by the local,
// Blossom, and tiered blob backends.
package store

import (
	"context"

	"github.com/mmalmi/hashtreed/pkg/blob"
)

// Store is a content-addressed blob backend: callers write logical block
// bytes and get back a Hash, or read by Hash.
type Store interface {
	// Put stores data and returns its content hash. Put is idempotent:
	// storing the same bytes twice is a no-op past the first write.
	Put(ctx context.Context, data []byte) (blob.Hash, error)

	// Get fetches the block for hash, or a NotFound error.
	Get(ctx context.Context, hash blob.Hash) ([]byte, error)

	// Has reports whether a block is present without fetching it.
	Has(ctx context.Context, hash blob.Hash) (bool, error)

	// Pin increments a hash's pin refcount, exempting it from LRU
	// eviction and Delete while the count is above zero. Backends for
	// which pinning is meaningless (e.g. a remote store) may no-op.
	Pin(ctx context.Context, hash blob.Hash) error

	// Unpin decrements a previously set pin. A hash stays pinned until
	// every Pin call has a matching Unpin.
	Unpin(ctx context.Context, hash blob.Hash) error

	// PinCount reports a hash's current pin refcount (0 if never pinned
	// or fully unpinned).
	PinCount(ctx context.Context, hash blob.Hash) (int, error)

	// Delete removes a block, rejecting a pinned hash. A remote-only
	// Store may no-op; deletion of remote replicas is never implied by
	// a local delete.
	Delete(ctx context.Context, hash blob.Hash) error
}
