// Package local implements LocalBlobStore: a content-addressed,
// sharded-directory disk cache with atomic writes and pin-aware LRU
// eviction.
//
// Physical layout is one file per hash, sharded two levels deep by the
// hash's hex prefix (blobs/aa/bb/aabbcc...), unlike blobsfile.go's
// packed format, so blocks can be fsck'd, garbage-collected, and
// inspected individually. The write path (temp file + fsync + rename)
// and the metadata index technology (cznic/kv) follow blobsfile.go.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cznic/kv"
	"github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru"
	log2 "github.com/inconshreveable/log15"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
)

const (
	metaPrefix    byte = 'm' // hash -> encoded metadata record
	pinPrefix     byte = 'p' // hash -> 8-byte pin refcount
	evictHeadroom      = 0.90
)

// meta is the per-hash bookkeeping record kept in the kv index.
type meta struct {
	Size       int64
	LastAccess int64
	Compressed bool
}

func encodeMeta(m meta) []byte {
	b := make([]byte, 17)
	putI64(b[0:8], m.Size)
	putI64(b[8:16], m.LastAccess)
	if m.Compressed {
		b[16] = 1
	}
	return b
}

func decodeMeta(b []byte) meta {
	var m meta
	if len(b) < 17 {
		return m
	}
	m.Size = getI64(b[0:8])
	m.LastAccess = getI64(b[8:16])
	m.Compressed = b[16] == 1
	return m
}

func putI64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * uint(i)))
	}
}

func getI64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * uint(i))
	}
	return int64(u)
}

// Store is the L1 content-addressed disk cache.
type Store struct {
	dir         string
	maxSize     int64
	compression bool

	log   log2.Logger
	index *kv.DB

	mu          sync.Mutex
	totalSize   int64
	itemCount   int64
	pinnedBytes int64
	pinnedItems int64
	hot         *lru.Cache // in-memory hot-hash tracker ahead of the on-disk index
}

// New opens (or creates) a LocalBlobStore rooted at dir. Eviction starts
// once the total stored size, pinned blocks included, exceeds maxSize,
// and removes only unpinned blocks; maxSize <= 0 disables eviction.
func New(dir string, maxSize int64, compression bool, log log2.Logger) (*Store, error) {
	if log == nil {
		log = log2.New()
	}
	log = log.New("component", "store.local")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, herr.New(herr.KindIO, "local.New", err)
	}
	idxPath := filepath.Join(dir, "index.kv")
	opts := &kv.Options{}
	db, err := kv.Open(idxPath, opts)
	if err != nil {
		db, err = kv.Create(idxPath, opts)
		if err != nil {
			return nil, herr.New(herr.KindIO, "local.New", err)
		}
	}
	hot, _ := lru.New(4096)
	s := &Store{
		dir:         dir,
		maxSize:     maxSize,
		compression: compression,
		log:         log,
		index:       db,
		hot:         hot,
	}
	if err := s.restoreSize(); err != nil {
		return nil, err
	}
	log.Debug("started", "dir", dir, "max_size", humanize.Bytes(uint64(maxSize)))
	return s, nil
}

func (s *Store) restoreSize() error {
	enum, _, err := s.index.Seek([]byte{metaPrefix})
	if err != nil {
		return herr.New(herr.KindIO, "local.restoreSize", err)
	}
	var total int64
	var count int64
	for {
		k, v, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return herr.New(herr.KindIO, "local.restoreSize", err)
		}
		if len(k) == 0 || k[0] != metaPrefix {
			break
		}
		total += decodeMeta(v).Size
		count++
	}
	s.totalSize = total
	s.itemCount = count

	penum, _, err := s.index.Seek([]byte{pinPrefix})
	if err != nil {
		return herr.New(herr.KindIO, "local.restoreSize", err)
	}
	var pinnedBytes, pinnedItems int64
	for {
		k, v, err := penum.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return herr.New(herr.KindIO, "local.restoreSize", err)
		}
		if len(k) == 0 || k[0] != pinPrefix {
			break
		}
		if getI64(v) <= 0 {
			continue
		}
		var h blob.Hash
		copy(h[:], k[1:])
		if size, ok := s.metaSizeLocked(h); ok {
			pinnedItems++
			pinnedBytes += size
		}
	}
	s.pinnedBytes = pinnedBytes
	s.pinnedItems = pinnedItems
	return nil
}

func (s *Store) shardPath(h blob.Hash) string {
	hex := h.String()
	return filepath.Join(s.dir, hex[0:2], hex[2:4], hex)
}

func metaKey(h blob.Hash) []byte {
	b := make([]byte, 1+blob.HashSize)
	b[0] = metaPrefix
	copy(b[1:], h[:])
	return b
}

func pinKey(h blob.Hash) []byte {
	b := make([]byte, 1+blob.HashSize)
	b[0] = pinPrefix
	copy(b[1:], h[:])
	return b
}

// Put writes data to disk under its content hash, atomically. Put is a
// no-op (besides touching last-access) if the hash is already stored.
func (s *Store) Put(ctx context.Context, data []byte) (blob.Hash, error) {
	h := blob.Sum(data)
	if ok, _ := s.Has(ctx, h); ok {
		s.touch(h)
		return h, nil
	}

	path := s.shardPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return h, herr.New(herr.KindIO, "local.Put", err)
	}

	payload := data
	compressed := false
	if s.compression {
		enc := snappy.Encode(nil, data)
		if len(enc) < len(data) {
			payload = enc
			compressed = true
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return h, herr.New(herr.KindIO, "local.Put", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return h, herr.New(herr.KindIO, "local.Put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return h, herr.New(herr.KindIO, "local.Put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return h, herr.New(herr.KindIO, "local.Put", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return h, herr.New(herr.KindIO, "local.Put", err)
	}

	m := meta{Size: int64(len(data)), LastAccess: time.Now().Unix(), Compressed: compressed}
	s.mu.Lock()
	if err := s.index.Set(metaKey(h), encodeMeta(m)); err != nil {
		s.mu.Unlock()
		return h, herr.New(herr.KindIO, "local.Put", err)
	}
	s.totalSize += m.Size
	s.itemCount++
	s.mu.Unlock()
	s.hot.Add(h, struct{}{})

	s.maybeEvict(ctx)
	return h, nil
}

// Get reads the block stored for hash.
func (s *Store) Get(ctx context.Context, h blob.Hash) ([]byte, error) {
	v, err := s.index.Get(nil, metaKey(h))
	if err != nil {
		return nil, herr.New(herr.KindIO, "local.Get", err)
	}
	if v == nil {
		return nil, herr.New(herr.KindNotFound, "local.Get", nil)
	}
	m := decodeMeta(v)
	raw, err := os.ReadFile(s.shardPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, herr.New(herr.KindCorrupt, "local.Get", fmt.Errorf("indexed but missing on disk: %s", h))
		}
		return nil, herr.New(herr.KindIO, "local.Get", err)
	}
	data := raw
	if m.Compressed {
		data, err = snappy.Decode(nil, raw)
		if err != nil {
			return nil, herr.New(herr.KindCorrupt, "local.Get", err)
		}
	}
	if blob.Sum(data) != h {
		return nil, herr.New(herr.KindCorrupt, "local.Get", fmt.Errorf("hash mismatch for %s", h))
	}
	s.touch(h)
	return data, nil
}

// Has reports whether hash is present in the local store.
func (s *Store) Has(ctx context.Context, h blob.Hash) (bool, error) {
	if _, ok := s.hot.Get(h); ok {
		return true, nil
	}
	v, err := s.index.Get(nil, metaKey(h))
	if err != nil {
		return false, herr.New(herr.KindIO, "local.Has", err)
	}
	return v != nil, nil
}

func (s *Store) touch(h blob.Hash) {
	s.hot.Add(h, struct{}{})
	v, err := s.index.Get(nil, metaKey(h))
	if err != nil || v == nil {
		return
	}
	m := decodeMeta(v)
	m.LastAccess = time.Now().Unix()
	s.index.Set(metaKey(h), encodeMeta(m))
}

// Pin increments hash's pin refcount, exempting it from LRU eviction and
// rejecting Delete while the count is above zero. Multiple independent
// pinners are tracked correctly: hash stays pinned until every Pin has
// a matching Unpin.
func (s *Store) Pin(ctx context.Context, h blob.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.pinCountLocked(h)
	if err != nil {
		return err
	}
	if err := s.index.Set(pinKey(h), encodeI64(int64(count+1))); err != nil {
		return herr.New(herr.KindIO, "local.Pin", err)
	}
	if count == 0 {
		if size, ok := s.metaSizeLocked(h); ok {
			s.pinnedItems++
			s.pinnedBytes += size
		}
	}
	return nil
}

// Unpin decrements hash's pin refcount, removing the pin entirely once
// it reaches zero. Unpinning a hash that isn't pinned is a no-op.
func (s *Store) Unpin(ctx context.Context, h blob.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.pinCountLocked(h)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if count == 1 {
		if err := s.index.Delete(pinKey(h)); err != nil {
			return herr.New(herr.KindIO, "local.Unpin", err)
		}
		if size, ok := s.metaSizeLocked(h); ok {
			s.pinnedItems--
			s.pinnedBytes -= size
		}
		return nil
	}
	if err := s.index.Set(pinKey(h), encodeI64(int64(count-1))); err != nil {
		return herr.New(herr.KindIO, "local.Unpin", err)
	}
	return nil
}

// PinCount reports hash's current pin refcount (0 if never pinned or
// fully unpinned).
func (s *Store) PinCount(ctx context.Context, h blob.Hash) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinCountLocked(h)
}

// pinCountLocked reads the pin refcount. Callers hold s.mu so the
// read-modify-write sequence in Pin/Unpin is atomic with respect to
// concurrent pinners of the same hash.
func (s *Store) pinCountLocked(h blob.Hash) (int, error) {
	v, err := s.index.Get(nil, pinKey(h))
	if err != nil {
		return 0, herr.New(herr.KindIO, "local.PinCount", err)
	}
	if v == nil {
		return 0, nil
	}
	return int(getI64(v)), nil
}

// metaSizeLocked looks up a hash's stored size for pinned-bytes
// bookkeeping. Callers hold s.mu.
func (s *Store) metaSizeLocked(h blob.Hash) (int64, bool) {
	v, err := s.index.Get(nil, metaKey(h))
	if err != nil || v == nil {
		return 0, false
	}
	return decodeMeta(v).Size, true
}

func (s *Store) isPinned(h blob.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, _ := s.pinCountLocked(h)
	return count > 0
}

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	putI64(b, v)
	return b
}

// maybeEvict runs LRU eviction once total size crosses maxSize,
// evicting unpinned hashes oldest-first until size drops back under
// evictHeadroom*maxSize.
func (s *Store) maybeEvict(ctx context.Context) {
	if s.maxSize <= 0 {
		return
	}
	s.mu.Lock()
	over := s.totalSize > s.maxSize
	s.mu.Unlock()
	if !over {
		return
	}
	target := int64(float64(s.maxSize) * evictHeadroom)

	type candidate struct {
		hash blob.Hash
		m    meta
	}
	var candidates []candidate
	enum, _, err := s.index.Seek([]byte{metaPrefix})
	if err != nil {
		s.log.Error("evict: seek failed", "err", err)
		return
	}
	for {
		k, v, err := enum.Next()
		if err == io.EOF {
			break
		}
		if err != nil || len(k) == 0 || k[0] != metaPrefix {
			break
		}
		var h blob.Hash
		copy(h[:], k[1:])
		if s.isPinned(h) {
			continue
		}
		candidates = append(candidates, candidate{hash: h, m: decodeMeta(v)})
	}
	// oldest last-access first
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].m.LastAccess < candidates[j-1].m.LastAccess; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candidates {
		if s.totalSize <= target {
			break
		}
		if err := os.Remove(s.shardPath(c.hash)); err != nil && !os.IsNotExist(err) {
			s.log.Error("evict: remove failed", "hash", c.hash, "err", err)
			continue
		}
		s.index.Delete(metaKey(c.hash))
		s.hot.Remove(c.hash)
		s.totalSize -= c.m.Size
		s.itemCount--
		s.log.Debug("evicted", "hash", c.hash, "size", c.m.Size)
	}
}

// Delete removes the block for hash from disk and the index. Delete
// rejects a hash with a nonzero pin refcount rather than removing it;
// callers must Unpin down to zero first.
func (s *Store) Delete(ctx context.Context, h blob.Hash) error {
	if s.isPinned(h) {
		return herr.New(herr.KindPermissionDenied, "local.Delete", errPinned)
	}
	v, err := s.index.Get(nil, metaKey(h))
	if err != nil {
		return herr.New(herr.KindIO, "local.Delete", err)
	}
	if v == nil {
		return nil
	}
	m := decodeMeta(v)
	if err := os.Remove(s.shardPath(h)); err != nil && !os.IsNotExist(err) {
		return herr.New(herr.KindIO, "local.Delete", err)
	}
	if err := s.index.Delete(metaKey(h)); err != nil {
		return herr.New(herr.KindIO, "local.Delete", err)
	}
	s.mu.Lock()
	s.totalSize -= m.Size
	s.itemCount--
	s.mu.Unlock()
	s.hot.Remove(h)
	return nil
}

var errPinned = pinnedError{}

type pinnedError struct{}

func (pinnedError) Error() string { return "hash is pinned" }

// Close flushes the metadata index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Stats is a snapshot of the local store's current disk usage.
type Stats struct {
	Items       int64
	Bytes       int64
	PinnedItems int64
	PinnedBytes int64
}

// Stats reports current disk usage, for diagnostics and eviction sizing.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Items:       s.itemCount,
		Bytes:       s.totalSize,
		PinnedItems: s.pinnedItems,
		PinnedBytes: s.pinnedBytes,
	}
}

// MaxSize returns the configured eviction ceiling in bytes (0 = unbounded).
func (s *Store) MaxSize() int64 {
	return s.maxSize
}
