package tiered

import (
	"context"
	"sync"
	"testing"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
	"github.com/mmalmi/hashtreed/pkg/store/local"
)

type memStore struct {
	mu   sync.Mutex
	data map[blob.Hash][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[blob.Hash][]byte)}
}

func (m *memStore) Put(ctx context.Context, data []byte) (blob.Hash, error) {
	h := blob.Sum(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[h] = append([]byte(nil), data...)
	return h, nil
}

func (m *memStore) Get(ctx context.Context, h blob.Hash) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[h]
	if !ok {
		return nil, herr.New(herr.KindNotFound, "memStore.Get", nil)
	}
	return d, nil
}

func (m *memStore) Has(ctx context.Context, h blob.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[h]
	return ok, nil
}

func (m *memStore) Pin(ctx context.Context, h blob.Hash) error   { return nil }
func (m *memStore) Unpin(ctx context.Context, h blob.Hash) error { return nil }
func (m *memStore) PinCount(ctx context.Context, h blob.Hash) (int, error) {
	return 0, nil
}
func (m *memStore) Delete(ctx context.Context, h blob.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, h)
	return nil
}

func TestGetFallsBackToRemoteAndCaches(t *testing.T) {
	ctx := context.Background()
	l, err := local.New(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	remote := newMemStore()
	ts := New(l, remote, nil)

	data := []byte("remote-only blob")
	h, _ := remote.Put(ctx, data)

	got, err := ts.Get(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("data mismatch: %q", got)
	}

	if ok, _ := l.Has(ctx, h); !ok {
		t.Fatal("expected remote hit to populate local cache")
	}
}

func TestPutWritesLocalOnly(t *testing.T) {
	ctx := context.Background()
	l, err := local.New(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	remote := newMemStore()
	ts := New(l, remote, nil)

	data := []byte("local-only write")
	h, err := ts.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := l.Has(ctx, h); !ok {
		t.Fatal("expected local write")
	}
	if ok, _ := remote.Has(ctx, h); ok {
		t.Fatal("Put must not implicitly replicate to remote")
	}
}

func TestPushToRemoteUploadsLocalBlocks(t *testing.T) {
	ctx := context.Background()
	l, err := local.New(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	remote := newMemStore()
	ts := New(l, remote, nil)

	data := []byte("block to push")
	h, err := ts.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.PushToRemote(ctx, []blob.Hash{h}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := remote.Has(ctx, h); !ok {
		t.Fatal("expected explicit push to replicate to remote")
	}
}

func TestGetMissingEverywhere(t *testing.T) {
	ctx := context.Background()
	l, err := local.New(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	ts := New(l, newMemStore(), nil)
	if _, err := ts.Get(ctx, blob.Sum([]byte("absent"))); !herr.Is(err, herr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
