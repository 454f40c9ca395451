package local

import (
	"context"
	"testing"

	"github.com/mmalmi/hashtreed/pkg/blob"
	"github.com/mmalmi/hashtreed/pkg/herr"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), maxSize, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	data := []byte("hello hashtree")
	h, err := s.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if h != blob.Sum(data) {
		t.Fatalf("hash mismatch: got %s want %s", h, blob.Sum(data))
	}
	got, err := s.Get(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("data mismatch: got %q want %q", got, data)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	_, err := s.Get(ctx, blob.Sum([]byte("nope")))
	if !herr.Is(err, herr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPinSurvivesEviction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 100)

	pinned := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hp, err := s.Put(ctx, pinned)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Pin(ctx, hp); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		filler := make([]byte, 40)
		for j := range filler {
			filler[j] = byte(i)
		}
		if _, err := s.Put(ctx, filler); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Get(ctx, hp); err != nil {
		t.Fatalf("pinned blob was evicted: %v", err)
	}
}

func TestDeleteRejectsPinnedHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	h, err := s.Put(ctx, []byte("do not delete me"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Pin(ctx, h); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, h); !herr.Is(err, herr.KindPermissionDenied) {
		t.Fatalf("expected PermissionDenied deleting a pinned hash, got %v", err)
	}
	if ok, _ := s.Has(ctx, h); !ok {
		t.Fatal("pinned hash must survive a rejected delete")
	}
	if err := s.Unpin(ctx, h); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, h); err != nil {
		t.Fatalf("delete should succeed once unpinned: %v", err)
	}
	if ok, _ := s.Has(ctx, h); ok {
		t.Fatal("hash should be gone after delete")
	}
}

func TestPinRefcountTracksIndependentPinners(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)
	h, err := s.Put(ctx, []byte("shared by two pinners"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Pin(ctx, h); err != nil {
		t.Fatal(err)
	}
	if err := s.Pin(ctx, h); err != nil {
		t.Fatal(err)
	}
	if n, err := s.PinCount(ctx, h); err != nil || n != 2 {
		t.Fatalf("expected pin count 2, got %d (%v)", n, err)
	}

	if err := s.Unpin(ctx, h); err != nil {
		t.Fatal(err)
	}
	if n, err := s.PinCount(ctx, h); err != nil || n != 1 {
		t.Fatalf("expected pin count 1 after one unpin, got %d (%v)", n, err)
	}
	if err := s.Delete(ctx, h); !herr.Is(err, herr.KindPermissionDenied) {
		t.Fatalf("expected delete still rejected while one pinner remains, got %v", err)
	}

	if err := s.Unpin(ctx, h); err != nil {
		t.Fatal(err)
	}
	if n, err := s.PinCount(ctx, h); err != nil || n != 0 {
		t.Fatalf("expected pin count 0 after both unpins, got %d (%v)", n, err)
	}
	if err := s.Delete(ctx, h); err != nil {
		t.Fatalf("delete should succeed once fully unpinned: %v", err)
	}
}

func TestStatsReportsItemsAndPinnedTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	a, err := s.Put(ctx, []byte("item a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, []byte("item b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Pin(ctx, a); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.Items != 2 {
		t.Fatalf("expected 2 items, got %d", st.Items)
	}
	if st.Bytes != int64(len("item a")+len("item b")) {
		t.Fatalf("expected total bytes to match both items, got %d", st.Bytes)
	}
	if st.PinnedItems != 1 {
		t.Fatalf("expected 1 pinned item, got %d", st.PinnedItems)
	}
	if st.PinnedBytes != int64(len("item a")) {
		t.Fatalf("expected pinned bytes to match item a, got %d", st.PinnedBytes)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), 0, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	data := make([]byte, 4096)
	h, err := s.Put(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(data) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(data))
	}
}
