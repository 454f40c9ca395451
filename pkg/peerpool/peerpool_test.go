package peerpool

import (
	"context"
	"testing"

	"github.com/mmalmi/hashtreed/pkg/nostrpool"
)

func newTestSignaling(t *testing.T) (*nostrpool.Pool, error) {
	t.Helper()
	p, err := nostrpool.New(t.TempDir(), nil, nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { p.Close() })
	return p, nil
}

func TestHelloClassifiesIntoFollowsPool(t *testing.T) {
	pool, err := newTestPool(t, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if err := pool.HandleHello(context.Background(), "follow-pubkey", "sess-1"); err != nil {
		t.Fatal(err)
	}

	stats := pool.GetPeerStats()
	if len(stats) != 1 || stats[0].Pool != PoolFollows {
		t.Fatalf("expected one peer in follows pool, got %+v", stats)
	}
}

func TestHelloRespectsPoolCapacity(t *testing.T) {
	pool, err := newTestPool(t, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if err := pool.HandleHello(context.Background(), "follow-a", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := pool.HandleHello(context.Background(), "follow-b", "s2"); err != nil {
		t.Fatal(err)
	}

	stats := pool.GetPeerStats()
	if len(stats) != 1 {
		t.Fatalf("expected the second follow-pool hello to be dropped, got %+v", stats)
	}
}

func TestDuplicateHelloIsIdempotent(t *testing.T) {
	pool, err := newTestPool(t, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if err := pool.HandleHello(context.Background(), "peer-a", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := pool.HandleHello(context.Background(), "peer-a", "sess-1"); err != nil {
		t.Fatal(err)
	}

	if len(pool.GetPeerStats()) != 1 {
		t.Fatalf("expected duplicate hello for the same session to be a no-op")
	}
}

func allFollows(string) PoolKind { return PoolFollows }

func newTestPool(t *testing.T, followsMax, otherMax int) (*Pool, error) {
	t.Helper()
	sp, err := newTestSignaling(t)
	if err != nil {
		return nil, err
	}
	return New(sp, "our-pubkey", followsMax, otherMax, allFollows, nil), nil
}
