package reassembly

import (
	"testing"
	"time"

	"github.com/kvsbgp/kvsbgp/internal/codec"
	"github.com/kvsbgp/kvsbgp/internal/kv"
)

func encodeFixture(t *testing.T, key, value string) codec.RouteCollection {
	t.Helper()
	c := kv.StringCodec{}
	pair := kv.New[string, string](c, key, value)
	rc, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return rc
}

// rawCodec serializes a string as its bare bytes with no length prefix, so
// a short pair fits in one route: StringCodec's two 8-byte length prefixes
// alone make 4+8+8 = 20 bytes, which always needs at least 2 routes.
type rawCodec struct{}

func (rawCodec) Encode(v string) []byte          { return []byte(v) }
func (rawCodec) Decode(b []byte) (string, error) { return string(b), nil }

func TestFeedSingleRouteCompletesImmediately(t *testing.T) {
	r := rawCodec{}
	rc, err := codec.Encode[string, string](r, r, kv.New[string, string](r, "k", "v"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(rc.Routes) != 1 {
		t.Fatalf("fixture should encode to exactly 1 route, got %d", len(rc.Routes))
	}

	b := New(0, nil)
	got := b.Feed(rc.Routes[0])
	if got == nil {
		t.Fatal("expected immediate completion for a single-route collection")
	}
	if len(got.Routes) != 1 {
		t.Errorf("completed collection has %d routes, want 1", len(got.Routes))
	}
}

func TestFeedMultiRouteCompletesOnLastFragment(t *testing.T) {
	rc := encodeFixture(t, "k", "a fairly long value that spans multiple routes for sure")
	if len(rc.Routes) < 2 {
		t.Fatalf("fixture must encode to at least 2 routes, got %d", len(rc.Routes))
	}

	b := New(0, nil)
	for i, r := range rc.Routes[:len(rc.Routes)-1] {
		if got := b.Feed(r); got != nil {
			t.Fatalf("route %d should not complete the collection yet", i)
		}
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 pending key hash, got %d", b.Len())
	}

	got := b.Feed(rc.Routes[len(rc.Routes)-1])
	if got == nil {
		t.Fatal("expected completion on the last fragment")
	}
	if len(got.Routes) != len(rc.Routes) {
		t.Errorf("completed collection has %d routes, want %d", len(got.Routes), len(rc.Routes))
	}
	if b.Len() != 0 {
		t.Errorf("pending entry should be removed after completion, Len()=%d", b.Len())
	}
}

func TestFeedIsIdempotentForDuplicateSequence(t *testing.T) {
	rc := encodeFixture(t, "k", "a fairly long value that spans multiple routes for sure")
	if len(rc.Routes) < 2 {
		t.Fatalf("fixture must encode to at least 2 routes, got %d", len(rc.Routes))
	}

	b := New(0, nil)
	b.Feed(rc.Routes[0])
	b.Feed(rc.Routes[0]) // duplicate delivery, e.g. BGP retransmission
	if b.Len() != 1 {
		t.Fatalf("duplicate fragment should not create a second pending entry")
	}

	var got *codec.RouteCollection
	for _, r := range rc.Routes[1:] {
		got = b.Feed(r)
	}
	if got == nil || len(got.Routes) != len(rc.Routes) {
		t.Fatal("collection should still complete correctly after a duplicate fragment")
	}
}

func TestFeedSupersedesOnHigherVersion(t *testing.T) {
	c := kv.StringCodec{}
	pair := kv.New[string, string](c, "k", "a fairly long value that spans multiple routes for this test")
	v1, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode v1 failed: %v", err)
	}
	if len(v1.Routes) < 2 {
		t.Fatalf("fixture must encode to at least 2 routes, got %d", len(v1.Routes))
	}

	pair.Update("a different, newer value for this very same key right here")
	v2, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode v2 failed: %v", err)
	}

	b := New(0, nil)
	b.Feed(v1.Routes[0]) // partial v1, never completed

	var got *codec.RouteCollection
	for _, r := range v2.Routes {
		got = b.Feed(r)
	}
	if got == nil {
		t.Fatal("expected the full v2 delivery to complete, superseding the partial v1 entry")
	}
	decoded, err := codec.Decode[string, string](c, c, *got)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Version != pair.Version {
		t.Errorf("completed collection decodes to version %d, want %d", decoded.Version, pair.Version)
	}
}

func TestFeedDropsStaleVersionFragment(t *testing.T) {
	c := kv.StringCodec{}
	pair := kv.New[string, string](c, "k", "a fairly long value that spans multiple routes for this test")
	v1, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode v1 failed: %v", err)
	}

	pair.Update("a different, newer value for this very same key right here")
	v2, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode v2 failed: %v", err)
	}

	if len(v2.Routes) < 2 {
		t.Fatalf("fixture must encode to at least 2 routes, got %d", len(v2.Routes))
	}

	b := New(0, nil)
	for _, r := range v2.Routes[:len(v2.Routes)-1] {
		b.Feed(r)
	}
	// A stale v1 fragment arriving while v2 is still pending is older than
	// the pending entry: it must be dropped, neither completing nor
	// corrupting the v2 reassembly.
	if got := b.Feed(v1.Routes[0]); got != nil {
		t.Fatal("a stale-version fragment must never complete a collection")
	}
	got := b.Feed(v2.Routes[len(v2.Routes)-1])
	if got == nil {
		t.Fatal("v2 should still complete after the stale fragment was dropped")
	}
	decoded, err := codec.Decode[string, string](c, c, *got)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Version != pair.Version {
		t.Errorf("completed collection decodes to version %d, want %d", decoded.Version, pair.Version)
	}
}

func TestPurgeRemovesPendingEntry(t *testing.T) {
	rc := encodeFixture(t, "k", "a fairly long value that spans multiple routes for sure")
	b := New(0, nil)
	b.Feed(rc.Routes[0])
	if b.Len() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", b.Len())
	}
	b.Purge(rc.Routes[0].NextHop.KeyHash())
	if b.Len() != 0 {
		t.Errorf("Purge should remove the pending entry, Len()=%d", b.Len())
	}
}

func TestEvictStaleRemovesIdleEntries(t *testing.T) {
	rc := encodeFixture(t, "k", "a fairly long value that spans multiple routes for sure")
	b := New(1*time.Millisecond, nil)
	b.Feed(rc.Routes[0])
	time.Sleep(5 * time.Millisecond)

	evicted := b.EvictStale()
	if evicted != 1 {
		t.Errorf("EvictStale() = %d, want 1", evicted)
	}
	if b.Len() != 0 {
		t.Errorf("expected buffer empty after eviction, Len()=%d", b.Len())
	}
}

func TestEvictStaleKeepsFreshEntries(t *testing.T) {
	rc := encodeFixture(t, "k", "a fairly long value that spans multiple routes for sure")
	b := New(1*time.Hour, nil)
	b.Feed(rc.Routes[0])

	if evicted := b.EvictStale(); evicted != 0 {
		t.Errorf("EvictStale() = %d, want 0 for a fresh entry", evicted)
	}
	if b.Len() != 1 {
		t.Errorf("fresh entry should remain pending, Len()=%d", b.Len())
	}
}
