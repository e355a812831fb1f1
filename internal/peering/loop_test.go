package peering

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/kvsbgp/kvsbgp/internal/codec"
	"github.com/kvsbgp/kvsbgp/internal/kv"
	"github.com/kvsbgp/kvsbgp/internal/reassembly"
	"github.com/kvsbgp/kvsbgp/internal/store"
)

type fakeTransport struct {
	inbound   chan RouteEvent
	announced []netip.Addr
	withdrawn []netip.Addr
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan RouteEvent, 16)}
}

func (f *fakeTransport) Announce(ctx context.Context, prefix, nextHop netip.Addr) error {
	f.announced = append(f.announced, prefix)
	return nil
}

func (f *fakeTransport) Withdraw(ctx context.Context, prefix, nextHop netip.Addr) error {
	f.withdrawn = append(f.withdrawn, prefix)
	return nil
}

func (f *fakeTransport) Inbound() <-chan RouteEvent { return f.inbound }

func TestLoopOutboundAnnouncesInsertedKey(t *testing.T) {
	c := kv.StringCodec{}
	st := store.New[string, string](c, c, nil)
	buf := reassembly.New(0, nil)
	outbound := make(chan store.Update, 4)
	transport := newFakeTransport()

	loop := New[string, string](transport, st, buf, c, c, outbound, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	upd, err := st.Insert("k", "v")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	outbound <- upd

	waitFor(t, func() bool { return len(transport.announced) == len(upd.Announce.Routes) })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop.Run returned error: %v", err)
	}
}

func TestLoopInboundAppliesToStore(t *testing.T) {
	c := kv.StringCodec{}
	st := store.New[string, string](c, c, nil)
	buf := reassembly.New(0, nil)
	outbound := make(chan store.Update, 4)
	transport := newFakeTransport()

	loop := New[string, string](transport, st, buf, c, c, outbound, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	pair := kv.New[string, string](c, "peerkey", "peerval")
	rc, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for _, r := range rc.Routes {
		transport.inbound <- RouteEvent{Kind: EventAnnounce, Prefix: r.Prefix.Addr(), NextHop: r.NextHop.Addr()}
	}

	waitFor(t, func() bool {
		v, ok := st.Get("peerkey")
		return ok && v == "peerval"
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop.Run returned error: %v", err)
	}
}

func TestLoopInboundWithdrawRemovesFromStore(t *testing.T) {
	c := kv.StringCodec{}
	st := store.New[string, string](c, c, nil)
	buf := reassembly.New(0, nil)
	outbound := make(chan store.Update, 4)
	transport := newFakeTransport()

	pair := kv.New[string, string](c, "peerkey", "peerval")
	st.ApplyFromPeer(pair)

	loop := New[string, string](transport, st, buf, c, c, outbound, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	rc, err := codec.Encode(c, c, pair)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	transport.inbound <- RouteEvent{Kind: EventWithdraw, Prefix: rc.Routes[0].Prefix.Addr(), NextHop: rc.Routes[0].NextHop.Addr()}

	waitFor(t, func() bool {
		_, ok := st.Get("peerkey")
		return !ok
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop.Run returned error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
