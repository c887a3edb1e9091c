package reactor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/chanmux"
	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/pathmgr"
	"github.com/omerta-mesh/meshnode/pkg/registry"
	"github.com/omerta-mesh/meshnode/pkg/wire"
)

func testPeer(b byte) identity.PeerID {
	var id identity.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

// linkPeers records, in self's registry, a record for peer carrying the
// direction keys self would have derived after a handshake, plus a live
// active path at peerAddr.
func linkPeers(t *testing.T, networkKey []byte, reg *registry.Registry, self, peer identity.PeerID, peerAddr string) {
	t.Helper()
	rec, ok := reg.GetOrCreate(peer)
	if !ok {
		t.Fatal("GetOrCreate peer failed")
	}
	keys, err := wire.DeriveDirectionKeys(networkKey, self, peer)
	if err != nil {
		t.Fatalf("DeriveDirectionKeys: %v", err)
	}
	rec.Keys = &keys
	rec.ActivePath = &registry.Candidate{Addr: peerAddr, Verified: true}
}

func newTestReactor(t *testing.T, selfID identity.PeerID, reg *registry.Registry) *Reactor {
	t.Helper()
	r := New(Config{
		SelfID:   selfID,
		Registry: reg,
		Mux:      chanmux.New(),
		PathMgr:  pathmgr.New(nil),
		Log:      slog.Default(),
	})
	if err := r.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestSendOnChannelDeliversAcrossTwoReactors(t *testing.T) {
	networkKey := make([]byte, 32)
	for i := range networkKey {
		networkKey[i] = byte(i)
	}
	alice := testPeer(0xAA)
	bob := testPeer(0xBB)

	regA := registry.New()
	regB := registry.New()

	reactorA := newTestReactor(t, alice, regA)
	reactorB := newTestReactor(t, bob, regB)

	linkPeers(t, networkKey, regA, alice, bob, reactorB.conn.LocalAddr().String())
	linkPeers(t, networkKey, regB, bob, alice, reactorA.conn.LocalAddr().String())

	var mu sync.Mutex
	var gotPeer identity.PeerID
	var gotPayload []byte
	received := make(chan struct{})
	reactorB.mux.OnChannel("chat", func(p identity.PeerID, payload []byte) {
		mu.Lock()
		gotPeer = p
		gotPayload = append([]byte(nil), payload...)
		mu.Unlock()
		close(received)
	})

	if err := reactorA.SendOnChannel(bob, "chat", []byte("hello bob")); err != nil {
		t.Fatalf("SendOnChannel: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPeer != alice {
		t.Errorf("handler saw peer %s, want %s", gotPeer, alice)
	}
	if string(gotPayload) != "hello bob" {
		t.Errorf("handler saw payload %q, want %q", gotPayload, "hello bob")
	}
}

func TestSendOnChannelErrorsWithoutActivePath(t *testing.T) {
	reg := registry.New()
	r := newTestReactor(t, testPeer(0x01), reg)

	peer := testPeer(0x02)
	if err := r.SendOnChannel(peer, "chat", []byte("x")); err == nil {
		t.Error("expected error sending to a peer with no active path")
	}
}

func TestSendOnChannelRejectedAfterStop(t *testing.T) {
	reg := registry.New()
	r := New(Config{
		SelfID:   testPeer(0x01),
		Registry: reg,
		Mux:      chanmux.New(),
		PathMgr:  pathmgr.New(nil),
		Log:      slog.Default(),
	})
	if err := r.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()

	if err := r.SendOnChannel(testPeer(0x02), "chat", []byte("x")); err != ErrShuttingDown {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestHandleInboundDropsUnauthenticatedDatagram(t *testing.T) {
	reg := registry.New()
	r := newTestReactor(t, testPeer(0x01), reg)

	garbage := make([]byte, 64)
	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}

	// handleInbound must not panic on noise with no matching registry
	// entry; it should simply drop the datagram.
	r.handleInbound(from, garbage)
}

func TestHandleInboundFeedsHolePunchSession(t *testing.T) {
	networkKey := make([]byte, 32)
	for i := range networkKey {
		networkKey[i] = byte(i)
	}
	alice := testPeer(0xAA)
	bob := testPeer(0xBB)

	regA := registry.New()
	reactorA := newTestReactor(t, alice, regA)

	aliceSideKeys, err := wire.DeriveDirectionKeys(networkKey, alice, bob)
	if err != nil {
		t.Fatalf("DeriveDirectionKeys: %v", err)
	}
	recB, _ := regA.GetOrCreate(bob)
	recB.Keys = &aliceSideKeys

	bobSideKeys, err := wire.DeriveDirectionKeys(networkKey, bob, alice)
	if err != nil {
		t.Fatalf("DeriveDirectionKeys: %v", err)
	}
	sealed, err := wire.Seal(bobSideKeys.Tx, bob, 1, chanmux.Frame(1, []byte("probe-reply")))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	waitCh := make(chan *net.UDPAddr, 1)
	go func() {
		result, _ := reactorA.punch.Execute(context.Background(), bob.String(), "simultaneous", nil)
		if result != nil && result.Success {
			waitCh <- result.RemoteAddr
		} else {
			waitCh <- nil
		}
	}()

	// Give Execute a moment to register its session before delivering.
	time.Sleep(20 * time.Millisecond)
	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5555}
	reactorA.handleInbound(from, sealed)

	select {
	case got := <-waitCh:
		if got == nil || got.String() != from.String() {
			t.Errorf("HandlePunchResponse addr = %v, want %v", got, from)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for punch session to resolve")
	}
}

func TestSweepLoopInvokesRegistrySweep(t *testing.T) {
	reg := registry.New()
	r := newTestReactor(t, testPeer(0x01), reg)

	rec, _ := reg.GetOrCreate(testPeer(0x02))
	reg.SetState(rec, registry.StateDead)
	rec.LastInbound = time.Now().Add(-registry.RemoveAfter - time.Second)

	deadline := time.Now().Add(sweepInterval + 2*time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get(testPeer(0x02)); !ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = r
	t.Error("sweep loop did not remove the dead peer in time")
}
