package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
)

func TestReportDedupsWithinTTL(t *testing.T) {
	b := New([20]byte{1, 2, 3}, nil)

	var calls int
	b.SetOnPeerFound(func(addr *net.UDPAddr) { calls++ })

	addr := krpc.NodeAddr{IP: net.ParseIP("203.0.113.5"), Port: 6881}
	b.report(addr)
	b.report(addr)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second report should dedup)", calls)
	}
}

func TestReportCallsBackWithResolvedAddr(t *testing.T) {
	b := New([20]byte{1, 2, 3}, nil)

	var got *net.UDPAddr
	done := make(chan struct{})
	b.SetOnPeerFound(func(addr *net.UDPAddr) {
		got = addr
		close(done)
	})

	addr := krpc.NodeAddr{IP: net.ParseIP("203.0.113.5"), Port: 6881}
	b.report(addr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onPeerFound was not invoked")
	}
	if got == nil || got.Port != 6881 {
		t.Errorf("got = %v, want port 6881", got)
	}
}

func TestReportIgnoredWithoutCallback(t *testing.T) {
	b := New([20]byte{1, 2, 3}, nil)
	// Must not panic when no callback is registered yet.
	b.report(krpc.NodeAddr{IP: net.ParseIP("203.0.113.5"), Port: 6881})
}
