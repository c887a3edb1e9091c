package holepunch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}
	return addr
}

func TestExecuteRelayReturnsImmediately(t *testing.T) {
	e := New(func(*net.UDPAddr) error { return nil })
	result, err := e.Execute(context.Background(), "peer1", Relay, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Strategy != Relay || result.Success {
		t.Errorf("result = %+v, want non-success relay result", result)
	}
}

func TestExecuteSimultaneousSucceedsOnResponse(t *testing.T) {
	var sent int
	var mu sync.Mutex
	e := New(func(*net.UDPAddr) error {
		mu.Lock()
		sent++
		mu.Unlock()
		return nil
	})

	candidate := udpAddr(t, "203.0.113.1:4000")
	go func() {
		time.Sleep(60 * time.Millisecond)
		e.HandlePunchResponse("peer1", candidate)
	}()

	result, err := e.Execute(context.Background(), "peer1", Simultaneous, []*net.UDPAddr{candidate})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success once a punch response arrives")
	}
	if result.RemoteAddr.String() != candidate.String() {
		t.Errorf("RemoteAddr = %v, want %v", result.RemoteAddr, candidate)
	}

	mu.Lock()
	defer mu.Unlock()
	if sent == 0 {
		t.Error("expected at least one probe to have been sent")
	}
}

func TestExecutePeerInitiatesDoesNotSend(t *testing.T) {
	sent := false
	e := New(func(*net.UDPAddr) error {
		sent = true
		return nil
	})

	candidate := udpAddr(t, "203.0.113.1:4000")
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.HandlePunchResponse("peer1", candidate)
	}()

	result, err := e.Execute(context.Background(), "peer1", PeerInitiates, []*net.UDPAddr{candidate})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success once the peer's probe lands")
	}
	if sent {
		t.Error("peer_initiates side should not actively send probes")
	}
}

func TestExecuteYouInitiateExpandsPortWindow(t *testing.T) {
	seen := make(map[int]bool)
	var mu sync.Mutex
	e := New(func(addr *net.UDPAddr) error {
		mu.Lock()
		seen[addr.Port] = true
		mu.Unlock()
		return nil
	})

	candidate := udpAddr(t, "203.0.113.1:4000")
	go func() {
		time.Sleep(60 * time.Millisecond)
		e.HandlePunchResponse("peer1", candidate)
	}()

	_, err := e.Execute(context.Background(), "peer1", YouInitiate, []*net.UDPAddr{candidate})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2*PortPredictionWindow+1 {
		t.Errorf("expected probes across the full prediction window, saw %d distinct ports", len(seen))
	}
	if !seen[4000] {
		t.Error("expected the base candidate port itself to be probed")
	}
}

func TestExecuteTimesOutWithoutResponse(t *testing.T) {
	e := New(func(*net.UDPAddr) error { return nil })
	candidate := udpAddr(t, "203.0.113.1:4000")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	result, err := e.Execute(ctx, "peer1", Simultaneous, []*net.UDPAddr{candidate})
	if err == nil {
		t.Fatal("expected an error when no response ever arrives")
	}
	if result.Success {
		t.Error("result should not report success on timeout")
	}
}

func TestHandlePunchResponseIgnoresUnknownPeer(t *testing.T) {
	e := New(func(*net.UDPAddr) error { return nil })
	// Should not panic or block when there's no pending session.
	e.HandlePunchResponse("nobody", udpAddr(t, "203.0.113.1:4000"))
}

func TestExpandWithPredictionsCoversWindow(t *testing.T) {
	base := udpAddr(t, "203.0.113.1:4000")
	expanded := expandWithPredictions([]*net.UDPAddr{base})
	if len(expanded) != 2*PortPredictionWindow+1 {
		t.Fatalf("len(expanded) = %d, want %d", len(expanded), 2*PortPredictionWindow+1)
	}
	ports := make(map[int]bool)
	for _, a := range expanded {
		ports[a.Port] = true
	}
	for offset := -PortPredictionWindow; offset <= PortPredictionWindow; offset++ {
		if !ports[4000+offset] {
			t.Errorf("missing predicted port %d", 4000+offset)
		}
	}
}
