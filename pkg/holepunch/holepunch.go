// Package holepunch executes the mesh's NAT-traversal strategies once the
// rendezvous server has told two peers how to reach each other.
package holepunch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/obs"
)

// Strategy names the coordinated approach two peers should take, decided
// by the rendezvous server from each side's NAT classification.
type Strategy string

const (
	// Simultaneous: both sides are cone-ish enough that a synchronized
	// burst from both ends usually opens both pinholes at once.
	Simultaneous Strategy = "simultaneous"
	// YouInitiate: this side is behind a symmetric NAT and must predict
	// the peer's next allocated port and burst toward a window of
	// candidates.
	YouInitiate Strategy = "you_initiate"
	// PeerInitiates: the peer is behind the symmetric NAT; this side
	// only needs to wait and reply to whatever first lands from it.
	PeerInitiates Strategy = "peer_initiates"
	// Relay: traversal isn't expected to succeed; fall back immediately.
	Relay Strategy = "relay"
)

const (
	// Deadline bounds the whole punch attempt, across every burst phase.
	Deadline = 8 * time.Second

	// burstInterval is the spacing between probes within a burst.
	burstInterval = 50 * time.Millisecond
	burstCount    = 20

	// PortPredictionWindow is how many ports on either side of a
	// symmetric NAT's most recently observed mapping get probed.
	PortPredictionWindow = 8
)

// Sender transmits a raw punch probe to addr. The reactor supplies this,
// since it owns the UDP socket exclusively; the engine never touches the
// network directly.
type Sender func(addr *net.UDPAddr) error

// Result is what a punch attempt produced.
type Result struct {
	Success    bool
	RemoteAddr *net.UDPAddr
	Strategy   Strategy
	Attempts   int
}

type session struct {
	resultCh chan *net.UDPAddr
}

// Engine runs punch strategies for many peers concurrently; each peer's
// attempt is independent so one slow negotiation never blocks another.
type Engine struct {
	send Sender

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a punch engine that uses send to transmit probes.
func New(send Sender) *Engine {
	return &Engine{
		send:     send,
		sessions: make(map[string]*session),
	}
}

// HandlePunchResponse is called by the reactor when an authenticated
// datagram arrives from peerKey during an active punch attempt,
// completing that peer's pending session if one exists.
func (e *Engine) HandlePunchResponse(peerKey string, addr *net.UDPAddr) {
	e.mu.Lock()
	sess, ok := e.sessions[peerKey]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sess.resultCh <- addr:
	default:
	}
}

// Execute runs strategy against candidates for peerKey, blocking until it
// succeeds, the deadline elapses, ctx is canceled, or (for the bursting
// strategies) burstCount bursts have gone out without a reply.
func (e *Engine) Execute(ctx context.Context, peerKey string, strategy Strategy, candidates []*net.UDPAddr) (*Result, error) {
	ctx, span := obs.HolepunchTracer.Start(ctx, "holepunch.execute")
	defer span.End()

	if strategy == Relay {
		return &Result{Strategy: Relay}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	sess := &session{resultCh: make(chan *net.UDPAddr, 1)}
	e.mu.Lock()
	e.sessions[peerKey] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, peerKey)
		e.mu.Unlock()
	}()

	targets := candidates
	if strategy == YouInitiate {
		targets = expandWithPredictions(candidates)
	}

	attempts := 0
	ticker := time.NewTicker(burstInterval)
	defer ticker.Stop()

	if strategy == PeerInitiates {
		// The peer is the symmetric side and will burst toward us; we
		// just wait for the first authenticated reply to land.
		select {
		case addr := <-sess.resultCh:
			return &Result{Success: true, RemoteAddr: addr, Strategy: strategy, Attempts: 0}, nil
		case <-ctx.Done():
			return &Result{Strategy: strategy}, fmt.Errorf("holepunch: peer_initiates wait for %s: %w", peerKey, ctx.Err())
		}
	}

	for attempts < burstCount {
		select {
		case addr := <-sess.resultCh:
			return &Result{Success: true, RemoteAddr: addr, Strategy: strategy, Attempts: attempts}, nil
		case <-ctx.Done():
			return &Result{Strategy: strategy, Attempts: attempts}, fmt.Errorf("holepunch: %s to %s: %w", strategy, peerKey, ctx.Err())
		case <-ticker.C:
			for _, addr := range targets {
				e.send(addr)
			}
			attempts++
		}
	}

	return &Result{Strategy: strategy, Attempts: attempts}, fmt.Errorf("holepunch: %s to %s: exhausted %d attempts", strategy, peerKey, attempts)
}

// expandWithPredictions adds a window of port-shifted candidates around
// each base candidate, covering the common case of a symmetric NAT that
// allocates ports sequentially per destination.
func expandWithPredictions(candidates []*net.UDPAddr) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(candidates)*(2*PortPredictionWindow+1))
	for _, base := range candidates {
		out = append(out, base)
		for offset := -PortPredictionWindow; offset <= PortPredictionWindow; offset++ {
			if offset == 0 {
				continue
			}
			port := base.Port + offset
			if port < 1 || port > 65535 {
				continue
			}
			predicted := &net.UDPAddr{IP: base.IP, Port: port, Zone: base.Zone}
			out = append(out, predicted)
		}
	}
	return out
}
