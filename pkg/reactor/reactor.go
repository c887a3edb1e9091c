// Package reactor is the mesh's cooperative scheduler: it owns the UDP
// socket and every timer, and runs inbound datagram handling and registry
// sweeps as tasks on a single task-processing goroutine. Other work runs
// off that goroutine: the exported methods (SendOnChannel, Punch, RawSend)
// execute on the caller's goroutine, and the sweep ticker's path
// maintenance runs on its own goroutine, so peer records are also changed
// outside the task loop.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/meshnode/pkg/chanmux"
	"github.com/omerta-mesh/meshnode/pkg/holepunch"
	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/pathmgr"
	"github.com/omerta-mesh/meshnode/pkg/registry"
	"github.com/omerta-mesh/meshnode/pkg/relay"
	"github.com/omerta-mesh/meshnode/pkg/signaling"
	"github.com/omerta-mesh/meshnode/pkg/wire"
)

// ErrShuttingDown is returned by caller-facing operations once Stop has
// begun; the reactor stops accepting new work as the first step of its
// shutdown sequence.
var ErrShuttingDown = errors.New("reactor: shutting down")

const (
	// DrainTimeout bounds how long Stop waits for in-flight outbound
	// sends to finish before it gives up and proceeds anyway.
	DrainTimeout = 30 * time.Second

	sweepInterval = 10 * time.Second

	// pathProbeTimeout bounds a single maintenance probe to a candidate
	// address.
	pathProbeTimeout = 3 * time.Second
)

// punchProbe is the raw datagram a hole-punch burst sends. It carries no
// authentication of its own — its only job is to open a NAT pinhole. The
// peer's reply lands as a normal sealed envelope, which is what actually
// confirms the path (see handleInbound).
var punchProbe = []byte("omerta-mesh-punch")

// Writer transmits a raw datagram to addr. Production use backs this
// with the reactor's own *net.UDPConn; tests inject a fake.
type Writer func(addr *net.UDPAddr, data []byte) error

// Config gathers everything a Reactor needs to run a single mesh network
// instance.
type Config struct {
	SelfID     identity.PeerID
	NetworkKey []byte
	Registry   *registry.Registry
	Mux        *chanmux.Mux
	PathMgr    *pathmgr.Manager
	Punch      *holepunch.Engine // optional; Start builds a default one bound to its own socket if nil
	Signaling  *signaling.Client // optional
	RelayAddr  *net.UDPAddr      // optional
	Log        *slog.Logger
}

// Reactor is one mesh instance's event loop. Inbound datagrams and
// registry sweeps are processed on its single task-processing goroutine;
// the package doc lists the work that runs elsewhere.
type Reactor struct {
	selfID     identity.PeerID
	networkKey []byte
	registry   *registry.Registry
	mux        *chanmux.Mux
	path       *pathmgr.Manager
	punch      *holepunch.Engine
	sig        *signaling.Client
	relayAddr  *net.UDPAddr
	log        *slog.Logger

	conn  *net.UDPConn
	write Writer

	tasks   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup

	outboundInFlight sync.WaitGroup
	shuttingDown     atomic.Bool
}

// New creates a Reactor. Call Start to open its socket and begin
// processing.
func New(cfg Config) *Reactor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Reactor{
		selfID:     cfg.SelfID,
		networkKey: cfg.NetworkKey,
		registry:   cfg.Registry,
		mux:        cfg.Mux,
		path:       cfg.PathMgr,
		punch:      cfg.Punch,
		sig:        cfg.Signaling,
		relayAddr:  cfg.RelayAddr,
		log:        log,
		tasks:      make(chan func(), 256),
	}
}

// Start binds localAddr as the reactor's UDP socket and launches its
// background loops. ctx bounds the reactor's whole lifetime; cancel it or
// call Stop to begin an orderly shutdown.
func (r *Reactor) Start(ctx context.Context, localAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return fmt.Errorf("reactor: resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("reactor: listen %s: %w", localAddr, err)
	}
	r.conn = conn
	r.write = func(addr *net.UDPAddr, data []byte) error {
		_, err := conn.WriteToUDP(data, addr)
		return err
	}
	if r.punch == nil {
		r.punch = holepunch.New(func(addr *net.UDPAddr) error {
			return r.write(addr, punchProbe)
		})
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	r.loopWG.Add(3)
	go r.readLoop()
	go r.taskLoop()
	go r.sweepLoop()

	if r.sig != nil {
		r.loopWG.Add(1)
		go func() {
			defer r.loopWG.Done()
			r.sig.Run(r.ctx)
		}()
	}

	r.log.Info("reactor started", "addr", conn.LocalAddr().String())
	return nil
}

func (r *Reactor) readLoop() {
	defer r.loopWG.Done()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		from := from
		r.post(func() { r.handleInbound(from, datagram) })
	}
}

func (r *Reactor) taskLoop() {
	defer r.loopWG.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case task := <-r.tasks:
			task()
		}
	}
}

func (r *Reactor) sweepLoop() {
	defer r.loopWG.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.post(func() {
				removed := r.registry.Sweep()
				if r.path != nil {
					for _, id := range removed {
						r.path.ForgetPeer(id.String())
					}
				}
			})
			// maintainPaths makes real network round trips (via
			// r.punch.Execute), so it runs on this ticker's own
			// goroutine rather than blocking the single task queue
			// that also has to deliver the probe responses it's
			// waiting on.
			r.maintainPaths()
		}
	}
}

// maintainPaths drives the path manager's continuous promote/demote/evict
// cycle for every peer with an active path: non-active candidates are
// probed so ShouldPromote has fresh data to decide on, the active path
// itself is probed to catch failures worth demoting over, and any
// candidate that crosses the eviction threshold is dropped for good. A
// failed active-path probe also feeds registry.RecordProbeFailure, which
// is what eventually carries a stale, unresponsive peer to dead.
func (r *Reactor) maintainPaths() {
	if r.path == nil {
		return
	}
	for _, rec := range r.registry.All() {
		active := r.registry.ActivePath(rec)
		if active == nil {
			continue
		}
		peerKey := rec.ID.String()

		for _, c := range r.registry.CandidateSnapshot(rec) {
			if c == active {
				continue
			}
			if r.probeCandidate(rec, peerKey, c) {
				r.registry.RemoveCandidate(rec, c)
				r.path.ForgetCandidate(peerKey, c)
				continue
			}
			if r.path.ShouldPromote(peerKey, active, c) {
				r.log.Info("pathmgr: promoting candidate", "peer", peerKey, "addr", c.Addr)
				r.registry.SetActivePath(rec, c)
				active = c
			}
		}

		if r.probeCandidate(rec, peerKey, active) {
			r.log.Info("pathmgr: active path evicted", "peer", peerKey, "addr", active.Addr)
			r.registry.RemoveCandidate(rec, active)
			r.path.ForgetCandidate(peerKey, active)
			r.registry.SetActivePath(rec, r.path.Best(peerKey, r.registry.CandidateSnapshot(rec)))
			continue
		}

		if r.path.ShouldDemote(peerKey, active) {
			if next := r.path.Best(peerKey, r.registry.CandidateSnapshot(rec)); next != nil && next != active {
				r.log.Info("pathmgr: demoting active path", "peer", peerKey, "from", active.Addr, "to", next.Addr)
				r.registry.SetActivePath(rec, next)
			}
		}
	}
}

// probeCandidate sends a single round-trip probe to c and records the
// result with the path manager. It returns true once c has crossed the
// eviction failure threshold. A failed probe against the peer's current
// active path also counts against the registry's liveness state machine.
func (r *Reactor) probeCandidate(rec *registry.Record, peerKey string, c *registry.Candidate) (evict bool) {
	addr, err := net.ResolveUDPAddr("udp", c.Addr)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(r.ctx, pathProbeTimeout)
	defer cancel()

	start := time.Now()
	result, err := r.punch.Execute(ctx, peerKey, holepunch.Simultaneous, []*net.UDPAddr{addr})
	if err != nil || !result.Success {
		evict = r.path.RecordFailure(peerKey, c)
		if c == r.registry.ActivePath(rec) {
			r.registry.RecordProbeFailure(rec)
		}
		return evict
	}

	r.path.RecordSuccess(peerKey, c, time.Since(start))
	return false
}

// post enqueues fn to run on the task loop, dropping it silently if the
// reactor has already stopped accepting work.
func (r *Reactor) post(fn func()) {
	if r.shuttingDown.Load() {
		return
	}
	select {
	case r.tasks <- fn:
	case <-r.ctx.Done():
	}
}

// handleInbound decodes one datagram, whether it arrived directly from a
// peer or was forwarded by the relay, and routes it to the channel
// multiplexer or the hole-punch engine.
func (r *Reactor) handleInbound(from *net.UDPAddr, datagram []byte) {
	payload := datagram
	if r.relayAddr != nil && addrEqual(from, r.relayAddr) {
		msgType, _, relayPayload, err := relay.Decode(datagram)
		if err != nil || msgType != relay.TypeData {
			return
		}
		payload = relayPayload
	}

	senderID, err := wire.PeekSenderID(payload)
	if err != nil {
		return
	}
	rec, ok := r.registry.Get(senderID)
	if !ok || rec.Keys == nil {
		return
	}

	_, _, plaintext, _, err := wire.Open(rec.Keys.Rx, rec.Replay, payload)
	if err != nil {
		return
	}

	r.registry.TouchInbound(rec)
	r.maybeAddRoamCandidate(rec, senderID, from)

	// Any authenticated packet from this peer proves the path it arrived
	// on is open, which is exactly what a pending punch attempt is
	// waiting for. HandlePunchResponse is a no-op if none is pending.
	r.punch.HandlePunchResponse(senderID.String(), from)

	channelID, body, err := chanmux.Unframe(plaintext)
	if err != nil {
		return
	}
	if channelID == chanmux.HandshakeChannel {
		r.mux.HandleHandshake(senderID, body)
		return
	}
	r.mux.Dispatch(senderID, channelID, body)
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// maybeAddRoamCandidate records from as a candidate for rec the first
// time traffic is seen arriving from it. An authenticated packet proves
// the address can reach us, not that it's safe to route replies there —
// a reflected or spoofed source address would pass the same check — so
// the candidate starts unverified and a real probe round trip, via the
// path manager's Roam, is required before anything ever switches its
// active path to it.
func (r *Reactor) maybeAddRoamCandidate(rec *registry.Record, peer identity.PeerID, from *net.UDPAddr) {
	addr := from.String()
	var c *registry.Candidate
	for _, existing := range r.registry.CandidateSnapshot(rec) {
		if existing.Addr == addr {
			c = existing
			break
		}
	}
	if c == nil {
		c = &registry.Candidate{Addr: addr, Source: registry.SourceDirect, IsDirect: true}
		r.registry.AddCandidate(rec, c)
	}
	if c.Verified || r.path == nil {
		return
	}

	// The probe is a blocking network round trip; it runs off this
	// task-loop goroutine so it doesn't stall delivery of the very
	// response packet it's waiting on.
	peerKey := peer.String()
	go func() {
		if _, err := r.path.Roam(r.ctx, peerKey, c); err != nil {
			r.log.Debug("pathmgr: roam probe failed", "peer", peerKey, "addr", addr, "error", err)
		}
	}()
}

// SendOnChannel seals payload for peer on channel and transmits it over
// the peer's active path, falling back to nothing if no path is known
// yet — callers needing delivery guarantees layer their own retries.
func (r *Reactor) SendOnChannel(peer identity.PeerID, channel string, payload []byte) error {
	if r.shuttingDown.Load() {
		return ErrShuttingDown
	}
	r.outboundInFlight.Add(1)
	defer r.outboundInFlight.Done()

	rec, ok := r.registry.Get(peer)
	if !ok || rec.Keys == nil || r.registry.ActivePath(rec) == nil {
		return fmt.Errorf("reactor: no active path to peer %s", peer)
	}

	channelID, handshake, err := r.mux.AssignID(peer, channel)
	if err != nil {
		return fmt.Errorf("reactor: assign channel: %w", err)
	}
	if handshake != nil {
		if err := r.sendFramed(rec, chanmux.HandshakeChannel, handshake); err != nil {
			return fmt.Errorf("reactor: send channel handshake: %w", err)
		}
	}
	return r.sendFramed(rec, channelID, payload)
}

// sendFramed seals a chanmux-framed payload for rec and transmits it over
// the peer's current active path, wrapping it in a relay frame first if
// that path happens to be relay-backed.
func (r *Reactor) sendFramed(rec *registry.Record, channelID byte, payload []byte) error {
	framed := chanmux.Frame(channelID, payload)

	sealed, err := wire.Seal(rec.Keys.Tx, r.selfID, rec.NextSendCounter(), framed)
	if err != nil {
		return fmt.Errorf("reactor: seal: %w", err)
	}

	active := r.registry.ActivePath(rec)
	if active == nil {
		return fmt.Errorf("reactor: no active path to peer")
	}
	addr, err := net.ResolveUDPAddr("udp", active.Addr)
	if err != nil {
		return fmt.Errorf("reactor: resolve active path: %w", err)
	}

	out := sealed
	if active.Source == registry.SourceRelay {
		token, terr := uuid.Parse(rec.WarmRelayToken)
		if terr != nil {
			return fmt.Errorf("reactor: parse warm relay token: %w", terr)
		}
		out = relay.Encode(relay.TypeData, token, sealed)
	}
	return r.write(addr, out)
}

// Punch runs a hole-punch strategy against peer's candidates, used both
// for initial connection establishment and for pathmgr's pre-roam probes
// (a single-candidate Simultaneous run doubles as an RTT probe, since any
// authenticated reply completes the session).
func (r *Reactor) Punch(ctx context.Context, peer identity.PeerID, strategy holepunch.Strategy, candidates []*net.UDPAddr) (*holepunch.Result, error) {
	return r.punch.Execute(ctx, peer.String(), strategy, candidates)
}

// RawSend transmits data to addr directly over the reactor's socket,
// bypassing envelope sealing entirely. Used to drive a relay.Client,
// which has its own unsealed wire format.
func (r *Reactor) RawSend(addr *net.UDPAddr, data []byte) error {
	return r.write(addr, data)
}

// LocalAddr returns the reactor's bound UDP socket address.
func (r *Reactor) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Stop runs the shutdown sequence: stop accepting new work, drain pending
// outbound sends up to DrainTimeout, then cancel the reactor's context
// (ending the loops, the signaling session and any hole-punches running
// under that context), close the socket, and wait for the loops to exit.
// Hole-punches are not canceled until the drain has finished.
func (r *Reactor) Stop() {
	r.shuttingDown.Store(true)

	drained := make(chan struct{})
	go func() {
		r.outboundInFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(DrainTimeout):
		r.log.Warn("reactor: drain timeout exceeded, proceeding with shutdown")
	}

	r.cancel()
	if r.conn != nil {
		r.conn.Close()
	}
	r.loopWG.Wait()
}
