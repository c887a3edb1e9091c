// Package meshnode is the mesh's embedded host interface: the single
// type a hosting binary constructs, starts, and drives. It wires
// together every other package — identity, wire, registry, pathmgr,
// chanmux, holepunch, relay, signaling, stunc, reactor — into one
// running mesh instance.
package meshnode

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/meshnode/pkg/chanmux"
	"github.com/omerta-mesh/meshnode/pkg/discovery"
	"github.com/omerta-mesh/meshnode/pkg/holepunch"
	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/netconf"
	"github.com/omerta-mesh/meshnode/pkg/pathmgr"
	"github.com/omerta-mesh/meshnode/pkg/reactor"
	"github.com/omerta-mesh/meshnode/pkg/registry"
	"github.com/omerta-mesh/meshnode/pkg/relay"
	"github.com/omerta-mesh/meshnode/pkg/signaling"
	"github.com/omerta-mesh/meshnode/pkg/stunc"
	"github.com/omerta-mesh/meshnode/pkg/wire"
)

// pingChannel carries the host interface's ping/peer-exchange protocol.
const pingChannel = "omerta-ping"

// maxPeerExchangeEntries caps how many candidates a ping response
// piggybacks, newest last_success first.
const maxPeerExchangeEntries = 64

// signalingRegisterRetry is how often Start retries registering with the
// rendezvous server while the session is still connecting.
const signalingRegisterRetry = 5 * time.Second

// Config gathers everything one mesh instance needs to run.
type Config struct {
	Identity *identity.KeyPair
	Bundle   *netconf.Bundle

	// ListenAddr is the local UDP address the mesh binds, e.g. ":51820".
	ListenAddr string

	// RendezvousURL, if set, is the WebSocket URL of the rendezvous
	// server this node registers with. Without one, Connect to an
	// unknown peer fails with ErrSignalingUnavailable.
	RendezvousURL string

	// RelayAddr, if set, is the fallback relay server's address.
	RelayAddr string

	// STUNServers overrides the pair of STUN servers used for startup
	// NAT classification. Defaults to stunc.DefaultServers[:2].
	STUNServers [2]string

	// EnableDHTBootstrap joins the BitTorrent mainline DHT, keyed by the
	// network ID, as a supplemental way to discover peer endpoints when
	// no rendezvous server is reachable. The rendezvous protocol remains
	// authoritative; this only ever adds unverified candidates.
	EnableDHTBootstrap bool

	Log *slog.Logger
}

// Mesh is one running mesh instance.
type Mesh struct {
	cfg    Config
	log    *slog.Logger
	selfID identity.PeerID

	registry  *registry.Registry
	mux       *chanmux.Mux
	path      *pathmgr.Manager
	reactor   *reactor.Reactor
	sig       *signaling.Client
	relayUDP  *net.UDPAddr
	bootstrap *discovery.Bootstrap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	natClass   stunc.NATClass
	publicAddr string
	started    bool

	pingMu      sync.Mutex
	pingWaiters map[string]chan pingWireMsg
}

// New validates cfg and constructs a Mesh, but does not bind a socket or
// contact any server; call Start for that.
func New(cfg Config) (*Mesh, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("meshnode: identity bundle is required")
	}
	if cfg.Bundle == nil {
		return nil, fmt.Errorf("meshnode: network bundle is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	var relayUDP *net.UDPAddr
	if cfg.RelayAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("meshnode: resolve relay address: %w", err)
		}
		relayUDP = addr
	}

	m := &Mesh{
		cfg:         cfg,
		log:         log,
		selfID:      cfg.Identity.Public,
		registry:    registry.New(),
		mux:         chanmux.New(),
		relayUDP:    relayUDP,
		pingWaiters: make(map[string]chan pingWireMsg),
	}
	m.path = pathmgr.New(m.probe)

	if cfg.RendezvousURL != "" {
		m.sig = signaling.New(cfg.RendezvousURL, log)
	}

	return m, nil
}

// Start classifies this node's NAT (waiting on the STUN queries), binds
// the mesh's UDP socket, and begins processing. It returns once the socket
// is bound; signaling registration continues in the background. Bind
// failures are the one class of fatal error surfaced here.
func (m *Mesh) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	s1, s2 := m.cfg.STUNServers[0], m.cfg.STUNServers[1]
	if s1 == "" || s2 == "" {
		s1, s2 = stunc.DefaultServers[0], stunc.DefaultServers[1]
	}
	natClass, ip, port, err := stunc.ClassifyNAT(s1, s2, 0, 3*time.Second)
	if err != nil {
		m.log.Warn("meshnode: NAT classification failed, proceeding as unknown", "error", err)
		natClass = stunc.NATUnknown
	}
	m.mu.Lock()
	m.natClass = natClass
	if ip != nil {
		m.publicAddr = fmt.Sprintf("%s:%d", ip, port)
	}
	m.mu.Unlock()

	m.mux.OnChannel(pingChannel, m.handlePing)

	r := reactor.New(reactor.Config{
		SelfID:     m.selfID,
		NetworkKey: m.cfg.Bundle.NetworkKey,
		Registry:   m.registry,
		Mux:        m.mux,
		PathMgr:    m.path,
		Signaling:  m.sig,
		RelayAddr:  m.relayUDP,
		Log:        m.log,
	})
	if err := r.Start(m.ctx, m.cfg.ListenAddr); err != nil {
		return fmt.Errorf("meshnode: start reactor: %w", err)
	}
	m.reactor = r

	if m.sig != nil {
		m.wg.Add(1)
		go m.registerWithSignaling(m.ctx)
	}

	if m.cfg.EnableDHTBootstrap {
		b := discovery.New(m.cfg.Bundle.NetworkID, m.log)
		b.SetOnPeerFound(m.handleDiscoveredEndpoint)
		if err := b.Start(m.ctx, 0); err != nil {
			m.log.Warn("meshnode: DHT bootstrap failed to start", "error", err)
		} else {
			m.bootstrap = b
		}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.log.Info("mesh started", "peer_id", m.selfID, "nat_class", natClass)
	return nil
}

// Stop shuts the mesh down: stops accepting new sends, drains in-flight
// ones, and closes the socket.
func (m *Mesh) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	if m.bootstrap != nil {
		m.bootstrap.Stop()
	}
	if m.reactor != nil {
		m.reactor.Stop()
	}
	m.wg.Wait()
}

// handleDiscoveredEndpoint records addr as an unverified SourceDHT
// candidate against every known peer that doesn't already have a live
// path. The DHT carries no peer identity, only an endpoint — the
// envelope handshake is what actually attributes it to the right peer,
// the same way any other unverified candidate gets proven out.
func (m *Mesh) handleDiscoveredEndpoint(addr *net.UDPAddr) {
	endpoint := addr.String()
	for _, rec := range m.registry.All() {
		if active := m.registry.ActivePath(rec); active != nil && active.Verified {
			continue
		}
		m.registry.AddCandidate(rec, &registry.Candidate{
			Addr:     endpoint,
			Source:   registry.SourceDHT,
			IsDirect: true,
			Verified: false,
		})
	}
}

// LocalAddr returns the mesh's bound UDP socket address.
func (m *Mesh) LocalAddr() *net.UDPAddr {
	return m.reactor.LocalAddr()
}

func (m *Mesh) authProof() string {
	mac := hmac.New(sha256.New, m.cfg.Bundle.RendezvousKey[:])
	mac.Write(m.selfID[:])
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Mesh) networkIDHex() string {
	return hex.EncodeToString(m.cfg.Bundle.NetworkID[:])
}

// registerWithSignaling retries Register against the rendezvous server
// until it succeeds or ctx is canceled, since the underlying session
// (run by the reactor) may still be mid-reconnect when Start returns.
func (m *Mesh) registerWithSignaling(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(signalingRegisterRetry)
	defer ticker.Stop()

	attempt := func() bool {
		regCtx, cancel := context.WithTimeout(ctx, signaling.RequestTimeout)
		defer cancel()
		if err := m.sig.Register(regCtx, m.selfID.String(), m.networkIDHex(), m.authProof()); err != nil {
			m.log.Debug("meshnode: signaling registration not yet accepted", "error", err)
			return false
		}
		m.mu.RLock()
		endpoint := m.publicAddr
		natClass := string(m.natClass)
		m.mu.RUnlock()
		if endpoint != "" {
			m.sig.ReportEndpoint(endpoint, natClass)
		}
		return true
	}

	if attempt() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if attempt() {
				return
			}
		}
	}
}

// probe implements pathmgr.Prober by reverse-looking-up which peer owns
// addr and running a single-candidate simultaneous hole-punch against
// it; any authenticated reply completes the round trip.
func (m *Mesh) probe(ctx context.Context, addr string) (time.Duration, error) {
	peer, ok := m.peerForAddr(addr)
	if !ok {
		return 0, fmt.Errorf("meshnode: no known peer owns candidate %s", addr)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, fmt.Errorf("meshnode: resolve candidate %s: %w", addr, err)
	}

	start := time.Now()
	result, err := m.reactor.Punch(ctx, peer, holepunch.Simultaneous, []*net.UDPAddr{udpAddr})
	if err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, fmt.Errorf("meshnode: probe to %s did not complete", addr)
	}
	return time.Since(start), nil
}

func (m *Mesh) peerForAddr(addr string) (identity.PeerID, bool) {
	for _, rec := range m.registry.All() {
		for _, c := range m.registry.CandidateSnapshot(rec) {
			if c.Addr == addr {
				return rec.ID, true
			}
		}
	}
	return identity.PeerID{}, false
}

// SendOnChannel seals and transmits payload to peer on channel.
func (m *Mesh) SendOnChannel(peer identity.PeerID, channel string, payload []byte) error {
	if err := m.reactor.SendOnChannel(peer, channel, payload); err != nil {
		return &ErrPeerUnreachable{Reason: err.Error()}
	}
	return nil
}

// OnChannel registers handler for inbound payloads on channel, from any
// peer. The handler never sees a malformed or inauthentic packet — the
// reactor has already dropped those before dispatch.
func (m *Mesh) OnChannel(channel string, handler func(peer identity.PeerID, payload []byte)) {
	m.mux.OnChannel(channel, chanmux.Handler(handler))
}

// PingResult is what a successful Ping produced.
type PingResult struct {
	Endpoint      string
	LatencyMS     int64
	SentPeers     int
	ReceivedPeers int
	NewPeers      int
}

type peerExchangeEntry struct {
	PeerID   string `json:"peer_id"`
	Endpoint string `json:"endpoint"`
}

type pingWireMsg struct {
	Type  string              `json:"type"`
	Nonce string              `json:"nonce"`
	Peers []peerExchangeEntry `json:"peers,omitempty"`
}

// Ping sends a liveness probe to peer over the mesh's own control
// channel, optionally piggybacking a peer-exchange list. Returns nil,
// nil (Option::None) if peer has no active path or the probe times out.
func (m *Mesh) Ping(ctx context.Context, peer identity.PeerID, timeout time.Duration, requestFullList bool) (*PingResult, error) {
	rec, ok := m.registry.Get(peer)
	if !ok || m.registry.ActivePath(rec) == nil {
		return nil, nil
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("meshnode: generate ping nonce: %w", err)
	}
	waitKey := peer.String() + "|" + nonce
	waitCh := make(chan pingWireMsg, 1)
	m.pingMu.Lock()
	m.pingWaiters[waitKey] = waitCh
	m.pingMu.Unlock()
	defer func() {
		m.pingMu.Lock()
		delete(m.pingWaiters, waitKey)
		m.pingMu.Unlock()
	}()

	out := pingWireMsg{Type: "ping", Nonce: nonce}
	if requestFullList {
		out.Peers = m.peerExchangeSnapshot()
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("meshnode: marshal ping: %w", err)
	}

	start := time.Now()
	if err := m.reactor.SendOnChannel(peer, pingChannel, payload); err != nil {
		return nil, &ErrPeerUnreachable{Reason: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case reply := <-waitCh:
		newPeers := m.absorbPeerExchange(reply.Peers)
		endpoint := ""
		if active := m.registry.ActivePath(rec); active != nil {
			endpoint = active.Addr
		}
		return &PingResult{
			Endpoint:      endpoint,
			LatencyMS:     time.Since(start).Milliseconds(),
			SentPeers:     len(out.Peers),
			ReceivedPeers: len(reply.Peers),
			NewPeers:      newPeers,
		}, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (m *Mesh) handlePing(peer identity.PeerID, payload []byte) {
	var msg pingWireMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "ping":
		m.absorbPeerExchange(msg.Peers)
		reply := pingWireMsg{Type: "pong", Nonce: msg.Nonce, Peers: m.peerExchangeSnapshot()}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		m.reactor.SendOnChannel(peer, pingChannel, data)
	case "pong":
		m.pingMu.Lock()
		ch, ok := m.pingWaiters[peer.String()+"|"+msg.Nonce]
		m.pingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// peerExchangeSnapshot returns up to maxPeerExchangeEntries live peers'
// active-path endpoints, newest last_success first.
func (m *Mesh) peerExchangeSnapshot() []peerExchangeEntry {
	recs := m.registry.All()
	lastSuccess := func(rec *registry.Record) time.Time {
		if active := m.registry.ActivePath(rec); active != nil {
			return active.LastSuccess
		}
		return time.Time{}
	}
	sort.Slice(recs, func(i, j int) bool {
		return lastSuccess(recs[i]).After(lastSuccess(recs[j]))
	})

	out := make([]peerExchangeEntry, 0, maxPeerExchangeEntries)
	for _, rec := range recs {
		active := m.registry.ActivePath(rec)
		if active == nil {
			continue
		}
		out = append(out, peerExchangeEntry{PeerID: rec.ID.String(), Endpoint: active.Addr})
		if len(out) == maxPeerExchangeEntries {
			break
		}
	}
	return out
}

// absorbPeerExchange records entries as unverified candidates, per the
// peer-exchange trust policy: never promoted to live without a
// successful authenticated probe of their own.
func (m *Mesh) absorbPeerExchange(entries []peerExchangeEntry) int {
	newCount := 0
	for _, e := range entries {
		id, err := identity.ParsePeerID(e.PeerID)
		if err != nil || id == m.selfID {
			continue
		}
		_, existed := m.registry.Get(id)
		rec, ok := m.registry.GetOrCreate(id)
		if !ok {
			continue
		}
		m.registry.AddCandidate(rec, &registry.Candidate{
			Addr:     e.Endpoint,
			Source:   registry.SourcePeerExchange,
			IsDirect: false,
			Verified: false,
		})
		if !existed {
			newCount++
		}
	}
	return newCount
}

// Connection is what a successful Connect produced.
type Connection struct {
	Endpoint string
	IsDirect bool
	Method   string // "direct" or "relay"
	RTTMs    int64
}

// Connect establishes (or returns the existing) path to peer, asking the
// rendezvous server to coordinate hole-punching and falling back to
// relay when direct traversal doesn't complete.
func (m *Mesh) Connect(ctx context.Context, peer identity.PeerID) (*Connection, error) {
	rec, ok := m.registry.GetOrCreate(peer)
	if !ok {
		return nil, &ErrResourceExhausted{Reason: "peer registry is at capacity"}
	}

	if active := m.registry.ActivePath(rec); active != nil && active.Verified {
		return &Connection{
			Endpoint: active.Addr,
			IsDirect: active.Source != registry.SourceRelay,
			Method:   methodFor(active),
			RTTMs:    active.SmoothedRTT.Milliseconds(),
		}, nil
	}

	if m.sig == nil {
		return nil, ErrSignalingUnavailable
	}

	if rec.Keys == nil {
		keys, err := wire.DeriveDirectionKeys(m.cfg.Bundle.NetworkKey, m.selfID, peer)
		if err != nil {
			return nil, fmt.Errorf("meshnode: derive link keys: %w", err)
		}
		rec.Keys = &keys
	}

	reply, err := m.sig.RequestConnection(ctx, peer.String(), hex.EncodeToString(m.selfID[:]))
	if err != nil {
		return nil, &ErrPeerUnreachable{Reason: err.Error()}
	}

	strategy := holepunch.Strategy(reply.Strategy)
	if strategy == "" {
		strategy = holepunch.Simultaneous
	}

	if strategy != holepunch.Relay && reply.TargetEndpoint != "" {
		if conn, err := m.attemptDirect(ctx, rec, peer, strategy, reply.TargetEndpoint); err == nil {
			m.maybeWarmRelay(rec, peer, reply.NATClass)
			return conn, nil
		} else {
			m.log.Info("meshnode: direct connect failed, falling back to relay", "peer", peer, "error", err)
		}
	}

	return m.attemptRelay(ctx, rec, peer)
}

// maybeWarmRelay proactively establishes a relay session for peer even
// though the active path just became direct, whenever either side has
// ever been classified as symmetric. A symmetric NAT's mapping can break
// or drift without warning, so the fallback for that peer needs to
// already be warm rather than negotiated from scratch the moment the
// direct path does.
func (m *Mesh) maybeWarmRelay(rec *registry.Record, peer identity.PeerID, peerNATClass string) {
	if m.sig == nil {
		return
	}
	m.mu.RLock()
	selfSymmetric := m.natClass == stunc.NATSymmetric
	m.mu.RUnlock()
	if !selfSymmetric && peerNATClass != string(stunc.NATSymmetric) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, signaling.RequestTimeout)
		defer cancel()
		if _, err := m.ensureWarmRelay(ctx, rec, peer); err != nil {
			m.log.Debug("meshnode: proactive warm relay setup failed", "peer", peer, "error", err)
		}
	}()
}

func methodFor(c *registry.Candidate) string {
	if c.Source == registry.SourceRelay {
		return "relay"
	}
	return "direct"
}

func (m *Mesh) attemptDirect(ctx context.Context, rec *registry.Record, peer identity.PeerID, strategy holepunch.Strategy, targetEndpoint string) (*Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", targetEndpoint)
	if err != nil {
		return nil, fmt.Errorf("meshnode: resolve target endpoint %s: %w", targetEndpoint, err)
	}

	start := time.Now()
	result, err := m.reactor.Punch(ctx, peer, strategy, []*net.UDPAddr{addr})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("meshnode: hole punch to %s did not complete", peer)
	}

	candidate := &registry.Candidate{
		Addr:        result.RemoteAddr.String(),
		Source:      registry.SourceRendezvous,
		IsDirect:    true,
		Verified:    true,
		LastSuccess: time.Now(),
		SmoothedRTT: time.Since(start),
	}
	m.registry.AddCandidate(rec, candidate)
	m.registry.SetActivePath(rec, candidate)
	m.registry.SetState(rec, registry.StateLive)

	return &Connection{
		Endpoint: candidate.Addr,
		IsDirect: true,
		Method:   "direct",
		RTTMs:    candidate.SmoothedRTT.Milliseconds(),
	}, nil
}

func (m *Mesh) attemptRelay(ctx context.Context, rec *registry.Record, peer identity.PeerID) (*Connection, error) {
	candidate, err := m.ensureWarmRelay(ctx, rec, peer)
	if err != nil {
		return nil, err
	}
	m.registry.SetActivePath(rec, candidate)
	m.registry.SetState(rec, registry.StateLive)

	return &Connection{
		Endpoint: candidate.Addr,
		IsDirect: false,
		Method:   "relay",
	}, nil
}

// ensureWarmRelay returns rec's always-on relay candidate, registering a
// fresh relay session only if one doesn't already exist. It never touches
// rec.ActivePath — callers that want the relay path to actually carry
// traffic must set that themselves; ensureWarmRelay is also used to keep
// a relay session alive in the background for a peer whose active path is
// direct.
func (m *Mesh) ensureWarmRelay(ctx context.Context, rec *registry.Record, peer identity.PeerID) (*registry.Candidate, error) {
	for _, c := range m.registry.CandidateSnapshot(rec) {
		if c.Source == registry.SourceRelay && c.Verified {
			return c, nil
		}
	}

	if m.relayUDP == nil {
		reply, err := m.sig.RequestRelay(ctx, peer.String())
		if err != nil {
			return nil, &ErrPeerUnreachable{Reason: "no relay available: " + err.Error()}
		}
		addr, err := net.ResolveUDPAddr("udp", reply.RelayEndpoint)
		if err != nil {
			return nil, fmt.Errorf("meshnode: resolve relay endpoint: %w", err)
		}
		m.relayUDP = addr
		rec.WarmRelayToken = reply.SessionToken
	} else if rec.WarmRelayToken == "" {
		reply, err := m.sig.RequestRelay(ctx, peer.String())
		if err != nil {
			return nil, &ErrPeerUnreachable{Reason: "no relay available: " + err.Error()}
		}
		rec.WarmRelayToken = reply.SessionToken
	}

	parsed, err := uuid.Parse(rec.WarmRelayToken)
	if err != nil {
		return nil, fmt.Errorf("meshnode: parse relay session token: %w", err)
	}
	var token [16]byte = parsed
	client := relay.NewClient(m.reactor.RawSend, m.relayUDP, token)
	if err := client.Register(); err != nil {
		return nil, fmt.Errorf("meshnode: register with relay: %w", err)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		client.Run(m.ctx)
	}()

	candidate := &registry.Candidate{
		Addr:     m.relayUDP.String(),
		Source:   registry.SourceRelay,
		IsDirect: false,
		Verified: true,
	}
	m.registry.AddCandidate(rec, candidate)
	return candidate, nil
}

// PeerInfo is one entry of KnownPeersWithInfo.
type PeerInfo struct {
	PeerID   string
	Endpoint string
	LastSeen time.Time
}

// KnownPeersWithInfo lists every peer this mesh instance has an active
// path to.
func (m *Mesh) KnownPeersWithInfo() []PeerInfo {
	recs := m.registry.All()
	out := make([]PeerInfo, 0, len(recs))
	for _, rec := range recs {
		active := m.registry.ActivePath(rec)
		if active == nil {
			continue
		}
		out = append(out, PeerInfo{
			PeerID:   rec.ID.String(),
			Endpoint: active.Addr,
			LastSeen: rec.LastInbound,
		})
	}
	return out
}

// Status is the host interface's get_status snapshot.
type Status struct {
	PeerID         string
	NATClass       string
	PublicEndpoint *string
	PeerCount      int
}

// GetStatus reports this node's identity, NAT classification, and peer
// count.
func (m *Mesh) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		PeerID:    m.selfID.String(),
		NATClass:  string(m.natClass),
		PeerCount: len(m.registry.All()),
	}
	if m.publicAddr != "" {
		addr := m.publicAddr
		st.PublicEndpoint = &addr
	}
	return st
}

func randomNonce() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
