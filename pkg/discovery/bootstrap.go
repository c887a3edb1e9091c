// Package discovery is a supplemental peer-address bootstrap mechanism
// riding the BitTorrent mainline DHT. It is never authoritative: it only
// surfaces candidate endpoints under the network's infohash, which the
// caller still has to authenticate the normal way (a successful envelope
// handshake) before trusting. The rendezvous protocol in pkg/rendezvous
// remains the primary coordination path; this exists for the case where
// no rendezvous server is reachable.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
)

const (
	// AnnounceInterval is how often Bootstrap re-announces its presence
	// under the network infohash.
	AnnounceInterval = 15 * time.Minute

	// QueryInterval is how often Bootstrap asks the DHT for peers under
	// the network infohash.
	QueryInterval = 30 * time.Second

	bootstrapTimeout = 30 * time.Second
	roundTimeout     = 30 * time.Second
	contactDedupTTL  = 60 * time.Second
)

// BootstrapNodes are well-known BitTorrent mainline DHT nodes used to
// join the global DHT swarm before this network's own peers can be
// found in it.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// Bootstrap announces and queries one network's presence on the
// BitTorrent mainline DHT, keyed by the network ID used as a 20-byte
// infohash.
type Bootstrap struct {
	infohash [20]byte
	log      *slog.Logger

	server *dht.Server
	port   int

	onPeerFound func(addr *net.UDPAddr)

	mu         sync.Mutex
	contacted  map[string]time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	loopsWG    sync.WaitGroup
}

// New creates a Bootstrap for the given network infohash. Call Start to
// join the DHT and begin announcing/querying.
func New(networkID [20]byte, log *slog.Logger) *Bootstrap {
	if log == nil {
		log = slog.Default()
	}
	return &Bootstrap{
		infohash:  networkID,
		log:       log,
		contacted: make(map[string]time.Time),
	}
}

// SetOnPeerFound registers the callback invoked, from a background
// goroutine, each time the DHT surfaces a candidate endpoint under this
// network's infohash. It is the caller's job to decide which (if any)
// known peer the address might belong to and attempt a handshake.
func (b *Bootstrap) SetOnPeerFound(cb func(addr *net.UDPAddr)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPeerFound = cb
}

// Start binds a UDP socket for the DHT server, joins the global swarm via
// BootstrapNodes, and launches the announce/query loops. Failing to bind
// the socket, to resolve any bootstrap node, or to create the DHT server
// is returned; a failed or slow initial swarm lookup is only logged and
// treated as non-fatal, since the DHT keeps trying nodes in the
// background.
func (b *Bootstrap) Start(ctx context.Context, listenPort int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: listenPort})
	if err != nil {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return fmt.Errorf("discovery: bind DHT socket: %w", err)
		}
	}
	b.port = conn.LocalAddr().(*net.UDPAddr).Port

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn

	var bootstrapAddrs []dht.Addr
	for _, node := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			b.log.Warn("discovery: resolve bootstrap node failed", "node", node, "error", err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return fmt.Errorf("discovery: no bootstrap nodes resolved")
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) { return bootstrapAddrs, nil }

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("discovery: create DHT server: %w", err)
	}
	b.server = server

	b.ctx, b.cancel = context.WithCancel(ctx)

	b.joinSwarm()

	b.loopsWG.Add(2)
	go b.announceLoop()
	go b.queryLoop()

	b.log.Info("discovery: DHT bootstrap started", "port", b.port)
	return nil
}

// joinSwarm forces a lookup against the bootstrap nodes so the routing
// table gets populated before the first real announce/query.
func (b *Bootstrap) joinSwarm() {
	ctx, cancel := context.WithTimeout(b.ctx, bootstrapTimeout)
	defer cancel()

	a, err := b.server.Announce(b.infohash, 0, false)
	if err != nil {
		b.log.Warn("discovery: initial DHT lookup failed", "error", err)
		return
	}
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-a.Peers:
			if !ok {
				return
			}
		}
	}
}

func (b *Bootstrap) announceLoop() {
	defer b.loopsWG.Done()
	b.announce()
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.announce()
		}
	}
}

func (b *Bootstrap) announce() {
	ctx, cancel := context.WithTimeout(b.ctx, roundTimeout)
	defer cancel()

	announce, err := b.server.Announce(b.infohash, b.port, false)
	if err != nil {
		b.log.Warn("discovery: announce failed", "error", err)
		return
	}
	defer announce.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-announce.Peers:
			if !ok {
				return
			}
		}
	}
}

func (b *Bootstrap) queryLoop() {
	defer b.loopsWG.Done()
	b.query()
	ticker := time.NewTicker(QueryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.query()
		}
	}
}

func (b *Bootstrap) query() {
	ctx, cancel := context.WithTimeout(b.ctx, roundTimeout)
	defer cancel()

	peers, err := b.server.Announce(b.infohash, 0, false)
	if err != nil {
		b.log.Warn("discovery: query failed", "error", err)
		return
	}
	defer peers.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-peers.Peers:
			if !ok {
				return
			}
			for _, addr := range batch.Peers {
				b.report(addr)
			}
		}
	}
}

func (b *Bootstrap) report(addr krpc.NodeAddr) {
	key := addr.String()

	b.mu.Lock()
	if last, ok := b.contacted[key]; ok && time.Since(last) < contactDedupTTL {
		b.mu.Unlock()
		return
	}
	b.contacted[key] = time.Now()
	cb := b.onPeerFound
	b.mu.Unlock()

	if cb == nil {
		return
	}
	udpAddr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return
	}
	cb(udpAddr)
}

// Stop tears down the DHT server and background loops.
func (b *Bootstrap) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.server != nil {
		b.server.Close()
	}
	b.loopsWG.Wait()
}
