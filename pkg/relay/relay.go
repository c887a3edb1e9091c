// Package relay implements the mesh's fallback transport: a rendezvous
// point with a public address that forwards sealed datagrams between two
// peers who could not punch a direct path to each other.
//
// The wire format is a single byte type tag followed by a 16-byte
// session token and, for data frames, the forwarded payload:
//
//	type(1) | token(16) | payload
//
// The payload itself is already sealed by pkg/wire; the relay never sees
// plaintext and never needs to.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/meshnode/pkg/obs"
	"github.com/omerta-mesh/meshnode/pkg/ratelimit"
)

// Message types.
const (
	TypeRegister  byte = 1 // peer -> relay: join a session under token
	TypeRegisterOK byte = 2 // relay -> peer: registration accepted
	TypeData      byte = 3 // either direction: forwarded payload
	TypeKeepalive byte = 4 // peer -> relay: refresh session TTL
)

const (
	headerLen = 1 + 16

	// SessionTTL is how long a session survives without traffic from
	// either side before the relay tears it down.
	SessionTTL = 5 * time.Minute

	// KeepaliveInterval is how often a warm relay client should send a
	// keepalive to hold its session open between real data frames.
	KeepaliveInterval = 15 * time.Second

	sweepInterval = 30 * time.Second
)

// NewToken generates a fresh session token for a relay-assisted pairing.
// Both peers must present the same token to the relay, exchanged via the
// rendezvous server out of band.
func NewToken() [16]byte {
	return uuid.New()
}

// Encode builds a wire frame of the given type and token.
func Encode(msgType byte, token [16]byte, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	out[0] = msgType
	copy(out[1:headerLen], token[:])
	copy(out[headerLen:], payload)
	return out
}

// Decode splits a wire frame into its type, token, and payload.
func Decode(frame []byte) (msgType byte, token [16]byte, payload []byte, err error) {
	if len(frame) < headerLen {
		return 0, token, nil, fmt.Errorf("relay: frame too short: %d bytes", len(frame))
	}
	msgType = frame[0]
	copy(token[:], frame[1:headerLen])
	payload = frame[headerLen:]
	return msgType, token, payload, nil
}

// session pairs up to two peer addresses under one token. A session is
// usable for forwarding once both slots are filled.
type session struct {
	token      [16]byte
	first      *net.UDPAddr
	second     *net.UDPAddr
	lastActive time.Time
}

func (s *session) touch() { s.lastActive = time.Now() }

// peerFor returns the counterpart address that from should be forwarded
// to, or nil if the session isn't fully paired yet.
func (s *session) peerFor(from *net.UDPAddr) *net.UDPAddr {
	switch {
	case s.first != nil && addrEqual(s.first, from):
		return s.second
	case s.second != nil && addrEqual(s.second, from):
		return s.first
	default:
		return nil
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port && a.Zone == b.Zone
}

// Server is the standalone relay daemon: a public UDP listener that pairs
// registrations by token and forwards data frames between paired peers.
type Server struct {
	log     *slog.Logger
	limiter *ratelimit.IPRateLimiter

	mu       sync.Mutex
	sessions map[[16]byte]*session
}

// NewServer creates a relay server. log may be nil, in which case
// slog.Default is used.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log,
		limiter:  ratelimit.NewDefault(),
		sessions: make(map[[16]byte]*session),
	}
}

// ListenAndServe opens addr as a UDP socket and forwards relay traffic
// until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("relay: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	defer conn.Close()

	s.log.Info("relay server listening", "addr", conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go s.sweepLoop(ctx)

	buf := make([]byte, 64*1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("relay read error", "error", err)
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.handle(conn, from, frame)
	}
}

func (s *Server) handle(conn *net.UDPConn, from *net.UDPAddr, frame []byte) {
	msgType, token, payload, err := Decode(frame)
	if err != nil {
		s.log.Debug("relay dropped malformed frame", "from", from, "error", err)
		return
	}

	switch msgType {
	case TypeRegister:
		s.handleRegister(conn, from, token)
	case TypeKeepalive:
		s.handleKeepalive(from, token)
	case TypeData:
		s.handleData(conn, from, token, payload)
	default:
		s.log.Debug("relay dropped unknown message type", "type", msgType, "from", from)
	}
}

func (s *Server) handleRegister(conn *net.UDPConn, from *net.UDPAddr, token [16]byte) {
	if !s.limiter.Allow(from.IP.String()) {
		s.log.Debug("relay dropped register, rate limited", "from", from)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		sess = &session{token: token, first: from}
		s.sessions[token] = sess
	} else if sess.first != nil && addrEqual(sess.first, from) {
		// Re-registration from the same address, e.g. after a local restart.
	} else if sess.second == nil {
		sess.second = from
	}
	sess.touch()
	s.mu.Unlock()

	conn.WriteToUDP(Encode(TypeRegisterOK, token, nil), from)
}

func (s *Server) handleKeepalive(from *net.UDPAddr, token [16]byte) {
	s.mu.Lock()
	if sess, ok := s.sessions[token]; ok {
		sess.touch()
	}
	s.mu.Unlock()
}

func (s *Server) handleData(conn *net.UDPConn, from *net.UDPAddr, token [16]byte, payload []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.touch()
	dest := sess.peerFor(from)
	s.mu.Unlock()

	if dest == nil {
		return
	}
	conn.WriteToUDP(Encode(TypeData, token, payload), dest)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.sessions {
		if time.Since(sess.lastActive) > SessionTTL {
			delete(s.sessions, token)
		}
	}
}

// SessionCount reports how many sessions are currently tracked, live or
// half-paired. Exposed for status reporting.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sender transmits a raw datagram to addr, supplied by the reactor that
// owns the mesh node's UDP socket.
type Sender func(addr *net.UDPAddr, payload []byte) error

// Client is a mesh node's view of a relay session: it registers under a
// token, forwards sealed payloads through the relay, and keeps the
// session warm with periodic keepalives.
type Client struct {
	send      Sender
	relayAddr *net.UDPAddr
	token     [16]byte
}

// NewClient creates a relay client bound to one relay server and token.
func NewClient(send Sender, relayAddr *net.UDPAddr, token [16]byte) *Client {
	return &Client{send: send, relayAddr: relayAddr, token: token}
}

// Register announces this peer's presence under the client's token.
func (c *Client) Register() error {
	return c.send(c.relayAddr, Encode(TypeRegister, c.token, nil))
}

// Forward sends a sealed payload through the relay to whichever peer is
// paired under the same token.
func (c *Client) Forward(payload []byte) error {
	return c.send(c.relayAddr, Encode(TypeData, c.token, payload))
}

// Keepalive refreshes the session's TTL without sending any payload.
func (c *Client) Keepalive() error {
	return c.send(c.relayAddr, Encode(TypeKeepalive, c.token, nil))
}

// Run keeps the session warm with periodic keepalives until ctx is
// canceled. Intended to run in its own goroutine for the lifetime of a
// relay-backed peer path.
func (c *Client) Run(ctx context.Context) {
	_, span := obs.RelayTracer.Start(ctx, "relay.client_run")
	defer span.End()

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Keepalive()
		}
	}
}
