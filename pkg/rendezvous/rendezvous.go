// Package rendezvous is the mesh's authoritative per-network directory
// and hole-punch coordinator: the server side of pkg/signaling's
// WebSocket protocol.
package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omerta-mesh/meshnode/pkg/ratelimit"
	"github.com/omerta-mesh/meshnode/pkg/signaling"
)

const (
	// PendingRequestTTL bounds how long a recorded request_connection
	// entry is kept before the sweeper drops it.
	PendingRequestTTL = 30 * time.Second

	// DefaultIdleTimeout is how long a session may go without traffic
	// before the sweeper evicts it.
	DefaultIdleTimeout = 5 * time.Minute

	sweepInterval = 30 * time.Second
)

// NAT classes, mirroring pkg/stunc.NATClass without importing it — the
// server only ever compares these as opaque strings reported by clients.
const (
	NATPublic    = "public"
	NATCone      = "cone"
	NATSymmetric = "symmetric"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AuthVerifier checks a registration's auth_proof. The default accepts
// any non-empty proof; networks that need real per-peer authentication
// supply their own.
type AuthVerifier func(peerID, networkID, authProof string) bool

func defaultAuthVerifier(peerID, networkID, authProof string) bool {
	return authProof != ""
}

// session is one connected client's server-side state.
type session struct {
	peerID    string
	networkID string
	pubkey    string
	endpoint  string
	natClass  string
	// lastSeenUnixNano is touched by serve's read loop and polled by the
	// sweeper goroutine; it's an atomic rather than a plain time.Time
	// because those run concurrently without sharing a lock.
	lastSeenUnixNano atomic.Int64

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (sess *session) touch() {
	sess.lastSeenUnixNano.Store(time.Now().UnixNano())
}

func (sess *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, sess.lastSeenUnixNano.Load()))
}

func (s *session) send(msg signaling.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type pendingRequest struct {
	requesterID     string
	targetID        string
	requesterPubkey string
	createdAt       time.Time
}

// Server is the rendezvous coordinator for one or more networks. One
// Server instance typically backs one HTTP listener.
type Server struct {
	log         *slog.Logger
	verifyAuth  AuthVerifier
	idleTimeout time.Duration
	store       *RedisStore // optional, nil for a standalone single-replica server
	limiter     *ratelimit.IPRateLimiter
	peerLimiter *ratelimit.PeerRateLimiter

	mu       sync.Mutex
	sessions map[string]*session // key: networkID + "|" + peerID
	pending  map[string]*pendingRequest
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithAuthVerifier overrides the default (non-empty-proof) auth check.
func WithAuthVerifier(v AuthVerifier) Option {
	return func(s *Server) { s.verifyAuth = v }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithRedisStore attaches a shared directory store, letting several
// rendezvous replicas behind a load balancer present one logical
// directory for presence queries (status/introspection), independent of
// which replica holds a given peer's live WebSocket connection.
func WithRedisStore(store *RedisStore) Option {
	return func(s *Server) { s.store = store }
}

// New creates a rendezvous server.
func New(log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:         log,
		verifyAuth:  defaultAuthVerifier,
		idleTimeout: DefaultIdleTimeout,
		limiter:     ratelimit.NewDefault(),
		peerLimiter: ratelimit.NewDefaultPeer(),
		sessions:    make(map[string]*session),
		pending:     make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sessionKey(networkID, peerID string) string {
	return networkID + "|" + peerID
}

func pendingKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// ServeHTTP upgrades the connection and runs its session until it
// disconnects. Mount this at the rendezvous WebSocket endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiter.Allow(host) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("rendezvous upgrade failed", "error", err)
		return
	}
	s.serve(conn)
}

func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()
	sess := &session{conn: conn}
	sess.touch()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.evict(sess)
			return
		}
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		sess.touch()
		s.handle(sess, msg)
	}
}

func (s *Server) handle(sess *session, msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeRegister:
		s.handleRegister(sess, msg)
	case signaling.TypeReportEndpoint:
		s.handleReportEndpoint(sess, msg)
	case signaling.TypeRequestConnection:
		s.handleRequestConnection(sess, msg)
	case signaling.TypeHolePunchReady:
		s.forwardToPeer(sess, msg.Target, signaling.Message{Type: signaling.TypeHolePunchInitiate, Target: sess.peerID})
	case signaling.TypeHolePunchSent:
		s.forwardToPeer(sess, msg.Target, signaling.Message{Type: signaling.TypeHolePunchContinue, NewEndpoint: msg.NewEndpoint})
	case signaling.TypeHolePunchResult:
		s.forwardToPeer(sess, msg.Target, signaling.Message{
			Type:             signaling.TypeHolePunchResult,
			Target:           sess.peerID,
			Success:          msg.Success,
			ObservedEndpoint: msg.ObservedEndpoint,
		})
	case signaling.TypeRequestRelay:
		s.handleRequestRelay(sess, msg)
	case signaling.TypePing:
		sess.send(signaling.Message{Type: signaling.TypePong})
	default:
		s.log.Debug("rendezvous dropped unknown message type", "type", msg.Type)
	}
}

func (s *Server) handleRegister(sess *session, msg signaling.Message) {
	if !s.verifyAuth(msg.PeerID, msg.NetworkID, msg.AuthProof) {
		sess.send(signaling.Message{Type: signaling.TypeError, Error: "registration rejected: bad auth_proof"})
		return
	}
	if !s.peerLimiter.Allow(msg.PeerID) {
		sess.send(signaling.Message{Type: signaling.TypeError, Error: "too many requests for this peer id"})
		return
	}

	sess.peerID = msg.PeerID
	sess.networkID = msg.NetworkID

	s.mu.Lock()
	key := sessionKey(sess.networkID, sess.peerID)
	if existing, ok := s.sessions[key]; ok && existing != sess {
		existing.conn.Close()
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	if s.store != nil {
		s.store.SavePeer(context.Background(), sess.networkID, sess.peerID, PeerRecord{LastSeen: time.Now()})
	}

	sess.send(signaling.Message{Type: signaling.TypeRegistered, ServerTime: time.Now().Unix()})
}

func (s *Server) handleReportEndpoint(sess *session, msg signaling.Message) {
	if sess.peerID == "" {
		return
	}
	sess.endpoint = msg.Endpoint
	sess.natClass = msg.NATClass

	if s.store != nil {
		s.store.SavePeer(context.Background(), sess.networkID, sess.peerID, PeerRecord{
			Endpoint: sess.endpoint,
			NATClass: sess.natClass,
			LastSeen: time.Now(),
		})
	}
}

func (s *Server) handleRequestConnection(sess *session, msg signaling.Message) {
	if sess.peerID == "" {
		sess.send(signaling.Message{Type: signaling.TypeError, Error: "must register before requesting a connection"})
		return
	}
	if !s.peerLimiter.Allow(sess.peerID) {
		sess.send(signaling.Message{Type: signaling.TypeError, Error: "too many connection requests for this peer id"})
		return
	}

	s.mu.Lock()
	target, ok := s.sessions[sessionKey(sess.networkID, msg.TargetPeerID)]
	if ok {
		key := pendingKey(sess.peerID, msg.TargetPeerID)
		s.pending[key] = &pendingRequest{
			requesterID:     sess.peerID,
			targetID:        msg.TargetPeerID,
			requesterPubkey: msg.RequesterPubkey,
			createdAt:       time.Now(),
		}
	}
	s.mu.Unlock()

	if !ok {
		sess.send(signaling.Message{Type: signaling.TypeError, Error: fmt.Sprintf("peer %s is not registered", msg.TargetPeerID)})
		return
	}

	requesterStrategy, targetStrategy := decideStrategy(sess.natClass, target.natClass)

	sess.send(signaling.Message{
		Type:     signaling.TypePeerEndpoint,
		PeerID:   target.peerID,
		Endpoint: target.endpoint,
		NATClass: target.natClass,
		Pubkey:   target.pubkey,
	})
	sess.send(signaling.Message{Type: signaling.TypeHolePunchStrategy, Strategy: requesterStrategy})

	target.send(signaling.Message{
		Type:     signaling.TypePeerEndpoint,
		PeerID:   sess.peerID,
		Endpoint: sess.endpoint,
		NATClass: sess.natClass,
		Pubkey:   msg.RequesterPubkey,
	})
	target.send(signaling.Message{Type: signaling.TypeHolePunchStrategy, Strategy: targetStrategy})
}

func (s *Server) handleRequestRelay(sess *session, msg signaling.Message) {
	// The server has no relay endpoint configuration, so it never hands
	// out a relay address or session token: every request_relay is
	// answered with an error.
	sess.send(signaling.Message{Type: signaling.TypeError, Error: "no relay endpoint configured"})
}

// forwardToPeer relays msg to the other party in a pending (or already
// negotiated) request between sess.peerID and targetPeerID.
func (s *Server) forwardToPeer(sess *session, targetPeerID string, msg signaling.Message) {
	if sess.peerID == "" || targetPeerID == "" {
		return
	}
	s.mu.Lock()
	target, ok := s.sessions[sessionKey(sess.networkID, targetPeerID)]
	s.mu.Unlock()
	if !ok {
		return
	}
	target.send(msg)
}

func (s *Server) evict(sess *session) {
	if sess.peerID == "" {
		return
	}
	s.mu.Lock()
	key := sessionKey(sess.networkID, sess.peerID)
	if current, ok := s.sessions[key]; ok && current == sess {
		delete(s.sessions, key)
	}
	for pkey, req := range s.pending {
		if req.requesterID == sess.peerID || req.targetID == sess.peerID {
			delete(s.pending, pkey)
		}
	}
	s.mu.Unlock()
}

// RunSweeper evicts idle sessions and expired pending requests until ctx
// is canceled. Run this once per Server alongside ServeHTTP.
func (s *Server) RunSweeper(ctx context.Context) {
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
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, sess := range s.sessions {
		if sess.idleSince(now) > s.idleTimeout {
			sess.conn.Close()
			delete(s.sessions, key)
		}
	}
	for key, req := range s.pending {
		if now.Sub(req.createdAt) > PendingRequestTTL {
			delete(s.pending, key)
		}
	}
}

// SessionCount reports the number of currently registered sessions.
// Exposed for status reporting.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// decideStrategy picks a hole-punch strategy per side: the symmetric side
// always gets you_initiate paired with the other side's peer_initiates;
// two symmetric peers fall back to relay; anything else is simultaneous.
func decideStrategy(requesterNAT, targetNAT string) (requesterStrategy, targetStrategy string) {
	requesterSymmetric := requesterNAT == NATSymmetric
	targetSymmetric := targetNAT == NATSymmetric

	switch {
	case requesterSymmetric && targetSymmetric:
		return "relay", "relay"
	case requesterSymmetric:
		return "you_initiate", "peer_initiates"
	case targetSymmetric:
		return "peer_initiates", "you_initiate"
	default:
		return "simultaneous", "simultaneous"
	}
}
