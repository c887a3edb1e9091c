// Package signaling is the mesh's rendezvous client: a WebSocket session
// to a rendezvous server carrying the JSON-tagged control messages that
// register a peer, report its endpoint, and coordinate hole-punching and
// relay allocation with other members of the same network.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Message types, client -> server.
const (
	TypeRegister          = "register"
	TypeReportEndpoint    = "report_endpoint"
	TypeRequestConnection = "request_connection"
	TypeHolePunchReady    = "hole_punch_ready"
	TypeHolePunchSent     = "hole_punch_sent"
	TypeHolePunchResult   = "hole_punch_result"
	TypeRequestRelay      = "request_relay"
	TypePing              = "ping"
)

// Message types, server -> client.
const (
	TypeRegistered        = "registered"
	TypeError             = "error"
	TypePeerEndpoint      = "peer_endpoint"
	TypeHolePunchStrategy = "hole_punch_strategy"
	TypeHolePunchNow      = "hole_punch_now"
	TypeHolePunchInitiate = "hole_punch_initiate"
	TypeHolePunchWait     = "hole_punch_wait"
	TypeHolePunchContinue = "hole_punch_continue"
	TypeRelayAssigned     = "relay_assigned"
	TypePong              = "pong"
)

// RequestTimeout bounds how long a Request call waits for a matching
// server response.
const RequestTimeout = 10 * time.Second

// Message is the single tagged envelope carried over the WebSocket, one
// per text frame. Every variant from §4.3 of the protocol lives here as
// an optional field rather than as its own Go type, so decoding never
// needs to guess which shape arrived before looking at Type.
type Message struct {
	Type string `json:"type"`

	PeerID          string `json:"peer_id,omitempty"`
	NetworkID       string `json:"network_id,omitempty"`
	AuthProof       string `json:"auth_proof,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	NATClass        string `json:"nat_class,omitempty"`
	TargetPeerID    string `json:"target_peer_id,omitempty"`
	RequesterPubkey string `json:"requester_pubkey,omitempty"`
	NewEndpoint     string `json:"new_endpoint,omitempty"`
	Target          string `json:"target,omitempty"`
	Success         bool   `json:"success,omitempty"`
	ObservedEndpoint string `json:"observed_endpoint,omitempty"`

	ServerTime     int64  `json:"server_time,omitempty"`
	Error          string `json:"error,omitempty"`
	Pubkey         string `json:"pubkey,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	TargetEndpoint string `json:"target_endpoint,omitempty"`
	RelayEndpoint  string `json:"relay_endpoint,omitempty"`
	SessionToken   string `json:"session_token,omitempty"`
}

// Handler processes an unsolicited server push (anything not claimed by
// a pending Request waiter).
type Handler func(Message)

type waiter struct {
	types []string
	ch    chan Message
}

// Client maintains one rendezvous session, reconnecting with exponential
// backoff on disconnect. All sends are serialized; reads are dispatched
// from a single goroutine to registered handlers or pending waiters.
type Client struct {
	url string
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	waiters  []*waiter
	handlers map[string]Handler
}

// New creates a rendezvous client for the given WebSocket URL. log may be
// nil, in which case slog.Default is used.
func New(url string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:      url,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// OnMessage registers handler for unsolicited messages of the given
// type, e.g. peer_endpoint pushes that arrive outside any Request call.
func (c *Client) OnMessage(msgType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// Run dials the rendezvous server and keeps the session alive, retrying
// with exponential backoff until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely; the caller's ctx bounds the whole run

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			c.log.Warn("signaling dial failed, backing off", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		bo.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.log.Info("signaling connected", "url", c.url)
		err = c.readLoop(ctx, conn)
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("signaling session ended, reconnecting", "error", err)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("signaling dropped malformed message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	var matched *waiter
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if matched == nil && containsType(w.types, msg.Type) {
			matched = w
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
	handler := c.handlers[msg.Type]
	c.mu.Unlock()

	if matched != nil {
		matched.ch <- msg
		return
	}
	if handler != nil {
		handler(msg)
	}
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// Send transmits msg without waiting for a response.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: marshal message: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Request sends msg and waits up to RequestTimeout for a server reply
// whose type is one of expectTypes.
func (c *Client) Request(ctx context.Context, msg Message, expectTypes ...string) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	w := &waiter{types: expectTypes, ch: make(chan Message, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.removeWaiter(w)
		return Message{}, err
	}

	select {
	case reply := <-w.ch:
		if reply.Type == TypeError {
			return reply, fmt.Errorf("signaling: server error: %s", reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		c.removeWaiter(w)
		return Message{}, fmt.Errorf("signaling: request %s: %w", msg.Type, ctx.Err())
	}
}

func (c *Client) removeWaiter(target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.waiters[:0]
	for _, w := range c.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	c.waiters = out
}

// Register performs the initial handshake, binding peerID to networkID
// under authProof.
func (c *Client) Register(ctx context.Context, peerID, networkID, authProof string) error {
	_, err := c.Request(ctx, Message{
		Type:      TypeRegister,
		PeerID:    peerID,
		NetworkID: networkID,
		AuthProof: authProof,
	}, TypeRegistered, TypeError)
	return err
}

// ReportEndpoint updates the server's view of this peer's reachable
// address and NAT class.
func (c *Client) ReportEndpoint(endpoint, natClass string) error {
	return c.Send(Message{Type: TypeReportEndpoint, Endpoint: endpoint, NATClass: natClass})
}

// RequestConnection asks the server to coordinate reaching targetPeerID.
func (c *Client) RequestConnection(ctx context.Context, targetPeerID, requesterPubkey string) (Message, error) {
	return c.Request(ctx, Message{
		Type:            TypeRequestConnection,
		TargetPeerID:    targetPeerID,
		RequesterPubkey: requesterPubkey,
	}, TypePeerEndpoint, TypeHolePunchStrategy, TypeError)
}

// RequestRelay asks the server for a relay allocation to targetPeerID.
func (c *Client) RequestRelay(ctx context.Context, targetPeerID string) (Message, error) {
	return c.Request(ctx, Message{Type: TypeRequestRelay, TargetPeerID: targetPeerID}, TypeRelayAssigned, TypeError)
}

// Ping sends a liveness check to the server.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, Message{Type: TypePing}, TypePong)
	return err
}

// ReportHolePunchResult tells the server how a punch attempt against
// target turned out.
func (c *Client) ReportHolePunchResult(target string, success bool, observedEndpoint string) error {
	return c.Send(Message{
		Type:             TypeHolePunchResult,
		Target:           target,
		Success:          success,
		ObservedEndpoint: observedEndpoint,
	})
}
