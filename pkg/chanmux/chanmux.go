// Package chanmux multiplexes multiple logical channels over a single
// sealed path to a peer. Each channel is identified by name; on the wire
// it's addressed by a single byte id, announced to the remote side via a
// handshake on reserved channel 0 the first time a name is used.
package chanmux

import (
	"fmt"
	"sync"

	"github.com/omerta-mesh/meshnode/pkg/identity"
)

// HandshakeChannel is the reserved channel id used to announce name->id
// assignments before any other channel can be dispatched.
const HandshakeChannel byte = 0

// MaxChannels bounds the number of application channels a single peer
// link can multiplex (256 minus the reserved handshake channel).
const MaxChannels = 255

// handshakeAssign is the only handshake op today: "I will use id N for
// channel name when I send to you."
const handshakeAssign byte = 1

// Handler processes a payload delivered on one channel from one peer.
// Delivery is at-most-once and ordered only within the path it arrived
// on; Handler must not assume in-order delivery across path switches.
type Handler func(peer identity.PeerID, payload []byte)

// link tracks one peer's channel assignments. The two directions are
// independent: localNameToID is this node's own allocation, used when
// framing outbound payloads, while remoteIDToName is what the peer has
// announced about its own allocation, used to route inbound payloads.
// Two peers requesting the same channel name in a different order end up
// with different ids in each direction, and that's fine — nothing ever
// assumes the two sides agree.
type link struct {
	mu sync.Mutex

	localNameToID map[string]byte
	localNextID   byte

	remoteIDToName map[byte]string
}

func newLink() *link {
	return &link{
		localNameToID:  make(map[string]byte),
		localNextID:    HandshakeChannel + 1,
		remoteIDToName: make(map[byte]string),
	}
}

// Mux dispatches inbound channel payloads to registered handlers and
// assigns outbound channel ids per peer link.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	links    map[identity.PeerID]*link
}

// New creates an empty multiplexer.
func New() *Mux {
	return &Mux{
		handlers: make(map[string]Handler),
		links:    make(map[identity.PeerID]*link),
	}
}

// OnChannel registers handler to be invoked for every payload received on
// the named channel, from any peer.
func (mx *Mux) OnChannel(name string, handler Handler) {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	mx.handlers[name] = handler
}

func (mx *Mux) linkFor(peer identity.PeerID) *link {
	mx.mu.Lock()
	defer mx.mu.Unlock()
	l, ok := mx.links[peer]
	if !ok {
		l = newLink()
		mx.links[peer] = l
	}
	return l
}

// AssignID returns the channel id this node should use when sending name
// to peer, allocating a fresh one the first time name is used on that
// link. When handshake is non-nil, the caller must transmit it to peer on
// HandshakeChannel before (or together with) the first payload framed
// under id — it's what lets the peer's Dispatch resolve that id back to
// name once it arrives.
func (mx *Mux) AssignID(peer identity.PeerID, name string) (id byte, handshake []byte, err error) {
	l := mx.linkFor(peer)
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.localNameToID[name]; ok {
		return id, nil, nil
	}
	// localNextID wraps around to HandshakeChannel once id 255 is handed out.
	if l.localNextID == HandshakeChannel {
		return 0, nil, fmt.Errorf("chanmux: peer %s has exhausted its %d channel ids", peer, MaxChannels)
	}
	id = l.localNextID
	l.localNextID++
	l.localNameToID[name] = id
	return id, encodeHandshake(id, name), nil
}

// BindID records that id maps to name for payloads arriving from peer, as
// learned from an inbound handshake announcement.
func (mx *Mux) BindID(peer identity.PeerID, id byte, name string) {
	l := mx.linkFor(peer)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteIDToName[id] = name
}

// HandleHandshake decodes a channel-0 payload from peer and records the
// assignment it announces. Malformed handshake frames are dropped.
func (mx *Mux) HandleHandshake(peer identity.PeerID, payload []byte) {
	id, name, err := decodeHandshake(payload)
	if err != nil {
		return
	}
	mx.BindID(peer, id, name)
}

// Dispatch routes an inbound (channel id, payload) pair from peer to the
// handler registered for that channel's name. Payloads for ids the peer
// hasn't announced yet are dropped silently — the handshake either hasn't
// arrived or hasn't been processed, and there's no channel name to report
// back on.
func (mx *Mux) Dispatch(peer identity.PeerID, channelID byte, payload []byte) {
	l := mx.linkFor(peer)
	l.mu.Lock()
	name, ok := l.remoteIDToName[channelID]
	l.mu.Unlock()
	if !ok {
		return
	}

	mx.mu.RLock()
	handler, ok := mx.handlers[name]
	mx.mu.RUnlock()
	if !ok {
		return
	}
	handler(peer, payload)
}

// Frame prefixes payload with its channel id byte, ready to hand to
// pkg/wire.Seal as the sealed payload.
func Frame(channelID byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = channelID
	copy(out[1:], payload)
	return out
}

// Unframe splits a sealed payload back into its channel id and body.
func Unframe(framed []byte) (channelID byte, payload []byte, err error) {
	if len(framed) < 1 {
		return 0, nil, fmt.Errorf("chanmux: empty frame")
	}
	return framed[0], framed[1:], nil
}

// encodeHandshake builds a channel-0 payload announcing that id is now
// this node's id for name.
func encodeHandshake(id byte, name string) []byte {
	out := make([]byte, 2+len(name))
	out[0] = handshakeAssign
	out[1] = id
	copy(out[2:], name)
	return out
}

func decodeHandshake(payload []byte) (id byte, name string, err error) {
	if len(payload) < 2 {
		return 0, "", fmt.Errorf("chanmux: handshake frame too short")
	}
	if payload[0] != handshakeAssign {
		return 0, "", fmt.Errorf("chanmux: unknown handshake op 0x%02x", payload[0])
	}
	return payload[1], string(payload[2:]), nil
}
