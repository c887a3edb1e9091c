// Package registry holds the mesh's peer table: one record per known
// peer, its candidate endpoints, its active path, and its liveness state
// machine.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/identity"
	"github.com/omerta-mesh/meshnode/pkg/wire"
)

const (
	// StaleAfter is how long without an authenticated inbound datagram
	// before a live peer is marked stale.
	StaleAfter = 30 * time.Second
	// DeadAfterFailedProbes is the number of consecutive failed probes
	// after which a stale peer is marked dead.
	DeadAfterFailedProbes = 3
	// RemoveAfter is how long a dead peer is kept around before the
	// record itself is dropped.
	RemoveAfter = 10 * time.Minute

	// DefaultMaxPeers bounds memory use under a flood of bogus peer
	// announcements; a legitimate single mesh network is unlikely to
	// approach it.
	DefaultMaxPeers = 1000

	eventBufSize = 16
)

// CandidateSource records how a candidate endpoint was learned, used by
// pkg/pathmgr to rank and trust candidates.
type CandidateSource int

const (
	SourceDirect CandidateSource = iota
	SourceRendezvous
	SourcePeerExchange
	SourceDHT
	SourceRelay
)

func (s CandidateSource) String() string {
	switch s {
	case SourceDirect:
		return "direct"
	case SourceRendezvous:
		return "rendezvous"
	case SourcePeerExchange:
		return "peer_exchange"
	case SourceDHT:
		return "dht"
	case SourceRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// LivenessState is the peer-level state machine described in the path
// manager's design: unknown -> probing -> live <-> stale -> dead.
type LivenessState int

const (
	StateUnknown LivenessState = iota
	StateProbing
	StateLive
	StateStale
	StateDead
)

func (s LivenessState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateProbing:
		return "probing"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

// Candidate is one endpoint a peer might be reachable at.
type Candidate struct {
	Addr        string
	Source      CandidateSource
	IsDirect    bool
	SmoothedRTT time.Duration
	LastSuccess time.Time
	// Unverified candidates (learned via peer exchange, never probed)
	// must not be promoted to the active path.
	Verified bool
}

// Record is everything the mesh tracks about one peer.
type Record struct {
	mu sync.Mutex

	ID    identity.PeerID
	State LivenessState

	Candidates []*Candidate
	ActivePath *Candidate

	// Keys is populated once the peer's direction keys are derived.
	Keys *wire.DirectionKeys
	// Replay guards inbound datagrams from this peer.
	Replay *wire.ReplayWindow
	// sendCounter is this node's monotone per-peer send sequence number.
	sendCounter uint64

	LastInbound        time.Time
	ConsecutiveFailures int

	// WarmRelayToken, when non-empty, names an always-on relay session
	// kept alive for this peer so a direct-path failure can fail over
	// to relay without a fresh handshake.
	WarmRelayToken string
}

// NextSendCounter returns the next per-peer send sequence number,
// advancing it. Callers must treat exhaustion (wire.ErrCounterExhausted
// from pkg/wire.Seal) as a signal to tear the peer record down and
// re-establish it.
func (r *Record) NextSendCounter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendCounter++
	return r.sendCounter
}

// EventKind distinguishes registry notifications.
type EventKind int

const (
	EventNew EventKind = iota
	EventStateChanged
	EventCandidateAdded
)

// Event is published to subscribers whenever a peer record changes.
type Event struct {
	PeerID identity.PeerID
	Kind   EventKind
}

// Registry is the thread-safe peer table.
type Registry struct {
	mu          sync.RWMutex
	peers       map[identity.PeerID]*Record
	subscribers []chan Event
	maxPeers    int
}

// New creates an empty registry bounded to DefaultMaxPeers records.
func New() *Registry {
	return &Registry{
		peers:    make(map[identity.PeerID]*Record),
		maxPeers: DefaultMaxPeers,
	}
}

// Subscribe returns a channel of registry events. Callers must Unsubscribe
// when done to avoid leaking the channel.
func (reg *Registry) Subscribe() <-chan Event {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ch := make(chan Event, eventBufSize)
	reg.subscribers = append(reg.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (reg *Registry) Unsubscribe(ch <-chan Event) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i, sub := range reg.subscribers {
		if sub == ch {
			reg.subscribers = append(reg.subscribers[:i], reg.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (reg *Registry) notify(id identity.PeerID, kind EventKind) {
	reg.mu.RLock()
	subs := make([]chan Event, len(reg.subscribers))
	copy(subs, reg.subscribers)
	reg.mu.RUnlock()

	ev := Event{PeerID: id, Kind: kind}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// GetOrCreate returns the record for id, creating it (in StateUnknown) if
// this is the first time the peer has been seen. Returns ok=false if the
// registry is at capacity and id is not already known.
func (reg *Registry) GetOrCreate(id identity.PeerID) (rec *Record, ok bool) {
	reg.mu.Lock()
	if existing, found := reg.peers[id]; found {
		reg.mu.Unlock()
		return existing, true
	}
	if len(reg.peers) >= reg.maxPeers {
		reg.mu.Unlock()
		log.Printf("[registry] peer cap reached (%d); dropping new peer %s", reg.maxPeers, id)
		return nil, false
	}
	rec = &Record{ID: id, State: StateUnknown, Replay: &wire.ReplayWindow{}}
	reg.peers[id] = rec
	reg.mu.Unlock()

	reg.notify(id, EventNew)
	return rec, true
}

// Get returns the record for id without creating one.
func (reg *Registry) Get(id identity.PeerID) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.peers[id]
	return rec, ok
}

// All returns every known peer record.
func (reg *Registry) All() []*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Record, 0, len(reg.peers))
	for _, rec := range reg.peers {
		out = append(out, rec)
	}
	return out
}

// SetState transitions rec to state, notifying subscribers if it changed.
func (reg *Registry) SetState(rec *Record, state LivenessState) {
	rec.mu.Lock()
	changed := rec.State != state
	rec.State = state
	rec.mu.Unlock()

	if changed {
		reg.notify(rec.ID, EventStateChanged)
	}
}

// AddCandidate appends a new candidate endpoint to rec, or updates an
// existing one with the same address.
func (reg *Registry) AddCandidate(rec *Record, c *Candidate) {
	rec.mu.Lock()
	for _, existing := range rec.Candidates {
		if existing.Addr == c.Addr {
			existing.Source = c.Source
			existing.IsDirect = c.IsDirect
			rec.mu.Unlock()
			return
		}
	}
	rec.Candidates = append(rec.Candidates, c)
	rec.mu.Unlock()

	reg.notify(rec.ID, EventCandidateAdded)
}

// ActivePath returns rec's current active candidate, if any, under rec's
// lock. Callers elsewhere in the mesh read this field from goroutines
// other than the one that set it (the reactor's sweep ticker, a Connect
// caller, the send path), so every access goes through here rather than
// touching rec.ActivePath directly.
func (reg *Registry) ActivePath(rec *Record) *Candidate {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.ActivePath
}

// SetActivePath updates rec's active candidate under rec's lock.
func (reg *Registry) SetActivePath(rec *Record, c *Candidate) {
	rec.mu.Lock()
	rec.ActivePath = c
	rec.mu.Unlock()
}

// CandidateSnapshot returns a copy of rec's candidate slice under rec's
// lock, safe to range over after the call returns even while
// AddCandidate/RemoveCandidate keep mutating the live slice concurrently.
func (reg *Registry) CandidateSnapshot(rec *Record) []*Candidate {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]*Candidate, len(rec.Candidates))
	copy(out, rec.Candidates)
	return out
}

// RemoveCandidate drops c from rec's candidate list. Used when the path
// manager reports a candidate has crossed its eviction failure threshold;
// once removed it plays no further part in Best or ShouldPromote.
func (reg *Registry) RemoveCandidate(rec *Record, c *Candidate) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, existing := range rec.Candidates {
		if existing == c {
			rec.Candidates = append(rec.Candidates[:i], rec.Candidates[i+1:]...)
			return
		}
	}
}

// TouchInbound records that an authenticated datagram was just received
// from rec's peer, promoting it to live if it wasn't already there and
// resetting its failure count. This is also the only path a peer has out
// of stale without an explicit successful probe: real application
// traffic is just as good a liveness signal as one.
func (reg *Registry) TouchInbound(rec *Record) {
	rec.mu.Lock()
	rec.LastInbound = time.Now()
	rec.ConsecutiveFailures = 0
	revive := rec.State == StateDead || rec.State == StateUnknown || rec.State == StateStale
	rec.mu.Unlock()

	if revive {
		reg.SetState(rec, StateLive)
	}
}

// RecordProbeFailure increments rec's consecutive failure count and
// transitions it to dead once the threshold is crossed.
func (reg *Registry) RecordProbeFailure(rec *Record) {
	rec.mu.Lock()
	rec.ConsecutiveFailures++
	dead := rec.ConsecutiveFailures >= DeadAfterFailedProbes
	rec.mu.Unlock()

	if dead {
		reg.SetState(rec, StateDead)
	}
}

// Sweep transitions live peers that have gone quiet to stale, and removes
// records that have been dead for longer than RemoveAfter. Returns the
// peer IDs removed entirely.
func (reg *Registry) Sweep() []identity.PeerID {
	now := time.Now()
	var toStale []*Record
	var removed []identity.PeerID

	reg.mu.Lock()
	for id, rec := range reg.peers {
		rec.mu.Lock()
		switch rec.State {
		case StateLive:
			if now.Sub(rec.LastInbound) > StaleAfter {
				toStale = append(toStale, rec)
			}
		case StateDead:
			if now.Sub(rec.LastInbound) > RemoveAfter {
				delete(reg.peers, id)
				removed = append(removed, id)
			}
		}
		rec.mu.Unlock()
	}
	reg.mu.Unlock()

	for _, rec := range toStale {
		reg.SetState(rec, StateStale)
	}
	return removed
}
