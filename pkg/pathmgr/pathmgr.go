// Package pathmgr scores a peer's candidate endpoints and decides which
// one becomes the active path, promoting, demoting, and evicting
// candidates as probes succeed or fail.
package pathmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/obs"
	"github.com/omerta-mesh/meshnode/pkg/registry"
)

const (
	// PromoteRTTFactor: a non-active candidate must beat the active
	// path's smoothed RTT by this factor before it is considered for
	// promotion.
	PromoteRTTFactor = 0.8
	// PromoteConsecutiveSuccesses is how many consecutive successful
	// probes a candidate needs before it can be promoted.
	PromoteConsecutiveSuccesses = 3
	// DemoteConsecutiveFailures is how many consecutive probe failures
	// on the active path trigger a demotion to the next-best candidate.
	DemoteConsecutiveFailures = 3
	// EvictFailCount removes a candidate from consideration entirely.
	EvictFailCount = 10

	// RoamProbeTimeout bounds how long a pre-switch probe is allowed to
	// take before the roam is abandoned.
	RoamProbeTimeout = 2 * time.Second
)

// Prober sends a single probe to addr and reports whether it succeeded
// and, if so, how long it took. Implemented by the reactor using the
// live UDP socket; pathmgr never touches the network directly.
type Prober func(ctx context.Context, addr string) (time.Duration, error)

// trackedCandidate carries the scoring bookkeeping pathmgr needs beyond
// what's stored on registry.Candidate.
type trackedCandidate struct {
	*registry.Candidate
	consecutiveSuccesses int
	consecutiveFailures  int
	failCount            int
}

// Manager owns the per-peer candidate scoring state. One Manager
// instance is shared by the whole mesh; it tracks state per peer ID.
type Manager struct {
	mu     sync.Mutex
	tracks map[string]map[string]*trackedCandidate // peerID -> addr -> track
	probe  Prober
}

// New creates a path manager that uses probe to test candidate
// reachability.
func New(probe Prober) *Manager {
	return &Manager{
		tracks: make(map[string]map[string]*trackedCandidate),
		probe:  probe,
	}
}

func (m *Manager) trackFor(peerKey string, c *registry.Candidate) *trackedCandidate {
	byAddr, ok := m.tracks[peerKey]
	if !ok {
		byAddr = make(map[string]*trackedCandidate)
		m.tracks[peerKey] = byAddr
	}
	t, ok := byAddr[c.Addr]
	if !ok {
		t = &trackedCandidate{Candidate: c}
		byAddr[c.Addr] = t
	}
	return t
}

// RecordSuccess registers a successful probe of c that took rtt: it resets
// the failure streak, marks c verified, and folds rtt into its smoothed RTT.
func (m *Manager) RecordSuccess(peerKey string, c *registry.Candidate, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.trackFor(peerKey, c)
	t.consecutiveSuccesses++
	t.consecutiveFailures = 0
	c.Verified = true
	c.LastSuccess = time.Now()
	c.SmoothedRTT = smooth(c.SmoothedRTT, rtt)
}

// RecordFailure registers a failed probe against c, returning true if the
// candidate has crossed the eviction threshold and should be dropped from
// the registry entirely.
func (m *Manager) RecordFailure(peerKey string, c *registry.Candidate) (evict bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.trackFor(peerKey, c)
	t.consecutiveSuccesses = 0
	t.consecutiveFailures++
	t.failCount++
	return t.failCount >= EvictFailCount
}

// ShouldPromote reports whether candidate should replace active as the
// peer's active path, per the promote rule: it must be faster by
// PromoteRTTFactor and have accumulated PromoteConsecutiveSuccesses.
func (m *Manager) ShouldPromote(peerKey string, active, candidate *registry.Candidate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active == nil {
		return candidate.Verified
	}
	t := m.trackFor(peerKey, candidate)
	if t.consecutiveSuccesses < PromoteConsecutiveSuccesses {
		return false
	}
	if active.SmoothedRTT == 0 {
		return true
	}
	return float64(candidate.SmoothedRTT) < PromoteRTTFactor*float64(active.SmoothedRTT)
}

// ShouldDemote reports whether active has failed enough consecutive
// probes that the peer should fail over to its next-best candidate.
func (m *Manager) ShouldDemote(peerKey string, active *registry.Candidate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.trackFor(peerKey, active)
	return t.consecutiveFailures >= DemoteConsecutiveFailures
}

// Best returns the highest-scoring verified candidate among candidates,
// or nil if none are verified yet.
func (m *Manager) Best(peerKey string, candidates []*registry.Candidate) *registry.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *registry.Candidate
	var bestRTT time.Duration
	for _, c := range candidates {
		if !c.Verified {
			continue
		}
		if best == nil || c.SmoothedRTT < bestRTT {
			best = c
			bestRTT = c.SmoothedRTT
		}
	}
	return best
}

// Roam probes candidate before switching a peer's active path to it.
// Switching paths based on an unverified claim would let a partial,
// spoofed-but-authenticated path take over from a healthy one; Roam
// requires a fresh round-trip first.
func (m *Manager) Roam(ctx context.Context, peerKey string, candidate *registry.Candidate) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, RoamProbeTimeout)
	defer cancel()

	_, span := obs.PathmgrTracer.Start(ctx, "pathmgr.roam_probe")
	defer span.End()

	rtt, err := m.probe(ctx, candidate.Addr)
	if err != nil {
		m.RecordFailure(peerKey, candidate)
		return 0, fmt.Errorf("pathmgr: roam probe to %s: %w", candidate.Addr, err)
	}
	m.RecordSuccess(peerKey, candidate, rtt)
	return rtt, nil
}

// ForgetPeer drops all tracked candidate state for peerKey. Call this once
// a peer record has been removed from the registry entirely (e.g. after
// Registry.Sweep reports it gone), or tracks accumulates one entry per
// peer ID ever seen for the life of the process.
func (m *Manager) ForgetPeer(peerKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, peerKey)
}

// ForgetCandidate drops tracked state for one candidate address under
// peerKey. Call this once the candidate itself has been evicted from the
// registry, so a long-lived peer with high churn in its candidate set
// doesn't accumulate stale per-address tracks forever.
func (m *Manager) ForgetCandidate(peerKey string, c *registry.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAddr, ok := m.tracks[peerKey]
	if !ok {
		return
	}
	delete(byAddr, c.Addr)
	if len(byAddr) == 0 {
		delete(m.tracks, peerKey)
	}
}

func smooth(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	// Exponentially weighted moving average, weight 1/8 per RFC 6298's
	// RTT smoothing convention.
	return prev + (sample-prev)/8
}
