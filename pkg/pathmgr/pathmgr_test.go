package pathmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/registry"
)

func noopProbe(ctx context.Context, addr string) (time.Duration, error) {
	return 10 * time.Millisecond, nil
}

func TestRecordSuccessMarksVerified(t *testing.T) {
	m := New(noopProbe)
	c := &registry.Candidate{Addr: "10.0.0.1:1"}
	m.RecordSuccess("peer1", c, 50*time.Millisecond)

	if !c.Verified {
		t.Error("expected candidate to be verified after a success")
	}
	if c.SmoothedRTT != 50*time.Millisecond {
		t.Errorf("SmoothedRTT = %v, want 50ms on first sample", c.SmoothedRTT)
	}
}

func TestShouldPromoteRequiresConsecutiveSuccesses(t *testing.T) {
	m := New(noopProbe)
	active := &registry.Candidate{Addr: "active:1", Verified: true, SmoothedRTT: 100 * time.Millisecond}
	candidate := &registry.Candidate{Addr: "candidate:1"}

	for i := 0; i < PromoteConsecutiveSuccesses-1; i++ {
		m.RecordSuccess("peer1", candidate, 10*time.Millisecond)
		if m.ShouldPromote("peer1", active, candidate) {
			t.Fatalf("promoted too early at success %d", i+1)
		}
	}
	m.RecordSuccess("peer1", candidate, 10*time.Millisecond)
	if !m.ShouldPromote("peer1", active, candidate) {
		t.Error("expected promotion once RTT and success streak both qualify")
	}
}

func TestShouldPromoteRejectsSlowerCandidate(t *testing.T) {
	m := New(noopProbe)
	active := &registry.Candidate{Addr: "active:1", Verified: true, SmoothedRTT: 10 * time.Millisecond}
	candidate := &registry.Candidate{Addr: "candidate:1"}

	for i := 0; i < PromoteConsecutiveSuccesses; i++ {
		m.RecordSuccess("peer1", candidate, 50*time.Millisecond)
	}
	if m.ShouldPromote("peer1", active, candidate) {
		t.Error("should not promote a candidate slower than 0.8x the active path")
	}
}

func TestShouldDemoteAfterConsecutiveFailures(t *testing.T) {
	m := New(noopProbe)
	active := &registry.Candidate{Addr: "active:1"}

	for i := 0; i < DemoteConsecutiveFailures-1; i++ {
		m.RecordFailure("peer1", active)
		if m.ShouldDemote("peer1", active) {
			t.Fatalf("demoted too early at failure %d", i+1)
		}
	}
	m.RecordFailure("peer1", active)
	if !m.ShouldDemote("peer1", active) {
		t.Error("expected demotion after threshold consecutive failures")
	}
}

func TestRecordFailureEvictsAtThreshold(t *testing.T) {
	m := New(noopProbe)
	c := &registry.Candidate{Addr: "c:1"}

	var evict bool
	for i := 0; i < EvictFailCount; i++ {
		evict = m.RecordFailure("peer1", c)
	}
	if !evict {
		t.Error("expected eviction at EvictFailCount failures")
	}
}

func TestBestPrefersLowestVerifiedRTT(t *testing.T) {
	m := New(noopProbe)
	slow := &registry.Candidate{Addr: "slow:1", Verified: true, SmoothedRTT: 100 * time.Millisecond}
	fast := &registry.Candidate{Addr: "fast:1", Verified: true, SmoothedRTT: 10 * time.Millisecond}
	unverified := &registry.Candidate{Addr: "unverified:1", SmoothedRTT: time.Millisecond}

	best := m.Best("peer1", []*registry.Candidate{slow, fast, unverified})
	if best != fast {
		t.Errorf("Best = %+v, want fast candidate", best)
	}
}

func TestRoamRecordsFailureOnProbeError(t *testing.T) {
	failing := func(ctx context.Context, addr string) (time.Duration, error) {
		return 0, errors.New("unreachable")
	}
	m := New(failing)
	c := &registry.Candidate{Addr: "c:1"}

	if _, err := m.Roam(context.Background(), "peer1", c); err == nil {
		t.Fatal("expected roam probe error to propagate")
	}
	if c.Verified {
		t.Error("candidate should not be verified after a failed roam probe")
	}
}

func TestRoamVerifiesOnSuccess(t *testing.T) {
	m := New(noopProbe)
	c := &registry.Candidate{Addr: "c:1"}

	rtt, err := m.Roam(context.Background(), "peer1", c)
	if err != nil {
		t.Fatalf("Roam: %v", err)
	}
	if rtt != 10*time.Millisecond {
		t.Errorf("rtt = %v, want 10ms", rtt)
	}
	if !c.Verified {
		t.Error("expected candidate verified after successful roam probe")
	}
}
