// Package ratelimit provides token-bucket rate limiting keyed either by
// source IP (for UDP listeners that haven't authenticated a sender yet)
// or by peer id (for signaling endpoints that have, and want to bound
// what a single identity can do regardless of how many addresses it
// connects from).
//
// Both IPRateLimiter and PeerRateLimiter wrap the same LRU-bounded token
// bucket implementation and are safe for concurrent use.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultRate is the default allowed messages per second per source IP.
	DefaultRate = 10
	// DefaultBurst is the default burst size (token bucket depth) per source IP.
	DefaultBurst = 20
	// DefaultMaxIPs is the maximum number of source IPs tracked simultaneously.
	// When the cache is full the least-recently-used entry is evicted.
	DefaultMaxIPs = 4096

	// DefaultPeerRate is the default allowed signaling requests per second
	// per peer id. Lower than DefaultRate: a legitimate peer issues
	// connection/relay requests far less often than it sends datagrams.
	DefaultPeerRate = 5
	// DefaultPeerBurst is the default burst depth per peer id.
	DefaultPeerBurst = 10
	// DefaultMaxPeers is the maximum number of peer ids tracked
	// simultaneously before the LRU starts evicting.
	DefaultMaxPeers = 8192
)

// bucket is a token bucket for a single key.
type bucket struct {
	tokens   float64
	lastFill time.Time
}

// entry is a cached bucket with its key.
type entry struct {
	key string
	bkt *bucket
}

// limiter is the shared token-bucket-with-LRU-eviction core. IPRateLimiter
// and PeerRateLimiter are thin, differently-keyed wrappers around it so
// the two can carry distinct default rates without duplicating the bucket
// arithmetic.
type limiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64 // maximum token depth
	maxKeys int
	buckets map[string]*list.Element
	lru     *list.List
}

func newLimiter(rate, burst float64, maxKeys int, defaultRate, defaultBurst float64, defaultMaxKeys int) *limiter {
	if rate <= 0 {
		rate = defaultRate
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &limiter{
		rate:    rate,
		burst:   burst,
		maxKeys: maxKeys,
		buckets: make(map[string]*list.Element, maxKeys),
		lru:     list.New(),
	}
}

// allow consumes one token from key's bucket, creating it (and evicting the
// LRU entry if at capacity) on first use. Returns false if the bucket is
// empty.
func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	elem, exists := l.buckets[key]
	if exists {
		bkt := elem.Value.(*entry).bkt
		elapsed := now.Sub(bkt.lastFill).Seconds()
		bkt.tokens += elapsed * l.rate
		if bkt.tokens > l.burst {
			bkt.tokens = l.burst
		}
		bkt.lastFill = now
		l.lru.MoveToFront(elem)

		if bkt.tokens < 1 {
			return false
		}
		bkt.tokens--
		return true
	}

	if l.lru.Len() >= l.maxKeys {
		oldest := l.lru.Back()
		if oldest != nil {
			l.lru.Remove(oldest)
			delete(l.buckets, oldest.Value.(*entry).key)
		}
	}

	bkt := &bucket{tokens: l.burst - 1, lastFill: now}
	e := &entry{key: key, bkt: bkt}
	elem = l.lru.PushFront(e)
	l.buckets[key] = elem
	return true
}

func (l *limiter) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*list.Element, l.maxKeys)
	l.lru.Init()
}

// IPRateLimiter rate-limits incoming messages on a per-source-IP basis using
// token buckets. An LRU eviction policy keeps memory bounded.
type IPRateLimiter struct {
	*limiter
}

// New creates a new IPRateLimiter with the given rate, burst, and maximum
// number of tracked IPs.
func New(rate, burst float64, maxIPs int) *IPRateLimiter {
	return &IPRateLimiter{newLimiter(rate, burst, maxIPs, DefaultRate, DefaultBurst, DefaultMaxIPs)}
}

// NewDefault creates an IPRateLimiter with DefaultRate, DefaultBurst, and DefaultMaxIPs.
func NewDefault() *IPRateLimiter {
	return New(DefaultRate, DefaultBurst, DefaultMaxIPs)
}

// Allow returns true if the message from the given IP should be processed.
// It consumes one token from the source IP's bucket. Returns false if the
// bucket is empty (rate limit exceeded).
func (l *IPRateLimiter) Allow(ip string) bool {
	return l.allow(ip)
}

// Reset clears all state. Useful for testing.
func (l *IPRateLimiter) Reset() {
	l.reset()
}

// PeerRateLimiter rate-limits signaling requests on a per-peer-id basis,
// independent of source address. A rendezvous server sits behind this in
// addition to an IPRateLimiter so that one compromised or misbehaving
// identity can't exhaust the directory by rotating source IPs.
type PeerRateLimiter struct {
	*limiter
}

// NewPeer creates a new PeerRateLimiter with the given rate, burst, and
// maximum number of tracked peer ids.
func NewPeer(rate, burst float64, maxPeers int) *PeerRateLimiter {
	return &PeerRateLimiter{newLimiter(rate, burst, maxPeers, DefaultPeerRate, DefaultPeerBurst, DefaultMaxPeers)}
}

// NewDefaultPeer creates a PeerRateLimiter with DefaultPeerRate,
// DefaultPeerBurst, and DefaultMaxPeers.
func NewDefaultPeer() *PeerRateLimiter {
	return NewPeer(DefaultPeerRate, DefaultPeerBurst, DefaultMaxPeers)
}

// Allow returns true if a request from the given peer id should be
// processed, consuming one token from that peer's bucket.
func (l *PeerRateLimiter) Allow(peerID string) bool {
	return l.allow(peerID)
}

// Reset clears all state. Useful for testing.
func (l *PeerRateLimiter) Reset() {
	l.reset()
}
