package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefixPeer = "omerta:rendezvous:peer:"

// PeerRecord is the durable, cross-replica view of a peer's last-known
// reachability, independent of which rendezvous replica currently holds
// its live WebSocket connection.
type PeerRecord struct {
	Endpoint string    `json:"endpoint"`
	NATClass string    `json:"nat_class"`
	LastSeen time.Time `json:"last_seen"`
}

// RedisStore gives several rendezvous replicas behind a load balancer a
// shared view of peer presence for status/introspection queries. It is
// never on the hole-punch coordination path itself — that always talks
// directly to the replica holding the live connection.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to addr.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rendezvous: redis connection failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func peerKey(networkID, peerID string) string {
	return keyPrefixPeer + networkID + ":" + peerID
}

// SavePeer records the latest known reachability for peerID on
// networkID, expiring it after 2*DefaultIdleTimeout so a crashed replica
// doesn't leave stale directory entries behind forever.
func (s *RedisStore) SavePeer(ctx context.Context, networkID, peerID string, rec PeerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal peer record: %w", err)
	}
	return s.rdb.Set(ctx, peerKey(networkID, peerID), data, 2*DefaultIdleTimeout).Err()
}

// GetPeer fetches the last known reachability for peerID on networkID.
func (s *RedisStore) GetPeer(ctx context.Context, networkID, peerID string) (PeerRecord, bool, error) {
	data, err := s.rdb.Get(ctx, peerKey(networkID, peerID)).Bytes()
	if err == redis.Nil {
		return PeerRecord{}, false, nil
	}
	if err != nil {
		return PeerRecord{}, false, fmt.Errorf("rendezvous: get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PeerRecord{}, false, fmt.Errorf("rendezvous: unmarshal peer record: %w", err)
	}
	return rec, true, nil
}

// DeletePeer removes a peer's durable directory entry, e.g. on explicit
// network departure.
func (s *RedisStore) DeletePeer(ctx context.Context, networkID, peerID string) error {
	return s.rdb.Del(ctx, peerKey(networkID, peerID)).Err()
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
