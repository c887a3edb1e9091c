// Package identity generates and loads the long-lived keypair that names a
// node on the mesh. A node's peer_id is simply its public key.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// PeerID is a node's public key, also its address on the mesh.
type PeerID [32]byte

// String renders a PeerID as lowercase hex for logs and the control surface.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ParsePeerID decodes a hex-encoded peer ID produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("peer id: invalid hex: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("peer id: decoded length %d, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// KeyPair is a node's X25519 identity keypair.
type KeyPair struct {
	Private [32]byte
	Public  PeerID
}

// Generate creates a new random X25519 keypair in-process. The mesh never
// shells out to an external tool to produce identity material.
func Generate() (*KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("identity: read random seed: %w", err)
	}
	return FromSeed(priv)
}

// FromSeed derives a keypair from an existing 32-byte private scalar,
// clamping it per RFC 7748 §5 before deriving the public key.
func FromSeed(seed [32]byte) (*KeyPair, error) {
	priv := seed
	clamp(&priv)

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}

	kp := &KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// clamp applies the standard X25519 scalar clamp in place.
func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret between
// this keypair's private scalar and a peer's public key. Callers feed the
// result into pkg/wire's key derivation, never use it directly.
func (kp *KeyPair) SharedSecret(peer PeerID) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("identity: compute shared secret: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}
