// Package netconf consumes a network bundle (network_id, network_key,
// bootstrap endpoints) and derives the working keys the rest of the mesh
// needs from it.
package netconf

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/hkdf"
	"io"

	"crypto/sha256"
)

const (
	// URIPrefix is the scheme a network bundle's shared secret may be
	// wrapped in, e.g. "omerta://v1/<secret>".
	URIPrefix  = "omerta://"
	URIVersion = "v1"

	// MinSecretLength matches the shortest secret NewBundle will accept.
	MinSecretLength = 16

	hkdfInfoRelayAuth      = "omerta-relay-v1"
	hkdfInfoRendezvousAuth = "omerta-rendezvous-v1"
	networkIDSize          = 20
)

// Bundle is the network-identifying material a node is configured with: a
// shared secret from which every other working key is derived, and the
// set of rendezvous/bootstrap endpoints used to find peers.
type Bundle struct {
	NetworkID       [networkIDSize]byte
	NetworkKey      []byte // raw secret bytes, fed into every HKDF derivation
	RelayAuthKey    [32]byte
	RendezvousKey   [32]byte
	BootstrapPeers  []string
	RendezvousAddrs []string
}

// NewBundle derives a Bundle from a shared secret (plain or wrapped in an
// "omerta://v1/" URI) and the operator-supplied endpoint lists.
func NewBundle(secret string, bootstrapPeers, rendezvousAddrs []string) (*Bundle, error) {
	raw := parseSecret(secret)
	if len(raw) < MinSecretLength {
		return nil, fmt.Errorf("netconf: secret must be at least %d characters", MinSecretLength)
	}

	b := &Bundle{
		NetworkKey:      []byte(raw),
		BootstrapPeers:  bootstrapPeers,
		RendezvousAddrs: rendezvousAddrs,
	}

	hash := sha256.Sum256([]byte(raw))
	copy(b.NetworkID[:], hash[:networkIDSize])

	if err := deriveHKDF(b.NetworkKey, []byte(hkdfInfoRelayAuth), b.RelayAuthKey[:]); err != nil {
		return nil, fmt.Errorf("netconf: derive relay auth key: %w", err)
	}
	if err := deriveHKDF(b.NetworkKey, []byte(hkdfInfoRendezvousAuth), b.RendezvousKey[:]); err != nil {
		return nil, fmt.Errorf("netconf: derive rendezvous auth key: %w", err)
	}

	return b, nil
}

// GenerateSecret produces a new random network secret suitable for
// handing to NewBundle.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("netconf: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FormatSecretURI wraps a raw secret in the omerta:// URI scheme.
func FormatSecretURI(secret string) string {
	return fmt.Sprintf("%s%s/%s", URIPrefix, URIVersion, secret)
}

func parseSecret(input string) string {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, URIPrefix) {
		return input
	}
	rest := strings.TrimPrefix(input, URIPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parts[0]
	}
	secret := parts[1]
	if idx := strings.Index(secret, "?"); idx != -1 {
		secret = secret[:idx]
	}
	return secret
}

func deriveHKDF(secret, info, output []byte) error {
	reader := hkdf.New(sha256.New, secret, nil, info)
	_, err := io.ReadFull(reader, output)
	return err
}
