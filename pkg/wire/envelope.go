// Package wire implements the mesh's authenticated datagram envelope: a
// fixed binary header plus an AEAD-sealed payload, with per-direction keys
// derived from the network's shared secret and a sliding replay window.
package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/omerta-mesh/meshnode/pkg/identity"
)

const (
	// Magic identifies an omerta mesh datagram before any decryption is
	// attempted.
	Magic   uint16 = 0x0E57
	Version byte   = 1

	nonceSaltSize = 4
	counterSize   = 8
	tagSize       = chacha20poly1305.Overhead
	keySize       = chacha20poly1305.KeySize

	// replayWindowBits is the width of the sliding replay window (1024
	// bits, per the envelope's invariant).
	replayWindowBits = 1024
	replayWindowLen  = replayWindowBits / 64

	// hkdfInfoSuffix is shared by both the Tx and Rx derivations below;
	// the only thing distinguishing a direction is the (self, peer)
	// ordering embedded after it, which is what lets one side's Tx key
	// agree with the other side's Rx key without a suffix mismatch.
	hkdfInfoSuffix = "omerta-mesh-v1-link"

	// MaxCounter is the highest counter value a sender may use. Seal
	// refuses any higher counter with ErrCounterExhausted; the mesh has no
	// rekey handshake, and the reactor hands that error back to the sender
	// without resetting the peer's path.
	MaxCounter uint64 = 1<<63 - 1
)

// Flag bits carried in the envelope header.
const (
	FlagNone byte = 0
)

// Classification of a decode failure, used for counters and peer-state
// decisions by the caller. The codec never acts on these itself.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureFormat
	FailureAuth
	FailureReplay
	FailureUnknownSender
)

var (
	ErrTooShort         = errors.New("wire: datagram shorter than header")
	ErrBadMagic         = errors.New("wire: bad magic")
	ErrBadVersion       = errors.New("wire: unsupported version")
	ErrAuthFailed       = errors.New("wire: authentication failed")
	ErrReplay           = errors.New("wire: replayed or too-old counter")
	ErrCounterExhausted = errors.New("wire: send counter exhausted, rekey required")
)

// senderIDSize is the wire width of a sender id: identity.PeerID is a
// fixed-length public key, so the header needs no length prefix for it.
const senderIDSize = 32

// headerLen is the complete fixed header: magic(2) version(1) flags(1)
// sender_id(32) counter(8) nonce_salt(4).
const headerLen = 2 + 1 + 1 + senderIDSize + counterSize + nonceSaltSize

// DirectionKeys holds the two AEAD keys derived for a peer pair: one for
// traffic this node sends, one for traffic it receives. Deriving distinct
// keys per direction (rather than one shared key) stops a reflected packet
// from being replayed back at its sender as if it were a reply.
type DirectionKeys struct {
	Tx [keySize]byte
	Rx [keySize]byte
}

// DeriveDirectionKeys derives the per-direction AEAD keys for the link
// between self and peer from the network's shared secret. Because the
// info string embeds the ordered (self, peer) pair, the two ends of a link
// naturally derive Tx/Rx keys that mirror each other without needing to
// exchange anything further.
func DeriveDirectionKeys(networkKey []byte, self, peer identity.PeerID) (DirectionKeys, error) {
	var keys DirectionKeys

	txInfo := append([]byte(hkdfInfoSuffix+"|"), append(self[:], peer[:]...)...)
	if err := deriveHKDF(networkKey, txInfo, keys.Tx[:]); err != nil {
		return keys, fmt.Errorf("wire: derive tx key: %w", err)
	}

	rxInfo := append([]byte(hkdfInfoSuffix+"|"), append(peer[:], self[:]...)...)
	if err := deriveHKDF(networkKey, rxInfo, keys.Rx[:]); err != nil {
		return keys, fmt.Errorf("wire: derive rx key: %w", err)
	}

	return keys, nil
}

func deriveHKDF(secret, info []byte, output []byte) error {
	reader := hkdf.New(sha256.New, secret, nil, info)
	_, err := io.ReadFull(reader, output)
	return err
}

// buildNonce assembles the 12-byte ChaCha20-Poly1305 nonce from the
// message counter and a random per-message salt, so that no two messages
// under the same key ever reuse a nonce even if counters were to collide
// across a rekey boundary.
func buildNonce(counterBuf, salt []byte) []byte {
	nonce := make([]byte, 0, chacha20poly1305.NonceSize)
	nonce = append(nonce, counterBuf...)
	nonce = append(nonce, salt...)
	return nonce
}

// Seal encrypts payload for senderID using counter as the per-message
// sequence number and key as the sender's Tx key for this link. The
// returned datagram is ready to put on the wire.
func Seal(key [keySize]byte, senderID identity.PeerID, counter uint64, payload []byte) ([]byte, error) {
	if counter > MaxCounter {
		return nil, ErrCounterExhausted
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: init aead: %w", err)
	}

	var salt [nonceSaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, fmt.Errorf("wire: read nonce salt: %w", err)
	}

	header := make([]byte, 0, headerLen)
	header = binary.BigEndian.AppendUint16(header, Magic)
	header = append(header, Version, FlagNone)
	header = append(header, senderID[:]...)
	var counterBuf [counterSize]byte
	binary.BigEndian.PutUint64(counterBuf[:], counter)
	header = append(header, counterBuf[:]...)
	header = append(header, salt[:]...)

	nonce := buildNonce(counterBuf[:], salt[:])

	sealed := aead.Seal(nil, nonce, payload, header)
	return append(header, sealed...), nil
}

// PeekSenderID extracts the claimed sender id from datagram without
// attempting authentication, so a caller holding many peers' keys can
// look up the right one before calling Open.
func PeekSenderID(datagram []byte) (identity.PeerID, error) {
	var senderID identity.PeerID
	if len(datagram) < headerLen {
		return senderID, ErrTooShort
	}
	if binary.BigEndian.Uint16(datagram[0:2]) != Magic {
		return senderID, ErrBadMagic
	}
	copy(senderID[:], datagram[4:4+senderIDSize])
	return senderID, nil
}

// Open authenticates and decrypts a datagram using key as the expected
// sender's Rx key (from the receiver's point of view, the key this node
// uses to read traffic *from* that sender). replay tracks that sender's
// counters and must be the same instance across calls for replay detection
// to work; pass nil to skip replay checking (e.g. during tests).
//
// Open returns the sender id claimed in the header, the counter, the
// plaintext, and a FailureClass describing why decode failed (FailureNone
// on success). Callers use the class to decide peer-state transitions;
// Open itself never mutates any state beyond the supplied replay window.
func Open(key [keySize]byte, replay *ReplayWindow, datagram []byte) (senderID identity.PeerID, counter uint64, plaintext []byte, class FailureClass, err error) {
	if len(datagram) < headerLen {
		return senderID, 0, nil, FailureFormat, ErrTooShort
	}
	if binary.BigEndian.Uint16(datagram[0:2]) != Magic {
		return senderID, 0, nil, FailureFormat, ErrBadMagic
	}
	if datagram[2] != Version {
		return senderID, 0, nil, FailureFormat, ErrBadVersion
	}
	copy(senderID[:], datagram[4:4+senderIDSize])

	counterOff := 4 + senderIDSize
	counterBuf := datagram[counterOff : counterOff+counterSize]
	counter = binary.BigEndian.Uint64(counterBuf)
	salt := datagram[counterOff+counterSize : headerLen]

	header := datagram[:headerLen]
	ciphertext := datagram[headerLen:]

	aead, aeadErr := chacha20poly1305.New(key[:])
	if aeadErr != nil {
		return senderID, counter, nil, FailureFormat, fmt.Errorf("wire: init aead: %w", aeadErr)
	}
	nonce := buildNonce(counterBuf, salt)

	plaintext, openErr := aead.Open(nil, nonce, ciphertext, header)
	if openErr != nil {
		return senderID, counter, nil, FailureAuth, ErrAuthFailed
	}

	if replay != nil {
		if !replay.Accept(counter) {
			return senderID, counter, nil, FailureReplay, ErrReplay
		}
	}

	return senderID, counter, plaintext, FailureNone, nil
}

// ReplayWindow is a sliding bitmap of the most recently accepted counters
// for one (sender, direction) pair, guarding against both duplicate and
// stale-reordered delivery.
type ReplayWindow struct {
	mu     sync.Mutex
	max    uint64
	bits   [replayWindowLen]uint64
	seeded bool
}

// Accept reports whether counter is new (not previously seen and not
// older than the trailing edge of the window), recording it if so.
func (w *ReplayWindow) Accept(counter uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.seeded {
		w.max = counter
		w.seeded = true
		w.setBit(0)
		return true
	}

	if counter > w.max {
		shift := counter - w.max
		w.advance(shift)
		w.max = counter
		w.setBit(0)
		return true
	}

	diff := w.max - counter
	if diff >= replayWindowBits {
		return false
	}
	if w.testBit(diff) {
		return false
	}
	w.setBit(diff)
	return true
}

func (w *ReplayWindow) advance(shift uint64) {
	if shift >= replayWindowBits {
		w.bits = [replayWindowLen]uint64{}
		return
	}
	wordShift := shift / 64
	bitShift := shift % 64
	var next [replayWindowLen]uint64
	for i := replayWindowLen - 1; i >= 0; i-- {
		srcIdx := i - int(wordShift)
		if srcIdx < 0 {
			continue
		}
		v := w.bits[srcIdx] << bitShift
		if bitShift > 0 && srcIdx-1 >= 0 {
			v |= w.bits[srcIdx-1] >> (64 - bitShift)
		}
		next[i] = v
	}
	w.bits = next
}

func (w *ReplayWindow) setBit(offset uint64) {
	w.bits[offset/64] |= 1 << (offset % 64)
}

func (w *ReplayWindow) testBit(offset uint64) bool {
	return w.bits[offset/64]&(1<<(offset%64)) != 0
}
