// Package envelope implements the crypto envelope C1: a self-contained
// AEAD-sealed UDP packet, authenticated with the single pre-distributed
// network key, that enforces a replay window before any higher layer ever
// sees the payload (spec §4.1).
package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wgnetmanager/wgnetmanager/internal/errs"
)

const (
	magic = uint32(0x6e793031) // "ny01"
	version byte = 1

	headerLen = 4 + 1 + 4 + 8 + 4 // magic, version, sender_wg_ip, timestamp, crc32

	// PlaintextMTU is the recommended maximum size of the header+payload
	// before AEAD sealing (spec §4.1).
	PlaintextMTU = 1400

	// DefaultReplayWindow is the default value of W from spec §4.1/§4.2.
	DefaultReplayWindow = 120 * time.Second
)

// Key is the 256-bit pre-shared network key.
type Key [chacha20poly1305.KeySize]byte

// Seal builds the plaintext header + payload, then encrypts it with a fresh
// random nonce. The returned slice is ready to send on the wire.
func Seal(key Key, senderWgIp netip.Addr, payload []byte, now time.Time) ([]byte, error) {
	if !senderWgIp.Is4() {
		return nil, fmt.Errorf("envelope: sender wg_ip must be IPv4")
	}
	plain := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(plain[0:4], magic)
	plain[4] = version
	a4 := senderWgIp.As4()
	copy(plain[5:9], a4[:])
	binary.BigEndian.PutUint64(plain[9:17], uint64(now.Unix()))
	copy(plain[headerLen:], payload)
	crc := crc32.ChecksumIEEE(plain[headerLen:])
	binary.BigEndian.PutUint32(plain[17:21], crc)

	if len(plain) > PlaintextMTU {
		return nil, fmt.Errorf("envelope: plaintext %d bytes exceeds MTU budget %d", len(plain), PlaintextMTU)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plain, nil)
	return out, nil
}

// Opened is the validated result of Open.
type Opened struct {
	SenderWgIp netip.Addr
	Timestamp  time.Time
	Payload    []byte
}

// Open decrypts and validates packet against key, enforcing the replay
// window around now. Any failure — bad nonce length, failed AEAD open,
// magic/version/CRC mismatch, or a timestamp outside [now-window, now+window]
// (invariant 6) — returns an *errs.Error of KindEnvelopeReject and mutates
// nothing.
func Open(key Key, packet []byte, now time.Time, window time.Duration) (Opened, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return Opened{}, errs.Wrap(errs.KindEnvelopeReject, "bad key", err)
	}
	ns := aead.NonceSize()
	if len(packet) < ns {
		return Opened{}, errs.New(errs.KindEnvelopeReject, "packet shorter than nonce")
	}
	nonce, ciphertext := packet[:ns], packet[ns:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Opened{}, errs.Wrap(errs.KindEnvelopeReject, "decryption failed", err)
	}
	if len(plain) < headerLen {
		return Opened{}, errs.New(errs.KindEnvelopeReject, "plaintext shorter than header")
	}
	if binary.BigEndian.Uint32(plain[0:4]) != magic {
		return Opened{}, errs.New(errs.KindEnvelopeReject, "magic mismatch")
	}
	if plain[4] != version {
		return Opened{}, errs.New(errs.KindEnvelopeReject, "version mismatch")
	}
	var a4 [4]byte
	copy(a4[:], plain[5:9])
	senderIp := netip.AddrFrom4(a4)
	ts := time.Unix(int64(binary.BigEndian.Uint64(plain[9:17])), 0)
	wantCrc := binary.BigEndian.Uint32(plain[17:21])
	payload := plain[headerLen:]
	if crc32.ChecksumIEEE(payload) != wantCrc {
		return Opened{}, errs.New(errs.KindEnvelopeReject, "crc mismatch")
	}
	if now.Sub(ts) > window || ts.Sub(now) > window {
		return Opened{}, errs.New(errs.KindEnvelopeReject, "timestamp outside replay window")
	}
	return Opened{SenderWgIp: senderIp, Timestamp: ts, Payload: payload}, nil
}
