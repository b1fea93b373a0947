// Package beacon provides optional Ed25519 signing and verification for
// gateway BootUp beacons.
//
// A BootUp frame's payload is opaque to the routing core (core/network
// only ever reads its hop_count), so a beacon's authentication block rides
// inside that payload without touching any routing invariant. This is
// signing, not encryption: the frame's fields stay in the clear, and a
// node that doesn't care about beacon authenticity can simply not
// configure a Verifier and accept every BootUp frame, exactly as the base
// routing spec describes.
package beacon

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/haglund-iot/meshhop/core/clock"
	"github.com/haglund-iot/meshhop/core/frame"
)

const (
	// BlockSize is the wire size of an authentication block:
	// issuer_pubkey(32) + timestamp(4 LE) + signature(64).
	BlockSize = ed25519.PublicKeySize + 4 + ed25519.SignatureSize
)

var (
	// ErrBlockTooShort is returned when a payload is shorter than BlockSize.
	ErrBlockTooShort = errors.New("beacon: authentication block too short")
	// ErrUntrustedIssuer is returned when the signing key isn't in the
	// verifier's trust set.
	ErrUntrustedIssuer = errors.New("beacon: issuer not trusted")
	// ErrBadSignature is returned when the signature doesn't verify.
	ErrBadSignature = errors.New("beacon: signature verification failed")
)

// Block is a parsed beacon authentication block.
type Block struct {
	IssuerPubKey ed25519.PublicKey
	Timestamp    uint32
	Signature    []byte
}

// signedMessage builds the bytes a BootUp beacon's authentication block
// signs: packet_id(2 LE) || timestamp(4 LE). hop_count and source_id are
// deliberately excluded — every relay increments hop_count and rewrites
// source_id to its own identity, so signing over either would make the
// signature unverifiable past the first hop. packet_id is carried
// unchanged by every relay.
func signedMessage(f *frame.Frame, timestamp uint32) []byte {
	msg := make([]byte, 2+4)
	binary.LittleEndian.PutUint16(msg[0:2], f.PacketID)
	binary.LittleEndian.PutUint32(msg[2:6], timestamp)
	return msg
}

// Builder signs outgoing BootUp beacons on behalf of a gateway.
type Builder struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	nowFn      func() uint32
}

// NewBuilder creates a Builder that signs with privateKey. nowFn supplies
// the beacon timestamp; pass nil to default to a clock.Clock's
// GetCurrentTimeUnique, which guarantees successive beacons from this
// Builder carry strictly increasing timestamps even when signed within
// the same wall-clock second. Tests may substitute a fixed or
// incrementing function instead.
func NewBuilder(privateKey ed25519.PrivateKey, nowFn func() uint32) *Builder {
	if nowFn == nil {
		nowFn = clock.New().GetCurrentTimeUnique
	}
	return &Builder{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		nowFn:      nowFn,
	}
}

// Sign produces the authentication block payload for f, suitable for use
// as the BootUp frame's Payload.
func (b *Builder) Sign(f *frame.Frame) []byte {
	ts := b.nowFn()
	msg := signedMessage(f, ts)
	sig := ed25519.Sign(b.privateKey, msg)

	out := make([]byte, 0, BlockSize)
	out = append(out, b.publicKey...)
	out = binary.LittleEndian.AppendUint32(out, ts)
	out = append(out, sig...)
	return out
}

// Verifier checks BootUp beacons against a set of trusted gateway public keys.
type Verifier struct {
	trusted map[string]ed25519.PublicKey
}

// NewVerifier creates a Verifier trusting the given public keys.
func NewVerifier(trustedKeys ...ed25519.PublicKey) *Verifier {
	v := &Verifier{trusted: make(map[string]ed25519.PublicKey, len(trustedKeys))}
	for _, k := range trustedKeys {
		v.trusted[string(k)] = k
	}
	return v
}

// Verify parses f.Payload as an authentication block and checks its
// signature against the trusted key set. A frame with an empty payload is
// treated as unauthenticated and rejected by a configured Verifier — if a
// deployment wants to accept unsigned beacons too, it should not configure
// a Verifier at all (core/network's default behavior).
func (v *Verifier) Verify(f *frame.Frame) error {
	if len(f.Payload) < BlockSize {
		return ErrBlockTooShort
	}

	pub := ed25519.PublicKey(f.Payload[0:32])
	ts := binary.LittleEndian.Uint32(f.Payload[32:36])
	sig := f.Payload[36:BlockSize]

	if _, ok := v.trusted[string(pub)]; !ok {
		return ErrUntrustedIssuer
	}

	msg := signedMessage(f, ts)
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: from issuer %x", ErrBadSignature, pub[:4])
	}
	return nil
}
