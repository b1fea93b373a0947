package beacon

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/haglund-iot/meshhop/core/frame"
)

func fixedClock(t uint32) func() uint32 {
	return func() uint32 { return t }
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	builder := NewBuilder(priv, fixedClock(100))
	verifier := NewVerifier(pub)

	f := &frame.Frame{Type: frame.KindBootUp, SourceID: 1, PacketID: 7, HopCount: 0}
	f.Payload = builder.Sign(f)

	if err := verifier.Verify(f); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsUntrustedIssuer(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)

	builder := NewBuilder(priv, fixedClock(1))
	verifier := NewVerifier(otherPub)

	f := &frame.Frame{Type: frame.KindBootUp, SourceID: 1, PacketID: 1}
	f.Payload = builder.Sign(f)

	if err := verifier.Verify(f); !errors.Is(err, ErrUntrustedIssuer) {
		t.Fatalf("want ErrUntrustedIssuer, got %v", err)
	}
}

func TestVerifyRejectsTamperedFrame(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	builder := NewBuilder(priv, fixedClock(1))
	verifier := NewVerifier(pub)

	f := &frame.Frame{Type: frame.KindBootUp, SourceID: 1, PacketID: 1, HopCount: 0}
	f.Payload = builder.Sign(f)

	f.PacketID = 99 // tamper after signing
	if err := verifier.Verify(f); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifySurvivesHopCountChanges(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	builder := NewBuilder(priv, fixedClock(1))
	verifier := NewVerifier(pub)

	f := &frame.Frame{Type: frame.KindBootUp, SourceID: 1, PacketID: 1, HopCount: 0}
	f.Payload = builder.Sign(f)

	// Simulate relaying: hop_count increments but the authentication
	// block (and thus the signature) travels unchanged.
	f.HopCount++
	if err := verifier.Verify(f); err != nil {
		t.Fatalf("Verify should survive hop_count increments: %v", err)
	}
}

func TestVerifyRejectsShortPayload(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	verifier := NewVerifier(pub)

	f := &frame.Frame{Type: frame.KindBootUp, Payload: []byte{1, 2, 3}}
	if err := verifier.Verify(f); !errors.Is(err, ErrBlockTooShort) {
		t.Fatalf("want ErrBlockTooShort, got %v", err)
	}
}
