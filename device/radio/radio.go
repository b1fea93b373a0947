// Package radio defines the capability a concrete transport must provide
// to back a mesh router: listen for an incoming packet, decode it into one
// or more frames, and transmit a batch of frames.
package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/haglund-iot/meshhop/core/frame"
)

// Kind classifies the failure behind an Error.
type Kind int

const (
	// KindReceiveTimeout means Listen or Receive gave up waiting for a
	// packet within the caller-imposed deadline.
	KindReceiveTimeout Kind = iota
	// KindPayloadSizeUnexpected means a decoded frame's payload did not fit
	// the radio's configured size, or the on-air packet was malformed.
	KindPayloadSizeUnexpected
	// KindOp covers every other transport-level failure: a closed port, a
	// broker disconnect, a write that failed partway through.
	KindOp
)

func (k Kind) String() string {
	switch k {
	case KindReceiveTimeout:
		return "receive_timeout"
	case KindPayloadSizeUnexpected:
		return "payload_size_unexpected"
	case KindOp:
		return "op"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Radio implementations. Kind lets
// callers distinguish a timeout (retry) from a malformed packet (drop and
// continue) from an operational failure (surface to the caller).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("radio: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("radio: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, radio.ErrReceiveTimeout) style checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinel Errors usable with errors.Is, matching the Kind they wrap.
var (
	ErrReceiveTimeout        = &Error{Kind: KindReceiveTimeout}
	ErrPayloadSizeUnexpected = &Error{Kind: KindPayloadSizeUnexpected}
	ErrOp                    = &Error{Kind: KindOp}
)

// Connection is an opaque, radio-specific handle returned by Listen and
// consumed by Receive. A PHY-level radio might encode a packet length and
// status flags in it; a concentrator with its own FIFO can return a handle
// that carries no information at all.
type Connection interface{}

// Radio is the capability an implementer must provide for a physical or
// simulated transport to back a mesh router.
type Radio interface {
	// Listen blocks until a frame can be decoded, or ctx is done. withTimeout
	// selects a bounded wait (used when streaming multiple frames in one
	// logical reception) versus an unbounded one (the router's normal poll
	// loop). Returns a Connection token opaque to the caller.
	Listen(ctx context.Context, withTimeout bool) (Connection, error)

	// Receive decodes up to maxFrames frames using the Connection returned
	// by a prior Listen call. A frame with an invalid length or malformed
	// encoding is dropped with a log; frames decoded before it are still
	// returned.
	Receive(ctx context.Context, conn Connection, maxFrames int) ([]*frame.Frame, error)

	// Transmit serializes and emits frames, in order. It blocks or suspends
	// until the medium is clear if the radio requires carrier sense.
	Transmit(ctx context.Context, frames []*frame.Frame) error
}
