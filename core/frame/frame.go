// Package frame defines the mesh routing core's packet model: a small,
// self-describing wire shape shared by every node and the gateway.
//
// A Frame is deliberately opaque about its Payload — that serialization
// format belongs to the application layer riding on top of the mesh.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the tagged packet type carried on the wire as a single byte.
type Kind uint8

const (
	// KindData carries an application payload, forwarded hop-by-hop.
	KindData Kind = 0
	// KindAck is a passive/explicit acknowledgement of a Data frame.
	KindAck Kind = 1
	// KindBootUp is the gateway's beacon, relayed to build gw-distance estimates.
	KindBootUp Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindAck:
		return "Ack"
	case KindBootUp:
		return "BootUp"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	// Broadcast is the reserved destination for a BootUp beacon.
	Broadcast uint8 = 0
	// Gateway is the reserved destination identifying the mesh sink.
	Gateway uint8 = 1
	// UnknownGWHops is the sentinel for "no known route to the gateway".
	UnknownGWHops uint8 = 255
)

var (
	// ErrFrameTooShort is returned when a byte slice is too short to decode a Frame.
	ErrFrameTooShort = errors.New("frame: too short")
	// ErrPayloadSizeUnexpected is returned when a decoded payload length
	// exceeds the caller's configured Size bound, or a payload to encode
	// already does.
	ErrPayloadSizeUnexpected = errors.New("frame: payload size unexpected")
	// ErrInvalidKind is returned when a decoded tag byte is not a known Kind.
	ErrInvalidKind = errors.New("frame: invalid packet kind")
)

// Frame is the unit carried on-air: one logical message in the mesh.
type Frame struct {
	DestinationID uint8
	Type          Kind
	PacketID      uint16
	SourceID      uint8
	Payload       []byte
	HopCount      uint8
	HopToGW       uint8
}

// Clone returns a deep copy of the frame so pending-table entries and
// forwarded copies never alias the caller's buffers.
func (f *Frame) Clone() *Frame {
	clone := *f
	if len(f.Payload) > 0 {
		clone.Payload = make([]byte, len(f.Payload))
		copy(clone.Payload, f.Payload)
	}
	return &clone
}

// IsBroadcast reports whether the frame is addressed to the broadcast id.
func (f *Frame) IsBroadcast() bool {
	return f.DestinationID == Broadcast
}

// IsGatewayBound reports whether the frame is addressed to the gateway.
func (f *Frame) IsGatewayBound() bool {
	return f.DestinationID == Gateway
}

// Encode writes the frame in the wire format from spec §6.2:
//
//	destination_id(1) | tag(1) | packet_id(2 LE) | source_id(1) |
//	payload_len(varint) | payload | hop_count(1) | hop_to_gw(1)
//
// maxSize bounds the payload length that may be encoded; pass 0 to skip
// the check (e.g. when re-encoding a frame already validated on decode).
func (f *Frame) Encode(maxSize int) ([]byte, error) {
	if maxSize > 0 && len(f.Payload) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadSizeUnexpected, len(f.Payload), maxSize)
	}

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(f.Payload)))

	buf := make([]byte, 0, 1+1+2+1+n+len(f.Payload)+1+1)
	buf = append(buf, f.DestinationID, uint8(f.Type))
	buf = binary.LittleEndian.AppendUint16(buf, f.PacketID)
	buf = append(buf, f.SourceID)
	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, f.Payload...)
	buf = append(buf, f.HopCount, f.HopToGW)
	return buf, nil
}

// Decode parses a single frame from the front of data and returns the
// frame along with the number of bytes consumed, so callers can decode
// several frames packed back-to-back in one radio packet (spec §6.2).
// maxSize bounds the accepted payload length; a payload longer than
// maxSize yields ErrPayloadSizeUnexpected.
func Decode(data []byte, maxSize int) (*Frame, int, error) {
	const fixedHeader = 1 + 1 + 2 + 1 // dest, tag, packet_id, source
	if len(data) < fixedHeader+1 {
		return nil, 0, ErrFrameTooShort
	}

	i := 0
	dest := data[i]
	i++
	tag := data[i]
	i++
	if tag > uint8(KindBootUp) {
		return nil, 0, ErrInvalidKind
	}
	pid := binary.LittleEndian.Uint16(data[i : i+2])
	i += 2
	src := data[i]
	i++

	payloadLen, n := binary.Uvarint(data[i:])
	if n <= 0 {
		return nil, 0, ErrFrameTooShort
	}
	i += n

	if maxSize > 0 && payloadLen > uint64(maxSize) {
		return nil, 0, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadSizeUnexpected, payloadLen, maxSize)
	}

	if uint64(len(data)-i) < payloadLen+2 {
		return nil, 0, ErrFrameTooShort
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[i:i+int(payloadLen)])
	i += int(payloadLen)

	hopCount := data[i]
	i++
	hopToGW := data[i]
	i++

	return &Frame{
		DestinationID: dest,
		Type:          Kind(tag),
		PacketID:      pid,
		SourceID:      src,
		Payload:       payload,
		HopCount:      hopCount,
		HopToGW:       hopToGW,
	}, i, nil
}

// DecodeAll decodes every frame packed into data. This is the decoding
// half of a radio's Receive contract (spec §6.1). Decoding stops at the
// first frame that fails to decode: the frames before it are returned,
// and that frame together with every byte after it is discarded and
// counted as a single drop.
func DecodeAll(data []byte, maxSize int) (frames []*Frame, dropped int) {
	for len(data) > 0 {
		f, n, err := Decode(data, maxSize)
		if err != nil {
			dropped++
			return frames, dropped
		}
		frames = append(frames, f)
		data = data[n:]
	}
	return frames, dropped
}
