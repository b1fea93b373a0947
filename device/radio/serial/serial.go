// Package serial implements radio.Radio over a half-duplex serial link,
// using RS232-style outer framing (magic, length, Fletcher-16 checksum) to
// delimit on-air packets that each carry one or more packed mesh frames.
package serial

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haglund-iot/meshhop/core/frame"
	"github.com/haglund-iot/meshhop/device/radio"
	"go.bug.st/serial"
)

const (
	// bridgeMagic starts every RS232 frame, matching the outer framing used
	// by MeshCore-style serial bridges.
	bridgeMagic uint16 = 0xC03E

	outerHeaderSize   = 4 // magic(2 BE) + length(2 BE)
	outerChecksumSize = 2
	minOuterFrameSize = outerHeaderSize + outerChecksumSize

	// DefaultBaudRate is the default baud rate for the serial link.
	DefaultBaudRate = 115200
	// DefaultMaxTransUnit is the default maximum on-air payload size.
	DefaultMaxTransUnit = 256
	// pollInterval bounds how long a single port.Read blocks before the
	// Listen/Receive loop re-checks ctx for cancellation.
	pollInterval = 200 * time.Millisecond
	// readChunkSize is the size of each read from the port.
	readChunkSize = 1024
)

var (
	// ErrOuterFrameTooShort means fewer bytes than minOuterFrameSize were available.
	ErrOuterFrameTooShort = errors.New("serial: outer frame too short")
	// ErrInvalidMagic means the outer frame's magic bytes didn't match.
	ErrInvalidMagic = errors.New("serial: invalid outer frame magic")
	// ErrOuterPayloadTooLarge means the outer frame declared a payload
	// larger than MaxTransUnit.
	ErrOuterPayloadTooLarge = errors.New("serial: outer payload exceeds maximum size")
	// ErrChecksumMismatch means the trailing Fletcher-16 checksum didn't match.
	ErrChecksumMismatch = errors.New("serial: checksum mismatch")
	errIncompleteOuterFrame = errors.New("serial: incomplete outer frame")
)

// fletcher16 computes the Fletcher-16 checksum of data.
func fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}

// encodeOuterFrame wraps payload in the magic/length/checksum outer framing.
func encodeOuterFrame(payload []byte, maxTransUnit int) ([]byte, error) {
	if len(payload) > maxTransUnit {
		return nil, ErrOuterPayloadTooLarge
	}
	buf := make([]byte, outerHeaderSize+len(payload)+outerChecksumSize)
	binary.BigEndian.PutUint16(buf[0:2], bridgeMagic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[outerHeaderSize:], payload)
	binary.BigEndian.PutUint16(buf[outerHeaderSize+len(payload):], fletcher16(payload))
	return buf, nil
}

// decodeOuterFrame extracts one outer frame's payload from data, returning
// the payload, the remaining bytes, and an error. errIncompleteOuterFrame
// means the caller should wait for more data rather than resync.
func decodeOuterFrame(data []byte, maxTransUnit int) (payload, remaining []byte, err error) {
	if len(data) < minOuterFrameSize {
		return nil, data, ErrOuterFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != bridgeMagic {
		return nil, data, ErrInvalidMagic
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > maxTransUnit {
		return nil, data, ErrOuterPayloadTooLarge
	}
	total := outerHeaderSize + n + outerChecksumSize
	if len(data) < total {
		return nil, data, errIncompleteOuterFrame
	}
	body := data[outerHeaderSize : outerHeaderSize+n]
	wantSum := binary.BigEndian.Uint16(data[outerHeaderSize+n : total])
	if fletcher16(body) != wantSum {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x", ErrChecksumMismatch, fletcher16(body), wantSum)
	}
	out := make([]byte, n)
	copy(out, body)
	return out, data[total:], nil
}

// findMagic returns the index of the next magic sequence in data, or -1.
func findMagic(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == byte(bridgeMagic>>8) && data[i+1] == byte(bridgeMagic) {
			return i
		}
	}
	return -1
}

// connection is the opaque token Listen hands back to Receive: the decoded
// outer-frame payload, still holding one or more packed mesh frames.
type connection struct {
	payload []byte
}

// Config configures a serial Radio.
type Config struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// MaxTransUnit bounds the on-air outer-frame payload size, and thus the
	// total size of the mesh frames packed into one transmission. Defaults
	// to 256.
	MaxTransUnit int
	// Logger receives connection and decode-failure logging. Falls back to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Radio implements radio.Radio over a serial port.
type Radio struct {
	cfg  Config
	log  *slog.Logger
	port serial.Port

	assembly []byte
}

var _ radio.Radio = (*Radio)(nil)

// Open opens the configured serial port and returns a ready Radio.
func Open(cfg Config) (*Radio, error) {
	if cfg.Port == "" {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "open", Err: errors.New("port path is required")}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.MaxTransUnit == 0 {
		cfg.MaxTransUnit = DefaultMaxTransUnit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "open", Err: err}
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, &radio.Error{Kind: radio.KindOp, Op: "open", Err: err}
	}

	return &Radio{
		cfg:  cfg,
		log:  logger.WithGroup("radio.serial"),
		port: port,
	}, nil
}

// Close closes the underlying serial port.
func (r *Radio) Close() error {
	return r.port.Close()
}

// Listen blocks until one complete outer frame has been assembled from the
// port, or ctx is done. withTimeout has no additional effect beyond ctx
// here: the poll loop already re-checks ctx on every read timeout.
func (r *Radio) Listen(ctx context.Context, withTimeout bool) (radio.Connection, error) {
	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, &radio.Error{Kind: radio.KindReceiveTimeout, Op: "listen", Err: err}
		}

		payload, remaining, err := decodeOuterFrame(r.assembly, r.cfg.MaxTransUnit)
		if err == nil {
			r.assembly = remaining
			return &connection{payload: payload}, nil
		}
		if !errors.Is(err, errIncompleteOuterFrame) && !errors.Is(err, ErrOuterFrameTooShort) {
			r.log.Debug("resyncing outer frame stream", "error", err)
			if idx := findMagic(r.assembly[min(1, len(r.assembly)):]); idx >= 0 {
				r.assembly = r.assembly[1+idx:]
			} else {
				r.assembly = nil
			}
			continue
		}

		n, err := r.port.Read(buf)
		if err != nil {
			return nil, &radio.Error{Kind: radio.KindOp, Op: "listen", Err: err}
		}
		if n > 0 {
			r.assembly = append(r.assembly, buf[:n]...)
		}
	}
}

// Receive decodes up to maxFrames mesh frames from the outer-frame payload
// captured by a prior Listen call.
func (r *Radio) Receive(ctx context.Context, conn radio.Connection, maxFrames int) ([]*frame.Frame, error) {
	c, ok := conn.(*connection)
	if !ok {
		return nil, &radio.Error{Kind: radio.KindOp, Op: "receive", Err: errors.New("connection not from this radio")}
	}

	frames, dropped := frame.DecodeAll(c.payload, r.cfg.MaxTransUnit)
	if dropped > 0 {
		r.log.Debug("dropped malformed frames while decoding outer payload", "count", dropped)
	}
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	return frames, nil
}

// Transmit packs frames into a single outer-framed on-air transmission.
func (r *Radio) Transmit(ctx context.Context, frames []*frame.Frame) error {
	var packed []byte
	for _, f := range frames {
		enc, err := f.Encode(r.cfg.MaxTransUnit)
		if err != nil {
			return &radio.Error{Kind: radio.KindPayloadSizeUnexpected, Op: "transmit", Err: err}
		}
		packed = append(packed, enc...)
	}

	outer, err := encodeOuterFrame(packed, r.cfg.MaxTransUnit)
	if err != nil {
		return &radio.Error{Kind: radio.KindPayloadSizeUnexpected, Op: "transmit", Err: err}
	}

	if _, err := r.port.Write(outer); err != nil {
		return &radio.Error{Kind: radio.KindOp, Op: "transmit", Err: err}
	}
	return nil
}
