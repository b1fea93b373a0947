// Package network implements the mesh routing core's Network Manager: the
// single-owner brain that allocates packet ids, tracks pending
// retransmissions, estimates gateway distance, and decides — per received
// frame — whether to drop it, forward it, deliver it to the application,
// synthesize an ACK, or relay a BootUp beacon.
//
// A Manager is owned exclusively by the router that constructs it; all of
// its methods run to completion without suspending, so a caller never needs
// to guard it with a lock (this matches the teacher's single-owner
// ack.Tracker/connection.Manager shape, but without their background
// goroutines — every state transition here is synchronous, as the mesh
// routing core's concurrency model requires).
package network

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haglund-iot/meshhop/core/beacon"
	"github.com/haglund-iot/meshhop/core/frame"
	"github.com/haglund-iot/meshhop/core/recentseen"
)

const (
	// DefaultSize is the default maximum payload size in bytes.
	DefaultSize = 64
	// DefaultLen is the default pending-table / recent-seen ring capacity.
	DefaultLen = 8
	// DefaultTimeout is the default per-entry retransmission deadline.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxRetries is the default number of retransmission attempts
	// before a pending entry is garbage-collected.
	DefaultMaxRetries = 3
)

var (
	// ErrBufferFull is returned when the pending table is at its Len capacity.
	ErrBufferFull = errors.New("network: pending table is full")
	// ErrSerialization is returned when a payload exceeds the configured Size.
	ErrSerialization = errors.New("network: payload exceeds configured size")
)

// Disposition classifies how a received frame should be handled after
// passing through the Network Manager.
type Disposition int

const (
	// DispositionNone means the frame was fully handled internally; there
	// is nothing further to send or deliver.
	DispositionNone Disposition = iota
	// DispositionData means the (possibly rewritten) frame should be forwarded.
	DispositionData
	// DispositionCommand means the frame should be delivered to the application.
	DispositionCommand
	// DispositionAck means an ACK should be synthesized and sent to the origin.
	DispositionAck
	// DispositionBootup means a BootUp relay should be synthesized and sent.
	DispositionBootup
)

func (d Disposition) String() string {
	switch d {
	case DispositionNone:
		return "none"
	case DispositionData:
		return "data"
	case DispositionCommand:
		return "command"
	case DispositionAck:
		return "ack"
	case DispositionBootup:
		return "bootup"
	default:
		return "unknown"
	}
}

type pendingEntry struct {
	frame    *frame.Frame
	deadline time.Time
	retries  uint8
}

// Config configures a Network Manager.
type Config struct {
	// SourceID is this node's identity.
	SourceID uint8

	// Size bounds the payload length accepted by NewFrame. Frames handed
	// to ReceivePacket are not checked against it. Default: 64.
	Size int

	// Len bounds the pending retransmission table and the recent-seen
	// ring's capacity. Default: 8.
	Len int

	// Timeout is how long a pending entry waits before it becomes due for
	// retransmission. Default: 5s.
	Timeout time.Duration

	// MaxRetries is the number of retransmission attempts before a pending
	// entry is garbage-collected. Default: 3.
	MaxRetries uint8

	// Verifier, if set, authenticates BootUp beacons before they are
	// allowed to improve this node's gateway-distance estimate. A beacon
	// that fails verification is treated exactly like one that doesn't
	// improve the estimate: dropped. Leave nil to accept every BootUp
	// beacon unauthenticated.
	Verifier *beacon.Verifier

	// Logger receives trace-level drop/decision logging. Falls back to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Manager is the mesh routing core's Network Manager (NM).
type Manager struct {
	cfg Config
	log *slog.Logger

	pending      []pendingEntry
	nextPacketID uint16
	recentSeen   *recentseen.RecentSeen
	gwHops       uint8

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Network Manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Len <= 0 {
		cfg.Len = DefaultLen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		log:        logger.WithGroup("network"),
		recentSeen: recentseen.New(cfg.Len),
		gwHops:     frame.UnknownGWHops,
		nowFn:      time.Now,
	}
}

// SourceID returns the node's own identity, as configured.
func (m *Manager) SourceID() uint8 {
	return m.cfg.SourceID
}

// GWHops returns the node's current gateway-distance estimate.
// 255 means unknown.
func (m *Manager) GWHops() uint8 {
	return m.gwHops
}

// PendingCount returns the number of entries currently awaiting an ACK.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// NewFrame mints a Data frame for payload addressed to destination. The
// returned frame carries hop_count=0 and the Manager's current gateway
// distance estimate.
func (m *Manager) NewFrame(payload []byte, destination uint8) (*frame.Frame, error) {
	if len(payload) > m.cfg.Size {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrSerialization, len(payload), m.cfg.Size)
	}
	m.nextPacketID++

	buf := make([]byte, len(payload))
	copy(buf, payload)

	return &frame.Frame{
		DestinationID: destination,
		Type:          frame.KindData,
		PacketID:      m.nextPacketID,
		SourceID:      m.cfg.SourceID,
		Payload:       buf,
		HopCount:      0,
		HopToGW:       m.gwHops,
	}, nil
}

// PayloadToSend is the primary application entry point. It performs three
// steps atomically: garbage-collecting exhausted pending entries,
// collecting due retransmissions, and minting a fresh frame for payload.
// Retransmissions come first in the returned batch, the new frame last.
func (m *Manager) PayloadToSend(payload []byte, destination uint8) ([]*frame.Frame, error) {
	now := m.nowFn()
	m.gcExpired(now)

	var batch []*frame.Frame
	for i := range m.pending {
		p := &m.pending[i]
		if p.deadline.Before(now) {
			batch = append(batch, p.frame.Clone())
			p.retries++
		}
	}

	// Truncate retransmissions from the tail so the new frame always has a
	// slot: the new frame is always emitted once minted, and it is the
	// pending table's own capacity (not the output batch's) that gates
	// BufferFull below.
	if len(batch) >= m.cfg.Len {
		batch = batch[:m.cfg.Len-1]
	}

	newFrame, err := m.NewFrame(payload, destination)
	if err != nil {
		return nil, err
	}

	if err := m.addPending(newFrame, now); err != nil {
		return nil, err
	}
	batch = append(batch, newFrame)
	return batch, nil
}

// gcExpired removes pending entries that have exhausted their retry budget
// and whose deadline has passed.
func (m *Manager) gcExpired(now time.Time) {
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.retries >= m.cfg.MaxRetries && p.deadline.Before(now) {
			m.log.Debug("garbage collecting exhausted pending entry",
				"source", p.frame.SourceID, "packet_id", p.frame.PacketID)
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
}

// addPending inserts a pending entry for f, enforcing the Len capacity.
func (m *Manager) addPending(f *frame.Frame, now time.Time) error {
	if len(m.pending) >= m.cfg.Len {
		return ErrBufferFull
	}
	m.pending = append(m.pending, pendingEntry{
		frame:    f,
		deadline: now.Add(m.cfg.Timeout),
		retries:  0,
	})
	return nil
}

// ReceivePacket is the routing brain, executed once per incoming frame. It
// returns (nil, DispositionNone, nil) when the frame was fully handled
// internally. Otherwise it returns the (possibly rewritten) frame paired
// with a disposition. A non-nil error indicates the frame could not be
// forwarded because the pending table is full; the frame is effectively
// dropped either way.
func (m *Manager) ReceivePacket(f *frame.Frame) (*frame.Frame, Disposition, error) {
	if f.Type == frame.KindBootUp {
		return m.receiveBootUp(f)
	}

	if removed := m.removePendingIfAcked(f); removed {
		return nil, DispositionNone, nil
	}

	if m.recentSeen.Contains(f.SourceID, f.PacketID) {
		if f.Type == frame.KindAck {
			return nil, DispositionNone, nil
		}
		return f, DispositionAck, nil
	}

	m.recentSeen.Push(f.SourceID, f.PacketID)

	if f.DestinationID == m.cfg.SourceID {
		return f, DispositionCommand, nil
	}

	return m.tryForward(f)
}

// receiveBootUp implements decision-order case 1: accept a BootUp beacon
// only if it improves this node's gateway-distance estimate (and, if a
// Verifier is configured, only if it authenticates).
func (m *Manager) receiveBootUp(f *frame.Frame) (*frame.Frame, Disposition, error) {
	if m.cfg.Verifier != nil {
		if err := m.cfg.Verifier.Verify(f); err != nil {
			m.log.Debug("dropping unauthenticated bootup beacon", "error", err)
			return nil, DispositionNone, nil
		}
	}

	if f.HopCount >= m.gwHops {
		return nil, DispositionNone, nil
	}

	m.gwHops = f.HopCount + 1
	m.recentSeen.Push(f.SourceID, f.PacketID)
	return f, DispositionBootup, nil
}

// removePendingIfAcked implements decision-order case 2: a passive ACK
// (someone re-broadcast our packet) or an explicit ACK from the gateway.
func (m *Manager) removePendingIfAcked(f *frame.Frame) bool {
	for i := range m.pending {
		p := &m.pending[i]
		if p.frame.PacketID != f.PacketID {
			continue
		}
		passive := p.frame.SourceID == f.SourceID
		explicit := f.Type == frame.KindAck && f.DestinationID == p.frame.SourceID
		if passive || explicit {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

// tryForward implements decision-order case 4's forwarding-eligibility
// branch for a frame not addressed to us.
func (m *Manager) tryForward(f *frame.Frame) (*frame.Frame, Disposition, error) {
	now := m.nowFn()

	if f.IsGatewayBound() {
		if m.gwHops >= f.HopToGW {
			return nil, DispositionNone, nil
		}
		rewritten := f.Clone()
		rewritten.HopToGW = m.gwHops
		if err := m.addPending(rewritten, now); err != nil {
			return nil, DispositionNone, err
		}
		return rewritten, DispositionData, nil
	}

	if !nodeToNodeEligible(f.SourceID, f.DestinationID, m.cfg.SourceID) {
		return nil, DispositionNone, nil
	}
	fwd := f.Clone()
	if err := m.addPending(fwd, now); err != nil {
		return nil, DispositionNone, err
	}
	return fwd, DispositionData, nil
}

// nodeToNodeEligible is the linear-identity forwarding placeholder: a node
// forwards traffic between src and dst iff its own id falls between them.
// This assumes a linear-identity topology and is a documented placeholder
// for a real routing table, not a general solution.
func nodeToNodeEligible(src, dst, self uint8) bool {
	lo, hi := src, dst
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo <= self && self <= hi
}

// HandlePackets processes a batch of incoming frames in order, materializing
// each frame's disposition into an outgoing batch (to_send) and an
// application batch (to_app). An empty batch returns two empty slices
// without mutating Manager state.
func (m *Manager) HandlePackets(batch []*frame.Frame) (toSend, toApp []*frame.Frame) {
	for _, f := range batch {
		result, disp, err := m.ReceivePacket(f)
		if err != nil {
			m.log.Debug("dropping frame", "source", f.SourceID, "packet_id", f.PacketID, "error", err)
			continue
		}
		switch disp {
		case DispositionData:
			toSend = append(toSend, result)
		case DispositionCommand:
			toApp = append(toApp, result)
		case DispositionAck:
			toSend = append(toSend, m.synthesizeAck(result))
		case DispositionBootup:
			toSend = append(toSend, m.synthesizeRelay(result))
		case DispositionNone:
			// fully handled, nothing to emit
		}
	}
	return toSend, toApp
}

// synthesizeAck builds the ACK sent back to original's origin.
func (m *Manager) synthesizeAck(original *frame.Frame) *frame.Frame {
	return &frame.Frame{
		DestinationID: original.SourceID,
		SourceID:      m.cfg.SourceID,
		Type:          frame.KindAck,
		PacketID:      original.PacketID,
		Payload:       []byte{0},
		HopCount:      0,
		HopToGW:       m.gwHops,
	}
}

// synthesizeRelay builds the BootUp relay sent out after hearing a beacon
// that improved our gateway-distance estimate.
func (m *Manager) synthesizeRelay(original *frame.Frame) *frame.Frame {
	return &frame.Frame{
		DestinationID: frame.Broadcast,
		SourceID:      m.cfg.SourceID,
		Type:          frame.KindBootUp,
		PacketID:      original.PacketID,
		Payload:       original.Payload,
		HopCount:      original.HopCount + 1,
		HopToGW:       m.gwHops,
	}
}

// HandleBootup mints a fresh BootUp beacon. Intended for gateway use only.
func (m *Manager) HandleBootup() *frame.Frame {
	m.nextPacketID++
	return &frame.Frame{
		DestinationID: frame.Broadcast,
		SourceID:      m.cfg.SourceID,
		Type:          frame.KindBootUp,
		PacketID:      m.nextPacketID,
		HopCount:      0,
		HopToGW:       0,
	}
}
