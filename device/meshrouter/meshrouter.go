// Package meshrouter wires a radio.Radio, a core/network.Manager, and a
// core/policy.Policy together into the one entry point an application
// talks to: listen for traffic, send a payload, receive and route a batch,
// and (for a gateway) originate a BootUp beacon.
//
// This corresponds to must-hop's MeshRouter: a thin orchestration layer
// that owns no routing logic of its own, only the turn-taking between its
// three collaborators.
package meshrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haglund-iot/meshhop/core/frame"
	"github.com/haglund-iot/meshhop/core/network"
	"github.com/haglund-iot/meshhop/core/policy"
	"github.com/haglund-iot/meshhop/device/neighbors"
	"github.com/haglund-iot/meshhop/device/radio"
)

// Source identifies which collaborator an Error originated from.
type Source int

const (
	// SourceManager means the Network Manager rejected the operation
	// (ErrBufferFull, ErrSerialization).
	SourceManager Source = iota
	// SourceRadio means the underlying transport failed.
	SourceRadio
)

func (s Source) String() string {
	if s == SourceManager {
		return "manager"
	}
	return "radio"
}

// Error wraps a failure from either the Network Manager or the radio,
// tagging which one produced it so callers can decide whether a retry is
// meaningful (radio errors usually are; a manager ErrBufferFull is not,
// until the caller's own traffic drains).
type Error struct {
	Source Source
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("meshrouter: %s: %s: %v", e.Op, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func managerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Source: SourceManager, Op: op, Err: err}
}

func radioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Source: SourceRadio, Op: op, Err: err}
}

// Config configures a Router.
type Config struct {
	// Radio is the transport this router sends and receives frames through.
	Radio radio.Radio
	// Manager is this node's Network Manager.
	Manager *network.Manager
	// Policy decides, per received batch, what gets forwarded and what
	// reaches the application. Defaults to policy.NodePolicy{}.
	Policy policy.Policy
	// Neighbors, if set, is touched with the source_id and hop_to_gw of
	// every frame the router processes. Purely observational; never
	// consulted for routing decisions. Leave nil to skip tracking.
	Neighbors *neighbors.Manager
	// MaxFramesPerReceive bounds how many frames Receive decodes from one
	// radio reception. Default: 16.
	MaxFramesPerReceive int
	// Logger for routing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

const defaultMaxFramesPerReceive = 16

// Router is the mesh routing core's top-level entry point (C5).
type Router struct {
	cfg Config
	log *slog.Logger
}

// New creates a Router. It performs no I/O.
func New(cfg Config) *Router {
	if cfg.Policy == nil {
		cfg.Policy = policy.NodePolicy{}
	}
	if cfg.MaxFramesPerReceive <= 0 {
		cfg.MaxFramesPerReceive = defaultMaxFramesPerReceive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg: cfg,
		log: logger.WithGroup("meshrouter"),
	}
}

// Listen blocks until the radio can hand back a Connection with a packet
// ready to decode.
func (r *Router) Listen(ctx context.Context) (radio.Connection, error) {
	conn, err := r.cfg.Radio.Listen(ctx, false)
	if err != nil {
		return nil, radioErr("listen", err)
	}
	return conn, nil
}

// SendPayload mints (and collects any due retransmissions for) payload
// addressed to destination, then transmits the resulting batch in one
// turn. On radio failure the pending entry the Network Manager already
// created is left in place; the next call to SendPayload will resend it.
func (r *Router) SendPayload(ctx context.Context, payload []byte, destination uint8) error {
	batch, err := r.cfg.Manager.PayloadToSend(payload, destination)
	if err != nil {
		return managerErr("send_payload", err)
	}
	if err := r.cfg.Radio.Transmit(ctx, batch); err != nil {
		return radioErr("send_payload", err)
	}
	return nil
}

// Receive decodes a batch from connection, routes it through the
// configured Policy, transmits anything the policy produced for the air,
// and returns the frames meant for the application.
func (r *Router) Receive(ctx context.Context, connection radio.Connection) ([]*frame.Frame, error) {
	batch, err := r.cfg.Radio.Receive(ctx, connection, r.cfg.MaxFramesPerReceive)
	if err != nil {
		return nil, radioErr("receive", err)
	}

	r.touchNeighbors(batch)

	toSend, toApp := r.cfg.Policy.ProcessPackets(r.cfg.Manager, batch)
	if len(toSend) > 0 {
		if err := r.cfg.Radio.Transmit(ctx, toSend); err != nil {
			return toApp, radioErr("receive", err)
		}
	}
	return toApp, nil
}

// Bootup mints a fresh BootUp beacon and transmits it as a single-frame
// batch. Intended for gateway use only; a non-gateway Manager's
// HandleBootup still mints a valid (if meaningless) beacon, so the caller
// is responsible for only invoking this on the node meant to be the mesh's
// gateway.
func (r *Router) Bootup(ctx context.Context) error {
	beacon := r.cfg.Manager.HandleBootup()
	if err := r.cfg.Radio.Transmit(ctx, []*frame.Frame{beacon}); err != nil {
		return radioErr("bootup", err)
	}
	return nil
}

func (r *Router) touchNeighbors(batch []*frame.Frame) {
	if r.cfg.Neighbors == nil {
		return
	}
	for _, f := range batch {
		r.cfg.Neighbors.Touch(f.SourceID, f.HopToGW)
	}
}

// IsRetryable reports whether err (as returned by this package's methods)
// represents a radio-level failure worth retrying, as opposed to a
// Network Manager rejection that will only resolve once pending traffic
// drains.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Source == SourceRadio
}
