// Package policy implements the mesh routing core's pluggable
// post-Network-Manager transformation: what a router does with a batch of
// incoming frames once the wire has been decoded, before anything is
// handed to the radio or the application.
package policy

import (
	"github.com/haglund-iot/meshhop/core/frame"
	"github.com/haglund-iot/meshhop/core/network"
	"github.com/haglund-iot/meshhop/core/recentseen"
)

// Policy is a compile-time-selected strategy for turning a received batch
// into an outbound batch (to_send) and an application batch (to_app).
type Policy interface {
	ProcessPackets(nm *network.Manager, batch []*frame.Frame) (toSend, toApp []*frame.Frame)
}

// NodePolicy is the default policy for an ordinary mesh node: it delegates
// verbatim to the Network Manager's own forwarding/delivery/dedup logic.
type NodePolicy struct{}

// ProcessPackets implements Policy.
func (NodePolicy) ProcessPackets(nm *network.Manager, batch []*frame.Frame) (toSend, toApp []*frame.Frame) {
	return nm.HandlePackets(batch)
}

// GatewayPolicy is the policy for the mesh's gateway node. A gateway
// originates no forwarding and keeps no per-node pending table at this
// layer, so it reads nothing from the Network Manager but its SourceID: it
// ACKs every non-Ack, non-self-sourced frame once per (source_id,
// packet_id) pair still held in its own recent-seen ring (independent of
// the NM's), and hands the application
// every frame it overhears — including duplicates, which is left to
// higher layers to collapse.
type GatewayPolicy struct {
	seen *recentseen.RecentSeen
}

// NewGatewayPolicy creates a GatewayPolicy whose ACK-dedup ring holds up to
// len recent (source_id, packet_id) pairs.
func NewGatewayPolicy(len int) *GatewayPolicy {
	return &GatewayPolicy{seen: recentseen.New(len)}
}

// ProcessPackets implements Policy.
func (p *GatewayPolicy) ProcessPackets(nm *network.Manager, batch []*frame.Frame) (toSend, toApp []*frame.Frame) {
	for _, f := range batch {
		toApp = append(toApp, f)

		if f.Type == frame.KindAck || f.SourceID == nm.SourceID() {
			continue
		}
		if p.seen.Contains(f.SourceID, f.PacketID) {
			continue
		}
		p.seen.Push(f.SourceID, f.PacketID)

		toSend = append(toSend, &frame.Frame{
			DestinationID: f.SourceID,
			SourceID:      f.DestinationID,
			Type:          frame.KindAck,
			PacketID:      f.PacketID,
			HopCount:      0,
			HopToGW:       0,
		})
	}
	return toSend, toApp
}
