package network

import (
	"errors"
	"testing"
	"time"

	"github.com/haglund-iot/meshhop/core/frame"
)

func testManager(sourceID uint8) *Manager {
	return New(Config{SourceID: sourceID, Len: 4, Timeout: 5 * time.Second, MaxRetries: 3})
}

// TestTwoNodeDelivery mirrors spec.md §8 scenario 1.
func TestTwoNodeDelivery(t *testing.T) {
	a := testManager(1)
	f, err := a.NewFrame([]byte{0xAA, 0xBB}, 2)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.PacketID != 1 || f.HopCount != 0 || f.HopToGW != frame.UnknownGWHops {
		t.Fatalf("unexpected minted frame: %+v", f)
	}

	b := testManager(2)
	result, disp, err := b.ReceivePacket(f)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if disp != DispositionCommand {
		t.Fatalf("want DispositionCommand, got %v", disp)
	}
	if result.PacketID != f.PacketID {
		t.Fatalf("unexpected delivered frame: %+v", result)
	}
}

// TestPassiveAckViaForwarder mirrors spec.md §8 scenario 2.
func TestPassiveAckViaForwarder(t *testing.T) {
	a := New(Config{SourceID: 1, Len: 4})
	b := New(Config{SourceID: 2, Len: 4})
	c := New(Config{SourceID: 3, Len: 4})

	batch, err := a.PayloadToSend([]byte{0x01}, 3)
	if err != nil {
		t.Fatalf("PayloadToSend: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("want 1 frame, got %d", len(batch))
	}
	if a.PendingCount() != 1 {
		t.Fatalf("want 1 pending, got %d", a.PendingCount())
	}

	// B overhears and forwards (1 <= 2 <= 3).
	toSend, toApp := b.HandlePackets(batch)
	if len(toApp) != 0 {
		t.Fatalf("B should not deliver to app, got %v", toApp)
	}
	if len(toSend) != 1 {
		t.Fatalf("B should forward, got %d frames", len(toSend))
	}

	// C receives the forwarded frame.
	_, toApp = c.HandlePackets(toSend)
	if len(toApp) != 1 {
		t.Fatalf("C should deliver to app, got %d", len(toApp))
	}

	// A overhears B's retransmission (same source/packet id) as a passive ACK.
	a.HandlePackets(toSend)
	if a.PendingCount() != 0 {
		t.Fatalf("A's pending should be cleared by the passive ack, got %d", a.PendingCount())
	}

	// If B retransmits again, C must not see the frame twice.
	_, toApp = c.HandlePackets(toSend)
	if len(toApp) != 0 {
		t.Fatalf("C must not deliver a duplicate, got %v", toApp)
	}
}

// TestFIFOBatch mirrors spec.md §8 scenario 3.
func TestFIFOBatch(t *testing.T) {
	a := New(Config{SourceID: 1, Len: 8})
	b := New(Config{SourceID: 2, Len: 8})

	var batch []*frame.Frame
	for _, p := range [][]byte{{0x01}, {0x02}, {0x03}} {
		out, err := a.PayloadToSend(p, 2)
		if err != nil {
			t.Fatalf("PayloadToSend: %v", err)
		}
		batch = append(batch, out...)
	}
	if a.PendingCount() != 3 {
		t.Fatalf("want 3 pending, got %d", a.PendingCount())
	}

	_, toApp := b.HandlePackets(batch)
	if len(toApp) != 3 {
		t.Fatalf("want 3 delivered, got %d", len(toApp))
	}
	for i, want := range []byte{0x01, 0x02, 0x03} {
		if toApp[i].Payload[0] != want {
			t.Fatalf("out of order delivery at %d: got %x want %x", i, toApp[i].Payload[0], want)
		}
	}
}

// TestBootUpPropagation mirrors spec.md §8 scenario 5.
func TestBootUpPropagation(t *testing.T) {
	gw := New(Config{SourceID: 1})
	x := New(Config{SourceID: 10})
	y := New(Config{SourceID: 11})

	beacon := gw.HandleBootup()
	if beacon.HopCount != 0 || beacon.HopToGW != 0 {
		t.Fatalf("unexpected beacon: %+v", beacon)
	}

	toSend, _ := x.HandlePackets([]*frame.Frame{beacon})
	if x.GWHops() != 1 {
		t.Fatalf("want gw_hops=1, got %d", x.GWHops())
	}
	if len(toSend) != 1 || toSend[0].HopCount != 1 {
		t.Fatalf("unexpected relay: %+v", toSend)
	}

	_, disp, err := y.ReceivePacket(toSend[0])
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if disp != DispositionBootup {
		t.Fatalf("want DispositionBootup, got %v", disp)
	}
	if y.GWHops() != 2 {
		t.Fatalf("want gw_hops=2, got %d", y.GWHops())
	}

	// A second beacon with hop_count >= our current estimate is dropped silently.
	second := &frame.Frame{Type: frame.KindBootUp, SourceID: 1, PacketID: 2, HopCount: 2}
	result, disp, err := y.ReceivePacket(second)
	if err != nil || result != nil || disp != DispositionNone {
		t.Fatalf("expected silent drop, got result=%v disp=%v err=%v", result, disp, err)
	}
	if y.GWHops() != 2 {
		t.Fatalf("gw_hops must not regress, got %d", y.GWHops())
	}
}

// TestRetryBudget mirrors spec.md §8 scenario 6: a pending entry survives
// three due retransmissions (retries never reach MaxRetries while its
// deadline keeps being re-evaluated as due) and is only garbage collected
// once retries == MaxRetries and its (never-refreshed) deadline has passed.
// This drives gcExpired directly, since PayloadToSend always also mints a
// fresh entry of its own and would otherwise conflate the two concerns.
func TestRetryBudget(t *testing.T) {
	m := New(Config{SourceID: 1, Timeout: time.Second, MaxRetries: 3, Len: 4})
	now := time.Now()

	f, err := m.NewFrame([]byte{0x09}, 99)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := m.addPending(f, now); err != nil {
		t.Fatalf("addPending: %v", err)
	}

	for turn := 0; turn < 3; turn++ {
		m.gcExpired(now)
		if m.PendingCount() != 1 {
			t.Fatalf("turn %d: entry should still be pending, got %d", turn, m.PendingCount())
		}
		m.pending[0].retries++
	}

	// retries is now 3 (== MaxRetries) and the deadline was never refreshed.
	m.gcExpired(now.Add(time.Hour))
	if m.PendingCount() != 0 {
		t.Fatalf("want entry garbage collected, got %d pending", m.PendingCount())
	}
}

// TestGatewayDistanceForwarding exercises the "closer to gateway" rule.
func TestGatewayDistanceForwarding(t *testing.T) {
	m := New(Config{SourceID: 5, Len: 4})
	// Simulate this node having learned gw_hops=1 via a prior beacon.
	_, _, _ = m.ReceivePacket(&frame.Frame{Type: frame.KindBootUp, SourceID: 1, PacketID: 1, HopCount: 0})
	if m.GWHops() != 1 {
		t.Fatalf("setup: want gw_hops=1, got %d", m.GWHops())
	}

	// A frame from a node farther away (hop_to_gw=2) should be forwarded,
	// with hop_to_gw rewritten to our own estimate.
	incoming := &frame.Frame{DestinationID: frame.Gateway, Type: frame.KindData, SourceID: 9, PacketID: 1, HopToGW: 2}
	result, disp, err := m.ReceivePacket(incoming)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if disp != DispositionData {
		t.Fatalf("want DispositionData, got %v", disp)
	}
	if result.HopToGW != 1 {
		t.Fatalf("want rewritten hop_to_gw=1, got %d", result.HopToGW)
	}

	// A frame from a node that's already closer (or equal) must not forward.
	incoming2 := &frame.Frame{DestinationID: frame.Gateway, Type: frame.KindData, SourceID: 9, PacketID: 2, HopToGW: 1}
	result2, disp2, err := m.ReceivePacket(incoming2)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if disp2 != DispositionNone || result2 != nil {
		t.Fatalf("expected drop, got result=%v disp=%v", result2, disp2)
	}
}

func TestHandlePacketsEmptyBatchIsIdempotent(t *testing.T) {
	m := testManager(1)
	toSend, toApp := m.HandlePackets(nil)
	if len(toSend) != 0 || len(toApp) != 0 {
		t.Fatalf("expected empty results, got %v %v", toSend, toApp)
	}
	if m.PendingCount() != 0 || m.GWHops() != frame.UnknownGWHops {
		t.Fatal("empty batch must not mutate state")
	}
}

func TestNewFrameRejectsOversizedPayload(t *testing.T) {
	m := New(Config{SourceID: 1, Size: 4})
	if _, err := m.NewFrame(make([]byte, 5), 2); !errors.Is(err, ErrSerialization) {
		t.Fatalf("want ErrSerialization, got %v", err)
	}
}

func TestBufferFullOnPendingTableExhausted(t *testing.T) {
	m := New(Config{SourceID: 1, Len: 1, Timeout: time.Hour})
	if _, err := m.PayloadToSend([]byte{1}, 2); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := m.PayloadToSend([]byte{2}, 2); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("want ErrBufferFull, got %v", err)
	}
}
