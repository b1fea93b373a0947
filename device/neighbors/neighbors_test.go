package neighbors

import (
	"testing"
	"time"
)

func TestTouchRegistersAndUpdates(t *testing.T) {
	m := New(Config{})
	m.Touch(5, 2)

	p, ok := m.Get(5)
	if !ok || p.GWHops != 2 {
		t.Fatalf("want tracked peer with gw_hops=2, got %+v ok=%v", p, ok)
	}
	if m.Count() != 1 {
		t.Fatalf("want 1 neighbor, got %d", m.Count())
	}

	m.Touch(5, 1)
	p, _ = m.Get(5)
	if p.GWHops != 1 {
		t.Fatalf("want updated gw_hops=1, got %d", p.GWHops)
	}
	if m.Count() != 1 {
		t.Fatalf("touch of known peer must not grow the count, got %d", m.Count())
	}
}

func TestCheckTimeoutsEvictsStalePeers(t *testing.T) {
	m := New(Config{Timeout: time.Minute})
	now := time.Now()
	m.nowFn = func() time.Time { return now }

	m.Touch(1, 0)
	m.Touch(2, 0)

	var lost []uint8
	m.SetOnLost(func(id uint8) { lost = append(lost, id) })

	now = now.Add(2 * time.Minute)
	m.CheckTimeouts()

	if m.Count() != 0 {
		t.Fatalf("want both peers evicted, got %d remaining", m.Count())
	}
	if len(lost) != 2 {
		t.Fatalf("want OnLost fired for both peers, got %d", len(lost))
	}
}

func TestCheckTimeoutsKeepsFreshPeers(t *testing.T) {
	m := New(Config{Timeout: time.Minute})
	now := time.Now()
	m.nowFn = func() time.Time { return now }

	m.Touch(1, 0)
	now = now.Add(30 * time.Second)
	m.CheckTimeouts()

	if m.Count() != 1 {
		t.Fatalf("want peer still tracked, got %d", m.Count())
	}
}

func TestSnapshot(t *testing.T) {
	m := New(Config{})
	m.Touch(1, 0)
	m.Touch(2, 1)

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("want 2 entries, got %d", len(snap))
	}
}
