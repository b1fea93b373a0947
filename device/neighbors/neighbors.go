// Package neighbors provides observational keep-alive tracking of mesh
// peers a node has recently heard from. It plays no part in routing
// decisions (those live entirely in core/network and core/policy); it
// exists purely so an operator or a higher layer can ask "who is currently
// within earshot of this node".
package neighbors

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimeout is how long a neighbor can go unheard before it's
	// considered gone.
	DefaultTimeout = 5 * time.Minute
	// checkInterval is the resolution of the manager's timeout sweep loop.
	checkInterval = time.Second
)

// Peer tracks a neighbor's last-seen activity and gateway distance, as
// observed from its frames.
type Peer struct {
	ID       uint8
	LastSeen time.Time
	GWHops   uint8
}

// Config configures a Manager.
type Config struct {
	// Timeout is how long a neighbor can go unheard from before CheckTimeouts
	// removes it. Default: 5 minutes.
	Timeout time.Duration
	// Logger receives neighbor lifecycle logging. Falls back to
	// slog.Default() if nil.
	Logger *slog.Logger
}

// Manager tracks the set of neighbors a node has recently overheard.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	peers map[uint8]*Peer

	onLost func(id uint8)

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a neighbor Manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   logger.WithGroup("neighbors"),
		peers: make(map[uint8]*Peer),
		nowFn: time.Now,
	}
}

// SetOnLost sets the callback invoked when a neighbor is dropped for
// inactivity.
func (m *Manager) SetOnLost(fn func(id uint8)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = fn
}

// Touch records that id was just heard from, carrying the gateway-distance
// estimate reported in its frame (or 255 if the frame doesn't carry one).
func (m *Manager) Touch(id uint8, gwHops uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if p, ok := m.peers[id]; ok {
		p.LastSeen = now
		p.GWHops = gwHops
		return
	}
	m.peers[id] = &Peer{ID: id, LastSeen: now, GWHops: gwHops}
}

// Get returns the tracked state for id, if any.
func (m *Manager) Get(id uint8) (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Count returns the number of currently tracked neighbors.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Snapshot returns a copy of every tracked neighbor, for inspection.
func (m *Manager) Snapshot() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// CheckTimeouts removes neighbors that haven't been heard from within
// Timeout, firing OnLost for each.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	now := m.nowFn()

	var lost []uint8
	for id, p := range m.peers {
		if now.Sub(p.LastSeen) > m.cfg.Timeout {
			lost = append(lost, id)
		}
	}
	for _, id := range lost {
		delete(m.peers, id)
	}
	onLost := m.onLost
	m.mu.Unlock()

	if onLost != nil {
		for _, id := range lost {
			m.log.Debug("neighbor timed out", "id", id)
			onLost(id)
		}
	}
}

// Run begins the periodic timeout sweep loop. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimeouts()
		}
	}
}
