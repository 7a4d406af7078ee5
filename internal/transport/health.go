package transport

import (
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/domain"
)

func (m *Manager) UpdatePing(peerID string, pingMs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[peerID]
	if !ok {
		h = &domain.PeerConnection{Address: peerID, Protocol: m.protocol}
		m.health[peerID] = h
	}
	h.PingMs = &pingMs
	h.LastSeen = m.now()
}

// MarkPeerOffline forgets the peer's ping, which makes it unhealthy.
func (m *Manager) MarkPeerOffline(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.health[peerID]; ok {
		h.PingMs = nil
		log.Info().Str("module", "transport").Str("peer", peerID).Msg("peer marked offline")
	}
}

// IsPeerHealthy reports whether the peer was seen within timeout and has a ping.
func (m *Manager) IsPeerHealthy(peerID string, timeout time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[peerID]
	if !ok {
		return false
	}
	return m.now().Sub(h.LastSeen) < timeout && h.PingMs != nil
}

// CleanupStaleConnections drops and closes peers not seen for longer than timeout.
func (m *Manager) CleanupStaleConnections(timeout time.Duration) []string {
	now := m.now()
	var (
		removed []string
		closing []*peer
	)
	m.mu.Lock()
	for id, h := range m.health {
		if now.Sub(h.LastSeen) <= timeout {
			continue
		}
		delete(m.health, id)
		if pc, ok := m.peers[id]; ok {
			delete(m.peers, id)
			closing = append(closing, pc)
		}
		removed = append(removed, id)
	}
	m.mu.Unlock()

	for _, pc := range closing {
		pc.close()
	}
	for _, id := range removed {
		log.Info().Str("module", "transport").Str("peer", id).Msg("removed stale connection")
	}
	slices.Sort(removed)
	return removed
}

// BestServerCandidate is the peer with the lowest known ping.
func (m *Manager) BestServerCandidate() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best     string
		bestPing uint64
		found    bool
	)
	for id, h := range m.health {
		if h.PingMs == nil {
			continue
		}
		p := *h.PingMs
		if !found || p < bestPing || (p == bestPing && id < best) {
			best, bestPing, found = id, p, true
		}
	}
	return best, found
}

// SetServerPeer flags peerID as the room server; an empty id clears the flag.
func (m *Manager) SetServerPeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.health {
		h.IsServer = id == peerID
	}
}

// Peers returns a copy of the health table ordered by address.
func (m *Manager) Peers() []domain.PeerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PeerConnection, 0, len(m.health))
	for _, h := range m.health {
		cp := *h
		if h.PingMs != nil {
			v := *h.PingMs
			cp.PingMs = &v
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b domain.PeerConnection) int { return strings.Compare(a.Address, b.Address) })
	return out
}

func (m *Manager) IsConnected(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[peerID]
	return ok
}
