// Package rtc feeds round-trip times reported by WebRTC peer connections
// into the ping manager. Whatever owns a peer connection (a media host
// running next to the peer) registers it here under the peer's address.
package rtc

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/ping"
)

const DefaultSampleInterval = 5 * time.Second

// StatsGetter is satisfied by *webrtc.PeerConnection.
type StatsGetter interface {
	GetStats() webrtc.StatsReport
}

// RTTSampler polls registered connections for the RTT of their nominated
// candidate pair.
type RTTSampler struct {
	mu    sync.Mutex
	conns map[string]StatsGetter
	pings *ping.Manager
}

func NewRTTSampler(pings *ping.Manager) *RTTSampler {
	return &RTTSampler{conns: make(map[string]StatsGetter), pings: pings}
}

// Register tracks conn under the peer address addr.
func (s *RTTSampler) Register(addr string, conn StatsGetter) {
	s.mu.Lock()
	s.conns[addr] = conn
	s.mu.Unlock()
	log.Debug().Str("module", "rtc").Str("peer", addr).Msg("rtt sampling registered")
}

func (s *RTTSampler) Unregister(addr string) {
	s.mu.Lock()
	delete(s.conns, addr)
	s.mu.Unlock()
}

// Sample reads every registered connection once and returns the addresses
// that reported an RTT.
func (s *RTTSampler) Sample() []string {
	s.mu.Lock()
	conns := make(map[string]StatsGetter, len(s.conns))
	for addr, c := range s.conns {
		conns[addr] = c
	}
	s.mu.Unlock()

	var sampled []string
	for addr, c := range conns {
		rtt, ok := NominatedRTT(c.GetStats())
		if !ok {
			continue
		}
		s.pings.UpdateWebRTCRTT(addr, rtt)
		sampled = append(sampled, addr)
	}
	slices.Sort(sampled)
	return sampled
}

// Run samples on every tick until ctx ends.
func (s *RTTSampler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sample()
		}
	}
}

// NominatedRTT returns the current RTT of the nominated candidate pair in
// milliseconds.
func NominatedRTT(report webrtc.StatsReport) (uint64, bool) {
	for _, st := range report {
		var pair webrtc.ICECandidatePairStats
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			pair = v
		case *webrtc.ICECandidatePairStats:
			pair = *v
		default:
			continue
		}
		if !pair.Nominated || pair.CurrentRoundTripTime <= 0 {
			continue
		}
		return uint64(math.Round(pair.CurrentRoundTripTime * 1000)), true
	}
	return 0, false
}
