package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
)

// maintain is one housekeeping pass. Overlapping passes are skipped.
func (s *Session) maintain(ctx context.Context) {
	if !s.maintaining.CompareAndSwap(false, true) {
		return
	}
	defer s.maintaining.Store(false)

	for _, id := range s.transport.PruneClosed() {
		s.peers.Unbind(id)
	}
	for _, id := range s.transport.CleanupStaleConnections(s.opts.StaleConnTimeout) {
		s.peers.Unbind(id)
	}
	if n := s.coord.CleanupCompletedSwitches(); n > 0 {
		log.Debug().Str("module", "app.maintenance").Int("switches", n).Msg("forgot finished switches")
	}
	s.pings.CleanupOldMeasurements(s.opts.PingMaxAge)

	rs := s.currentRoom()
	if rs == nil {
		return
	}
	if me, err := s.Profile(); err == nil {
		_ = rs.MarkUserOnline(me.ID)
	}

	s.measure(ctx, rs)

	if marked := rs.CleanupOfflineUsers(s.opts.OfflineThreshold); len(marked) > 0 {
		log.Info().Str("module", "app.maintenance").Int("users", len(marked)).Msg("marked silent users offline")
	}
	if !rs.CheckServerHealth() {
		s.announceServer(ctx, rs)
	}
	if server, ok := rs.ServerUser(); ok {
		id, _ := s.peerFor(server.Address)
		s.transport.SetServerPeer(id)
	}
	s.save(rs)
}

// measure pings every connected member, feeds the averages into the room
// and shares them with the other peers.
func (s *Session) measure(ctx context.Context, rs *core.RoomState) {
	self := s.AdvertisedAddress()
	var addrs []string
	for _, addr := range rs.OrderedPeerList() {
		if addr == self {
			continue
		}
		if _, ok := s.peerFor(addr); ok {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return
	}
	if err := s.pings.MeasureAll(ctx, addrs); err != nil {
		return
	}

	for _, addr := range addrs {
		m, ok := s.pings.Get(addr)
		if !ok || m.AveragePing == nil {
			continue
		}
		avg := *m.AveragePing
		u, ok := rs.UserByAddress(addr)
		if !ok {
			continue
		}
		rs.UpdatePing(u.ID, avg)
		if id, ok := s.peerFor(addr); ok {
			s.transport.UpdatePing(id, avg)
		}
		report, err := s.newMessage(domain.MsgPingMeasurement, domain.PingPayload{
			Kind:   domain.PingKindReport,
			UserID: u.ID,
			PingMs: &avg,
		})
		if err != nil {
			continue
		}
		s.broadcast(ctx, report)
	}
}

// announceServer tells the peers who this peer now considers the server.
func (s *Session) announceServer(ctx context.Context, rs *core.RoomState) {
	var payload domain.ServerTransferPayload
	if server, ok := rs.ServerUser(); ok {
		id := server.ID
		payload.ServerUserID = &id
	}
	msg, err := s.newMessage(domain.MsgServerTransfer, payload)
	if err != nil {
		return
	}
	s.broadcast(ctx, msg)
}
