package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/dkeye/Shortgap/internal/transport"
)

// Run dispatches inbound messages and runs periodic maintenance until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	defer s.bg.Wait()

	log.Info().Str("module", "app.dispatch").Dur("health_interval", s.opts.HealthInterval).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.dispatch").Msg("dispatcher stopped")
			return nil
		case in := <-s.transport.Inbound():
			s.dispatch(ctx, in)
		case ev := <-s.coord.Events():
			log.Info().Str("module", "app.dispatch").Str("room", ev.RoomID.String()).
				Str("state", string(ev.State)).Str("to", string(ev.To)).Msg("switch event")
		case <-ticker.C:
			s.bg.Go(func() { s.maintain(ctx) })
		}
	}
}

func (s *Session) dispatch(ctx context.Context, in transport.Inbound) {
	msg := in.Message
	logger := log.With().Str("module", "app.dispatch").Str("peer", in.PeerID).
		Str("type", string(msg.MessageType)).Logger()

	self := s.AdvertisedAddress()
	if msg.From != "" && msg.From != self {
		s.peers.Bind(in.PeerID, msg.From)
	}
	rs := s.currentRoom()
	if rs == nil {
		logger.Debug().Msg("no active room, message ignored")
		return
	}
	if u, ok := rs.UserByAddress(msg.From); ok && msg.From != self {
		_ = rs.MarkUserOnline(u.ID)
	}

	switch msg.MessageType {
	case domain.MsgChatMessage:
		s.onChat(rs, msg, logger)
	case domain.MsgUserJoined:
		s.onUserJoined(ctx, rs, in, logger)
	case domain.MsgUserLeft:
		s.onUserLeft(rs, in, logger)
	case domain.MsgPingMeasurement:
		s.onPing(ctx, rs, in, logger)
	case domain.MsgProtocolChange:
		s.onProtocolChange(ctx, rs, in, logger)
	case domain.MsgRoomSync:
		s.onRoomSync(ctx, rs, msg, logger)
	case domain.MsgServerTransfer:
		var p domain.ServerTransferPayload
		if !decode(msg, &p, logger) {
			return
		}
		ev := logger.Info()
		if p.ServerUserID != nil {
			ev = ev.Str("server", p.ServerUserID.String())
		}
		ev.Msg("peer announced server")
	case domain.MsgVoiceData:
		logger.Debug().Int("bytes", len(msg.Payload)).Msg("voice data ignored")
	default:
		logger.Warn().Msg("unknown message type")
	}
}

func decode(msg domain.NetworkMessage, v any, logger zerolog.Logger) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		logger.Warn().Err(err).Msg("unexpected payload, ignored")
		return false
	}
	return true
}

func (s *Session) onChat(rs *core.RoomState, msg domain.NetworkMessage, logger zerolog.Logger) {
	var chat domain.ChatMessage
	if !decode(msg, &chat, logger) {
		return
	}
	rs.AddMessage(chat)
	logger.Debug().Str("from", chat.UserName).Msg("chat message")
}

func (s *Session) onUserJoined(ctx context.Context, rs *core.RoomState, in transport.Inbound, logger zerolog.Logger) {
	var u domain.User
	if !decode(in.Message, &u, logger) {
		return
	}
	if me, err := s.Profile(); err == nil && me.ID == u.ID {
		return
	}
	stored, err := rs.AddUser(u)
	switch {
	case errors.Is(err, domain.ErrDuplicateUser):
		_ = rs.MarkUserOnline(u.ID)
		logger.Debug().Str("user", u.ID.String()).Msg("known user rejoined")
	case err != nil:
		logger.Warn().Err(err).Msg("add user failed")
		return
	default:
		logger.Info().Str("user", stored.ID.String()).Str("name", stored.Name).Msg("user joined")
	}
	s.peers.Bind(in.PeerID, u.Address)

	reply, err := s.newMessage(domain.MsgRoomSync, rs.SyncPayload())
	if err != nil {
		return
	}
	if err := s.transport.SendToPeer(ctx, in.PeerID, reply.Addressed(in.PeerID)); err != nil {
		logger.Warn().Err(err).Msg("room sync reply failed")
	}
}

func (s *Session) onUserLeft(rs *core.RoomState, in transport.Inbound, logger zerolog.Logger) {
	var p domain.UserLeftPayload
	if !decode(in.Message, &p, logger) {
		return
	}
	if err := rs.RemoveUser(p.UserID); err != nil {
		logger.Debug().Err(err).Msg("leaving user unknown")
	}
	s.peers.Unbind(in.PeerID)
	logger.Info().Str("user", p.UserID.String()).Msg("user left")
}

func (s *Session) onPing(ctx context.Context, rs *core.RoomState, in transport.Inbound, logger zerolog.Logger) {
	var p domain.PingPayload
	if !decode(in.Message, &p, logger) {
		return
	}
	switch p.Kind {
	case domain.PingKindProbe:
		me, err := s.Profile()
		if err != nil {
			return
		}
		pong, err := s.newMessage(domain.MsgPingMeasurement, domain.PingPayload{
			Kind:   domain.PingKindPong,
			Nonce:  p.Nonce,
			UserID: me.ID,
		})
		if err != nil {
			return
		}
		if err := s.transport.SendToPeer(ctx, in.PeerID, pong.Addressed(in.PeerID)); err != nil {
			logger.Debug().Err(err).Msg("pong failed")
		}
	case domain.PingKindPong:
		if !s.probe.resolve(p.Nonce) {
			logger.Debug().Str("nonce", p.Nonce).Msg("late pong")
		}
	case domain.PingKindReport:
		if p.PingMs != nil && p.UserID != uuid.Nil {
			rs.UpdatePing(p.UserID, *p.PingMs)
		}
	default:
		logger.Debug().Str("kind", p.Kind).Msg("unknown ping kind")
	}
}

func (s *Session) onProtocolChange(ctx context.Context, rs *core.RoomState, in transport.Inbound, logger zerolog.Logger) {
	var p domain.ProtocolChangePayload
	if !decode(in.Message, &p, logger) {
		return
	}
	if p.RoomID != uuid.Nil && p.RoomID != rs.ID() {
		logger.Debug().Str("room", p.RoomID.String()).Msg("protocol change for another room")
		return
	}
	logger = logger.With().Str("phase", p.Phase).Str("protocol", string(p.Protocol)).Logger()

	switch p.Phase {
	case domain.SwitchPhaseAck:
		if !s.coord.Acknowledge(rs.ID(), in.Message.From) {
			logger.Debug().Str("from", in.Message.From).Msg("ack not expected")
		}
	case domain.SwitchPhasePrepare, domain.SwitchPhaseNotice:
		if !s.transport.Supports(p.Protocol) {
			logger.Warn().Msg("protocol not supported, ignoring switch")
			return
		}
		if err := s.listen(ctx, p.Protocol); err != nil {
			logger.Error().Err(err).Msg("rebind under new protocol failed")
			return
		}
		if p.Phase == domain.SwitchPhasePrepare {
			ack, err := s.newMessage(domain.MsgProtocolChange, domain.ProtocolChangePayload{
				Phase:    domain.SwitchPhaseAck,
				Protocol: p.Protocol,
				RoomID:   rs.ID(),
			})
			if err != nil {
				return
			}
			if err := s.transport.SendToPeer(ctx, in.PeerID, ack.Addressed(in.PeerID)); err != nil {
				logger.Warn().Err(err).Msg("ack failed")
				return
			}
		}
		rs.SwitchProtocol(p.Protocol)
		s.save(rs)
		logger.Info().Msg("room protocol changed")
	default:
		logger.Debug().Msg("unknown switch phase")
	}
}

func (s *Session) onRoomSync(ctx context.Context, rs *core.RoomState, msg domain.NetworkMessage, logger zerolog.Logger) {
	var p domain.RoomSyncPayload
	if !decode(msg, &p, logger) {
		return
	}
	rs.MergeSync(p)
	logger.Debug().Int("users", len(p.Users)).Int("messages", len(p.Messages)).Msg("room synced")

	self := s.AdvertisedAddress()
	for _, u := range p.Users {
		if u.Address == "" || u.Address == self || !u.IsOnline {
			continue
		}
		if _, ok := s.peerFor(u.Address); ok {
			continue
		}
		s.meshConnect(ctx, u.Address, rs.Protocol())
	}
}

// meshConnect dials a member we only know from a sync and introduces ourselves.
func (s *Session) meshConnect(ctx context.Context, addr string, p domain.Protocol) {
	s.mu.Lock()
	if _, busy := s.dialing[addr]; busy {
		s.mu.Unlock()
		return
	}
	s.dialing[addr] = struct{}{}
	s.mu.Unlock()

	s.bg.Go(func() {
		defer func() {
			s.mu.Lock()
			delete(s.dialing, addr)
			s.mu.Unlock()
		}()
		logger := log.With().Str("module", "app.dispatch").Str("peer", addr).Logger()
		if err := s.transport.ConnectToPeer(ctx, addr, p); err != nil {
			logger.Debug().Err(err).Msg("mesh connect failed")
			return
		}
		s.peers.Bind(addr, addr)

		rs := s.currentRoom()
		me, err := s.Profile()
		if rs == nil || err != nil {
			return
		}
		member, ok := rs.User(me.ID)
		if !ok {
			return
		}
		hello, err := s.newMessage(domain.MsgUserJoined, member)
		if err != nil {
			return
		}
		if err := s.transport.SendToPeer(ctx, addr, hello.Addressed(addr)); err != nil {
			logger.Debug().Err(err).Msg("introduction failed")
			return
		}
		logger.Info().Msg("connected to room member")
	})
}
