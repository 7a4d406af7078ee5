// Package app holds the command surface of a running peer: the local profile,
// the one active room and the inbound message dispatcher.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Shortgap/internal/app/coord"
	"github.com/dkeye/Shortgap/internal/core"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/dkeye/Shortgap/internal/invite"
	"github.com/dkeye/Shortgap/internal/ping"
	"github.com/dkeye/Shortgap/internal/transport"
)

const (
	DefaultHealthInterval   = 30 * time.Second
	DefaultOfflineThreshold = 5 * time.Minute
	DefaultStaleConnTimeout = 10 * time.Minute
	DefaultPingMaxAge       = 10 * time.Minute
)

// RoomStore persists rooms between runs.
type RoomStore interface {
	Save(room *domain.Room) error
	Load(id domain.RoomID) (*domain.Room, error)
	LoadAll() ([]*domain.Room, error)
}

type Options struct {
	PeerPort int
	// AdvertiseHost is the host other peers dial. Empty means the outbound
	// interface address.
	AdvertiseHost    string
	InviteMaxAge     time.Duration
	HealthInterval   time.Duration
	OfflineThreshold time.Duration
	StaleConnTimeout time.Duration
	PingMaxAge       time.Duration
	Coord            coord.Options
}

// UserSettings is the profile a user configures before creating or joining.
type UserSettings struct {
	Name              string  `json:"name"`
	Avatar            *string `json:"avatar"`
	AudioInputDevice  *string `json:"audio_input_device"`
	AudioOutputDevice *string `json:"audio_output_device"`
}

type Session struct {
	opts      Options
	host      string
	transport *transport.Manager
	pings     *ping.Manager
	coord     *coord.Coordinator
	store     RoomStore
	peers     *Registry
	probe     *prober

	bg          conc.WaitGroup
	maintaining atomic.Bool

	// ops serializes room lifecycle commands; the dispatcher never takes it.
	ops      sync.Mutex
	listenMu sync.Mutex

	mu      sync.RWMutex
	profile *domain.User
	room    *core.RoomState
	port    int
	dialing map[string]struct{}
}

func NewSession(tm *transport.Manager, pings *ping.Manager, store RoomStore, opts Options) *Session {
	if opts.InviteMaxAge <= 0 {
		opts.InviteMaxAge = invite.DefaultMaxAge
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = DefaultOfflineThreshold
	}
	if opts.StaleConnTimeout <= 0 {
		opts.StaleConnTimeout = DefaultStaleConnTimeout
	}
	if opts.PingMaxAge <= 0 {
		opts.PingMaxAge = DefaultPingMaxAge
	}
	host := opts.AdvertiseHost
	if host == "" {
		host = LocalIP()
	}

	s := &Session{
		opts:      opts,
		host:      host,
		transport: tm,
		pings:     pings,
		store:     store,
		peers:     NewRegistry(),
		dialing:   make(map[string]struct{}),
	}
	s.probe = newProber(s)
	s.coord = coord.New(peerLink{s: s}, opts.Coord)
	pings.SetProber(s.probe)
	return s
}

// LocalIP is the address of the interface used for outbound traffic, or
// loopback when there is none.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// AdvertisedAddress is host:port as written into invites and user records.
func (s *Session) AdvertisedAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.advertisedLocked()
}

func (s *Session) advertisedLocked() string {
	port := s.port
	if port == 0 {
		port = s.opts.PeerPort
	}
	return net.JoinHostPort(s.host, strconv.Itoa(port))
}

func (s *Session) Coordinator() *coord.Coordinator { return s.coord }

// SetProfile replaces the local user. A new profile gets a new id.
func (s *Session) SetProfile(settings UserSettings) (domain.User, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room != nil {
		return domain.User{}, domain.ErrRoomActive
	}
	u, err := domain.NewUser(strings.TrimSpace(settings.Name), s.advertisedLocked())
	if err != nil {
		return domain.User{}, err
	}
	u.Avatar = settings.Avatar
	u.SetAudioDevices(settings.AudioInputDevice, settings.AudioOutputDevice)
	s.profile = u
	log.Info().Str("module", "app.session").Str("user", u.ID.String()).Str("name", u.Name).Str("addr", u.Address).Msg("profile set")
	return *u, nil
}

func (s *Session) Profile() (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return domain.User{}, domain.ErrNoProfile
	}
	return *s.profile, nil
}

func (s *Session) currentRoom() *core.RoomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) setRoom(rs *core.RoomState) {
	s.mu.Lock()
	s.room = rs
	s.mu.Unlock()
}

func (s *Session) activeRoom() (*core.RoomState, error) {
	rs := s.currentRoom()
	if rs == nil {
		return nil, domain.ErrNotInRoom
	}
	return rs, nil
}

// roomByID is the active room when it has id.
func (s *Session) roomByID(id domain.RoomID) (*core.RoomState, error) {
	rs, err := s.activeRoom()
	if err != nil {
		return nil, err
	}
	if rs.ID() != id {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, id)
	}
	return rs, nil
}

// CurrentRoom is a snapshot of the active room.
func (s *Session) CurrentRoom() (*domain.Room, error) {
	rs, err := s.activeRoom()
	if err != nil {
		return nil, err
	}
	return rs.Snapshot(), nil
}

// listen binds the peer port under p unless it already is.
func (s *Session) listen(ctx context.Context, p domain.Protocol) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.transport.Listening() && s.transport.Protocol() == p {
		return nil
	}
	s.transport.StopListening()

	s.mu.RLock()
	port := s.port
	if port == 0 {
		port = s.opts.PeerPort
	}
	s.mu.RUnlock()

	bound, err := s.transport.StartServer(ctx, port, p)
	if err != nil {
		return err
	}
	_, ps, err := net.SplitHostPort(bound)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", bound, err)
	}
	n, err := strconv.Atoi(ps)
	if err != nil {
		return fmt.Errorf("parse listen port %q: %w", ps, err)
	}

	s.mu.Lock()
	s.port = n
	addr := s.advertisedLocked()
	if s.profile != nil {
		s.profile.Address = addr
	}
	s.mu.Unlock()

	s.transport.SetLocalID(addr)
	s.coord.SetLocalID(addr)
	return nil
}

// CreateRoom starts listening under p and makes the local user the creator
// and first server of a new room.
func (s *Session) CreateRoom(ctx context.Context, name string, p domain.Protocol) (*domain.Room, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrRoomNameEmpty
	}
	if p == "" {
		p = domain.ProtocolTCP
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProtocol, p)
	}
	if _, err := s.Profile(); err != nil {
		return nil, err
	}
	if s.currentRoom() != nil {
		return nil, domain.ErrRoomActive
	}
	if err := s.listen(ctx, p); err != nil {
		return nil, err
	}
	creator, err := s.Profile()
	if err != nil {
		return nil, err
	}

	rs := core.CreateRoom(name, creator, p)
	s.setRoom(rs)
	s.save(rs)
	log.Info().Str("module", "app.session").Str("room", rs.ID().String()).Str("name", name).Str("protocol", string(p)).Msg("room created")
	return rs.Snapshot(), nil
}

// JoinRoom dials the invite's primary peer, then each fallback, and joins
// through the first that answers.
func (s *Session) JoinRoom(ctx context.Context, code string) (*domain.Room, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	d, err := invite.Parse(code)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(s.opts.InviteMaxAge); err != nil {
		return nil, err
	}
	if _, err := s.Profile(); err != nil {
		return nil, err
	}
	if s.currentRoom() != nil {
		return nil, domain.ErrRoomActive
	}
	if err := s.listen(ctx, d.Protocol); err != nil {
		return nil, err
	}
	me, err := s.Profile()
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("module", "app.session").Str("room", d.RoomID.String()).Logger()
	primary, _ := d.PrimaryPeer()
	candidates := append([]string{primary}, d.FallbackPeers()...)

	var (
		attempts  []error
		connected string
	)
	for _, addr := range candidates {
		if addr == me.Address {
			continue
		}
		if err := s.transport.ConnectToPeer(ctx, addr, d.Protocol); err != nil {
			logger.Warn().Err(err).Str("peer", addr).Msg("join attempt failed")
			attempts = append(attempts, err)
			continue
		}
		connected = addr
		break
	}
	if connected == "" {
		s.transport.DisconnectAll()
		if len(attempts) == 0 {
			attempts = append(attempts, fmt.Errorf("%w: invite lists only this peer", domain.ErrNoPeers))
		}
		return nil, &domain.JoinError{Attempts: attempts}
	}
	s.peers.Bind(connected, connected)

	rs := core.NewRoomState(s.roomForInvite(d))
	stored, err := rs.AddUser(me)
	if errors.Is(err, domain.ErrDuplicateUser) {
		_ = rs.MarkUserOnline(me.ID)
		stored, _ = rs.User(me.ID)
	}
	rs.SwitchProtocol(d.Protocol)
	if !rs.CheckServerHealth() {
		logger.Debug().Msg("saved server unusable, re-elected")
	}
	s.setRoom(rs)
	s.save(rs)

	msg, err := s.newMessage(domain.MsgUserJoined, stored)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, msg)
	logger.Info().Str("via", connected).Str("name", stored.Name).Msg("joined room")
	return rs.Snapshot(), nil
}

// roomForInvite reuses a saved copy of the room when there is one.
func (s *Session) roomForInvite(d invite.Data) *domain.Room {
	if s.store != nil {
		room, err := s.store.Load(d.RoomID)
		if err == nil {
			for _, addr := range d.PeerAddresses {
				if !slices.Contains(room.PeerAddresses, addr) {
					room.PeerAddresses = append(room.PeerAddresses, addr)
				}
			}
			return room
		}
		if !errors.Is(err, domain.ErrRoomNotFound) {
			log.Warn().Err(err).Str("module", "app.session").Str("room", d.RoomID.String()).Msg("saved room unreadable, starting fresh")
		}
	}
	room := domain.NewRoom(d.RoomName, domain.UserID{}, d.Protocol)
	room.ID = d.RoomID
	room.PeerAddresses = slices.Clone(d.PeerAddresses)
	return room
}

// LeaveRoom tells the peers, tears down every connection and forgets the room.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	rs, err := s.activeRoom()
	if err != nil {
		return err
	}
	me, err := s.Profile()
	if err != nil {
		return err
	}

	if msg, err := s.newMessage(domain.MsgUserLeft, domain.UserLeftPayload{UserID: me.ID}); err == nil {
		s.broadcast(ctx, msg)
	}
	s.coord.Cancel(rs.ID())
	_ = rs.MarkUserOffline(me.ID)
	s.transport.DisconnectAll()
	s.peers.Reset()
	s.save(rs)
	s.setRoom(nil)

	s.mu.Lock()
	if s.opts.PeerPort == 0 {
		s.port = 0
	}
	s.mu.Unlock()
	log.Info().Str("module", "app.session").Str("room", rs.ID().String()).Msg("left room")
	return nil
}

// SendMessage appends a chat message under the user's in-room name and
// broadcasts it.
func (s *Session) SendMessage(ctx context.Context, content string) (domain.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return domain.ChatMessage{}, domain.ErrEmptyMessage
	}
	rs, err := s.activeRoom()
	if err != nil {
		return domain.ChatMessage{}, err
	}
	me, err := s.Profile()
	if err != nil {
		return domain.ChatMessage{}, err
	}
	member, ok := rs.User(me.ID)
	if !ok {
		return domain.ChatMessage{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, me.ID)
	}

	chat := domain.NewChatMessage(&member, content)
	rs.AddMessage(chat)
	_ = rs.MarkUserOnline(me.ID)

	msg, err := s.newMessage(domain.MsgChatMessage, chat)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.broadcast(ctx, msg)
	return chat, nil
}

// ListRooms lists saved rooms plus the active one.
func (s *Session) ListRooms() ([]domain.RoomInfo, error) {
	var rooms []*domain.Room
	if s.store != nil {
		saved, err := s.store.LoadAll()
		if err != nil {
			return nil, err
		}
		rooms = saved
	}

	out := make([]domain.RoomInfo, 0, len(rooms)+1)
	var active domain.RoomID
	if rs := s.currentRoom(); rs != nil {
		info := rs.Info()
		active = info.ID
		out = append(out, info)
	}
	for _, r := range rooms {
		if r.ID == active {
			continue
		}
		out = append(out, domain.RoomInfo{
			ID:          r.ID,
			Name:        r.Name,
			Protocol:    r.Protocol,
			MemberCount: len(r.Users),
		})
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), strings.Compare(a.ID.String(), b.ID.String()))
	})
	return out, nil
}

// ChangeProtocol moves the room and every connected peer to p.
func (s *Session) ChangeProtocol(ctx context.Context, p domain.Protocol) (coord.SwitchEvent, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	rs, err := s.activeRoom()
	if err != nil {
		return coord.SwitchEvent{}, err
	}
	if !p.Valid() {
		return coord.SwitchEvent{}, fmt.Errorf("%w: %q", domain.ErrUnknownProtocol, p)
	}
	if !s.transport.Supports(p) {
		return coord.SwitchEvent{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedProtocol, p)
	}
	from := rs.Protocol()
	if from == p {
		return coord.SwitchEvent{RoomID: rs.ID(), From: from, To: p, State: coord.StateComplete, Timestamp: time.Now().UTC()}, nil
	}

	ev, err := s.coord.Initiate(ctx, rs.ID(), from, p, s.switchPeers(rs))
	if err != nil {
		s.announceProtocol(ctx, rs.ID(), from)
		return ev, err
	}

	rs.SwitchProtocol(p)
	if err := s.listen(ctx, p); err != nil {
		return ev, err
	}
	s.transport.PruneProtocol(p)
	s.save(rs)
	return ev, nil
}

// switchPeers are the room addresses we hold a connection to, lowest ping first.
func (s *Session) switchPeers(rs *core.RoomState) []string {
	self := s.AdvertisedAddress()
	var out []string
	for _, addr := range rs.OrderedPeerList() {
		if addr == self {
			continue
		}
		if _, ok := s.peerFor(addr); ok {
			out = append(out, addr)
		}
	}
	return out
}

// announceProtocol tells every peer to run p without acknowledgment.
func (s *Session) announceProtocol(ctx context.Context, roomID domain.RoomID, p domain.Protocol) {
	msg, err := s.newMessage(domain.MsgProtocolChange, domain.ProtocolChangePayload{
		Phase:    domain.SwitchPhaseNotice,
		Protocol: p,
		RoomID:   roomID,
	})
	if err != nil {
		return
	}
	s.broadcast(ctx, msg)
}

func (s *Session) CancelSwitch(roomID domain.RoomID) bool { return s.coord.Cancel(roomID) }

func (s *Session) SwitchStatus(roomID domain.RoomID) coord.SwitchEvent { return s.coord.Status(roomID) }

func (s *Session) ActiveSwitches() []coord.SwitchEvent { return s.coord.ActiveSwitches() }

// GenerateInvite encodes the active room with this peer as primary.
func (s *Session) GenerateInvite() (string, error) {
	rs, err := s.activeRoom()
	if err != nil {
		return "", err
	}
	me, err := s.Profile()
	if err != nil {
		return "", err
	}
	name := me.Name
	if member, ok := rs.User(me.ID); ok {
		name = member.Name
	}

	room := rs.Snapshot()
	self := s.AdvertisedAddress()
	peers := []string{self}
	for _, addr := range rs.OrderedPeerList() {
		if addr != self {
			peers = append(peers, addr)
		}
	}
	room.PeerAddresses = peers
	return invite.Encode(invite.New(room, name))
}

func (s *Session) ParseInvite(code string) (invite.Data, error) {
	return invite.Parse(code)
}

// ValidateInvite returns a human readable summary of a joinable invite.
func (s *Session) ValidateInvite(code string) (string, error) {
	d, err := invite.Parse(code)
	if err != nil {
		return "", err
	}
	if err := d.Validate(s.opts.InviteMaxAge); err != nil {
		return "", err
	}
	return d.Summary(), nil
}

// SyncMessages orders the room history, pushes our view to every peer and
// returns the history.
func (s *Session) SyncMessages(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error) {
	rs, err := s.roomByID(roomID)
	if err != nil {
		return nil, err
	}
	msgs := rs.SyncMessages()
	if msg, err := s.newMessage(domain.MsgRoomSync, rs.SyncPayload()); err == nil {
		s.broadcast(ctx, msg)
	}
	s.save(rs)
	return msgs, nil
}

func (s *Session) RoomMessages(roomID domain.RoomID) ([]domain.ChatMessage, error) {
	rs, err := s.roomByID(roomID)
	if err != nil {
		return nil, err
	}
	return rs.Messages(), nil
}

// CheckRoomHealth marks silent users offline, then checks the server.
func (s *Session) CheckRoomHealth(ctx context.Context) (bool, error) {
	rs, err := s.activeRoom()
	if err != nil {
		return false, err
	}
	rs.CleanupOfflineUsers(s.opts.OfflineThreshold)
	healthy := rs.CheckServerHealth()
	if !healthy {
		s.announceServer(ctx, rs)
	}
	log.Info().Str("module", "app.session").Str("room", rs.ID().String()).Bool("healthy", healthy).Msg("room health checked")
	return healthy, nil
}

func (s *Session) MarkUserOffline(roomID domain.RoomID, userID domain.UserID) error {
	rs, err := s.roomByID(roomID)
	if err != nil {
		return err
	}
	if err := rs.MarkUserOffline(userID); err != nil {
		return err
	}
	s.save(rs)
	return nil
}

func (s *Session) JoinCall(ctx context.Context) error {
	return s.callChange(ctx, (*core.RoomState).JoinCall)
}

func (s *Session) LeaveCall(ctx context.Context) error {
	return s.callChange(ctx, (*core.RoomState).LeaveCall)
}

// callChange applies op to the local user and relays the resulting system
// message.
func (s *Session) callChange(ctx context.Context, op func(*core.RoomState, domain.UserID) error) error {
	rs, err := s.activeRoom()
	if err != nil {
		return err
	}
	me, err := s.Profile()
	if err != nil {
		return err
	}
	if err := op(rs, me.ID); err != nil {
		return err
	}
	msgs := rs.Messages()
	if len(msgs) == 0 {
		return nil
	}
	msg, err := s.newMessage(domain.MsgChatMessage, msgs[len(msgs)-1])
	if err != nil {
		return err
	}
	s.broadcast(ctx, msg)
	return nil
}

// PingStats is every known measurement, lowest average first.
func (s *Session) PingStats() []ping.Measurement {
	return s.pings.SortedByPing()
}

// ConnectedPeers is the transport's health table.
func (s *Session) ConnectedPeers() []domain.PeerConnection {
	return s.transport.Peers()
}

// Close cancels switches in flight and drops every connection.
func (s *Session) Close() {
	if rs := s.currentRoom(); rs != nil {
		s.coord.Cancel(rs.ID())
		s.save(rs)
	}
	s.transport.DisconnectAll()
	s.bg.Wait()
}

// peerFor resolves a room address to a live connection id.
func (s *Session) peerFor(addr string) (string, bool) {
	if s.transport.IsConnected(addr) {
		return addr, true
	}
	if id, ok := s.peers.PeerOfAddr(addr); ok && s.transport.IsConnected(id) {
		return id, true
	}
	return "", false
}

func (s *Session) newMessage(mt domain.MessageType, payload any) (domain.NetworkMessage, error) {
	return domain.NewNetworkMessage(s.AdvertisedAddress(), mt, payload)
}

func (s *Session) broadcast(ctx context.Context, msg domain.NetworkMessage) transport.PublishResult {
	res, err := s.transport.Broadcast(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("type", string(msg.MessageType)).Msg("broadcast failed")
		return res
	}
	if !res.OK() {
		log.Warn().Str("module", "app.session").Str("type", string(msg.MessageType)).
			Int("sent", len(res.Sent)).Int("failed", len(res.Failed)).Msg("broadcast partially failed")
	}
	return res
}

// save persists the room; failures only cost durability.
func (s *Session) save(rs *core.RoomState) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(rs.Snapshot()); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("room", rs.ID().String()).Msg("save room failed")
	}
}

// peerLink routes coordinator traffic by room address.
type peerLink struct {
	s *Session
}

func (l peerLink) SendToPeer(ctx context.Context, addr string, msg domain.NetworkMessage) error {
	id, ok := l.s.peerFor(addr)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, addr)
	}
	return l.s.transport.SendToPeer(ctx, id, msg)
}

func (l peerLink) ConnectToPeer(ctx context.Context, addr string, p domain.Protocol) error {
	if err := l.s.transport.ConnectToPeer(ctx, addr, p); err != nil {
		return err
	}
	l.s.peers.Bind(addr, addr)
	return nil
}
