// Package transport owns live peer connections and moves NetworkMessage
// envelopes over them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Shortgap/internal/domain"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultGracePeriod    = 500 * time.Millisecond
	DefaultQueueSize      = 1024
)

// Inbound is one decoded message and the peer it arrived from.
type Inbound struct {
	PeerID  string
	Message domain.NetworkMessage
}

// PublishResult is the per-peer outcome of a fan-out.
type PublishResult struct {
	Sent   []string
	Failed map[string]error
}

func (r PublishResult) OK() bool { return len(r.Failed) == 0 }

type Options struct {
	LocalID        string
	ConnectTimeout time.Duration
	GracePeriod    time.Duration
	QueueSize      int
	Policy         Policy
	MaxFrameSize   uint32
	// Backends overrides the default TCP and WebSocket backends.
	Backends []Backend
}

type peer struct {
	id       string
	protocol domain.Protocol
	conn     Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.done:
		return domain.ErrTransportClosed
	default:
	}
	return p.conn.WriteMessage(data)
}

type Manager struct {
	connectTimeout time.Duration
	grace          time.Duration
	policy         Policy
	backends       map[domain.Protocol]Backend
	inbound        chan Inbound
	dropped        atomic.Uint64
	now            func() time.Time

	mu        sync.RWMutex
	localID   string
	protocol  domain.Protocol
	peers     map[string]*peer
	health    map[string]*domain.PeerConnection
	listeners []Listener
	// draining counts DisconnectAll calls in progress; no goroutine may be
	// added to wg while it is non-zero.
	draining int

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		connectTimeout: opts.ConnectTimeout,
		grace:          opts.GracePeriod,
		policy:         opts.Policy,
		backends:       make(map[domain.Protocol]Backend),
		now:            func() time.Time { return time.Now().UTC() },
		localID:        opts.LocalID,
		protocol:       domain.ProtocolTCP,
		peers:          make(map[string]*peer),
		health:         make(map[string]*domain.PeerConnection),
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.grace <= 0 {
		m.grace = DefaultGracePeriod
	}
	if m.policy == nil {
		m.policy = BlockPolicy{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	m.inbound = make(chan Inbound, size)

	backends := opts.Backends
	if len(backends) == 0 {
		frame := opts.MaxFrameSize
		if frame == 0 {
			frame = DefaultMaxFrameSize
		}
		backends = []Backend{NewTCPBackend(frame), NewWebSocketBackend(int64(frame))}
	}
	for _, b := range backends {
		m.backends[b.Protocol()] = b
	}
	return m
}

// Inbound is the shared queue every reader feeds.
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// Dropped counts messages discarded by a DropNewest policy.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

func (m *Manager) SetLocalID(id string) {
	m.mu.Lock()
	m.localID = id
	m.mu.Unlock()
}

func (m *Manager) Protocol() domain.Protocol {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.protocol
}

func (m *Manager) backend(p domain.Protocol) (Backend, error) {
	b, ok := m.backends[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedProtocol, p)
	}
	return b, nil
}

// StartServer binds port for protocol p and accepts peers until DisconnectAll.
// It returns the bound address.
func (m *Manager) StartServer(ctx context.Context, port int, p domain.Protocol) (string, error) {
	addr := fmt.Sprintf(":%d", port)
	b, err := m.backend(p)
	if err != nil {
		return "", &domain.ConnectionError{Addr: addr, Protocol: p, Err: err}
	}
	l, err := b.Listen(ctx, addr)
	if err != nil {
		return "", &domain.ConnectionError{Addr: addr, Protocol: p, Err: err}
	}

	m.mu.Lock()
	if m.draining > 0 {
		m.mu.Unlock()
		_ = l.Close()
		return "", &domain.ConnectionError{Addr: addr, Protocol: p, Err: domain.ErrTransportClosed}
	}
	m.listeners = append(m.listeners, l)
	m.protocol = p
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info().Str("module", "transport").Str("addr", l.Addr()).Str("protocol", string(p)).Msg("listening")
	go m.acceptLoop(l, p)
	return l.Addr(), nil
}

func (m *Manager) acceptLoop(l Listener, p domain.Protocol) {
	defer m.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Str("module", "transport").Str("addr", l.Addr()).Msg("listener closed")
			} else {
				log.Error().Err(err).Str("module", "transport").Str("addr", l.Addr()).Msg("accept failed")
			}
			return
		}
		log.Info().Str("module", "transport").Str("peer", c.RemoteAddr()).Msg("accepted peer")
		m.register(c.RemoteAddr(), p, c, l)
	}
}

// ConnectToPeer dials addr and starts its reader. The peer id is addr.
func (m *Manager) ConnectToPeer(ctx context.Context, addr string, p domain.Protocol) error {
	b, err := m.backend(p)
	if err != nil {
		return &domain.ConnectionError{Addr: addr, Protocol: p, Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	c, err := b.Dial(dctx, addr)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			err = fmt.Errorf("%w: %w", domain.ErrConnectTimeout, err)
		}
		return &domain.ConnectionError{Addr: addr, Protocol: p, Err: err}
	}

	if !m.register(addr, p, c, nil) {
		return &domain.ConnectionError{Addr: addr, Protocol: p, Err: domain.ErrTransportClosed}
	}
	log.Info().Str("module", "transport").Str("peer", addr).Str("protocol", string(p)).Msg("connected to peer")
	return nil
}

// register installs c under id, replacing any previous connection. Accepted
// connections are refused once their listener has been torn down, and every
// connection is refused while DisconnectAll is draining.
func (m *Manager) register(id string, p domain.Protocol, c Conn, from Listener) bool {
	pc := &peer{id: id, protocol: p, conn: c, done: make(chan struct{})}

	m.mu.Lock()
	if m.draining > 0 || (from != nil && !slices.Contains(m.listeners, from)) {
		m.mu.Unlock()
		_ = c.Close()
		return false
	}
	old := m.peers[id]
	m.peers[id] = pc
	h, ok := m.health[id]
	if !ok {
		h = &domain.PeerConnection{Address: id}
		m.health[id] = h
	}
	h.Protocol = p
	h.LastSeen = m.now()
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	go m.readLoop(pc)
	return true
}

func (m *Manager) readLoop(pc *peer) {
	defer m.wg.Done()
	defer pc.close()

	for {
		data, err := pc.conn.ReadMessage()
		if err != nil {
			select {
			case <-pc.done:
				log.Debug().Str("module", "transport").Str("peer", pc.id).Msg("reader stopped")
			default:
				log.Warn().Err(&domain.ProtocolError{Peer: pc.id, Err: err}).Str("module", "transport").Msg("read failed, connection dead")
			}
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			log.Warn().Err(&domain.ProtocolError{Peer: pc.id, Err: err}).Str("module", "transport").Msg("malformed message, connection dead")
			return
		}
		m.touch(pc.id)
		if !m.deliver(pc, msg) {
			return
		}
	}
}

func (m *Manager) deliver(pc *peer, msg domain.NetworkMessage) bool {
	in := Inbound{PeerID: pc.id, Message: msg}
	select {
	case m.inbound <- in:
		return true
	default:
	}

	switch m.policy.OnBackPressure(pc.id, msg) {
	case DropNewest:
		m.dropped.Add(1)
		log.Warn().Str("module", "transport").Str("peer", pc.id).Str("type", string(msg.MessageType)).Msg("inbound queue full, message dropped")
		return true
	default:
		select {
		case m.inbound <- in:
			return true
		case <-pc.done:
			return false
		}
	}
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	if h, ok := m.health[id]; ok {
		h.LastSeen = m.now()
	}
	m.mu.Unlock()
}

func (m *Manager) snapshot() []*peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*peer, 0, len(m.peers))
	for _, pc := range m.peers {
		out = append(out, pc)
	}
	return out
}

// Broadcast encodes msg once and writes it to every registered peer.
// One peer failing never stops the others.
func (m *Manager) Broadcast(ctx context.Context, msg domain.NetworkMessage) (PublishResult, error) {
	data, err := EncodeMessage(msg)
	if err != nil {
		return PublishResult{}, err
	}

	var (
		mu  sync.Mutex
		res = PublishResult{Failed: make(map[string]error)}
		wg  conc.WaitGroup
	)
	for _, pc := range m.snapshot() {
		wg.Go(func() {
			err := ctx.Err()
			if err == nil {
				err = pc.write(data)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[pc.id] = err
				log.Warn().Err(err).Str("module", "transport").Str("peer", pc.id).Msg("broadcast send failed")
				return
			}
			res.Sent = append(res.Sent, pc.id)
		})
	}
	wg.Wait()
	slices.Sort(res.Sent)
	return res, nil
}

func (m *Manager) SendToPeer(ctx context.Context, peerID string, msg domain.NetworkMessage) error {
	m.mu.RLock()
	pc, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peerID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := pc.write(data); err != nil {
		return &domain.ConnectionError{Addr: peerID, Protocol: pc.protocol, Err: err}
	}
	return nil
}

// SwitchProtocol notifies every peer, waits the grace period and reconnects
// to peers under p. Reconnect failures are reported, not fatal.
func (m *Manager) SwitchProtocol(ctx context.Context, p domain.Protocol, peers []string) (PublishResult, error) {
	if _, err := m.backend(p); err != nil {
		return PublishResult{}, err
	}
	m.mu.RLock()
	from := m.localID
	m.mu.RUnlock()

	notice, err := domain.NewNetworkMessage(from, domain.MsgProtocolChange, domain.ProtocolChangePayload{
		Phase:    domain.SwitchPhaseNotice,
		Protocol: p,
	})
	if err != nil {
		return PublishResult{}, err
	}
	if _, err := m.Broadcast(ctx, notice); err != nil {
		return PublishResult{}, err
	}

	select {
	case <-time.After(m.grace):
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}

	m.mu.Lock()
	m.protocol = p
	m.mu.Unlock()

	res := PublishResult{Failed: make(map[string]error)}
	for _, addr := range peers {
		if err := m.ConnectToPeer(ctx, addr, p); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("peer", addr).Msg("reconnect failed")
			res.Failed[addr] = err
			continue
		}
		res.Sent = append(res.Sent, addr)
	}
	log.Info().Str("module", "transport").Str("protocol", string(p)).Int("ok", len(res.Sent)).Int("failed", len(res.Failed)).Msg("protocol switched")
	return res, nil
}

// DisconnectAll closes every listener and connection, then waits for all
// accept loops and readers to return.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	m.draining++
	listeners := m.listeners
	peers := m.peers
	m.listeners = nil
	m.peers = make(map[string]*peer)
	m.health = make(map[string]*domain.PeerConnection)
	m.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("addr", l.Addr()).Msg("close listener")
		}
	}
	for _, pc := range peers {
		pc.close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.draining--
	m.mu.Unlock()
	log.Info().Str("module", "transport").Int("peers", len(peers)).Int("listeners", len(listeners)).Msg("disconnected from all peers")
}

// StopListening closes every listener but keeps established connections.
// Used to rebind the peer port under another protocol.
func (m *Manager) StopListening() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("addr", l.Addr()).Msg("close listener")
		}
	}
}

// Listening reports whether any listener is open.
func (m *Manager) Listening() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners) > 0
}

// PruneClosed unregisters connections whose reader has ended.
func (m *Manager) PruneClosed() []string {
	var removed []string
	m.mu.Lock()
	for id, pc := range m.peers {
		select {
		case <-pc.done:
			delete(m.peers, id)
			removed = append(removed, id)
		default:
		}
	}
	m.mu.Unlock()
	slices.Sort(removed)
	if len(removed) > 0 {
		log.Debug().Str("module", "transport").Strs("peers", removed).Msg("pruned closed connections")
	}
	return removed
}

// PruneProtocol closes and unregisters every connection not running keep.
func (m *Manager) PruneProtocol(keep domain.Protocol) []string {
	var (
		removed []string
		closing []*peer
	)
	m.mu.Lock()
	for id, pc := range m.peers {
		if pc.protocol == keep {
			continue
		}
		delete(m.peers, id)
		closing = append(closing, pc)
		removed = append(removed, id)
	}
	m.mu.Unlock()

	for _, pc := range closing {
		pc.close()
	}
	slices.Sort(removed)
	if len(removed) > 0 {
		log.Info().Str("module", "transport").Str("protocol", string(keep)).Strs("peers", removed).Msg("closed connections of old protocol")
	}
	return removed
}

// ConnectedPeers lists registered connection ids.
func (m *Manager) ConnectedPeers() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Supports reports whether p has a backend.
func (m *Manager) Supports(p domain.Protocol) bool {
	_, ok := m.backends[p]
	return ok
}
