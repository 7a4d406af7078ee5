// Package coord supervises live protocol switches, one per room at a time.
package coord

//go:generate mockgen -source=coordinator.go -destination=mock_peerlink_test.go -package=coord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"

	"github.com/dkeye/Shortgap/internal/domain"
)

const (
	DefaultAckTimeout   = 10 * time.Second
	DefaultSwitchPause  = time.Second
	DefaultRetention    = time.Hour
	defaultEventBacklog = 64
)

var ErrAckTimeout = errors.New("acknowledgment timed out")

type State string

const (
	StateIdle         State = "idle"
	StatePreparing    State = "preparing"
	StateSwitching    State = "switching"
	StateReconnecting State = "reconnecting"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

type FailureKind string

const (
	FailureNotify     FailureKind = "notify_failed"
	FailureAckTimeout FailureKind = "ack_timeout"
	FailureReconnect  FailureKind = "reconnect_failed"
	FailureCancelled  FailureKind = "cancelled"
)

// SwitchError is the structured cause of a Failed switch.
type SwitchError struct {
	Kind FailureKind
	Peer string
	Err  error
}

func (e *SwitchError) Error() string {
	msg := string(e.Kind)
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SwitchError) Unwrap() error { return e.Err }

// SwitchEvent is one observed state of a room's switch.
type SwitchEvent struct {
	RoomID        domain.RoomID   `json:"room_id"`
	From          domain.Protocol `json:"from_protocol"`
	To            domain.Protocol `json:"to_protocol"`
	State         State           `json:"state"`
	AffectedPeers []string        `json:"affected_peers"`
	AckedPeers    []string        `json:"acked_peers"`
	Reason        string          `json:"reason,omitempty"`
	Err           *SwitchError    `json:"-"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PeerLink is the slice of the transport the coordinator drives.
type PeerLink interface {
	SendToPeer(ctx context.Context, peerID string, msg domain.NetworkMessage) error
	ConnectToPeer(ctx context.Context, addr string, p domain.Protocol) error
}

type Options struct {
	LocalID     string
	AckTimeout  time.Duration
	SwitchPause time.Duration
	Retention   time.Duration
	EventBuffer int
}

type run struct {
	event  SwitchEvent
	acked  map[string]struct{}
	ackCh  chan struct{}
	cancel context.CancelFunc
}

func (r *run) unacked() []string {
	var out []string
	for _, p := range r.event.AffectedPeers {
		if _, ok := r.acked[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

type Coordinator struct {
	link       PeerLink
	ackTimeout time.Duration
	pause      time.Duration
	retention  time.Duration
	events     chan SwitchEvent
	now        func() time.Time

	mu       sync.Mutex
	localID  string
	switches map[domain.RoomID]*run
}

func New(link PeerLink, opts Options) *Coordinator {
	c := &Coordinator{
		link:       link,
		ackTimeout: opts.AckTimeout,
		pause:      opts.SwitchPause,
		retention:  opts.Retention,
		now:        func() time.Time { return time.Now().UTC() },
		localID:    opts.LocalID,
		switches:   make(map[domain.RoomID]*run),
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.pause <= 0 {
		c.pause = DefaultSwitchPause
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	backlog := opts.EventBuffer
	if backlog <= 0 {
		backlog = defaultEventBacklog
	}
	c.events = make(chan SwitchEvent, backlog)
	return c
}

func (c *Coordinator) SetLocalID(id string) {
	c.mu.Lock()
	c.localID = id
	c.mu.Unlock()
}

// Events streams every transition. Slow observers miss events rather than
// stalling a switch.
func (c *Coordinator) Events() <-chan SwitchEvent { return c.events }

// Initiate runs a switch of roomID from one protocol to another across peers
// and blocks until it reaches a terminal state.
func (c *Coordinator) Initiate(
	ctx context.Context,
	roomID domain.RoomID,
	from, to domain.Protocol,
	peers []string,
) (SwitchEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if cur, ok := c.switches[roomID]; ok && !cur.event.State.Terminal() {
		c.mu.Unlock()
		return SwitchEvent{}, fmt.Errorf("%w: room %s is %s", domain.ErrSwitchInProgress, roomID, cur.event.State)
	}
	r := &run{
		event: SwitchEvent{
			RoomID:        roomID,
			From:          from,
			To:            to,
			State:         StatePreparing,
			AffectedPeers: slices.Clone(peers),
			Timestamp:     c.now(),
		},
		acked:  make(map[string]struct{}, len(peers)),
		ackCh:  make(chan struct{}, 1),
		cancel: cancel,
	}
	c.switches[roomID] = r
	localID := c.localID
	c.publishLocked(r)
	c.mu.Unlock()

	logger := log.With().Str("module", "app.coord").Str("room", roomID.String()).
		Str("from", string(from)).Str("to", string(to)).Logger()
	logger.Info().Int("peers", len(peers)).Msg("switch preparing")

	if err := c.prepare(runCtx, r, localID); err != nil {
		return c.fail(r, err)
	}

	if !c.transition(r, StateSwitching) {
		return c.result(r)
	}
	logger.Info().Msg("switch pausing")
	if err := sleep(runCtx, c.pause); err != nil {
		return c.fail(r, c.interrupted(err))
	}

	if !c.transition(r, StateReconnecting) {
		return c.result(r)
	}
	if err := c.reconnect(runCtx, peers, to); err != nil {
		return c.fail(r, err)
	}

	if !c.transition(r, StateComplete) {
		return c.result(r)
	}
	logger.Info().Msg("switch complete")
	return c.result(r)
}

func (c *Coordinator) prepare(ctx context.Context, r *run, localID string) error {
	msg, err := domain.NewNetworkMessage(localID, domain.MsgProtocolChange, domain.ProtocolChangePayload{
		Phase:    domain.SwitchPhasePrepare,
		Protocol: r.event.To,
		RoomID:   r.event.RoomID,
	})
	if err != nil {
		return &SwitchError{Kind: FailureNotify, Err: err}
	}
	for _, p := range r.event.AffectedPeers {
		if err := c.link.SendToPeer(ctx, p, msg.Addressed(p)); err != nil {
			return &SwitchError{Kind: FailureNotify, Peer: p, Err: err}
		}
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		pending := r.unacked()
		c.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-r.ackCh:
		case <-timer.C:
			return &SwitchError{Kind: FailureAckTimeout, Peer: strings.Join(pending, ","), Err: ErrAckTimeout}
		case <-ctx.Done():
			return c.interrupted(ctx.Err())
		}
	}
}

// reconnect dials every peer concurrently; only a total failure is an error.
func (c *Coordinator) reconnect(ctx context.Context, peers []string, to domain.Protocol) error {
	if len(peers) == 0 {
		return nil
	}
	errs := iter.Map(peers, func(addr *string) error {
		err := c.link.ConnectToPeer(ctx, *addr, to)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coord").Str("peer", *addr).Msg("reconnect failed")
		}
		return err
	})
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == len(peers) {
		return &SwitchError{Kind: FailureReconnect, Err: errors.Join(failed...)}
	}
	return nil
}

func (c *Coordinator) interrupted(err error) error {
	if errors.Is(err, context.Canceled) {
		return &SwitchError{Kind: FailureCancelled}
	}
	return &SwitchError{Kind: FailureCancelled, Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition moves r forward unless it already ended, e.g. by Cancel.
func (c *Coordinator) transition(r *run, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.event.State.Terminal() {
		return false
	}
	r.event.State = s
	r.event.Timestamp = c.now()
	c.publishLocked(r)
	return true
}

func (c *Coordinator) fail(r *run, err error) (SwitchEvent, error) {
	var se *SwitchError
	if !errors.As(err, &se) {
		se = &SwitchError{Kind: FailureNotify, Err: err}
	}

	c.mu.Lock()
	if !r.event.State.Terminal() {
		r.event.State = StateFailed
		r.event.Err = se
		r.event.Reason = se.Error()
		r.event.Timestamp = c.now()
		c.publishLocked(r)
		log.Warn().Str("module", "app.coord").Str("room", r.event.RoomID.String()).Str("reason", se.Error()).Msg("switch failed")
	}
	c.mu.Unlock()
	return c.result(r)
}

func (c *Coordinator) result(r *run) (SwitchEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.eventLocked(r)
	if ev.Err != nil {
		return ev, ev.Err
	}
	return ev, nil
}

func (c *Coordinator) eventLocked(r *run) SwitchEvent {
	ev := r.event
	ev.AffectedPeers = slices.Clone(r.event.AffectedPeers)
	ev.AckedPeers = make([]string, 0, len(r.acked))
	for _, p := range r.event.AffectedPeers {
		if _, ok := r.acked[p]; ok {
			ev.AckedPeers = append(ev.AckedPeers, p)
		}
	}
	return ev
}

func (c *Coordinator) publishLocked(r *run) {
	select {
	case c.events <- c.eventLocked(r):
	default:
		log.Debug().Str("module", "app.coord").Str("state", string(r.event.State)).Msg("event dropped, no reader")
	}
}

// Acknowledge records peer's ack for the room's preparing switch. It reports
// whether the ack was accepted.
func (c *Coordinator) Acknowledge(roomID domain.RoomID, peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.switches[roomID]
	if !ok || r.event.State != StatePreparing || !slices.Contains(r.event.AffectedPeers, peer) {
		return false
	}
	r.acked[peer] = struct{}{}
	select {
	case r.ackCh <- struct{}{}:
	default:
	}
	log.Debug().Str("module", "app.coord").Str("room", roomID.String()).Str("peer", peer).Msg("ack received")
	return true
}

// Cancel forces the room's in-flight switch to Failed(cancelled).
func (c *Coordinator) Cancel(roomID domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.switches[roomID]
	if !ok || r.event.State.Terminal() {
		return false
	}
	se := &SwitchError{Kind: FailureCancelled}
	r.event.State = StateFailed
	r.event.Err = se
	r.event.Reason = se.Error()
	r.event.Timestamp = c.now()
	c.publishLocked(r)
	r.cancel()
	log.Info().Str("module", "app.coord").Str("room", roomID.String()).Msg("switch cancelled")
	return true
}

// Status is the room's latest switch, or Idle when none is known.
func (c *Coordinator) Status(roomID domain.RoomID) SwitchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.switches[roomID]
	if !ok {
		return SwitchEvent{RoomID: roomID, State: StateIdle}
	}
	return c.eventLocked(r)
}

func (c *Coordinator) ActiveSwitches() []SwitchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SwitchEvent
	for _, r := range c.switches {
		if !r.event.State.Terminal() {
			out = append(out, c.eventLocked(r))
		}
	}
	slices.SortFunc(out, func(a, b SwitchEvent) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// CleanupCompletedSwitches forgets terminal switches older than the retention.
func (c *Coordinator) CleanupCompletedSwitches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.retention)
	removed := 0
	for id, r := range c.switches {
		if r.event.State.Terminal() && r.event.Timestamp.Before(cutoff) {
			delete(c.switches, id)
			removed++
		}
	}
	return removed
}
