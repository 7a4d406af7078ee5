package core

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/domain"
)

// PingRecentWindow bounds how old a user's last liveness signal may be for
// the user to count as a server candidate.
const PingRecentWindow = 5 * time.Minute

type Option func(*RoomState)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *RoomState) { r.now = now }
}

// RoomState is a threadsafe in-memory room guarded by one exclusive lock.
// It is the only code path allowed to change the elected server.
type RoomState struct {
	mu   sync.Mutex
	room *domain.Room
	now  func() time.Time
}

// NewRoomState wraps an existing aggregate, e.g. one loaded from disk.
func NewRoomState(room *domain.Room, opts ...Option) *RoomState {
	r := &RoomState{room: room, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	if r.room.Users == nil {
		r.room.Users = make(map[domain.UserID]*domain.User)
	}
	if r.room.PingMeasurements == nil {
		r.room.PingMeasurements = make(map[domain.UserID]uint64)
	}
	return r
}

// CreateRoom builds a fresh room with creator as its only member and runs
// the first election.
func CreateRoom(name string, creator domain.User, protocol domain.Protocol, opts ...Option) *RoomState {
	r := NewRoomState(domain.NewRoom(name, creator.ID, protocol), opts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addUserLocked(creator)
	r.electLocked()
	log.Info().Str("module", "core.room").Str("room", r.room.ID.String()).Str("name", name).Msg("room created")
	return r
}

func (r *RoomState) ID() domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room.ID
}

func (r *RoomState) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomInfo{
		ID:          r.room.ID,
		Name:        r.room.Name,
		Protocol:    r.room.Protocol,
		MemberCount: len(r.room.Users),
		Active:      true,
	}
}

func (r *RoomState) Snapshot() *domain.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room.Clone()
}

// AddUser inserts u, renaming it on collision. It returns the stored copy.
func (r *RoomState) AddUser(u domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.room.Users[u.ID]; ok {
		return domain.User{}, fmt.Errorf("%w: %s", domain.ErrDuplicateUser, u.ID)
	}
	stored := r.addUserLocked(u)
	log.Info().Str("module", "core.room").Str("user", u.ID.String()).Str("name", stored.Name).Msg("user added")
	return *stored, nil
}

func (r *RoomState) addUserLocked(u domain.User) *domain.User {
	u.Name = r.resolveNameLocked(u.Name)
	if u.Address != "" && !slices.Contains(r.room.PeerAddresses, u.Address) {
		r.room.PeerAddresses = append(r.room.PeerAddresses, u.Address)
	}
	stored := &u
	r.room.Users[u.ID] = stored
	return stored
}

// resolveNameLocked keeps desired when free, otherwise returns desired-N with
// N one past the highest suffix already taken (at least 2).
func (r *RoomState) resolveNameLocked(desired string) string {
	taken := false
	for _, u := range r.room.Users {
		if u.Name == desired {
			taken = true
			break
		}
	}
	if !taken {
		return desired
	}

	next := uint64(2)
	prefix := desired + "-"
	for _, u := range r.room.Users {
		suffix, ok := strings.CutPrefix(u.Name, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.ParseUint(suffix, 10, 32); err == nil && n+1 > next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s-%d", desired, next)
}

func (r *RoomState) RemoveUser(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.room.Users[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	delete(r.room.Users, id)
	delete(r.room.PingMeasurements, id)
	if !r.addressInUseLocked(u.Address) {
		r.room.PeerAddresses = slices.DeleteFunc(r.room.PeerAddresses, func(a string) bool { return a == u.Address })
	}
	log.Info().Str("module", "core.room").Str("user", id.String()).Msg("user removed")
	if r.isServerLocked(id) {
		r.electLocked()
	}
	return nil
}

func (r *RoomState) addressInUseLocked(addr string) bool {
	for _, u := range r.room.Users {
		if u.Address == addr {
			return true
		}
	}
	return false
}

func (r *RoomState) User(id domain.UserID) (domain.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.room.Users[id]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

func (r *RoomState) UserByAddress(addr string) (domain.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.room.Users {
		if u.Address == addr {
			return *u, true
		}
	}
	return domain.User{}, false
}

func (r *RoomState) MarkUserOffline(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.markOfflineLocked(id)
}

func (r *RoomState) markOfflineLocked(id domain.UserID) error {
	u, ok := r.room.Users[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	u.IsOnline = false
	log.Info().Str("module", "core.room").Str("user", id.String()).Str("name", u.Name).Msg("user offline")
	if r.isServerLocked(id) {
		log.Info().Str("module", "core.room").Str("user", id.String()).Msg("server went offline, electing")
		r.electLocked()
	}
	return nil
}

func (r *RoomState) MarkUserOnline(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.room.Users[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	u.IsOnline = true
	u.Touch(r.now())
	return nil
}

// AddMessage appends msg and keeps only the newest domain.MaxMessages.
func (r *RoomState) AddMessage(msg domain.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendMessagesLocked(msg)
}

func (r *RoomState) appendMessagesLocked(msgs ...domain.ChatMessage) {
	r.room.Messages = append(r.room.Messages, msgs...)
	if excess := len(r.room.Messages) - domain.MaxMessages; excess > 0 {
		r.room.Messages = slices.Delete(r.room.Messages, 0, excess)
	}
}

func (r *RoomState) Messages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.room.Messages)
}

// SyncMessages re-sorts messages by timestamp, keeping insertion order on ties.
func (r *RoomState) SyncMessages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	sortMessages(r.room.Messages)
	return slices.Clone(r.room.Messages)
}

func sortMessages(msgs []domain.ChatMessage) {
	slices.SortStableFunc(msgs, func(a, b domain.ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// UpdatePing records a latency sample; it doubles as a liveness signal.
func (r *RoomState) UpdatePing(id domain.UserID, pingMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room.PingMeasurements[id] = pingMs
	if u, ok := r.room.Users[id]; ok {
		u.Touch(r.now())
		u.IsOnline = true
	}
}

func (r *RoomState) isPingRecentLocked(u *domain.User) bool {
	return r.now().Sub(u.LastSeen) < PingRecentWindow
}

func (r *RoomState) isServerLocked(id domain.UserID) bool {
	return r.room.ServerUserID != nil && *r.room.ServerUserID == id
}

// ElectNewServer picks the lowest-ping online user with a recent ping, falling
// back to any online user, or nobody.
func (r *RoomState) ElectNewServer() *domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.electLocked()
}

func (r *RoomState) electLocked() *domain.UserID {
	var (
		best     *domain.User
		bestPing uint64
	)
	for id, p := range r.room.PingMeasurements {
		u, ok := r.room.Users[id]
		if !ok || !u.IsOnline || !r.isPingRecentLocked(u) {
			continue
		}
		if best == nil || p < bestPing || (p == bestPing && bytes.Compare(u.ID[:], best.ID[:]) < 0) {
			best, bestPing = u, p
		}
	}

	if best == nil {
		for _, u := range r.room.Users {
			if !u.IsOnline {
				continue
			}
			if best == nil || u.LastSeen.After(best.LastSeen) ||
				(u.LastSeen.Equal(best.LastSeen) && bytes.Compare(u.ID[:], best.ID[:]) < 0) {
				best = u
			}
		}
	}

	if best == nil {
		r.room.ServerUserID = nil
		log.Warn().Str("module", "core.room").Str("room", r.room.ID.String()).Msg("no online users to elect as server")
		return nil
	}
	id := best.ID
	r.room.ServerUserID = &id
	log.Info().Str("module", "core.room").Str("room", r.room.ID.String()).Str("server", id.String()).Str("name", best.Name).Msg("elected server")
	out := id
	return &out
}

// CheckServerHealth reports whether the current server is assigned, present,
// online and recently pinged. Any failure triggers an election and returns false.
func (r *RoomState) CheckServerHealth() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger := log.With().Str("module", "core.room").Str("room", r.room.ID.String()).Logger()

	if r.room.ServerUserID == nil {
		logger.Info().Msg("no server assigned, electing")
		r.electLocked()
		return false
	}
	u, ok := r.room.Users[*r.room.ServerUserID]
	switch {
	case !ok:
		logger.Info().Msg("server user missing, electing")
	case !u.IsOnline:
		logger.Info().Msg("server offline, electing")
	case !r.isPingRecentLocked(u):
		logger.Info().Msg("server ping stale, electing")
	default:
		return true
	}
	r.electLocked()
	return false
}

// CleanupOfflineUsers marks online users silent for longer than threshold as
// offline and drops stale pings of offline users. It returns the users marked.
func (r *RoomState) CleanupOfflineUsers(threshold time.Duration) []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	var stale []domain.UserID
	for id, u := range r.room.Users {
		if u.IsOnline && now.Sub(u.LastSeen) > threshold {
			stale = append(stale, id)
		}
	}
	slices.SortFunc(stale, func(a, b domain.UserID) int { return bytes.Compare(a[:], b[:]) })
	for _, id := range stale {
		_ = r.markOfflineLocked(id)
	}

	for id := range r.room.PingMeasurements {
		u, ok := r.room.Users[id]
		if !ok || (!u.IsOnline && now.Sub(u.LastSeen) >= PingRecentWindow) {
			delete(r.room.PingMeasurements, id)
		}
	}
	return stale
}

func (r *RoomState) ServerUser() (domain.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room.ServerUserID == nil {
		return domain.User{}, false
	}
	u, ok := r.room.Users[*r.room.ServerUserID]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

func (r *RoomState) IsUserServer(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isServerLocked(id)
}

// OrderedPeerList returns the known peer addresses, lowest owner ping first.
// Addresses without a ping keep their relative order at the end.
func (r *RoomState) OrderedPeerList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	const noPing = ^uint64(0)
	pings := make(map[string]uint64, len(r.room.PeerAddresses))
	for _, u := range r.room.Users {
		p, ok := r.room.PingMeasurements[u.ID]
		if !ok {
			p = noPing
		}
		if cur, seen := pings[u.Address]; !seen || p < cur {
			pings[u.Address] = p
		}
	}

	out := slices.Clone(r.room.PeerAddresses)
	for _, u := range r.room.Users {
		if u.Address != "" && !slices.Contains(out, u.Address) {
			out = append(out, u.Address)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int {
		pa, ok := pings[a]
		if !ok {
			pa = noPing
		}
		pb, ok := pings[b]
		if !ok {
			pb = noPing
		}
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	})
	return out
}

func (r *RoomState) Protocol() domain.Protocol {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room.Protocol
}

func (r *RoomState) SwitchProtocol(p domain.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room.Protocol = p
}

// JoinCall puts the user in the call; the first participant hosts it.
func (r *RoomState) JoinCall(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.room.Users[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	if u.IsInCall {
		return domain.ErrAlreadyInCall
	}
	now := r.now()
	u.IsInCall = true
	u.Touch(now)
	if !r.room.IsCallActive {
		r.room.IsCallActive = true
		host := id
		r.room.CallServerID = &host
	}
	r.appendMessagesLocked(domain.NewSystemMessage(fmt.Sprintf("**%s** connected to call", u.Name), now))
	return nil
}

// LeaveCall takes the user out of the call and ends it when nobody is left.
func (r *RoomState) LeaveCall(id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.room.Users[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	if !u.IsInCall {
		return domain.ErrNotInCall
	}
	now := r.now()
	u.IsInCall = false
	u.Touch(now)
	r.appendMessagesLocked(domain.NewSystemMessage(fmt.Sprintf("**%s** disconnected from call", u.Name), now))

	var remaining []domain.UserID
	for uid, other := range r.room.Users {
		if other.IsInCall {
			remaining = append(remaining, uid)
		}
	}
	if len(remaining) == 0 {
		r.room.IsCallActive = false
		r.room.CallServerID = nil
		return nil
	}
	if r.room.CallServerID != nil && *r.room.CallServerID == id {
		slices.SortFunc(remaining, func(a, b domain.UserID) int { return bytes.Compare(a[:], b[:]) })
		host := remaining[0]
		r.room.CallServerID = &host
	}
	return nil
}

// SyncPayload is what a newcomer receives to catch up.
func (r *RoomState) SyncPayload() domain.RoomSyncPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]domain.User, 0, len(r.room.Users))
	for _, u := range r.room.Users {
		users = append(users, *u)
	}
	slices.SortFunc(users, func(a, b domain.User) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	return domain.RoomSyncPayload{
		RoomID:    r.room.ID,
		Name:      r.room.Name,
		CreatorID: r.room.CreatorID,
		Protocol:  r.room.Protocol,
		Users:     users,
		Messages:  slices.Clone(r.room.Messages),
	}
}

// MergeSync folds a peer's view into ours: unknown users are added, unknown
// messages are merged and the history re-sorted by timestamp.
func (r *RoomState) MergeSync(p domain.RoomSyncPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.RoomID != r.room.ID {
		log.Warn().Str("module", "core.room").Str("room", r.room.ID.String()).Str("sync_room", p.RoomID.String()).Msg("ignoring sync for other room")
		return
	}
	if r.room.CreatorID == uuid.Nil {
		r.room.CreatorID = p.CreatorID
	}
	for _, u := range p.Users {
		if _, ok := r.room.Users[u.ID]; ok {
			continue
		}
		r.addUserLocked(u)
	}

	known := make(map[string]struct{}, len(r.room.Messages))
	for _, m := range r.room.Messages {
		known[m.ID.String()] = struct{}{}
	}
	for _, m := range p.Messages {
		if _, ok := known[m.ID.String()]; ok {
			continue
		}
		r.room.Messages = append(r.room.Messages, m)
	}
	sortMessages(r.room.Messages)
	r.appendMessagesLocked()

	if r.room.ServerUserID == nil {
		r.electLocked()
	}
}
