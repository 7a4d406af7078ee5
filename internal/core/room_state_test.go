package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Shortgap/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)} }

func user(t *testing.T, name, addr string, at time.Time) domain.User {
	t.Helper()
	u, err := domain.NewUser(name, addr)
	require.NoError(t, err)
	u.LastSeen = at
	return *u
}

func TestCreateRoomElectsCreator(t *testing.T) {
	c := newClock()
	alice := user(t, "Alice", "10.0.0.1:8080", c.now())
	r := CreateRoom("Lobby", alice, domain.ProtocolTCP, WithClock(c.now))

	require.True(t, r.IsUserServer(alice.ID))
	srv, ok := r.ServerUser()
	require.True(t, ok)
	require.Equal(t, "Alice", srv.Name)
	require.Equal(t, []string{"10.0.0.1:8080"}, r.OrderedPeerList())
	require.Equal(t, 1, r.Info().MemberCount)
}

func TestNameCollision(t *testing.T) {
	c := newClock()
	r := CreateRoom("Lobby", user(t, "Alice", "a:1", c.now()), domain.ProtocolTCP, WithClock(c.now))

	tests := []struct {
		desired string
		want    string
	}{
		{"Alice", "Alice-2"},
		{"Alice", "Alice-3"},
		{"Bob", "Bob"},
		{"Alice-3", "Alice-3-2"},
		{"Alice", "Alice-4"},
	}
	for i, tt := range tests {
		stored, err := r.AddUser(user(t, tt.desired, fmt.Sprintf("h:%d", i), c.now()))
		require.NoError(t, err)
		require.Equal(t, tt.want, stored.Name)
	}
}

func TestAddDuplicateUser(t *testing.T) {
	c := newClock()
	alice := user(t, "Alice", "a:1", c.now())
	r := CreateRoom("Lobby", alice, domain.ProtocolTCP, WithClock(c.now))

	_, err := r.AddUser(alice)
	require.ErrorIs(t, err, domain.ErrDuplicateUser)
	require.Equal(t, 1, r.Info().MemberCount)
}

func TestElectionByPing(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now())
	u3 := user(t, "U3", "a:3", c.now())
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)
	_, err = r.AddUser(u3)
	require.NoError(t, err)

	r.UpdatePing(u1.ID, 50)
	r.UpdatePing(u2.ID, 30)
	r.UpdatePing(u3.ID, 100)

	elected := r.ElectNewServer()
	require.NotNil(t, elected)
	require.Equal(t, u2.ID, *elected)
	require.Equal(t, []string{"a:2", "a:1", "a:3"}, r.OrderedPeerList())

	require.NoError(t, r.MarkUserOffline(u2.ID))
	require.True(t, r.IsUserServer(u1.ID))

	require.NoError(t, r.MarkUserOffline(u1.ID))
	require.True(t, r.IsUserServer(u3.ID))

	require.NoError(t, r.MarkUserOffline(u3.ID))
	_, ok := r.ServerUser()
	require.False(t, ok)
	require.Nil(t, r.ElectNewServer())
}

func TestElectionIgnoresStalePings(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now())
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)

	r.UpdatePing(u1.ID, 10)
	c.advance(6 * time.Minute)
	r.UpdatePing(u2.ID, 90)

	elected := r.ElectNewServer()
	require.NotNil(t, elected)
	require.Equal(t, u2.ID, *elected)
}

func TestElectionFallbackWithoutPings(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now().Add(time.Second))
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)

	elected := r.ElectNewServer()
	require.NotNil(t, elected)
	require.Equal(t, u2.ID, *elected)
}

func TestCheckServerHealth(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now())
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)

	r.UpdatePing(u1.ID, 10)
	r.UpdatePing(u2.ID, 20)
	r.ElectNewServer()
	require.True(t, r.CheckServerHealth())

	c.advance(6 * time.Minute)
	r.UpdatePing(u2.ID, 20)
	require.False(t, r.CheckServerHealth())
	require.True(t, r.IsUserServer(u2.ID))
	require.True(t, r.CheckServerHealth())
}

func TestRemoveServerReelects(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now())
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)
	require.True(t, r.IsUserServer(u1.ID))

	require.NoError(t, r.RemoveUser(u1.ID))
	require.True(t, r.IsUserServer(u2.ID))
	require.Equal(t, []string{"a:2"}, r.OrderedPeerList())

	require.ErrorIs(t, r.RemoveUser(u1.ID), domain.ErrUserNotFound)
}

func TestCleanupOfflineUsers(t *testing.T) {
	c := newClock()
	stale := user(t, "Old", "a:1", c.now().Add(-10*time.Minute))
	fresh := user(t, "New", "a:2", c.now())
	r := CreateRoom("Lobby", fresh, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(stale)
	require.NoError(t, err)

	marked := r.CleanupOfflineUsers(5 * time.Minute)
	require.Equal(t, []domain.UserID{stale.ID}, marked)

	got, ok := r.User(stale.ID)
	require.True(t, ok)
	require.False(t, got.IsOnline)
	got, _ = r.User(fresh.ID)
	require.True(t, got.IsOnline)
}

func TestCleanupPrunesStalePings(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now())
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)
	r.UpdatePing(u2.ID, 40)

	c.advance(10 * time.Minute)
	r.UpdatePing(u1.ID, 10)
	r.CleanupOfflineUsers(5 * time.Minute)

	snap := r.Snapshot()
	require.Contains(t, snap.PingMeasurements, u1.ID)
	require.NotContains(t, snap.PingMeasurements, u2.ID)
}

func TestMessageWindow(t *testing.T) {
	c := newClock()
	alice := user(t, "Alice", "a:1", c.now())
	r := CreateRoom("Lobby", alice, domain.ProtocolTCP, WithClock(c.now))

	var first domain.ChatMessage
	for i := range domain.MaxMessages + 1 {
		m := domain.NewChatMessage(&alice, fmt.Sprintf("m%d", i))
		if i == 0 {
			first = m
		}
		r.AddMessage(m)
	}
	msgs := r.Messages()
	require.Len(t, msgs, domain.MaxMessages)
	require.NotEqual(t, first.ID, msgs[0].ID)
	require.Equal(t, "m1", msgs[0].Content)
	require.Equal(t, fmt.Sprintf("m%d", domain.MaxMessages), msgs[len(msgs)-1].Content)
}

func TestSyncMessagesOrdersByTimestamp(t *testing.T) {
	c := newClock()
	alice := user(t, "Alice", "a:1", c.now())
	r := CreateRoom("Lobby", alice, domain.ProtocolTCP, WithClock(c.now))

	base := c.now()
	for i, off := range []int{3, 1, 2, 1} {
		m := domain.NewChatMessage(&alice, fmt.Sprintf("m%d", i))
		m.Timestamp = base.Add(time.Duration(off) * time.Second)
		r.AddMessage(m)
	}
	var got []string
	for _, m := range r.SyncMessages() {
		got = append(got, m.Content)
	}
	require.Equal(t, []string{"m1", "m3", "m2", "m0"}, got)
}

func TestCallLifecycle(t *testing.T) {
	c := newClock()
	u1 := user(t, "U1", "a:1", c.now())
	u2 := user(t, "U2", "a:2", c.now())
	r := CreateRoom("Lobby", u1, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(u2)
	require.NoError(t, err)

	require.NoError(t, r.JoinCall(u2.ID))
	require.ErrorIs(t, r.JoinCall(u2.ID), domain.ErrAlreadyInCall)
	require.NoError(t, r.JoinCall(u1.ID))

	snap := r.Snapshot()
	require.True(t, snap.IsCallActive)
	require.Equal(t, u2.ID, *snap.CallServerID)

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsSystem())
	require.Equal(t, domain.SystemUserName, msgs[0].UserName)
	require.Equal(t, "**U2** connected to call", msgs[0].Content)

	require.NoError(t, r.LeaveCall(u2.ID))
	snap = r.Snapshot()
	require.True(t, snap.IsCallActive)
	require.Equal(t, u1.ID, *snap.CallServerID)

	require.NoError(t, r.LeaveCall(u1.ID))
	snap = r.Snapshot()
	require.False(t, snap.IsCallActive)
	require.Nil(t, snap.CallServerID)
	require.ErrorIs(t, r.LeaveCall(u1.ID), domain.ErrNotInCall)
	require.Equal(t, "**U1** disconnected from call", r.Messages()[3].Content)
}

func TestMergeSync(t *testing.T) {
	c := newClock()
	alice := user(t, "Alice", "a:1", c.now())
	host := CreateRoom("Lobby", alice, domain.ProtocolTCP, WithClock(c.now))
	shared := domain.NewChatMessage(&alice, "hello")
	shared.Timestamp = c.now().Add(time.Second)
	host.AddMessage(shared)

	bob := user(t, "Bob", "a:2", c.now())
	guestRoom := domain.NewRoom("Lobby", alice.ID, domain.ProtocolTCP)
	guestRoom.ID = host.ID()
	guest := NewRoomState(guestRoom, WithClock(c.now))
	_, err := guest.AddUser(bob)
	require.NoError(t, err)
	early := domain.NewChatMessage(&bob, "early")
	early.Timestamp = c.now()
	guest.AddMessage(early)
	guest.AddMessage(shared)

	guest.MergeSync(host.SyncPayload())
	snap := guest.Snapshot()
	require.Len(t, snap.Users, 2)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "early", snap.Messages[0].Content)
	require.Equal(t, "hello", snap.Messages[1].Content)

	other := host.SyncPayload()
	other.RoomID = uuid.New()
	other.Users = append(other.Users, user(t, "Eve", "a:9", c.now()))
	guest.MergeSync(other)
	require.Len(t, guest.Snapshot().Users, 2)
}

func TestUserByAddressAndProtocol(t *testing.T) {
	c := newClock()
	alice := user(t, "Alice", "a:1", c.now())
	r := CreateRoom("Lobby", alice, domain.ProtocolTCP, WithClock(c.now))

	got, ok := r.UserByAddress("a:1")
	require.True(t, ok)
	require.Equal(t, alice.ID, got.ID)
	_, ok = r.UserByAddress("nope:1")
	require.False(t, ok)

	r.SwitchProtocol(domain.ProtocolWebSocket)
	require.Equal(t, domain.ProtocolWebSocket, r.Protocol())
	require.Equal(t, domain.ProtocolWebSocket, r.Info().Protocol)
}

func TestCleanupReelectsStaleServer(t *testing.T) {
	c := newClock()
	stale := user(t, "Old", "a:1", c.now().Add(-10*time.Minute))
	fresh := user(t, "New", "a:2", c.now())
	r := CreateRoom("Lobby", stale, domain.ProtocolTCP, WithClock(c.now))
	_, err := r.AddUser(fresh)
	require.NoError(t, err)
	require.True(t, r.IsUserServer(stale.ID))

	require.Equal(t, []domain.UserID{stale.ID}, r.CleanupOfflineUsers(5*time.Minute))
	require.True(t, r.IsUserServer(fresh.ID))

	require.NoError(t, r.MarkUserOffline(fresh.ID))
	_, ok := r.ServerUser()
	require.False(t, ok)
	require.False(t, r.CheckServerHealth())
	_, ok = r.ServerUser()
	require.False(t, ok)
}

func TestCheckServerHealthOfflineServer(t *testing.T) {
	c := newClock()
	gone := user(t, "Gone", "a:1", c.now())
	gone.IsOnline = false
	here := user(t, "Here", "a:2", c.now())
	here.IsOnline = true

	room := domain.NewRoom("Lobby", gone.ID, domain.ProtocolTCP)
	room.Users[gone.ID] = &gone
	room.Users[here.ID] = &here
	server := gone.ID
	room.ServerUserID = &server
	r := NewRoomState(room, WithClock(c.now))

	require.False(t, r.CheckServerHealth())
	require.True(t, r.IsUserServer(here.ID))
	require.True(t, r.CheckServerHealth())
}
