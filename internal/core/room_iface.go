package core

import (
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
)

// RoomService is the core-facing API of a room.
// It owns membership, messages and the server election but never touches
// transport resources; callers broadcast after mutating.
type RoomService interface {
	ID() domain.RoomID
	Info() domain.RoomInfo
	Snapshot() *domain.Room

	AddUser(u domain.User) (domain.User, error)
	RemoveUser(id domain.UserID) error
	User(id domain.UserID) (domain.User, bool)
	UserByAddress(addr string) (domain.User, bool)
	MarkUserOffline(id domain.UserID) error
	MarkUserOnline(id domain.UserID) error

	AddMessage(msg domain.ChatMessage)
	Messages() []domain.ChatMessage
	SyncMessages() []domain.ChatMessage

	UpdatePing(id domain.UserID, pingMs uint64)
	ElectNewServer() *domain.UserID
	CheckServerHealth() bool
	CleanupOfflineUsers(threshold time.Duration) []domain.UserID
	ServerUser() (domain.User, bool)
	IsUserServer(id domain.UserID) bool
	OrderedPeerList() []string

	Protocol() domain.Protocol
	SwitchProtocol(p domain.Protocol)

	JoinCall(id domain.UserID) error
	LeaveCall(id domain.UserID) error

	SyncPayload() domain.RoomSyncPayload
	MergeSync(p domain.RoomSyncPayload)
}

var _ RoomService = (*RoomState)(nil)
