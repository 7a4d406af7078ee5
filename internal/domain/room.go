package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

type RoomID = uuid.UUID

const MaxMessages = 1000

// SystemUserName is the snapshot name stored on system-generated messages.
const SystemUserName = "System"

// ChatMessage is immutable once created. A nil UserID marks a system message.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	UserID    UserID    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChatMessage(from *User, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		UserID:    from.ID,
		UserName:  from.Name,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func NewSystemMessage(content string, at time.Time) ChatMessage {
	return ChatMessage{
		ID:        uuid.New(),
		UserID:    uuid.Nil,
		UserName:  SystemUserName,
		Content:   content,
		Timestamp: at,
	}
}

func (m ChatMessage) IsSystem() bool { return m.UserID == uuid.Nil }

// Room is the persisted aggregate. Mutation goes through core.RoomState.
type Room struct {
	ID               RoomID            `json:"id"`
	Name             string            `json:"name"`
	CreatorID        UserID            `json:"creator_id"`
	Users            map[UserID]*User  `json:"users"`
	Messages         []ChatMessage     `json:"messages"`
	ServerUserID     *UserID           `json:"server_user_id"`
	Protocol         Protocol          `json:"protocol"`
	PeerAddresses    []string          `json:"peer_addresses"`
	PingMeasurements map[UserID]uint64 `json:"ping_measurements"`
	CreatedAt        time.Time         `json:"created_at"`
	IsVoiceEnabled   bool              `json:"is_voice_enabled"`
	CallServerID     *UserID           `json:"call_server_id"`
	IsCallActive     bool              `json:"is_call_active"`
}

// NewRoom returns an empty room with a fresh id. The creator is added by the caller.
func NewRoom(name string, creatorID UserID, protocol Protocol) *Room {
	return &Room{
		ID:               uuid.New(),
		Name:             name,
		CreatorID:        creatorID,
		Users:            make(map[UserID]*User),
		Messages:         make([]ChatMessage, 0),
		Protocol:         protocol,
		PeerAddresses:    make([]string, 0),
		PingMeasurements: make(map[UserID]uint64),
		CreatedAt:        time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand out of a lock.
func (r *Room) Clone() *Room {
	out := *r
	out.Users = make(map[UserID]*User, len(r.Users))
	for id, u := range r.Users {
		cp := *u
		out.Users[id] = &cp
	}
	out.Messages = slices.Clone(r.Messages)
	out.PeerAddresses = slices.Clone(r.PeerAddresses)
	out.PingMeasurements = maps.Clone(r.PingMeasurements)
	if out.PingMeasurements == nil {
		out.PingMeasurements = make(map[UserID]uint64)
	}
	if r.ServerUserID != nil {
		id := *r.ServerUserID
		out.ServerUserID = &id
	}
	if r.CallServerID != nil {
		id := *r.CallServerID
		out.CallServerID = &id
	}
	return &out
}

// RoomInfo is a listing row.
type RoomInfo struct {
	ID          RoomID   `json:"id"`
	Name        string   `json:"name"`
	Protocol    Protocol `json:"protocol"`
	MemberCount int      `json:"member_count"`
	Active      bool     `json:"active"`
}
