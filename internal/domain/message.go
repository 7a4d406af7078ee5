package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MsgChatMessage     MessageType = "ChatMessage"
	MsgUserJoined      MessageType = "UserJoined"
	MsgUserLeft        MessageType = "UserLeft"
	MsgPingMeasurement MessageType = "PingMeasurement"
	MsgServerTransfer  MessageType = "ServerTransfer"
	MsgProtocolChange  MessageType = "ProtocolChange"
	MsgVoiceData       MessageType = "VoiceData"
	MsgRoomSync        MessageType = "RoomSync"
)

func (t MessageType) Valid() bool {
	switch t {
	case MsgChatMessage, MsgUserJoined, MsgUserLeft, MsgPingMeasurement,
		MsgServerTransfer, MsgProtocolChange, MsgVoiceData, MsgRoomSync:
		return true
	}
	return false
}

// NetworkMessage is the wire envelope. A nil To means broadcast.
type NetworkMessage struct {
	ID          uuid.UUID       `json:"id"`
	From        string          `json:"from"`
	To          *string         `json:"to"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

func NewNetworkMessage(from string, mt MessageType, payload any) (NetworkMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return NetworkMessage{}, fmt.Errorf("encode %s payload: %w", mt, err)
	}
	return NetworkMessage{
		ID:          uuid.New(),
		From:        from,
		MessageType: mt,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Addressed returns a copy of m targeted at one peer.
func (m NetworkMessage) Addressed(to string) NetworkMessage {
	m.To = &to
	return m
}

// PeerConnection is the transport's view of a remote peer.
type PeerConnection struct {
	Address  string    `json:"address"`
	Protocol Protocol  `json:"protocol"`
	IsServer bool      `json:"is_server"`
	PingMs   *uint64   `json:"ping_ms"`
	LastSeen time.Time `json:"last_seen"`
}

// Switch phases carried in ProtocolChange payloads. A notice is applied
// without acknowledgment.
const (
	SwitchPhasePrepare = "prepare"
	SwitchPhaseAck     = "ack"
	SwitchPhaseNotice  = "notice"
)

type ProtocolChangePayload struct {
	Phase    string   `json:"phase"`
	Protocol Protocol `json:"protocol"`
	RoomID   RoomID   `json:"room_id"`
}

// Ping payload kinds.
const (
	PingKindProbe  = "ping"
	PingKindPong   = "pong"
	PingKindReport = "report"
)

type PingPayload struct {
	Kind   string  `json:"kind"`
	Nonce  string  `json:"nonce,omitempty"`
	UserID UserID  `json:"user_id"`
	PingMs *uint64 `json:"ping_ms,omitempty"`
}

type UserLeftPayload struct {
	UserID UserID `json:"user_id"`
}

type RoomSyncPayload struct {
	RoomID    RoomID        `json:"room_id"`
	Name      string        `json:"name"`
	CreatorID UserID        `json:"creator_id"`
	Protocol  Protocol      `json:"protocol"`
	Users     []User        `json:"users"`
	Messages  []ChatMessage `json:"messages"`
}

type ServerTransferPayload struct {
	ServerUserID *UserID `json:"server_user_id"`
}
