package domain

import (
	"fmt"
	"strings"
)

// Protocol is the transport kind a room runs on.
type Protocol string

const (
	ProtocolTCP       Protocol = "TCP"
	ProtocolWebSocket Protocol = "WebSocket"
	ProtocolWebRTC    Protocol = "WebRTC"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolWebSocket, ProtocolWebRTC:
		return true
	}
	return false
}

// ParseProtocol accepts the wire names case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range []Protocol{ProtocolTCP, ProtocolWebSocket, ProtocolWebRTC} {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}
