package transport

import (
	"context"

	"github.com/dkeye/Shortgap/internal/domain"
)

// Conn is one live message stream to a peer. Reads happen on a single
// goroutine; writes are serialized by the Manager.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	RemoteAddr() string
	Close() error
}

// Listener yields inbound connections until closed.
type Listener interface {
	Accept() (Conn, error)
	Addr() string
	Close() error
}

// Backend is one protocol's way of dialing and listening.
type Backend interface {
	Protocol() domain.Protocol
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(ctx context.Context, addr string) (Listener, error)
}
