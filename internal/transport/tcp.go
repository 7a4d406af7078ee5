package transport

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/dkeye/Shortgap/internal/domain"
)

const defaultWriteTimeout = 5 * time.Second

// TCPBackend carries length-prefixed JSON frames over plain TCP.
type TCPBackend struct {
	MaxFrameSize uint32
	WriteTimeout time.Duration
}

func NewTCPBackend(maxFrameSize uint32) *TCPBackend {
	return &TCPBackend{MaxFrameSize: maxFrameSize, WriteTimeout: defaultWriteTimeout}
}

func (b *TCPBackend) Protocol() domain.Protocol { return domain.ProtocolTCP }

func (b *TCPBackend) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return b.wrap(c), nil
}

func (b *TCPBackend) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln, backend: b}, nil
}

func (b *TCPBackend) wrap(c net.Conn) *tcpConn {
	limit := b.MaxFrameSize
	if limit == 0 {
		limit = DefaultMaxFrameSize
	}
	wt := b.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &tcpConn{conn: c, r: bufio.NewReader(c), maxFrame: limit, writeTimeout: wt}
}

type tcpListener struct {
	ln      net.Listener
	backend *TCPBackend
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return l.backend.wrap(c), nil
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error { return l.ln.Close() }

type tcpConn struct {
	conn         net.Conn
	r            *bufio.Reader
	maxFrame     uint32
	writeTimeout time.Duration
}

func (c *tcpConn) ReadMessage() ([]byte, error) { return ReadFrame(c.r, c.maxFrame) }

func (c *tcpConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return WriteFrame(c.conn, data)
}

func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConn) Close() error { return c.conn.Close() }
