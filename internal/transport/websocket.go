package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/domain"
)

// PeerPath is where a peer's WebSocket endpoint lives.
const PeerPath = "/ws/peer"

var errBinaryMessage = errors.New("unexpected binary websocket message")

// WebSocketBackend carries one JSON envelope per text message.
type WebSocketBackend struct {
	MaxMessageSize   int64
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func NewWebSocketBackend(maxMessageSize int64) *WebSocketBackend {
	return &WebSocketBackend{
		MaxMessageSize:   maxMessageSize,
		WriteTimeout:     defaultWriteTimeout,
		HandshakeTimeout: 5 * time.Second,
	}
}

func (b *WebSocketBackend) Protocol() domain.Protocol { return domain.ProtocolWebSocket }

func (b *WebSocketBackend) Dial(ctx context.Context, addr string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: b.HandshakeTimeout}
	ws, _, err := d.DialContext(ctx, "ws://"+addr+PeerPath, nil)
	if err != nil {
		return nil, err
	}
	return b.wrap(ws), nil
}

// Listen serves PeerPath with gin on addr and hands every upgraded socket to Accept.
func (b *WebSocketBackend) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		addr:  ln.Addr().String(),
		conns: make(chan Conn),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: b.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		backend: b,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(PeerPath, l.handle)
	l.srv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("module", "transport.ws").Str("addr", l.addr).Msg("serve failed")
		}
	}()
	return l, nil
}

func (b *WebSocketBackend) wrap(ws *websocket.Conn) *wsConn {
	if b.MaxMessageSize > 0 {
		ws.SetReadLimit(b.MaxMessageSize)
	}
	wt := b.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &wsConn{conn: ws, writeTimeout: wt}
}

type wsListener struct {
	addr     string
	srv      *http.Server
	upgrader websocket.Upgrader
	backend  *WebSocketBackend
	conns    chan Conn
	done     chan struct{}
	once     sync.Once
}

func (l *wsListener) handle(c *gin.Context) {
	ws, err := l.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "transport.ws").Msg("upgrade failed")
		return
	}
	conn := l.backend.wrap(ws)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() string { return l.addr }

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("%w: type %d", errBinaryMessage, mt)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error { return c.conn.Close() }
