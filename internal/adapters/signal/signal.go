// Package signal serves the hub over WebSocket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meetmesh/internal/app/hub"
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	DefaultSendBuffer = 32
	writeWait         = 5 * time.Second
)

type Options struct {
	// ReadLimit caps one inbound frame in bytes. Zero disables the limit.
	ReadLimit int64
	// PingPeriod is how often the server pings. The read deadline is twice
	// the period. Zero disables keepalive.
	PingPeriod time.Duration
	SendBuffer int
}

type SignalWSController struct {
	Hub  *hub.Hub
	opts Options
}

func NewSignalWSController(h *hub.Hub, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &SignalWSController{Hub: h, opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and registers the connection with the hub.
// The client token set by the router middleware is the default identity.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	identity := domain.ParticipantID(c.GetString("client_token"))
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("identity", string(identity)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctl.Hub.Connect(sid, conn, identity)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
