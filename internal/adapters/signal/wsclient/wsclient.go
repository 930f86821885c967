// Package wsclient is a SignalTransport that talks to the hub over a gorilla
// WebSocket and reconnects on its own.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meetmesh/internal/app/channel"
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrBackpressure = errors.New("backpressure")

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultSendBuffer     = 32
	writeWait             = 5 * time.Second
)

type Options struct {
	URL    string
	Header http.Header
	// ReconnectDelay is the pause between a lost connection and the next dial.
	ReconnectDelay time.Duration
	// PingPeriod is how often a ping envelope is sent. Zero disables it.
	PingPeriod time.Duration
	SendBuffer int
}

type Transport struct {
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Transport {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &Transport{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger.With().Str("module", "signal").Str("url", opts.URL).Logger(),
	}
}

// Subscribe dials the hub and subscribes to topic. The returned channel
// survives reconnects until Unsubscribe.
func (t *Transport) Subscribe(ctx context.Context, topic domain.MeetingID) (core.SignalChannel, error) {
	ws, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{t: t, ep: channel.New(topic, t.log), ctx: runCtx, cancel: cancel}
	s.ep.OnClose(s.close)

	c := s.attach(ws)
	go s.run(c)

	if err := s.ep.Subscribe(ctx); err != nil {
		_ = s.ep.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return s.ep, nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := t.dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.opts.URL, err)
	}
	return ws, nil
}

// session owns the endpoint and whichever connection currently serves it.
type session struct {
	t      *Transport
	ep     *channel.Endpoint
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *conn
}

func (s *session) attach(ws *websocket.Conn) *conn {
	c := &conn{ws: ws, send: make(chan core.Frame, s.t.opts.SendBuffer)}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	s.ep.Attach(c)
	go s.writePump(c)
	return c
}

// close runs once the endpoint is unsubscribed. Queued frames, the
// unsubscribe among them, are flushed before the socket closes.
func (s *session) close() {
	s.cancel()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (s *session) run(c *conn) {
	for {
		err := s.readPump(c)
		s.ep.Detach()
		c.Close()
		_ = c.ws.Close()
		if s.ctx.Err() != nil {
			return
		}
		s.t.log.Warn().Err(err).Msg("signal connection lost")

		if c = s.redial(); c == nil {
			return
		}
		go func(c *conn) {
			if err := s.ep.Resume(s.ctx); err != nil {
				s.t.log.Error().Err(err).Msg("resume after reconnect")
				_ = c.ws.Close()
				return
			}
			s.t.log.Info().Msg("resubscribed")
		}(c)
	}
}

func (s *session) redial() *conn {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(s.t.opts.ReconnectDelay):
		}
		ws, err := s.t.dial(s.ctx)
		if err != nil {
			s.t.log.Warn().Err(err).Msg("reconnect failed")
			continue
		}
		c := s.attach(ws)
		if s.ctx.Err() != nil {
			c.Close()
			_ = ws.Close()
			return nil
		}
		return c
	}
}

func (s *session) readPump(c *conn) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		s.ep.Deliver(data)
	}
}

func (s *session) writePump(c *conn) {
	var tick <-chan time.Time
	if s.t.opts.PingPeriod > 0 {
		ticker := time.NewTicker(s.t.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-tick:
			if err := s.ep.Ping(); err != nil {
				s.t.log.Debug().Err(err).Msg("ping")
			}
		case data, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = c.ws.Close()
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.t.log.Warn().Err(err).Msg("write")
				_ = c.ws.Close()
				return
			}
		}
	}
}

// conn is the outgoing half of one WebSocket: a bounded queue drained by
// the write pump.
type conn struct {
	ws   *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return channel.ErrDisconnected
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames; the write pump flushes the queue and closes
// the socket.
func (c *conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var _ core.SignalTransport = (*Transport)(nil)
