// Package memory connects channel endpoints to an in-process hub. It backs
// single-process meetings and tests with the same code paths the WebSocket
// transport uses.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/meetmesh/internal/app/channel"
	"github.com/dkeye/meetmesh/internal/app/hub"
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errClosed = errors.New("connection closed")

const DefaultBuffer = 64

type Transport struct {
	hub      *hub.Hub
	identity domain.ParticipantID
	buffer   int
	log      zerolog.Logger
}

func New(h *hub.Hub, identity domain.ParticipantID, buffer int, logger zerolog.Logger) *Transport {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Transport{hub: h, identity: identity, buffer: buffer, log: logger}
}

func (t *Transport) Subscribe(ctx context.Context, topic domain.MeetingID) (core.SignalChannel, error) {
	ep := channel.New(topic, t.log)
	sid := core.SessionID(uuid.NewString())

	down := newPipe(t.buffer)
	t.hub.Connect(sid, down, t.identity)
	go func() {
		for f := range down.send {
			ep.Deliver(f)
		}
		ep.Detach()
		t.hub.Disconnect(sid)
	}()

	ep.Attach(upstream{hub: t.hub, sid: sid})
	ep.OnClose(func() {
		t.hub.Disconnect(sid)
		down.Close()
	})
	if err := ep.Subscribe(ctx); err != nil {
		_ = ep.Unsubscribe()
		return nil, err
	}
	return ep, nil
}

// upstream hands client frames straight to the hub.
type upstream struct {
	hub *hub.Hub
	sid core.SessionID
}

func (u upstream) TrySend(f core.Frame) error {
	u.hub.HandleFrame(u.sid, f)
	return nil
}

func (upstream) Close() {}

// pipe is the hub-to-client direction: a bounded buffer drained by one goroutine.
type pipe struct {
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newPipe(buffer int) *pipe {
	return &pipe{send: make(chan core.Frame, buffer)}
}

func (p *pipe) TrySend(f core.Frame) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errClosed
	}
	select {
	case p.send <- f:
		return nil
	default:
		return channel.ErrBackpressure
	}
}

func (p *pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

var _ core.SignalTransport = (*Transport)(nil)
