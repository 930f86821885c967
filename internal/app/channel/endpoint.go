// Package channel is the client side of a subscribed meeting topic. A transport
// attaches an outgoing connection and feeds every received frame to Deliver;
// the Endpoint mirrors presence and turns frames into channel events.
package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/dkeye/meetmesh/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("channel closed")
	ErrDisconnected = errors.New("channel disconnected")
	ErrBackpressure = errors.New("backpressure")
)

// EventBuffer is the capacity of the Events channel.
const EventBuffer = 256

type waiter struct {
	req  protocol.Type
	want protocol.Type
	done chan error
}

// matches reports whether env completes the request w is waiting on. Hub
// errors are prefixed with the request type that caused them.
func (w *waiter) matches(env protocol.Envelope) bool {
	if env.Type == protocol.TypeError {
		return strings.HasPrefix(env.Error, string(w.req)+":")
	}
	return env.Type == w.want
}

type Endpoint struct {
	topic domain.MeetingID
	log   zerolog.Logger

	// reqMu serializes request/reply exchanges (subscribe, track).
	reqMu sync.Mutex

	mu      sync.Mutex
	out     core.SignalConnection
	members map[domain.ParticipantID]domain.Presence
	self    domain.ParticipantID
	pending *waiter
	closed  bool
	onClose func()

	deliverMu sync.Mutex
	events    chan domain.ChannelEvent
	done      chan struct{}
}

func New(topic domain.MeetingID, logger zerolog.Logger) *Endpoint {
	return &Endpoint{
		topic:   topic,
		log:     logger.With().Str("module", "signal").Str("topic", string(topic)).Logger(),
		members: make(map[domain.ParticipantID]domain.Presence),
		events:  make(chan domain.ChannelEvent, EventBuffer),
		done:    make(chan struct{}),
	}
}

func (e *Endpoint) Topic() domain.MeetingID { return e.topic }

// OnClose registers a hook run once by Unsubscribe, after the events channel
// is closed. Transports use it to release the underlying connection.
func (e *Endpoint) OnClose(fn func()) {
	e.mu.Lock()
	e.onClose = fn
	e.mu.Unlock()
}

// Attach installs the connection frames are written to.
func (e *Endpoint) Attach(out core.SignalConnection) {
	e.mu.Lock()
	e.out = out
	e.mu.Unlock()
}

// Detach forgets the current connection; Send fails until the next Attach.
// A pending request is failed.
func (e *Endpoint) Detach() {
	e.mu.Lock()
	e.out = nil
	w := e.pending
	e.pending = nil
	e.mu.Unlock()
	if w != nil {
		w.done <- ErrDisconnected
	}
}

// Subscribe joins the topic on the attached connection and waits for the
// hub's confirmation.
func (e *Endpoint) Subscribe(ctx context.Context) error {
	return e.request(ctx, protocol.Envelope{Type: protocol.TypeSubscribe, Topic: e.topic}, protocol.TypeSubscribed)
}

// Track announces self and waits for the presence state that includes it.
func (e *Endpoint) Track(ctx context.Context, self domain.ParticipantID) error {
	e.mu.Lock()
	e.self = self
	e.mu.Unlock()
	return e.request(ctx, protocol.Envelope{Type: protocol.TypeTrack, Topic: e.topic, Self: self}, protocol.TypePresenceState)
}

// Resume resubscribes after a reconnect and tracks again if self was tracked.
func (e *Endpoint) Resume(ctx context.Context) error {
	if err := e.Subscribe(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" {
		return nil
	}
	return e.Track(ctx, self)
}

func (e *Endpoint) Send(_ context.Context, msg domain.SignalMessage) error {
	return e.write(protocol.Envelope{Type: protocol.TypeBroadcast, Topic: e.topic, Signal: &msg})
}

// Ping asks the hub for a pong; liveness only.
func (e *Endpoint) Ping() error {
	return e.write(protocol.Envelope{Type: protocol.TypePing})
}

func (e *Endpoint) Members() []domain.Presence {
	e.mu.Lock()
	out := make([]domain.Presence, 0, len(e.members))
	for _, p := range e.members {
		out = append(out, p)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.Presence) int {
		if a.JoinedBefore(b) {
			return -1
		}
		return 1
	})
	return out
}

func (e *Endpoint) Events() <-chan domain.ChannelEvent { return e.events }

// Unsubscribe leaves the topic and closes the events channel. Safe to call twice.
func (e *Endpoint) Unsubscribe() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	out := e.out
	e.closed = true
	w := e.pending
	e.pending = nil
	onClose := e.onClose
	e.mu.Unlock()

	var err error
	if out != nil {
		if f, encErr := protocol.Encode(protocol.Envelope{Type: protocol.TypeUnsubscribe, Topic: e.topic}); encErr == nil {
			err = out.TrySend(f)
		}
	}
	if w != nil {
		w.done <- ErrClosed
	}

	close(e.done)
	e.deliverMu.Lock()
	close(e.events)
	e.deliverMu.Unlock()

	if onClose != nil {
		onClose()
	}
	e.log.Info().Msg("unsubscribed")
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Deliver handles one frame received from the hub. It blocks while the events
// buffer is full and returns once the endpoint is closed.
func (e *Endpoint) Deliver(f core.Frame) {
	env, err := protocol.Decode(f)
	if err != nil {
		e.log.Warn().Err(err).Msg("bad frame from hub")
		return
	}

	var events []domain.ChannelEvent
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	switch env.Type {
	case protocol.TypeSubscribed:
		e.replaceMembers(env.Presence)
	case protocol.TypePresenceState:
		e.replaceMembers(env.Presence)
		events = append(events, domain.ChannelEvent{Kind: domain.EventPresenceSync})
	case protocol.TypePresenceJoin:
		for _, p := range env.Presence {
			e.members[p.ID] = p
			events = append(events, domain.ChannelEvent{Kind: domain.EventPresenceJoin, Presence: p})
		}
	case protocol.TypePresenceLeave:
		for _, p := range env.Presence {
			if cur, ok := e.members[p.ID]; ok && cur.Seq == p.Seq {
				delete(e.members, p.ID)
			}
			events = append(events, domain.ChannelEvent{Kind: domain.EventPresenceLeave, Presence: p})
		}
	case protocol.TypeBroadcast:
		events = append(events, domain.ChannelEvent{Kind: domain.EventMessage, Message: *env.Signal})
	case protocol.TypeError:
		e.log.Warn().Str("error", env.Error).Msg("hub error")
	case protocol.TypePong:
		e.log.Debug().Msg("pong")
	}
	w := e.pending
	if w != nil && w.matches(env) {
		e.pending = nil
	} else {
		w = nil
	}
	e.mu.Unlock()

	if w != nil {
		if env.Type == protocol.TypeError {
			w.done <- errors.New(env.Error)
		} else {
			w.done <- nil
		}
	}
	e.emit(events)
}

func (e *Endpoint) emit(events []domain.ChannelEvent) {
	if len(events) == 0 {
		return
	}
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	for _, ev := range events {
		select {
		case <-e.done:
			return
		default:
		}
		select {
		case e.events <- ev:
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) replaceMembers(presence []domain.Presence) {
	clear(e.members)
	for _, p := range presence {
		e.members[p.ID] = p
	}
}

func (e *Endpoint) request(ctx context.Context, env protocol.Envelope, want protocol.Type) error {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	w := &waiter{req: env.Type, want: want, done: make(chan error, 1)}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.pending = w
	e.mu.Unlock()

	if err := e.write(env); err != nil {
		e.clearPending(w)
		return err
	}

	select {
	case err := <-w.done:
		if err != nil {
			return fmt.Errorf("%s: %w", env.Type, err)
		}
		return nil
	case <-ctx.Done():
		e.clearPending(w)
		return ctx.Err()
	}
}

func (e *Endpoint) clearPending(w *waiter) {
	e.mu.Lock()
	if e.pending == w {
		e.pending = nil
	}
	e.mu.Unlock()
}

func (e *Endpoint) write(env protocol.Envelope) error {
	e.mu.Lock()
	out, closed := e.out, e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if out == nil {
		return ErrDisconnected
	}
	f, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := out.TrySend(f); err != nil {
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	return nil
}

var _ core.SignalChannel = (*Endpoint)(nil)
