// Package hub is the server side of the signaling channel: meeting topics,
// presence with join sequences, and best-effort fan-out of signaling messages.
package hub

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/dkeye/meetmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrNotTracked        = errors.New("presence not tracked")
	ErrRateLimited       = errors.New("rate limited")
)

type Hub struct {
	mu      sync.Mutex
	members map[core.SessionID]*member
	topics  map[domain.MeetingID]*topic

	limiter *RateLimiter
	policy  Policy
}

func New(limiter *RateLimiter, policy Policy) *Hub {
	return &Hub{
		members: make(map[core.SessionID]*member),
		topics:  make(map[domain.MeetingID]*topic),
		limiter: limiter,
		policy:  policy,
	}
}

// Connect registers a transport connection. identity is used when the client
// tracks presence without naming itself.
func (h *Hub) Connect(sid core.SessionID, conn core.SignalConnection, identity domain.ParticipantID) {
	h.mu.Lock()
	old, ok := h.members[sid]
	var kicked []*member
	if ok {
		kicked = h.enforce(h.leave(old))
	}
	h.members[sid] = &member{sid: sid, signal: conn, identity: identity}
	h.mu.Unlock()

	if ok {
		old.signal.Close()
	}
	closeKicked(kicked)
	log.Info().Str("module", "hub").Str("sid", string(sid)).Str("identity", string(identity)).Msg("connected")
}

// Disconnect drops the connection and its presence.
func (h *Hub) Disconnect(sid core.SessionID) {
	h.mu.Lock()
	m, ok := h.members[sid]
	if !ok {
		h.mu.Unlock()
		return
	}
	kicked := h.enforce(h.leave(m))
	delete(h.members, sid)
	h.mu.Unlock()

	closeKicked(kicked)
	log.Info().Str("module", "hub").Str("sid", string(sid)).Msg("disconnected")
}

// HandleFrame decodes one client frame and applies it. Errors are reported
// back to the client as error envelopes.
func (h *Hub) HandleFrame(sid core.SessionID, f core.Frame) {
	env, err := protocol.Decode(f)
	if err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("sid", string(sid)).Msg("bad frame")
		h.reply(sid, protocol.Errorf("bad_payload"))
		return
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		presence, err := h.Subscribe(sid, env.Topic)
		if err != nil {
			h.reply(sid, protocol.Errorf("subscribe: %v", err))
			return
		}
		h.reply(sid, protocol.Envelope{Type: protocol.TypeSubscribed, Topic: env.Topic, Presence: presence})
	case protocol.TypeTrack:
		if err := h.Track(sid, env.Self); err != nil {
			h.reply(sid, protocol.Errorf("track: %v", err))
		}
	case protocol.TypeBroadcast:
		if err := h.Publish(sid, *env.Signal); err != nil {
			h.reply(sid, protocol.Errorf("broadcast: %v", err))
		}
	case protocol.TypeUnsubscribe:
		h.Unsubscribe(sid)
	case protocol.TypePing:
		h.reply(sid, protocol.Envelope{Type: protocol.TypePong})
	default:
		log.Warn().Str("module", "hub").Str("sid", string(sid)).Str("type", string(env.Type)).Msg("unexpected client frame")
	}
}

// Subscribe moves the connection into topic and returns its current presence.
// A connection holds one subscription; subscribing again leaves the previous topic.
func (h *Hub) Subscribe(sid core.SessionID, name domain.MeetingID) ([]domain.Presence, error) {
	name, err := domain.ParseMeetingID(string(name))
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	m, ok := h.members[sid]
	if !ok {
		h.mu.Unlock()
		return nil, ErrUnknownConnection
	}
	var kicked []*member
	if m.topic != "" && m.topic != name {
		kicked = h.enforce(h.leave(m))
	}
	t, ok := h.topics[name]
	if !ok {
		t = newTopic(name)
		h.topics[name] = t
		log.Info().Str("module", "hub").Str("topic", string(name)).Msg("topic created")
	}
	t.members[sid] = m
	m.topic = name
	presence := t.presence()
	h.mu.Unlock()

	closeKicked(kicked)
	log.Info().Str("module", "hub").Str("sid", string(sid)).Str("topic", string(name)).Msg("subscribed")
	return presence, nil
}

// Track announces the connection's participant as present. The tracker gets
// the full presence state, every other subscriber a presence_join. A second
// connection tracking the same id replaces the older one.
func (h *Hub) Track(sid core.SessionID, self domain.ParticipantID) error {
	h.mu.Lock()
	kicked, err := h.track(sid, self)
	h.mu.Unlock()
	closeKicked(kicked)
	return err
}

func (h *Hub) track(sid core.SessionID, self domain.ParticipantID) ([]*member, error) {
	m, ok := h.members[sid]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if self == "" {
		self = m.identity
	}
	id, err := domain.ParseParticipantID(string(self))
	if err != nil {
		return nil, err
	}
	t, ok := h.topics[m.topic]
	if !ok {
		return nil, ErrNotSubscribed
	}

	if m.presence.ID == id {
		h.send(m, protocol.Envelope{Type: protocol.TypePresenceState, Topic: t.name, Presence: t.presence()})
		return nil, nil
	}

	var dropped []*member
	if m.tracked() {
		dropped = append(dropped, h.untrack(t, m)...)
	}
	if old := t.holder(id); old != nil {
		log.Info().Str("module", "hub").Str("topic", string(t.name)).Str("participant", string(id)).
			Str("old_sid", string(old.sid)).Str("sid", string(sid)).Msg("presence replaced by newer connection")
		dropped = append(dropped, h.leave(old)...)
		h.send(old, protocol.Errorf("replaced by a newer connection"))
	}

	m.presence = domain.Presence{ID: id, Seq: t.nextSeq()}
	log.Info().Str("module", "hub").Str("topic", string(t.name)).Str("participant", string(id)).
		Uint64("seq", m.presence.Seq).Msg("tracked")

	frame, err := protocol.Encode(protocol.Envelope{Type: protocol.TypePresenceJoin, Topic: t.name, Presence: []domain.Presence{m.presence}})
	if err != nil {
		return h.enforce(dropped), err
	}
	dropped = append(dropped, t.fanout(sid, frame)...)
	h.send(m, protocol.Envelope{Type: protocol.TypePresenceState, Topic: t.name, Presence: t.presence()})

	return h.enforce(dropped), nil
}

// Publish fans a signaling message out to every other subscriber of the
// sender's topic. The sender field is overwritten with the tracked identity.
func (h *Hub) Publish(sid core.SessionID, msg domain.SignalMessage) error {
	h.mu.Lock()
	m, ok := h.members[sid]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	t, ok := h.topics[m.topic]
	if !ok {
		h.mu.Unlock()
		return ErrNotSubscribed
	}
	if !m.tracked() {
		h.mu.Unlock()
		return ErrNotTracked
	}
	if !h.limiter.Allow(m.presence.ID) {
		h.mu.Unlock()
		log.Warn().Str("module", "hub").Str("participant", string(m.presence.ID)).Msg("rate limited")
		return ErrRateLimited
	}
	msg.Sender = m.presence.ID
	frame, err := protocol.Encode(protocol.Envelope{Type: protocol.TypeBroadcast, Topic: t.name, Signal: &msg})
	if err != nil {
		h.mu.Unlock()
		return err
	}
	kicked := h.enforce(t.fanout(sid, frame))
	h.mu.Unlock()

	closeKicked(kicked)
	log.Debug().Str("module", "hub").Str("topic", string(t.name)).Str("kind", string(msg.Kind)).
		Str("sender", string(msg.Sender)).Str("recipient", string(msg.Recipient)).Msg("broadcast")
	return nil
}

// Unsubscribe leaves the current topic; the connection stays open.
func (h *Hub) Unsubscribe(sid core.SessionID) {
	h.mu.Lock()
	m, ok := h.members[sid]
	if !ok {
		h.mu.Unlock()
		return
	}
	kicked := h.enforce(h.leave(m))
	h.mu.Unlock()

	closeKicked(kicked)
	log.Info().Str("module", "hub").Str("sid", string(sid)).Msg("unsubscribed")
}

// Topics lists active topics sorted by name.
func (h *Hub) Topics() []TopicInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TopicInfo, 0, len(h.topics))
	for _, t := range h.topics {
		out = append(out, t.info())
	}
	slices.SortFunc(out, func(a, b TopicInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Presence returns the tracked members of a topic.
func (h *Hub) Presence(name domain.MeetingID) []domain.Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		return nil
	}
	return t.presence()
}

// leave removes m from its topic, announcing a presence_leave when it was
// tracked. Empty topics are dropped.
func (h *Hub) leave(m *member) []*member {
	t, ok := h.topics[m.topic]
	if !ok {
		m.topic = ""
		m.presence = domain.Presence{}
		return nil
	}
	var dropped []*member
	if m.tracked() {
		dropped = h.untrack(t, m)
	}
	delete(t.members, m.sid)
	m.topic = ""
	if len(t.members) == 0 {
		delete(h.topics, t.name)
		log.Info().Str("module", "hub").Str("topic", string(t.name)).Msg("topic dropped")
	}
	return dropped
}

func (h *Hub) untrack(t *topic, m *member) []*member {
	p := m.presence
	m.presence = domain.Presence{}
	h.limiter.Forget(p.ID)
	frame, err := protocol.Encode(protocol.Envelope{Type: protocol.TypePresenceLeave, Topic: t.name, Presence: []domain.Presence{p}})
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("encode presence leave")
		return nil
	}
	log.Info().Str("module", "hub").Str("topic", string(t.name)).Str("participant", string(p.ID)).Msg("untracked")
	return t.fanout(m.sid, frame)
}

// enforce applies the backpressure policy to members whose buffer overflowed.
// Kicking a member announces its leave, which may overflow others in turn.
func (h *Hub) enforce(dropped []*member) (kicked []*member) {
	if h.policy == nil {
		return nil
	}
	for len(dropped) > 0 {
		m := dropped[0]
		dropped = dropped[1:]
		if m.topic == "" || slices.Contains(kicked, m) {
			continue
		}
		switch h.policy.OnBackPressure(m.topic, m.sid) {
		case KickMember:
			log.Warn().Str("module", "hub").Str("sid", string(m.sid)).Str("topic", string(m.topic)).Msg("kicking slow member")
			kicked = append(kicked, m)
			dropped = append(dropped, h.leave(m)...)
		case MarkSlow, DropFrame, NoAction:
		}
	}
	return kicked
}

func (h *Hub) reply(sid core.SessionID, env protocol.Envelope) {
	h.mu.Lock()
	m, ok := h.members[sid]
	h.mu.Unlock()
	if ok {
		h.send(m, env)
	}
}

func (h *Hub) send(m *member, env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("encode reply")
		return
	}
	if err := m.signal.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("sid", string(m.sid)).Str("type", string(env.Type)).Msg("reply dropped")
	}
}

func closeKicked(kicked []*member) {
	for _, m := range kicked {
		m.signal.Close()
	}
}
