// Package meeting runs one attendance: subscribe to the meeting topic, start
// the peer manager, announce presence, publish local media, and tear it all
// down again on Leave.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meetmesh/internal/app/media"
	"github.com/dkeye/meetmesh/internal/app/peer"
	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/rs/zerolog"
)

type Options struct {
	Self        domain.ParticipantID
	Meeting     domain.MeetingID
	Transport   core.SignalTransport
	Connections core.ConnectionFactory
	// Sinks, when set, follows the remote streams of the meeting.
	Sinks  *media.Sinks
	Logger zerolog.Logger
}

type Meeting struct {
	self    domain.ParticipantID
	id      domain.MeetingID
	channel core.SignalChannel
	manager *peer.Manager
	sinks   *media.Sinks
	log     zerolog.Logger

	cancel    context.CancelFunc
	following chan struct{}

	mu    sync.Mutex
	local core.LocalMedia
	left  bool
}

// Join subscribes to the meeting and tracks presence. The manager is running
// before presence is announced so no event is missed.
func Join(ctx context.Context, opts Options) (*Meeting, error) {
	if opts.Self == "" {
		return nil, domain.ErrParticipantIDEmpty
	}
	if opts.Meeting == "" {
		return nil, domain.ErrMeetingIDEmpty
	}
	logger := opts.Logger.With().Str("module", "meeting").
		Str("meeting", string(opts.Meeting)).Str("self", string(opts.Self)).Logger()

	ch, err := opts.Transport.Subscribe(ctx, opts.Meeting)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", opts.Meeting, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Meeting{
		self:    opts.Self,
		id:      opts.Meeting,
		channel: ch,
		sinks:   opts.Sinks,
		log:     logger,
		cancel:  cancel,
		manager: peer.NewManager(runCtx, peer.Options{
			Self:        opts.Self,
			Channel:     ch,
			Connections: opts.Connections,
			Logger:      opts.Logger,
		}),
	}

	if err := ch.Track(ctx, opts.Self); err != nil {
		_ = m.manager.Shutdown()
		_ = ch.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("track %s: %w", opts.Self, err)
	}

	if m.sinks != nil {
		m.following = make(chan struct{})
		go m.follow(runCtx)
	}
	logger.Info().Msg("joined")
	return m, nil
}

// follow keeps the sinks in step with the published remote streams.
func (m *Meeting) follow(ctx context.Context) {
	defer close(m.following)
	views, stop := m.manager.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			m.sinks.Sync(ctx, v.Streams)
		}
	}
}

func (m *Meeting) ID() domain.MeetingID       { return m.id }
func (m *Meeting) Self() domain.ParticipantID { return m.self }
func (m *Meeting) Manager() *peer.Manager     { return m.manager }

// PublishMedia hands the local source to every session. A later call replaces
// the source; the previous one is stopped if it can be.
func (m *Meeting) PublishMedia(src core.LocalMedia) error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return peer.ErrClosed
	}
	prev := m.local
	m.local = src
	m.mu.Unlock()

	if prev != nil && prev != src {
		stopMedia(prev)
	}
	m.manager.OnLocalMediaReady(src)
	return nil
}

// Leave closes every peer session, leaves the topic and stops local media.
// Safe to call twice.
func (m *Meeting) Leave() error {
	m.mu.Lock()
	if m.left {
		m.mu.Unlock()
		return nil
	}
	m.left = true
	local := m.local
	m.mu.Unlock()

	errs := []error{m.manager.Shutdown(), m.channel.Unsubscribe()}
	m.cancel()
	if m.following != nil {
		<-m.following
		m.sinks.StopAll()
	}
	if local != nil {
		stopMedia(local)
	}
	m.log.Info().Msg("left")
	return errors.Join(errs...)
}

func stopMedia(src core.LocalMedia) {
	if s, ok := src.(interface{ Stop() }); ok {
		s.Stop()
	}
}
