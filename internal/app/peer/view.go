package peer

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
)

// RemoteStream is the inbound media of one remote participant.
// The session is the only writer; consumers get copies.
type RemoteStream struct {
	ParticipantID domain.ParticipantID
	Tracks        []core.RemoteTrack
}

// View is an immutable snapshot published to consumers after every change.
type View struct {
	Streams map[domain.ParticipantID]RemoteStream
	States  map[domain.ParticipantID]domain.ConnState
}

// publisher holds the latest View and fans it out to watchers.
// Each watcher has a one-slot buffer; a slow watcher only ever sees the newest View.
type publisher struct {
	current atomic.Pointer[View]

	mu       sync.Mutex
	watchers map[chan View]struct{}
}

func newPublisher() *publisher {
	p := &publisher{watchers: make(map[chan View]struct{})}
	p.current.Store(&View{
		Streams: map[domain.ParticipantID]RemoteStream{},
		States:  map[domain.ParticipantID]domain.ConnState{},
	})
	return p
}

func (p *publisher) load() View { return *p.current.Load() }

func (p *publisher) publish(v View) {
	p.current.Store(&v)

	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (p *publisher) watch() (<-chan View, func()) {
	ch := make(chan View, 1)

	// Seeding under mu orders the first value against concurrent publishes.
	p.mu.Lock()
	p.watchers[ch] = struct{}{}
	ch <- p.load()
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watchers, ch)
			p.mu.Unlock()
		})
	}
}

func (p *publisher) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.watchers {
		close(ch)
		delete(p.watchers, ch)
	}
}

func snapshotStreams(in map[domain.ParticipantID]RemoteStream) map[domain.ParticipantID]RemoteStream {
	out := make(map[domain.ParticipantID]RemoteStream, len(in))
	for id, s := range in {
		s.Tracks = append([]core.RemoteTrack(nil), s.Tracks...)
		out[id] = s
	}
	return out
}

func snapshotStates(in map[domain.ParticipantID]domain.ConnState) map[domain.ParticipantID]domain.ConnState {
	return maps.Clone(in)
}
