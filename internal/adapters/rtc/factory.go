// Package rtc builds pion peer connections for the session manager.
package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/meetmesh/internal/core"
	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	ICEServers      []string
	IncludeLoopback bool
	UDPPortMin      uint16
	UDPPortMax      uint16
	// PLIInterval is how often receivers ask for a keyframe. Zero keeps the
	// interceptor default.
	PLIInterval time.Duration
}

func DefaultWebRTCConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// Factory creates one PeerConnection per remote participant from a shared API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log zerolog.Logger
}

func NewFactory(cfg Config, logger zerolog.Logger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	var pliOpts []intervalpli.GeneratorOption
	if cfg.PLIInterval > 0 {
		pliOpts = append(pliOpts, intervalpli.GeneratorInterval(cfg.PLIInterval))
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor(pliOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range %d-%d: %w", cfg.UDPPortMin, cfg.UDPPortMax, err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &Factory{
		api: api,
		cfg: DefaultWebRTCConfig(cfg.ICEServers),
		log: logger,
	}, nil
}

func (f *Factory) NewConnection(remote domain.ParticipantID) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, remote, f.log), nil
}

var _ core.ConnectionFactory = (*Factory)(nil)
