// Command peer is a headless meeting attendee. It joins a meeting through the
// hub, publishes audio/video from files (or silence), drains remote media and
// logs every peer state change.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/meetmesh/internal/adapters/rtc"
	"github.com/dkeye/meetmesh/internal/adapters/signal/wsclient"
	"github.com/dkeye/meetmesh/internal/app/media"
	"github.com/dkeye/meetmesh/internal/app/meeting"
	"github.com/dkeye/meetmesh/internal/app/peer"
	"github.com/dkeye/meetmesh/internal/config"
	"github.com/dkeye/meetmesh/internal/domain"
)

const statsPeriod = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("peer", pflag.ExitOnError)
	configFile := flags.String("config", "", "config file (yaml)")
	flags.String("signal-url", "", "hub WebSocket URL")
	flags.StringP("meeting", "m", "", "meeting to join")
	flags.StringP("participant", "p", "", "participant id (random when empty)")
	flags.String("audio", "", "Opus .ogg file to publish")
	flags.String("video", "", "VP8 .ivf file to publish")
	flags.String("record", "", "directory to record remote tracks into")
	flags.Bool("loopback", false, "gather loopback ICE candidates")
	flags.String("log-level", "", "log level")
	_ = flags.Parse(os.Args[1:])

	v := config.New()
	for key, flag := range map[string]string{
		"peer.signal_url":         "signal-url",
		"peer.meeting":            "meeting",
		"peer.participant":        "participant",
		"peer.audio_file":         "audio",
		"peer.video_file":         "video",
		"peer.record_dir":         "record",
		"webrtc.include_loopback": "loopback",
		"log_level":               "log-level",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}

	path := *configFile
	if path == "" {
		path = os.Getenv("MEETMESH_CONFIG")
	}
	cfg, err := config.LoadFile(v, path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("peer exited")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	meetingID, err := domain.ParseMeetingID(cfg.Peer.Meeting)
	if err != nil {
		return err
	}
	self := domain.NewParticipantID()
	if cfg.Peer.Participant != "" {
		if self, err = domain.ParseParticipantID(cfg.Peer.Participant); err != nil {
			return err
		}
	}
	logger := log.With().Str("self", string(self)).Logger()

	factory, err := rtc.NewFactory(cfg.RTC(), logger)
	if err != nil {
		return err
	}
	transport := wsclient.New(wsclient.Options{
		URL:            cfg.Peer.SignalURL,
		ReconnectDelay: cfg.Peer.ReconnectDelay,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.SendBuffer,
	}, logger)
	sinks := media.NewSinks(cfg.Peer.RecordDir, logger)

	m, err := meeting.Join(ctx, meeting.Options{
		Self:        self,
		Meeting:     meetingID,
		Transport:   transport,
		Connections: factory,
		Sinks:       sinks,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Leave(); err != nil {
			logger.Warn().Err(err).Msg("leave")
		}
	}()

	src, err := media.NewSource(string(self), logger)
	if err != nil {
		return err
	}
	go play(ctx, src, cfg.Peer, logger)
	if err := m.PublishMedia(src); err != nil {
		return err
	}

	watch(ctx, m.Manager(), sinks, logger)
	return nil
}

func play(ctx context.Context, src *media.Source, cfg config.Peer, logger zerolog.Logger) {
	if cfg.VideoFile != "" {
		go func() {
			if err := src.PlayFile(ctx, cfg.VideoFile); err != nil {
				logger.Error().Err(err).Str("file", cfg.VideoFile).Msg("video playback")
			}
		}()
	}
	if cfg.AudioFile != "" {
		if err := src.PlayFile(ctx, cfg.AudioFile); err != nil {
			logger.Error().Err(err).Str("file", cfg.AudioFile).Msg("audio playback")
		}
		return
	}
	if err := src.PlaySilence(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("silence")
	}
}

// watch logs per-peer state transitions and periodic media stats until ctx
// is done. Failed sessions are retried once per stats period.
func watch(ctx context.Context, mgr *peer.Manager, sinks *media.Sinks, logger zerolog.Logger) {
	views, stop := mgr.Watch()
	defer stop()
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()

	last := map[domain.ParticipantID]domain.ConnState{}
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			for id, st := range v.States {
				if prev, seen := last[id]; !seen || prev != st {
					logger.Info().Str("remote", string(id)).Stringer("state", st).Msg("peer state")
				}
			}
			for id := range last {
				if _, ok := v.States[id]; !ok {
					logger.Info().Str("remote", string(id)).Msg("peer gone")
				}
			}
			last = v.States
		case <-ticker.C:
			failed := false
			for _, p := range mgr.Peers() {
				st := sinks.Stats()[p.ID]
				logger.Info().
					Str("remote", string(p.ID)).
					Stringer("role", p.Role).
					Stringer("state", p.State).
					Dur("in_state", time.Since(p.Since)).
					Uint64("packets", st.Packets).
					Uint64("bytes", st.Bytes).
					Msg("peer stats")
				failed = failed || p.State == domain.StateFailed
			}
			if failed {
				mgr.RequestReconnect()
			}
		}
	}
}
