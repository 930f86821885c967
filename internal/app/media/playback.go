package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// PlayFile streams an .ivf (VP8) or .ogg (Opus) file until it ends, ctx is
// done, or the source stops.
func (s *Source) PlayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf":
		return s.PlayIVF(ctx, f)
	case ".ogg", ".opus":
		return s.PlayOgg(ctx, f)
	}
	return fmt.Errorf("%s: unsupported media file", path)
}

// PlayIVF paces IVF frames onto the video track at the file's timebase.
func (s *Source) PlayIVF(ctx context.Context, r io.Reader) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("ivf header: %w", err)
	}
	if header.TimebaseDenominator == 0 {
		return errors.New("ivf header: zero timebase")
	}
	frame := time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	if frame <= 0 {
		frame = 33 * time.Millisecond
	}

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		data, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ivf frame: %w", err)
		}
		if err := s.WriteSample(webrtc.RTPCodecTypeVideo, media.Sample{Data: data, Duration: frame}); err != nil {
			return s.stopErr(err)
		}
		if err := s.wait(ctx, ticker.C); err != nil {
			return err
		}
	}
}

// PlayOgg paces Ogg pages onto the audio track. Each page duration comes from
// the granule position delta at 48kHz.
func (s *Source) PlayOgg(ctx context.Context, r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("ogg header: %w", err)
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ogg page: %w", err)
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		if err := s.WriteSample(webrtc.RTPCodecTypeAudio, media.Sample{Data: page, Duration: duration}); err != nil {
			return s.stopErr(err)
		}
		if err := s.wait(ctx, ticker.C); err != nil {
			return err
		}
	}
}

// PlaySilence keeps the audio track alive with silent frames.
func (s *Source) PlaySilence(ctx context.Context) error {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		if err := s.WriteSample(webrtc.RTPCodecTypeAudio, media.Sample{Data: opusSilence, Duration: oggPageDuration}); err != nil {
			return s.stopErr(err)
		}
		if err := s.wait(ctx, ticker.C); err != nil {
			return err
		}
	}
}

func (s *Source) wait(ctx context.Context, tick <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case <-tick:
		return nil
	}
}

// stopErr turns a write after Stop into a clean end of playback.
func (s *Source) stopErr(err error) error {
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return fmt.Errorf("write sample: %w", err)
}
