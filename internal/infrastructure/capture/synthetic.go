package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"voicemesh/internal/core/domain"
	apperrors "voicemesh/pkg/errors"

	"github.com/pion/webrtc/v3"
)

const (
	opusClockRate = 48000
	frameDuration = 20 * time.Millisecond
)

var errSourceClosed = errors.New("source closed")

// SyntheticDevices stands in for host capture on headless clients. The
// microphone sends Opus silence and, when ToneHz is set, reports a sine
// tone as its PCM so voice activity can be exercised. There is no screen
// or camera.
type SyntheticDevices struct {
	ToneHz    float64
	ToneLevel float32
	// DenyMicrophone simulates a refused permission prompt.
	DenyMicrophone bool
}

func (d *SyntheticDevices) Microphone(ctx context.Context) (Source, error) {
	if d.DenyMicrophone {
		return nil, apperrors.NewPermissionDeniedError("microphone")
	}
	return newToneSource(d.ToneHz, d.ToneLevel), nil
}

func (d *SyntheticDevices) Screen(ctx context.Context, handle domain.CaptureHandle) (Source, Source, error) {
	return nil, nil, apperrors.NewDeviceUnavailableError("screen", errors.New("no display on a headless client"))
}

func (d *SyntheticDevices) Camera(ctx context.Context, handle domain.CaptureHandle) (Source, error) {
	return nil, apperrors.NewDeviceUnavailableError("camera", errors.New("no camera on a headless client"))
}

type toneSource struct {
	hz     float64
	level  float32
	ticker *time.Ticker
	phase  float64

	closeOnce sync.Once
	closed    chan struct{}
}

func newToneSource(hz float64, level float32) *toneSource {
	return &toneSource{
		hz:     hz,
		level:  level,
		ticker: time.NewTicker(frameDuration),
		closed: make(chan struct{}),
	}
}

func (s *toneSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}
}

func (s *toneSource) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.closed:
		return Frame{}, errSourceClosed
	case <-s.ticker.C:
	}

	pcm := make([]float32, opusClockRate*int(frameDuration/time.Millisecond)/1000)
	if s.hz > 0 {
		step := 2 * math.Pi * s.hz / opusClockRate
		for i := range pcm {
			pcm[i] = s.level * float32(math.Sin(s.phase))
			s.phase += step
		}
		s.phase = math.Mod(s.phase, 2*math.Pi)
	}
	return Frame{Payload: opusSilence, PCM: pcm, Duration: frameDuration}, nil
}

func (s *toneSource) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}
