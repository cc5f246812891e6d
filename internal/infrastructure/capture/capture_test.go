package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"voicemesh/internal/core/domain"
	apperrors "voicemesh/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type idleSource struct {
	codec  webrtc.RTPCodecCapability
	closed atomic.Int32
	stop   chan struct{}
}

func newIdleSource(mime string) *idleSource {
	return &idleSource{codec: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}, stop: make(chan struct{})}
}

func (s *idleSource) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.stop:
		return Frame{}, errSourceClosed
	}
}

func (s *idleSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *idleSource) Close() error {
	if s.closed.Add(1) == 1 {
		close(s.stop)
	}
	return nil
}

type scriptedDevices struct {
	micErr      error
	screenVideo *idleSource
	screenAudio *idleSource
}

func (d *scriptedDevices) Microphone(context.Context) (Source, error) {
	return nil, d.micErr
}

func (d *scriptedDevices) Screen(context.Context, domain.CaptureHandle) (Source, Source, error) {
	if d.screenAudio == nil {
		return d.screenVideo, nil, nil
	}
	return d.screenVideo, d.screenAudio, nil
}

func (d *scriptedDevices) Camera(context.Context, domain.CaptureHandle) (Source, error) {
	return newIdleSource("video/AV2"), nil
}

func TestPCMRing(t *testing.T) {
	r := newPCMRing(4)
	dst := make([]float32, 8)

	assert.Zero(t, r.read(dst))

	r.write([]float32{1, 2, 3})
	n := r.read(dst)
	assert.Equal(t, []float32{1, 2, 3}, dst[:n])

	r.write([]float32{4, 5, 6})
	n = r.read(dst)
	assert.Equal(t, []float32{3, 4, 5, 6}, dst[:n], "oldest samples are overwritten")

	n = r.read(dst[:2])
	assert.Equal(t, []float32{5, 6}, dst[:n], "short reads get the newest samples")

	r.write([]float32{7, 8, 9, 10, 11, 12})
	n = r.read(dst)
	assert.Equal(t, []float32{9, 10, 11, 12}, dst[:n])
}

func TestSyntheticMicrophone(t *testing.T) {
	p := NewProvider(&SyntheticDevices{ToneHz: 440, ToneLevel: 0.5}, zaptest.NewLogger(t))

	mic, err := p.AcquireMicrophone(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMicrophone, mic.Role())
	assert.True(t, mic.Enabled())
	assert.Equal(t, 48000, mic.SampleRate())
	require.NotNil(t, mic.TrackLocal())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, mic.TrackLocal().Kind())

	buf := make([]float32, 960)
	require.Eventually(t, func() bool { return mic.ReadSamples(buf) == len(buf) }, 2*time.Second, 10*time.Millisecond)
	var peak float32
	for _, s := range buf {
		if s > peak {
			peak = s
		}
	}
	assert.InDelta(t, 0.5, peak, 0.01)

	mic.SetEnabled(false)
	assert.False(t, mic.Enabled())

	require.NoError(t, mic.Stop())
	require.NoError(t, mic.Stop(), "stopping twice is a no-op")
}

func TestSyntheticDevicesRefuseScreenAndCamera(t *testing.T) {
	p := NewProvider(&SyntheticDevices{}, zaptest.NewLogger(t))

	_, _, err := p.AcquireScreen(context.Background(), domain.CaptureHandle{IncludeAudio: true})
	assert.ErrorIs(t, err, apperrors.ErrDeviceUnavailable)

	_, err = p.AcquireCamera(context.Background(), domain.CaptureHandle{})
	assert.ErrorIs(t, err, apperrors.ErrDeviceUnavailable)
}

func TestProvider_MicrophoneErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", apperrors.NewPermissionDeniedError("microphone"), apperrors.ErrPermissionDenied},
		{"device", apperrors.NewDeviceUnavailableError("microphone", nil), apperrors.ErrDeviceUnavailable},
		{"unknown", errors.New("driver crashed"), apperrors.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(&scriptedDevices{micErr: tt.err}, zaptest.NewLogger(t))
			_, err := p.AcquireMicrophone(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	p := NewProvider(&SyntheticDevices{DenyMicrophone: true}, zaptest.NewLogger(t))
	_, err := p.AcquireMicrophone(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
}

func TestProvider_ScreenAudioFollowsHandle(t *testing.T) {
	devices := &scriptedDevices{
		screenVideo: newIdleSource(webrtc.MimeTypeVP8),
		screenAudio: newIdleSource(webrtc.MimeTypeOpus),
	}
	p := NewProvider(devices, zaptest.NewLogger(t))

	video, audio, err := p.AcquireScreen(context.Background(), domain.CaptureHandle{SourceID: "screen:0"})
	require.NoError(t, err)
	assert.Nil(t, audio)
	assert.Equal(t, domain.RoleScreenVideo, video.Role())
	assert.EqualValues(t, 1, devices.screenAudio.closed.Load(), "unrequested audio is released")
	require.NoError(t, video.Stop())
	assert.EqualValues(t, 1, devices.screenVideo.closed.Load())

	devices.screenVideo = newIdleSource(webrtc.MimeTypeVP8)
	devices.screenAudio = newIdleSource(webrtc.MimeTypeOpus)
	video, audio, err = p.AcquireScreen(context.Background(), domain.CaptureHandle{SourceID: "screen:0", IncludeAudio: true})
	require.NoError(t, err)
	require.NotNil(t, audio)
	assert.Equal(t, domain.RoleScreenAudio, audio.Role())
	assert.NotEqual(t, video.ID(), audio.ID())
	assert.NoError(t, video.Stop())
	assert.NoError(t, audio.Stop())
}

func TestProvider_UnsupportedCodecReleasesSource(t *testing.T) {
	p := NewProvider(&scriptedDevices{}, zaptest.NewLogger(t))

	_, err := p.AcquireCamera(context.Background(), domain.CaptureHandle{})

	assert.ErrorIs(t, err, apperrors.ErrDeviceUnavailable)
}
