package capture

import (
	"context"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Frame is one encoded media frame. PCM carries the decoded mono samples
// of audio frames when the source has them.
type Frame struct {
	Payload  []byte
	PCM      []float32
	Duration time.Duration
}

// Source produces frames from one host capture device.
type Source interface {
	// ReadFrame blocks until the next frame is ready.
	ReadFrame(ctx context.Context) (Frame, error)
	Codec() webrtc.RTPCodecCapability
	Close() error
}

// Devices is the host capture surface. Failures should be
// errors.PermissionDenied or errors.DeviceUnavailable app errors; anything
// else is reported as DeviceUnavailable.
type Devices interface {
	Microphone(ctx context.Context) (Source, error)
	// Screen returns a nil audio source when system audio is not captured.
	Screen(ctx context.Context, handle domain.CaptureHandle) (video Source, audio Source, err error)
	Camera(ctx context.Context, handle domain.CaptureHandle) (Source, error)
}
