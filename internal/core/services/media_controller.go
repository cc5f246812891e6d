package services

import (
	"context"
	"sync"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	apperrors "voicemesh/pkg/errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MediaController owns the local capture lifecycle and applies the mute
// policy. Only the microphone follows mute; every other role keeps its own
// enabled flag.
type MediaController struct {
	provider ports.CaptureProvider
	logger   *zap.Logger

	mu            sync.Mutex
	mic           ports.MicrophoneTrack
	screenVideo   ports.LocalTrack
	screenAudio   ports.LocalTrack
	camera        ports.LocalTrack
	effectiveMute bool
}

func NewMediaController(provider ports.CaptureProvider, logger *zap.Logger) *MediaController {
	return &MediaController{
		provider: provider,
		logger:   logger,
	}
}

// AcquireMicrophone returns the held microphone or captures a new one.
func (m *MediaController) AcquireMicrophone(ctx context.Context) (ports.MicrophoneTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mic != nil {
		return m.mic, nil
	}
	mic, err := m.provider.AcquireMicrophone(ctx)
	if err != nil {
		return nil, apperrors.NewCaptureUnavailableError("microphone", err)
	}
	mic.SetEnabled(!m.effectiveMute)
	m.mic = mic
	m.logger.Info("microphone acquired", zap.String("track_id", mic.ID()))
	return mic, nil
}

// StartScreen captures a screen source. Screen audio, when present, is
// always enabled.
func (m *MediaController) StartScreen(ctx context.Context, handle domain.CaptureHandle) (ports.LocalTrack, ports.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screenVideo != nil {
		return m.screenVideo, m.screenAudio, nil
	}
	video, audio, err := m.provider.AcquireScreen(ctx, handle)
	if err != nil {
		return nil, nil, apperrors.NewCaptureUnavailableError("screen", err)
	}
	video.SetEnabled(true)
	if audio != nil {
		audio.SetEnabled(true)
	}
	m.screenVideo, m.screenAudio = video, audio
	m.logger.Info("screen capture started",
		zap.String("source_id", handle.SourceID),
		zap.Bool("has_audio", audio != nil),
	)
	return video, audio, nil
}

// StopScreen releases the screen tracks.
func (m *MediaController) StopScreen() error {
	m.mu.Lock()
	video, audio := m.screenVideo, m.screenAudio
	m.screenVideo, m.screenAudio = nil, nil
	m.mu.Unlock()

	return multierr.Append(stopTrack(video), stopTrack(audio))
}

func (m *MediaController) StartCamera(ctx context.Context, handle domain.CaptureHandle) (ports.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.camera != nil {
		return m.camera, nil
	}
	camera, err := m.provider.AcquireCamera(ctx, handle)
	if err != nil {
		return nil, apperrors.NewCaptureUnavailableError("camera", err)
	}
	camera.SetEnabled(true)
	m.camera = camera
	m.logger.Info("camera started", zap.String("source_id", handle.SourceID))
	return camera, nil
}

func (m *MediaController) StopCamera() error {
	m.mu.Lock()
	camera := m.camera
	m.camera = nil
	m.mu.Unlock()

	return stopTrack(camera)
}

// ApplyMute enables or disables the microphone track.
func (m *MediaController) ApplyMute(effectiveMute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.effectiveMute = effectiveMute
	if m.mic != nil {
		m.mic.SetEnabled(!effectiveMute)
	}
}

func (m *MediaController) Microphone() ports.MicrophoneTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mic
}

// ScreenTracks returns the active screen tracks, video first.
func (m *MediaController) ScreenTracks() []ports.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tracks []ports.LocalTrack
	if m.screenVideo != nil {
		tracks = append(tracks, m.screenVideo)
	}
	if m.screenAudio != nil {
		tracks = append(tracks, m.screenAudio)
	}
	return tracks
}

func (m *MediaController) Camera() ports.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

// Tracks returns every held track.
func (m *MediaController) Tracks() []ports.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tracks []ports.LocalTrack
	for _, t := range []ports.LocalTrack{m.mic, m.screenVideo, m.screenAudio, m.camera} {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// StopAll releases every held device exactly once. Failures do not stop
// the remaining releases; they are combined into the returned error.
func (m *MediaController) StopAll() error {
	m.mu.Lock()
	held := []ports.LocalTrack{m.mic, m.screenVideo, m.screenAudio, m.camera}
	m.mic, m.screenVideo, m.screenAudio, m.camera = nil, nil, nil, nil
	m.mu.Unlock()

	var err error
	for _, t := range held {
		err = multierr.Append(err, stopTrack(t))
	}
	if err != nil {
		m.logger.Warn("releasing capture devices", zap.Error(err))
	}
	return err
}

func stopTrack(t ports.LocalTrack) error {
	if t == nil {
		return nil
	}
	return t.Stop()
}
