package capture

import (
	"context"
	"errors"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	apperrors "voicemesh/pkg/errors"

	"go.uber.org/zap"
)

// Provider turns host devices into local tracks. It implements
// ports.CaptureProvider.
type Provider struct {
	devices Devices
	logger  *zap.Logger
}

func NewProvider(devices Devices, logger *zap.Logger) *Provider {
	return &Provider{
		devices: devices,
		logger:  logger.With(zap.String("component", "capture")),
	}
}

func (p *Provider) AcquireMicrophone(ctx context.Context) (ports.MicrophoneTrack, error) {
	source, err := p.devices.Microphone(ctx)
	if err != nil {
		return nil, deviceError("microphone", err)
	}
	track, err := NewTrack(domain.RoleMicrophone, source, p.logger)
	if err != nil {
		source.Close()
		return nil, deviceError("microphone", err)
	}
	p.logger.Info("microphone acquired", zap.String("track_id", track.ID()))
	return track, nil
}

func (p *Provider) AcquireScreen(ctx context.Context, handle domain.CaptureHandle) (ports.LocalTrack, ports.LocalTrack, error) {
	videoSource, audioSource, err := p.devices.Screen(ctx, handle)
	if err != nil {
		return nil, nil, deviceError("screen", err)
	}
	if audioSource != nil && !handle.IncludeAudio {
		audioSource.Close()
		audioSource = nil
	}

	video, err := NewTrack(domain.RoleScreenVideo, videoSource, p.logger)
	if err != nil {
		videoSource.Close()
		if audioSource != nil {
			audioSource.Close()
		}
		return nil, nil, deviceError("screen", err)
	}
	if audioSource == nil {
		return video, nil, nil
	}

	audio, err := NewTrack(domain.RoleScreenAudio, audioSource, p.logger)
	if err != nil {
		// A screen without its audio is still a usable share.
		p.logger.Warn("screen audio unavailable", zap.Error(err))
		audioSource.Close()
		return video, nil, nil
	}
	return video, audio, nil
}

func (p *Provider) AcquireCamera(ctx context.Context, handle domain.CaptureHandle) (ports.LocalTrack, error) {
	source, err := p.devices.Camera(ctx, handle)
	if err != nil {
		return nil, deviceError("camera", err)
	}
	track, err := NewTrack(domain.RoleCamera, source, p.logger)
	if err != nil {
		source.Close()
		return nil, deviceError("camera", err)
	}
	return track, nil
}

func deviceError(device string, err error) error {
	if errors.Is(err, apperrors.ErrPermissionDenied) || errors.Is(err, apperrors.ErrDeviceUnavailable) {
		return err
	}
	return apperrors.NewDeviceUnavailableError(device, err)
}
