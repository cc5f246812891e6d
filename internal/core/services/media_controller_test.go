package services

import (
	"context"
	"math/rand"
	"testing"

	"voicemesh/internal/core/domain"
	apperrors "voicemesh/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMediaController_MuteOnlyTouchesMicrophone(t *testing.T) {
	capture := newFakeCapture()
	m := NewMediaController(capture, zaptest.NewLogger(t))
	ctx := context.Background()

	mic, err := m.AcquireMicrophone(ctx)
	require.NoError(t, err)
	_, audio, err := m.StartScreen(ctx, domain.CaptureHandle{SourceID: "screen-1", IncludeAudio: true})
	require.NoError(t, err)
	require.NotNil(t, audio)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		muted := rng.Intn(2) == 0
		m.ApplyMute(muted)
		assert.Equal(t, !muted, mic.Enabled())
		assert.True(t, audio.Enabled(), "screen audio must never follow microphone mute")
	}
}

func TestMediaController_MuteAppliedToLaterMicrophone(t *testing.T) {
	m := NewMediaController(newFakeCapture(), zaptest.NewLogger(t))
	m.ApplyMute(true)

	mic, err := m.AcquireMicrophone(context.Background())
	require.NoError(t, err)
	assert.False(t, mic.Enabled())
}

func TestMediaController_CaptureFailure(t *testing.T) {
	capture := newFakeCapture()
	capture.micErr = apperrors.NewPermissionDeniedError("microphone")
	m := NewMediaController(capture, zaptest.NewLogger(t))

	_, err := m.AcquireMicrophone(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCaptureUnavailable)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	assert.Nil(t, m.Microphone())
}

func TestMediaController_StopAllReleasesExactlyOnce(t *testing.T) {
	capture := newFakeCapture()
	m := NewMediaController(capture, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := m.AcquireMicrophone(ctx)
	require.NoError(t, err)
	_, _, err = m.StartScreen(ctx, domain.CaptureHandle{SourceID: "s", IncludeAudio: true})
	require.NoError(t, err)
	_, err = m.StartCamera(ctx, domain.CaptureHandle{SourceID: "cam"})
	require.NoError(t, err)

	capture.mic.stopErr = errBoom
	capture.screen[0].stopErr = errBoom

	err = m.StopAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	assert.NoError(t, m.StopAll())

	assert.Equal(t, 1, capture.mic.Stops())
	for _, tr := range capture.screen {
		assert.Equal(t, 1, tr.Stops())
	}
	assert.Equal(t, 1, capture.camera.Stops())
	assert.Empty(t, m.Tracks())
}

func TestMediaController_AcquireIsIdempotent(t *testing.T) {
	capture := newFakeCapture()
	m := NewMediaController(capture, zaptest.NewLogger(t))

	first, err := m.AcquireMicrophone(context.Background())
	require.NoError(t, err)
	second, err := m.AcquireMicrophone(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, capture.micCalls)
}
