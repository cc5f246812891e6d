package services

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sine(freq, amplitude float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestBandLevel(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    float64
		delta   float64
	}{
		{"silence", make([]float32, 1024), 0, 1e-9},
		{"voice band tone", sine(440, 0.1, 48000, 1024), 0.1 / math.Sqrt2, 0.01},
		{"quiet voice band tone", sine(1000, 0.005, 48000, 1024), 0.005 / math.Sqrt2, 0.001},
		{"tone above the band", sine(12000, 0.5, 48000, 1024), 0, 0.005},
		{"empty", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BandLevel(tt.samples, 48000, 85, 3400)
			assert.InDelta(t, tt.want, got, tt.delta)
		})
	}
}

func newTestVAD(t *testing.T) (*VoiceActivityDetector, *fakeClock, *EventLoop) {
	loop := newTestLoop(t)
	clock := newFakeClock()
	return NewVoiceActivityDetector(DefaultVADConfig(), loop, clock, zaptest.NewLogger(t)), clock, loop
}

func TestVAD_EmitsOnlyOnTransitions(t *testing.T) {
	vad, clock, loop := newTestVAD(t)
	mic := newFakeMic()
	var changes []bool

	require.NoError(t, loop.Do(context.Background(), func() error {
		vad.Start(mic, func(s bool) { changes = append(changes, s) })
		return nil
	}))

	tick := func() {
		clock.Advance(DefaultVADConfig().Interval)
		require.NoError(t, loop.Do(context.Background(), func() error { return nil }))
	}

	tick()
	mic.SetSamples(sine(300, 0.2, 48000, 1024))
	tick()
	tick()
	tick()
	mic.SetSamples(nil)
	tick()
	tick()

	assert.Equal(t, []bool{true, false}, changes)
}

func TestVAD_MuteForcesSilence(t *testing.T) {
	vad, clock, loop := newTestVAD(t)
	mic := newFakeMic()
	mic.SetSamples(sine(300, 0.2, 48000, 1024))
	var changes []bool

	require.NoError(t, loop.Do(context.Background(), func() error {
		vad.Start(mic, func(s bool) { changes = append(changes, s) })
		vad.Tick()
		vad.SetMuted(true)
		return nil
	}))
	assert.Equal(t, []bool{true, false}, changes)

	clock.Advance(DefaultVADConfig().Interval)
	require.NoError(t, loop.Do(context.Background(), func() error { return nil }))
	assert.Equal(t, []bool{true, false}, changes, "muted detector must not report speech")

	require.NoError(t, loop.Do(context.Background(), func() error {
		vad.SetMuted(false)
		vad.Tick()
		return nil
	}))
	assert.Equal(t, []bool{true, false, true}, changes)
}

func TestVAD_StopHaltsSampling(t *testing.T) {
	vad, clock, loop := newTestVAD(t)
	mic := newFakeMic()
	mic.SetSamples(sine(300, 0.2, 48000, 1024))
	calls := 0

	require.NoError(t, loop.Do(context.Background(), func() error {
		vad.Start(mic, func(bool) { calls++ })
		vad.Stop()
		return nil
	}))
	clock.Advance(DefaultVADConfig().Interval * 3)
	require.NoError(t, loop.Do(context.Background(), func() error { return nil }))

	assert.Zero(t, calls)
	assert.False(t, vad.Speaking())
}
