package services

import (
	"math"
	"time"

	"voicemesh/internal/core/ports"

	"go.uber.org/zap"
)

type VADConfig struct {
	Interval  time.Duration
	Threshold float64
	BandLowHz float64
	BandHiHz  float64
	Window    int
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		Interval:  80 * time.Millisecond,
		Threshold: 0.01,
		BandLowHz: 85,
		BandHiHz:  3400,
		Window:    1024,
	}
}

// VoiceActivityDetector samples the microphone on a fixed interval and
// reports speaking transitions. Loop-confined.
type VoiceActivityDetector struct {
	cfg    VADConfig
	loop   *EventLoop
	clock  Clock
	logger *zap.Logger

	sampler  ports.AudioSampler
	onChange func(speaking bool)
	buf      []float32
	speaking bool
	muted    bool
	timer    Timer
	gen      uint64
}

func NewVoiceActivityDetector(cfg VADConfig, loop *EventLoop, clock Clock, logger *zap.Logger) *VoiceActivityDetector {
	return &VoiceActivityDetector{
		cfg:    cfg,
		loop:   loop,
		clock:  clock,
		logger: logger,
		buf:    make([]float32, cfg.Window),
	}
}

// Start begins sampling. onChange runs on the loop for every transition.
func (v *VoiceActivityDetector) Start(sampler ports.AudioSampler, onChange func(speaking bool)) {
	v.Stop()
	v.sampler = sampler
	v.onChange = onChange
	v.schedule(v.gen)
}

// Stop ends sampling without emitting.
func (v *VoiceActivityDetector) Stop() {
	v.gen++
	stopTimer(v.timer)
	v.timer = nil
	v.sampler = nil
	v.onChange = nil
	v.speaking = false
}

// SetMuted forces speaking off while muted.
func (v *VoiceActivityDetector) SetMuted(muted bool) {
	v.muted = muted
	if muted {
		v.set(false)
	}
}

func (v *VoiceActivityDetector) Speaking() bool {
	return v.speaking
}

// Tick takes one sample. Exposed for the loop timer.
func (v *VoiceActivityDetector) Tick() {
	if v.sampler == nil {
		return
	}
	if v.muted {
		v.set(false)
		return
	}
	n := v.sampler.ReadSamples(v.buf)
	level := BandLevel(v.buf[:n], v.sampler.SampleRate(), v.cfg.BandLowHz, v.cfg.BandHiHz)
	v.set(level > v.cfg.Threshold)
}

func (v *VoiceActivityDetector) schedule(gen uint64) {
	v.timer = v.clock.AfterFunc(v.cfg.Interval, func() {
		v.loop.Post(func() {
			if v.gen != gen {
				return
			}
			v.Tick()
			v.schedule(gen)
		})
	})
}

func (v *VoiceActivityDetector) set(speaking bool) {
	if speaking == v.speaking {
		return
	}
	v.speaking = speaking
	v.logger.Debug("speaking changed", zap.Bool("speaking", speaking))
	if v.onChange != nil {
		v.onChange(speaking)
	}
}

// hannPower is the mean square of the Hann window.
const hannPower = 0.375

// BandLevel returns the RMS amplitude of samples restricted to [lowHz, highHz].
// It evaluates Hann-windowed DFT bins with the Goertzel recurrence and
// normalises by the window power so a full-scale in-band sine of amplitude A
// reads close to A/sqrt(2).
func BandLevel(samples []float32, sampleRate int, lowHz, highHz float64) float64 {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0
	}

	binHz := float64(sampleRate) / float64(n)
	lo := int(math.Ceil(lowHz / binHz))
	hi := int(math.Floor(highHz / binHz))
	if lo < 1 {
		lo = 1
	}
	if hi > n/2-1 {
		hi = n/2 - 1
	}
	if hi < lo {
		return 0
	}

	windowed := make([]float64, n)
	for i, s := range samples {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
		windowed[i] = float64(s) * w
	}

	var energy float64
	for k := lo; k <= hi; k++ {
		coeff := 2 * math.Cos(2*math.Pi*float64(k)/float64(n))
		var s1, s2 float64
		for _, x := range windowed {
			s0 := x + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		energy += s1*s1 + s2*s2 - coeff*s1*s2
	}

	nf := float64(n)
	return math.Sqrt(2 * energy / (nf * nf * hannPower))
}
