package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"voicemesh/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	mtu = 1200
	// ringSize holds one second of 48kHz mono audio.
	ringSize = 48000
)

// opusSilence is a single Opus frame of digital silence. Disabled audio
// tracks keep sending it so remote jitter buffers stay primed.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Track pumps frames from a Source into a pion local track. It implements
// ports.LocalTrack and, for audio, ports.AudioSampler.
type Track struct {
	id         string
	role       domain.TrackRole
	source     Source
	local      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	clockRate  uint32
	logger     *zap.Logger

	enabled atomic.Bool
	ring    *pcmRing

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewTrack starts pumping source. The track owns the source and closes it
// on Stop.
func NewTrack(role domain.TrackRole, source Source, logger *zap.Logger) (*Track, error) {
	codec := source.Codec()
	payloader, err := payloaderFor(codec.MimeType)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%s-%s", role, uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, "voicemesh-"+role.String())
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", role, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Track{
		id:     id,
		role:   role,
		source: source,
		local:  local,
		// Payload type and SSRC are rewritten per binding by the local track.
		packetizer: rtp.NewPacketizer(mtu, 0, 0, payloader, rtp.NewRandomSequencer(), codec.ClockRate),
		clockRate:  codec.ClockRate,
		logger:     logger.With(zap.String("track_id", id), zap.Stringer("role", role)),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if role.IsAudio() {
		t.ring = newPCMRing(ringSize)
	}
	t.enabled.Store(true)

	go t.pump(ctx)
	return t, nil
}

func payloaderFor(mimeType string) (rtp.Payloader, error) {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		return &codecs.OpusPayloader{}, nil
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Payloader{EnablePictureID: true}, nil
	case strings.ToLower(webrtc.MimeTypeH264):
		return &codecs.H264Payloader{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", mimeType)
	}
}

func (t *Track) pump(ctx context.Context) {
	defer close(t.done)
	for {
		frame, err := t.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				t.logger.Warn("capture source failed", zap.Error(err))
			}
			return
		}
		if t.ring != nil && len(frame.PCM) > 0 {
			t.ring.write(frame.PCM)
		}

		payload := frame.Payload
		if !t.enabled.Load() {
			if !t.role.IsAudio() {
				continue
			}
			payload = opusSilence
		}

		samples := uint32(frame.Duration.Seconds() * float64(t.clockRate))
		for _, packet := range t.packetizer.Packetize(payload, samples) {
			if err := t.local.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debug("write rtp failed", zap.Error(err))
			}
		}
	}
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Role() domain.TrackRole {
	return t.role
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *Track) TrackLocal() webrtc.TrackLocal {
	return t.local
}

// Stop closes the source and waits for the pump to exit.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		t.cancel()
		t.stopErr = t.source.Close()
		<-t.done
		t.logger.Debug("capture released")
	})
	return t.stopErr
}

func (t *Track) ReadSamples(dst []float32) int {
	if t.ring == nil {
		return 0
	}
	return t.ring.read(dst)
}

func (t *Track) SampleRate() int {
	return int(t.clockRate)
}

// pcmRing keeps the most recent samples written to it.
type pcmRing struct {
	mu     sync.Mutex
	buf    []float32
	next   int
	filled bool
}

func newPCMRing(size int) *pcmRing {
	return &pcmRing{buf: make([]float32, size)}
}

func (r *pcmRing) write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(samples) > len(r.buf) {
		samples = samples[len(samples)-len(r.buf):]
	}
	for _, s := range samples {
		r.buf[r.next] = s
		r.next++
		if r.next == len(r.buf) {
			r.next = 0
			r.filled = true
		}
	}
}

// read copies up to len(dst) of the newest samples, oldest first.
func (r *pcmRing) read(dst []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	available := r.next
	if r.filled {
		available = len(r.buf)
	}
	n := len(dst)
	if n > available {
		n = available
	}
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(start+i)%len(r.buf)]
	}
	return n
}
