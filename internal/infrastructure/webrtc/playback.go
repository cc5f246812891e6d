package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"voicemesh/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink consumes remote media. Decoding and audio output live behind it.
type Sink interface {
	WriteRTP(peerID domain.PeerID, kind webrtc.RTPCodecType, packet *rtp.Packet)
}

// Playback pumps remote tracks into a sink and gates remote audio while
// deafened. Video keeps flowing so shared screens stay visible. It
// implements ports.PlaybackController.
type Playback struct {
	sink     Sink
	logger   *zap.SugaredLogger
	deafened atomic.Bool

	mu      sync.Mutex
	streams map[domain.PeerID]int
	wg      sync.WaitGroup
}

func NewPlayback(sink Sink, logger *zap.Logger) *Playback {
	if sink == nil {
		sink = NewPacketCounter()
	}
	return &Playback{
		sink:    sink,
		logger:  logger.With(zap.String("component", "playback")).Sugar(),
		streams: make(map[domain.PeerID]int),
	}
}

func (p *Playback) SetDeafened(deafened bool) {
	if p.deafened.Swap(deafened) != deafened {
		p.logger.Infow("playback gate changed", "deafened", deafened)
	}
}

func (p *Playback) Deafened() bool {
	return p.deafened.Load()
}

// Attach starts pumping a remote track until it ends.
func (p *Playback) Attach(peerID domain.PeerID, track RTPReader, kind webrtc.RTPCodecType) {
	p.mu.Lock()
	p.streams[peerID]++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pump(peerID, track, kind)
}

// Streams reports how many remote tracks are currently playing per peer.
func (p *Playback) Streams() map[domain.PeerID]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.PeerID]int, len(p.streams))
	for id, n := range p.streams {
		out[id] = n
	}
	return out
}

// Wait blocks until every attached track has ended.
func (p *Playback) Wait() {
	p.wg.Wait()
}

func (p *Playback) pump(peerID domain.PeerID, track RTPReader, kind webrtc.RTPCodecType) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if p.streams[peerID]--; p.streams[peerID] <= 0 {
			delete(p.streams, peerID)
		}
		p.mu.Unlock()
	}()

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track ended", "peer_id", peerID, "kind", kind, "error", err)
			}
			return
		}
		if kind == webrtc.RTPCodecTypeAudio && p.deafened.Load() {
			continue
		}
		p.sink.WriteRTP(peerID, kind, packet)
	}
}

// PacketCounter is a sink that only counts what it receives.
type PacketCounter struct {
	mu      sync.Mutex
	packets map[domain.PeerID]map[webrtc.RTPCodecType]int
}

func NewPacketCounter() *PacketCounter {
	return &PacketCounter{packets: make(map[domain.PeerID]map[webrtc.RTPCodecType]int)}
}

func (c *PacketCounter) WriteRTP(peerID domain.PeerID, kind webrtc.RTPCodecType, _ *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKind, ok := c.packets[peerID]
	if !ok {
		byKind = make(map[webrtc.RTPCodecType]int)
		c.packets[peerID] = byKind
	}
	byKind[kind]++
}

func (c *PacketCounter) Count(peerID domain.PeerID, kind webrtc.RTPCodecType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets[peerID][kind]
}
