package webrtc

import (
	"voicemesh/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// RTCPObserver receives link quality reported back by remote peers.
type RTCPObserver interface {
	ObserveLoss(peerID domain.PeerID, role domain.TrackRole, fractionLost float64)
	ObserveJitter(peerID domain.PeerID, role domain.TrackRole, jitter uint32)
	RecordNACK(peerID domain.PeerID, role domain.TrackRole, lost int)
	RecordPLI(peerID domain.PeerID, role domain.TrackRole)
}

type nopRTCPObserver struct{}

func (nopRTCPObserver) ObserveLoss(domain.PeerID, domain.TrackRole, float64)  {}
func (nopRTCPObserver) ObserveJitter(domain.PeerID, domain.TrackRole, uint32) {}
func (nopRTCPObserver) RecordNACK(domain.PeerID, domain.TrackRole, int)       {}
func (nopRTCPObserver) RecordPLI(domain.PeerID, domain.TrackRole)             {}

type rtcpSource interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// readSenderRTCP runs until the sender is removed or the connection
// closes. Interceptors only see RTCP that is read, so it must be drained
// even without an observer.
func readSenderRTCP(peerID domain.PeerID, role domain.TrackRole, sender *webrtc.RTPSender, observer RTCPObserver) {
	readRTCP(peerID, role, sender, observer)
}

func readRTCP(peerID domain.PeerID, role domain.TrackRole, src rtcpSource, observer RTCPObserver) {
	for {
		packets, _, err := src.ReadRTCP()
		if err != nil {
			return
		}
		observeRTCP(peerID, role, packets, observer)
	}
}

func observeRTCP(peerID domain.PeerID, role domain.TrackRole, packets []rtcp.Packet, observer RTCPObserver) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				observer.ObserveLoss(peerID, role, float64(report.FractionLost)/256)
				observer.ObserveJitter(peerID, role, report.Jitter)
			}
		case *rtcp.TransportLayerNack:
			lost := 0
			for _, pair := range p.Nacks {
				lost += len(pair.PacketList())
			}
			observer.RecordNACK(peerID, role, lost)
		case *rtcp.PictureLossIndication:
			observer.RecordPLI(peerID, role)
		}
	}
}

// drainRTCP discards receiver side RTCP.
func drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}
