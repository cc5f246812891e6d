package webrtc

import (
	"context"
	"fmt"
	"sync"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the peer connection configuration shared by every link.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// RemoteTrackSink receives the media a remote peer sends us.
type RemoteTrackSink interface {
	Attach(peerID domain.PeerID, track RTPReader, kind webrtc.RTPCodecType)
}

// Transport builds pion peer connections from one shared API so every
// session gets the same codecs and interceptors. It implements
// ports.TransportFactory.
type Transport struct {
	config Config
	api    *webrtc.API
	remote RemoteTrackSink
	rtcp   RTCPObserver
	logger *zap.SugaredLogger
}

func NewTransport(config Config, remote RemoteTrackSink, rtcpObserver RTCPObserver, logger *zap.Logger) (*Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	if rtcpObserver == nil {
		rtcpObserver = nopRTCPObserver{}
	}
	return &Transport{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		remote: remote,
		rtcp:   rtcpObserver,
		logger: logger.With(zap.String("component", "transport")).Sugar(),
	}, nil
}

func (t *Transport) NewSession(peerID domain.PeerID, events ports.SessionEvents) (ports.PeerSession, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &session{
		peerID:  peerID,
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
		rtcp:    t.rtcp,
		logger:  t.logger.With("peer_id", peerID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnICECandidate == nil {
			return
		}
		events.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debugw("peer connection state changed", "connection_state", state)
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(LinkState(state))
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if events.OnICEStateChange != nil {
			events.OnICEStateChange(state.String())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind(),
			"codec", track.Codec().MimeType,
		)
		go drainRTCP(receiver)
		if t.remote != nil {
			t.remote.Attach(peerID, track, track.Kind())
		}
	})

	return s, nil
}

// LinkState maps a pion connection state onto the link lifecycle.
func LinkState(state webrtc.PeerConnectionState) domain.LinkState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed
	default:
		return domain.LinkNew
	}
}

// session wraps one pion peer connection. Offer and answer creation set
// the local description; candidates trickle through OnICECandidate.
type session struct {
	peerID domain.PeerID
	pc     *webrtc.PeerConnection
	rtcp   RTCPObserver
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
}

func (s *session) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (s *session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (s *session) SetRemoteDescription(ctx context.Context, sdp webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(sdp)
}

func (s *session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}

func (s *session) AddTrack(track ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.senders[track.ID()]; ok {
		return nil
	}
	local := track.TrackLocal()
	if local == nil {
		return fmt.Errorf("track %s has no transport track", track.ID())
	}
	sender, err := s.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	s.senders[track.ID()] = sender
	go readSenderRTCP(s.peerID, track.Role(), sender, s.rtcp)
	return nil
}

func (s *session) RemoveTrack(trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.senders[trackID]
	if !ok {
		return nil
	}
	delete(s.senders, trackID)
	if err := s.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track %s: %w", trackID, err)
	}
	return nil
}

func (s *session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *session) Close() error {
	return s.pc.Close()
}
