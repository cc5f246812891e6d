package ports

import (
	"context"
	"encoding/json"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// LocalTrack is a captured local media track. Its role is fixed at
// creation.
type LocalTrack interface {
	ID() string
	Role() domain.TrackRole
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture device. Calling it more than once is a no-op.
	Stop() error
	TrackLocal() webrtc.TrackLocal
}

// AudioSampler exposes the latest PCM samples of an audio source.
type AudioSampler interface {
	// ReadSamples copies the most recent mono samples, newest last, into dst
	// and returns how many were written.
	ReadSamples(dst []float32) int
	SampleRate() int
}

type MicrophoneTrack interface {
	LocalTrack
	AudioSampler
}

// CaptureProvider acquires capture devices from the host.
type CaptureProvider interface {
	AcquireMicrophone(ctx context.Context) (MicrophoneTrack, error)
	// AcquireScreen returns a nil audio track when the source has no system
	// audio or it was not requested.
	AcquireScreen(ctx context.Context, handle domain.CaptureHandle) (video LocalTrack, audio LocalTrack, err error)
	AcquireCamera(ctx context.Context, handle domain.CaptureHandle) (LocalTrack, error)
}

// SessionEvents are the callbacks of one transport session. They run on
// transport goroutines.
type SessionEvents struct {
	OnICECandidate          func(candidate webrtc.ICECandidateInit)
	OnConnectionStateChange func(state domain.LinkState)
	OnICEStateChange        func(state string)
}

// PeerSession is one peer transport session. Offer and answer creation
// also apply the result as the local description.
type PeerSession interface {
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track LocalTrack) error
	RemoveTrack(trackID string) error
	SignalingState() webrtc.SignalingState
	Close() error
}

type TransportFactory interface {
	NewSession(peerID domain.PeerID, events SessionEvents) (PeerSession, error)
}

// SignalingClient sends relay events. Sends are queued and never block on
// the network.
type SignalingClient interface {
	Connected() bool
	JoinVoice(ctx context.Context, join domain.JoinAnnouncement) error
	LeaveVoice(ctx context.Context) error
	ToggleMute(ctx context.Context, muted bool) error
	Speaking(ctx context.Context, speaking bool) error
	ScreenShareStarted(ctx context.Context, share domain.ShareAnnouncement) error
	ScreenShareStopped(ctx context.Context, share domain.ShareAnnouncement) error
	VideoStarted(ctx context.Context, share domain.ShareAnnouncement) error
	VideoStopped(ctx context.Context, share domain.ShareAnnouncement) error
	SendSignal(ctx context.Context, to domain.PeerID, kind domain.SignalKind, data json.RawMessage) error
}

// SignalingHandler receives relay events in arrival order.
type SignalingHandler interface {
	OnConnected()
	OnDisconnected(err error)
	OnPeerJoined(peer domain.PeerAnnouncement)
	OnPeerLeft(peerID domain.PeerID)
	OnChannelUpdate(channelID domain.ChannelID, users []domain.ParticipantState)
	OnParticipantUpdate(update domain.ParticipantUpdate)
	OnSignal(from domain.PeerID, kind domain.SignalKind, data json.RawMessage)
	OnRelayError(message string)
	OnSendFailed(event string, err error)
}

type Notifier interface {
	Notify(n domain.Notification)
}

// PlaybackController gates remote audio output.
type PlaybackController interface {
	SetDeafened(deafened bool)
}

// MeshMetrics receives voice engine measurements.
type MeshMetrics interface {
	SetJoined(joined bool)
	SetActiveLinks(n int)
	RecordOffer(iceRestart bool)
	RecordNegotiationFailure(step string)
	RecordRecreate()
	ObserveNegotiation(d time.Duration)
	RecordSpeaking(speaking bool)
	RecordNotification(kind domain.NotificationKind)
}
