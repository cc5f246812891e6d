package signal

import (
	"encoding/json"
	"fmt"

	"voicemesh/internal/core/domain"
)

// Client to relay.
const (
	EventJoinVoice          = "join-voice"
	EventLeaveVoice         = "leave-voice"
	EventToggleMute         = "toggle-mute"
	EventSpeaking           = "speaking"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventVideoStarted       = "video-started"
	EventVideoStopped       = "video-stopped"
	EventSignal             = "signal"
)

// Relay to client.
const (
	EventPeerJoined      = "peer-joined"
	EventPeerLeft        = "peer-left"
	EventChannelUpdate   = "voice-channel-update"
	EventUserSpeaking    = "user-speaking"
	EventUserMuted       = "user-muted"
	EventUserScreenShare = "user-screen-share"
	EventUserVideo       = "user-video"
	EventError           = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type MutePayload struct {
	Muted bool `json:"muted"`
}

type SpeakingPayload struct {
	IsSpeaking bool `json:"isSpeaking"`
}

// OutboundSignal is a signal as sent by a client; the relay rewrites it
// into an InboundSignal for the target.
type OutboundSignal struct {
	Type domain.SignalKind `json:"type"`
	To   domain.PeerID     `json:"to"`
	Data json.RawMessage   `json:"data"`
}

type InboundSignal struct {
	From domain.PeerID     `json:"from"`
	Type domain.SignalKind `json:"type"`
	Data json.RawMessage   `json:"data"`
}

type PeerLeftPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ChannelUpdatePayload struct {
	ChannelID domain.ChannelID          `json:"channelId"`
	Users     []domain.ParticipantState `json:"users"`
}

// UserFlagPayload carries one boolean participant attribute.
type UserFlagPayload struct {
	UserID   domain.UserID `json:"userId"`
	Value    bool          `json:"value"`
	HasAudio *bool         `json:"hasAudio,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode frames payload under event. A nil payload produces an envelope
// without one.
func Encode(event string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode unmarshals an envelope payload into v.
func Decode(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	return nil
}

// participantUpdate converts a per-user flag event into a roster update.
func participantUpdate(event string, p UserFlagPayload) (domain.ParticipantUpdate, error) {
	update := domain.ParticipantUpdate{UserID: p.UserID}
	value := p.Value
	switch event {
	case EventUserSpeaking:
		update.Speaking = &value
	case EventUserMuted:
		update.Muted = &value
	case EventUserScreenShare:
		update.ScreenSharing = &value
		hasAudio := value && p.HasAudio != nil && *p.HasAudio
		update.HasScreenAudio = &hasAudio
	case EventUserVideo:
		update.VideoOn = &value
	default:
		return domain.ParticipantUpdate{}, fmt.Errorf("%s: not a participant flag event", event)
	}
	return update, nil
}
