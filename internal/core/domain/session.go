package domain

import "time"

// VoiceSession is the local client's membership in one voice channel.
// It exists only while the client is joined.
type VoiceSession struct {
	ID               SessionID
	ChannelID        ChannelID
	RoomID           RoomID
	LocalUserID      UserID
	Username         string
	Muted            bool
	Deafened         bool
	PushToTalkMode   bool
	PushToTalkActive bool
	ScreenSharing    bool
	CameraOn         bool
	JoinedAt         time.Time
}

// EffectiveMute is the mute state actually applied to the microphone.
func (s *VoiceSession) EffectiveMute() bool {
	return EffectiveMute(s.Muted, s.PushToTalkMode, s.PushToTalkActive)
}

// EffectiveMute combines manual mute with push-to-talk: the microphone is
// silent when muted, or when push-to-talk is on and the key is not held.
func EffectiveMute(muted, pushToTalkMode, pushToTalkActive bool) bool {
	return muted || (pushToTalkMode && !pushToTalkActive)
}

// VoicePreferences are the user's audio toggles. They survive leave/join
// and seed every new VoiceSession.
type VoicePreferences struct {
	Muted            bool `json:"muted"`
	Deafened         bool `json:"deafened"`
	PushToTalkMode   bool `json:"push_to_talk_mode"`
	PushToTalkActive bool `json:"push_to_talk_active"`
}

// SessionSnapshot is the read model of the coordinator state.
type SessionSnapshot struct {
	Joined           bool      `json:"joined"`
	Connected        bool      `json:"connected"`
	SessionID        SessionID `json:"session_id,omitempty"`
	ChannelID        ChannelID `json:"channel_id,omitempty"`
	RoomID           RoomID    `json:"room_id,omitempty"`
	UserID           UserID    `json:"user_id"`
	Username         string    `json:"username"`
	Muted            bool      `json:"muted"`
	Deafened         bool      `json:"deafened"`
	PushToTalkMode   bool      `json:"push_to_talk_mode"`
	PushToTalkActive bool      `json:"push_to_talk_active"`
	EffectiveMute    bool      `json:"effective_mute"`
	Speaking         bool      `json:"speaking"`
	ScreenSharing    bool      `json:"screen_sharing"`
	CameraOn         bool      `json:"camera_on"`
	JoinedAt         time.Time `json:"joined_at,omitempty"`
}

// RejoinIntent remembers the last joined channel so a reconnecting client
// can resume it within the grace window.
type RejoinIntent struct {
	UserID         UserID    `json:"user_id"`
	ChannelID      ChannelID `json:"channel_id"`
	RoomID         RoomID    `json:"room_id"`
	JoinedAt       time.Time `json:"joined_at"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
}

// Reference is the instant the grace window is measured from: the
// disconnect when one was observed, the join otherwise.
func (r *RejoinIntent) Reference() time.Time {
	if !r.DisconnectedAt.IsZero() {
		return r.DisconnectedAt
	}
	return r.JoinedAt
}

// Elapsed returns the time since Reference under the rejoin clock policy:
// the larger of the monotonic and the wall-clock reading wins, so a system
// sleep (which stalls the monotonic clock) still counts. ok is false when
// the wall clock is behind the reference, i.e. the clock was set back.
func (r *RejoinIntent) Elapsed(now time.Time) (elapsed time.Duration, ok bool) {
	ref := r.Reference()
	wall := now.Round(0).Sub(ref.Round(0))
	if wall < 0 {
		return 0, false
	}
	elapsed = now.Sub(ref)
	if wall > elapsed {
		elapsed = wall
	}
	return elapsed, true
}

// Eligible reports whether the intent may still be resumed at now.
func (r *RejoinIntent) Eligible(now time.Time, grace time.Duration) bool {
	elapsed, ok := r.Elapsed(now)
	return ok && elapsed <= grace
}
