package domain

// TrackRole is assigned when a local track is created and never derived
// from device labels.
type TrackRole int

const (
	RoleMicrophone TrackRole = iota + 1
	RoleScreenVideo
	RoleScreenAudio
	RoleCamera
)

func (r TrackRole) String() string {
	switch r {
	case RoleMicrophone:
		return "microphone"
	case RoleScreenVideo:
		return "screen-video"
	case RoleScreenAudio:
		return "screen-audio"
	case RoleCamera:
		return "camera"
	default:
		return "unknown"
	}
}

// FollowsMute reports whether the microphone mute policy applies to the
// role. Only the microphone does; screen audio in particular never mutes.
func (r TrackRole) FollowsMute() bool {
	return r == RoleMicrophone
}

// IsAudio reports whether tracks of this role carry audio.
func (r TrackRole) IsAudio() bool {
	return r == RoleMicrophone || r == RoleScreenAudio
}

// CaptureHandle selects a capture source, e.g. a screen or window id
// picked by the user.
type CaptureHandle struct {
	SourceID     string `json:"source_id"`
	IncludeAudio bool   `json:"include_audio"`
}
