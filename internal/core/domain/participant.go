package domain

// ParticipantState is one roster entry as announced over signaling.
type ParticipantState struct {
	UserID         UserID `json:"userId"`
	Username       string `json:"username"`
	Muted          bool   `json:"muted"`
	Speaking       bool   `json:"speaking"`
	ScreenSharing  bool   `json:"screenSharing"`
	VideoOn        bool   `json:"videoOn"`
	HasScreenAudio bool   `json:"hasScreenAudio"`
}

// ParticipantUpdate is an incremental roster event. Nil fields were not
// part of the event and leave the entry untouched.
type ParticipantUpdate struct {
	UserID         UserID
	Muted          *bool
	Speaking       *bool
	ScreenSharing  *bool
	VideoOn        *bool
	HasScreenAudio *bool
}

// Apply merges the fields present in u into p.
func (u ParticipantUpdate) Apply(p ParticipantState) ParticipantState {
	if u.Muted != nil {
		p.Muted = *u.Muted
	}
	if u.Speaking != nil {
		p.Speaking = *u.Speaking
	}
	if u.ScreenSharing != nil {
		p.ScreenSharing = *u.ScreenSharing
	}
	if u.VideoOn != nil {
		p.VideoOn = *u.VideoOn
	}
	if u.HasScreenAudio != nil {
		p.HasScreenAudio = *u.HasScreenAudio
	}
	return p
}

// RosterDiff lists participants that appeared or vanished when a full
// snapshot replaced the roster.
type RosterDiff struct {
	Added   []ParticipantState
	Removed []ParticipantState
}

func (d RosterDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}
