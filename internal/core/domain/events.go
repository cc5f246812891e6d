package domain

// JoinAnnouncement is sent to the relay when the local user joins.
type JoinAnnouncement struct {
	RoomID    RoomID    `json:"roomId"`
	ChannelID ChannelID `json:"channelId"`
	UserID    UserID    `json:"userId"`
	Username  string    `json:"username"`
}

// ShareAnnouncement describes a started or stopped screen share or camera.
type ShareAnnouncement struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
	HasAudio bool   `json:"hasAudio,omitempty"`
}

// PeerAnnouncement is the relay's notice that a new mesh member arrived.
// ShouldOffer is the relay's glare tie-break: exactly one side of each
// pair receives true.
type PeerAnnouncement struct {
	PeerID         PeerID `json:"peerId"`
	Username       string `json:"username"`
	ShouldOffer    bool   `json:"shouldOffer"`
	ScreenSharing  bool   `json:"isScreenSharing"`
	VideoOn        bool   `json:"isVideoOn"`
	HasScreenAudio bool   `json:"hasScreenAudio"`
	Muted          bool   `json:"isMuted"`
}

// Participant converts the announcement to a roster entry.
func (a PeerAnnouncement) Participant() ParticipantState {
	return ParticipantState{
		UserID:         a.PeerID.UserID(),
		Username:       a.Username,
		Muted:          a.Muted,
		ScreenSharing:  a.ScreenSharing,
		VideoOn:        a.VideoOn,
		HasScreenAudio: a.HasScreenAudio,
	}
}
