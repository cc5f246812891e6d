package domain

import "time"

type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

type NotificationKind string

const (
	NotifyDisconnected      NotificationKind = "disconnected"
	NotifyJoinFailed        NotificationKind = "join-failed"
	NotifyRejoinFailed      NotificationKind = "rejoin-failed"
	NotifyShareFailed       NotificationKind = "share-failed"
	NotifyPeerUnreachable   NotificationKind = "peer-unreachable"
	NotifySignalingTimeout  NotificationKind = "signaling-timeout"
	NotifyRelayError        NotificationKind = "relay-error"
	NotifyParticipantJoined NotificationKind = "participant-joined"
	NotifyParticipantLeft   NotificationKind = "participant-left"
)

// Notification is a user-visible event surfaced by the voice engine.
type Notification struct {
	Kind    NotificationKind  `json:"kind"`
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
	PeerID  PeerID            `json:"peer_id,omitempty"`
	At      time.Time         `json:"at"`
}
