package domain

type ChannelID string
type RoomID string
type UserID string
type SessionID string

// PeerID identifies a remote mesh member. The relay uses user ids as peer
// ids, so a PeerID converts losslessly to the roster key.
type PeerID string

func (p PeerID) UserID() UserID {
	return UserID(p)
}

func (u UserID) PeerID() PeerID {
	return PeerID(u)
}
