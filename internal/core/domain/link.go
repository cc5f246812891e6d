package domain

import "time"

// LinkState is the health of the transport session to one remote peer.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// PeerLinkInfo is a read-only view of a peer link. RecreateBudget is the
// state of the per-peer recreate breaker; it reads "open" while recreations
// are throttled.
type PeerLinkInfo struct {
	PeerID               PeerID    `json:"peer_id"`
	State                LinkState `json:"state"`
	ICEState             string    `json:"ice_state"`
	Polite               bool      `json:"polite"`
	AwaitingAnswer       bool      `json:"awaiting_answer"`
	PendingRenegotiation bool      `json:"pending_renegotiation"`
	AttachedTracks       int       `json:"attached_tracks"`
	Recreations          int       `json:"recreations"`
	RecreateBudget       string    `json:"recreate_budget"`
	CreatedAt            time.Time `json:"created_at"`
}

// SignalKind is the type of a point-to-point negotiation message.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"

	// SignalRenegotiate asks the offering side of a pair for a fresh offer.
	// Only the side with shouldOffer ever creates offers, so two offers
	// can never cross on one link.
	SignalRenegotiate SignalKind = "renegotiate"
)

// RenegotiateRequest is the payload of a renegotiate signal.
type RenegotiateRequest struct {
	ICERestart bool `json:"ice_restart"`
}

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalRenegotiate:
		return true
	}
	return false
}
