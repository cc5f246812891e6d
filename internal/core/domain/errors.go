package domain

import "errors"

var (
	ErrPeerNotFound   = errors.New("peer not found")
	ErrLinkClosed     = errors.New("peer link closed")
	ErrLoopStopped    = errors.New("event loop stopped")
	ErrIntentNotFound = errors.New("rejoin intent not found")
	ErrQueueFull      = errors.New("outbound queue full")
	ErrNotConnected   = errors.New("signaling not connected")
)
