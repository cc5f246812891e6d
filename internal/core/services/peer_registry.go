package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/pkg/circuitbreaker"
	apperrors "voicemesh/pkg/errors"
	"voicemesh/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errAnswerTimeout = errors.New("no answer before negotiation timeout")

type RegistryConfig struct {
	DisconnectTimeout  time.Duration
	RecreateDelay      time.Duration
	NegotiationTimeout time.Duration
	// RecreateFailures consecutive failures open the per-peer recreate
	// budget for RecreateCooldown.
	RecreateFailures int
	RecreateCooldown time.Duration
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DisconnectTimeout:  5 * time.Second,
		RecreateDelay:      2 * time.Second,
		NegotiationTimeout: 15 * time.Second,
		RecreateFailures:   5,
		RecreateCooldown:   30 * time.Second,
	}
}

type peerLink struct {
	id          domain.PeerID
	session     ports.PeerSession
	state       domain.LinkState
	iceState    string
	polite      bool
	shouldOffer bool
	createdAt   time.Time
	recreations int

	awaitingAnswer       bool
	offerICERestart      bool
	offerSentAt          time.Time
	offerSeq             uint64
	pendingRenegotiation bool
	pendingICERestart    bool
	renegotiationQueued  bool
	remoteSet            bool
	pendingCandidates    []webrtc.ICECandidateInit

	tracks map[string]ports.LocalTrack

	disconnectTimer  Timer
	negotiationTimer Timer
	recreateTimer    Timer
	closed           bool
}

// PeerRegistry owns one transport session per remote participant. Every
// method must run on the event loop; transport callbacks are re-posted
// there and dropped when their link is gone.
//
// Only the side with shouldOffer creates offers on a link. The answering
// side asks for one with a renegotiate signal instead, so offers never
// cross and no local description is ever rolled back.
type PeerRegistry struct {
	cfg       RegistryConfig
	loop      *EventLoop
	clock     Clock
	transport ports.TransportFactory
	signaling ports.SignalingClient
	notifier  ports.Notifier
	metrics   ports.MeshMetrics
	logger    *zap.Logger

	links   map[domain.PeerID]*peerLink
	local   []ports.LocalTrack
	budgets map[domain.PeerID]*recreateBudget
}

type recreateBudget struct {
	breaker *circuitbreaker.CircuitBreaker
	warned  bool
}

func NewPeerRegistry(
	cfg RegistryConfig,
	loop *EventLoop,
	clock Clock,
	transport ports.TransportFactory,
	signaling ports.SignalingClient,
	notifier ports.Notifier,
	metrics ports.MeshMetrics,
	logger *zap.Logger,
) *PeerRegistry {
	return &PeerRegistry{
		cfg:       cfg,
		loop:      loop,
		clock:     clock,
		transport: transport,
		signaling: signaling,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		links:     make(map[domain.PeerID]*peerLink),
		budgets:   make(map[domain.PeerID]*recreateBudget),
	}
}

// OnPeerJoined creates the link for a new mesh member and offers when the
// relay picked this side. It reports false for a duplicate announcement.
func (r *PeerRegistry) OnPeerJoined(peerID domain.PeerID, shouldOffer bool) bool {
	if _, exists := r.links[peerID]; exists {
		r.logger.Debug("duplicate peer-joined ignored", zap.String("peer_id", string(peerID)))
		return false
	}
	link, err := r.createLink(peerID, shouldOffer, 0)
	if err != nil {
		r.logger.Error("failed to create peer link", zap.String("peer_id", string(peerID)), zap.Error(err))
		r.retryLater(peerID, shouldOffer, 0)
		return true
	}
	if shouldOffer {
		r.sendOffer(link, false)
	}
	return true
}

// OnPeerLeft closes and forgets the link. Local tracks stay alive; they
// are shared with the other links.
func (r *PeerRegistry) OnPeerLeft(peerID domain.PeerID) {
	link, ok := r.links[peerID]
	if !ok {
		return
	}
	delete(r.links, peerID)
	delete(r.budgets, peerID)
	if err := r.closeLink(link); err != nil {
		r.logger.Warn("closing peer link", zap.String("peer_id", string(peerID)), zap.Error(err))
	}
	r.metrics.SetActiveLinks(len(r.links))
	r.logger.Info("peer link removed", zap.String("peer_id", string(peerID)))
}

// OnSignal applies an inbound negotiation message. Only an offer may create
// a link; anything else for an unknown peer is dropped.
func (r *PeerRegistry) OnSignal(from domain.PeerID, kind domain.SignalKind, data json.RawMessage) {
	link, ok := r.links[from]
	switch kind {
	case domain.SignalOffer:
		if !ok {
			var err error
			if link, err = r.createLink(from, false, 0); err != nil {
				r.logger.Error("failed to create link for inbound offer", zap.String("peer_id", string(from)), zap.Error(err))
				r.retryLater(from, false, 0)
				return
			}
		} else if link.state == domain.LinkFailed {
			if link = r.recreate(link); link == nil {
				return
			}
		}
		r.handleOffer(link, data)
	case domain.SignalAnswer:
		if !ok {
			r.logger.Debug("answer for unknown peer dropped", zap.String("peer_id", string(from)))
			return
		}
		r.handleAnswer(link, data)
	case domain.SignalICECandidate:
		if !ok {
			r.logger.Debug("ice candidate for unknown peer dropped", zap.String("peer_id", string(from)))
			return
		}
		r.handleCandidate(link, data)
	case domain.SignalRenegotiate:
		if !ok {
			r.logger.Debug("renegotiate request for unknown peer dropped", zap.String("peer_id", string(from)))
			return
		}
		r.handleRenegotiateRequest(link, data)
	default:
		r.logger.Warn("unknown signal kind", zap.String("peer_id", string(from)), zap.String("kind", string(kind)))
	}
}

// Renegotiate requests a fresh offer on the link, or asks the remote side
// for one when it is the offering side. Requests within one loop tick
// collapse into a single negotiation.
func (r *PeerRegistry) Renegotiate(peerID domain.PeerID) {
	if link, ok := r.links[peerID]; ok {
		r.requestRenegotiation(link)
	}
}

// AttachTrack adds a local track to every link and to every link created
// later.
func (r *PeerRegistry) AttachTrack(track ports.LocalTrack) {
	for _, t := range r.local {
		if t.ID() == track.ID() {
			return
		}
	}
	r.local = append(r.local, track)
	for _, link := range r.sortedLinks() {
		if link.session == nil {
			continue
		}
		if err := r.attach(link, track); err != nil {
			r.fail(link, "add-track", err)
			continue
		}
		r.requestRenegotiation(link)
	}
}

// DetachTrack removes a local track from every link.
func (r *PeerRegistry) DetachTrack(trackID string) {
	kept := r.local[:0]
	for _, t := range r.local {
		if t.ID() != trackID {
			kept = append(kept, t)
		}
	}
	r.local = kept

	for _, link := range r.sortedLinks() {
		if _, ok := link.tracks[trackID]; !ok {
			continue
		}
		delete(link.tracks, trackID)
		if err := link.session.RemoveTrack(trackID); err != nil {
			r.fail(link, "remove-track", err)
			continue
		}
		r.requestRenegotiation(link)
	}
}

// CloseAll closes every link and forgets the local tracks. A failure on
// one link does not prevent closing the rest.
func (r *PeerRegistry) CloseAll() error {
	var err error
	for _, link := range r.sortedLinks() {
		err = multierr.Append(err, r.closeLink(link))
	}
	r.links = make(map[domain.PeerID]*peerLink)
	r.budgets = make(map[domain.PeerID]*recreateBudget)
	r.local = nil
	r.metrics.SetActiveLinks(0)
	return err
}

func (r *PeerRegistry) Has(peerID domain.PeerID) bool {
	_, ok := r.links[peerID]
	return ok
}

func (r *PeerRegistry) Len() int {
	return len(r.links)
}

// Links returns a view of every link ordered by peer id.
func (r *PeerRegistry) Links() []domain.PeerLinkInfo {
	links := r.sortedLinks()
	out := make([]domain.PeerLinkInfo, 0, len(links))
	for _, link := range links {
		out = append(out, domain.PeerLinkInfo{
			PeerID:               link.id,
			State:                link.state,
			ICEState:             link.iceState,
			Polite:               link.polite,
			AwaitingAnswer:       link.awaitingAnswer,
			PendingRenegotiation: link.pendingRenegotiation,
			AttachedTracks:       len(link.tracks),
			Recreations:          link.recreations,
			RecreateBudget:       r.budgetState(link.id),
			CreatedAt:            link.createdAt,
		})
	}
	return out
}

func (r *PeerRegistry) createLink(peerID domain.PeerID, shouldOffer bool, recreations int) (*peerLink, error) {
	link := &peerLink{
		id:          peerID,
		state:       domain.LinkNew,
		iceState:    "new",
		polite:      !shouldOffer,
		shouldOffer: shouldOffer,
		createdAt:   r.clock.Now(),
		recreations: recreations,
		tracks:      make(map[string]ports.LocalTrack),
	}

	session, err := r.transport.NewSession(peerID, ports.SessionEvents{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			r.loop.Post(func() { r.onLocalCandidate(link, c) })
		},
		OnConnectionStateChange: func(state domain.LinkState) {
			r.loop.Post(func() { r.onConnectionState(link, state) })
		},
		OnICEStateChange: func(state string) {
			r.loop.Post(func() {
				if r.live(link) {
					link.iceState = state
				}
			})
		},
	})
	if err != nil {
		return nil, apperrors.NewNegotiationFailedError(string(peerID), "create-session", err)
	}
	link.session = session

	for _, track := range r.local {
		if err := r.attach(link, track); err != nil {
			_ = session.Close()
			return nil, apperrors.NewNegotiationFailedError(string(peerID), "add-track", err)
		}
	}

	r.links[peerID] = link
	r.metrics.SetActiveLinks(len(r.links))
	r.logger.Info("peer link created",
		zap.String("peer_id", string(peerID)),
		zap.Bool("polite", link.polite),
		zap.Int("tracks", len(link.tracks)),
	)
	return link, nil
}

func (r *PeerRegistry) attach(link *peerLink, track ports.LocalTrack) error {
	if _, ok := link.tracks[track.ID()]; ok {
		return nil
	}
	if err := link.session.AddTrack(track); err != nil {
		return err
	}
	link.tracks[track.ID()] = track
	return nil
}

// live reports whether callbacks for link may still be applied.
func (r *PeerRegistry) live(link *peerLink) bool {
	return !link.closed && r.links[link.id] == link
}

func (r *PeerRegistry) requestRenegotiation(link *peerLink) {
	if link.state != domain.LinkConnected || link.awaitingAnswer {
		link.pendingRenegotiation = true
		return
	}
	if link.renegotiationQueued {
		return
	}
	link.renegotiationQueued = true
	r.loop.AfterTick(func() {
		link.renegotiationQueued = false
		if !r.live(link) {
			return
		}
		if link.state != domain.LinkConnected || link.awaitingAnswer {
			link.pendingRenegotiation = true
			return
		}
		r.negotiate(link, false)
	})
}

// replayPending runs a deferred renegotiation once the link is idle.
func (r *PeerRegistry) replayPending(link *peerLink) {
	if link.awaitingAnswer {
		return
	}
	if link.pendingICERestart {
		link.pendingICERestart = false
		r.sendOffer(link, true)
		return
	}
	if link.pendingRenegotiation && link.state == domain.LinkConnected {
		link.pendingRenegotiation = false
		r.requestRenegotiation(link)
	}
}

// negotiate offers on links this side offers on and asks the remote side
// to offer on the others.
func (r *PeerRegistry) negotiate(link *peerLink, iceRestart bool) {
	if link.shouldOffer {
		r.sendOffer(link, iceRestart)
		return
	}
	r.requestOffer(link, iceRestart)
}

func (r *PeerRegistry) requestOffer(link *peerLink, iceRestart bool) {
	data, err := json.Marshal(domain.RenegotiateRequest{ICERestart: iceRestart})
	if err != nil {
		r.fail(link, "encode-renegotiate", err)
		return
	}
	link.pendingRenegotiation = false
	if err := r.signaling.SendSignal(context.Background(), link.id, domain.SignalRenegotiate, data); err != nil {
		r.logger.Warn("failed to queue renegotiate request", zap.String("peer_id", string(link.id)), zap.Error(err))
	}
	r.logger.Debug("renegotiation requested",
		zap.String("peer_id", string(link.id)),
		zap.Bool("ice_restart", iceRestart),
	)
}

// handleRenegotiateRequest answers the remote side's request for an offer.
// An ICE restart request during an outstanding ICE restart offer is already
// satisfied by that offer.
func (r *PeerRegistry) handleRenegotiateRequest(link *peerLink, data json.RawMessage) {
	if !link.shouldOffer {
		r.logger.Debug("renegotiate request on answering side dropped", zap.String("peer_id", string(link.id)))
		return
	}
	if link.state == domain.LinkFailed {
		return
	}
	var req domain.RenegotiateRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			r.logger.Warn("malformed renegotiate request", zap.String("peer_id", string(link.id)), zap.Error(err))
			return
		}
	}
	if !req.ICERestart {
		r.requestRenegotiation(link)
		return
	}
	if link.awaitingAnswer {
		if !link.offerICERestart {
			link.pendingICERestart = true
		}
		return
	}
	r.sendOffer(link, true)
}

func (r *PeerRegistry) sendOffer(link *peerLink, iceRestart bool) {
	ctx, span := tracing.TraceNegotiation(context.Background(), "offer", string(link.id), iceRestart)
	defer span.End()

	offer, err := link.session.CreateOffer(ctx, iceRestart)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.fail(link, "create-offer", err)
		return
	}
	data, err := json.Marshal(offer)
	if err != nil {
		r.fail(link, "encode-offer", err)
		return
	}

	link.pendingRenegotiation = false
	if iceRestart {
		link.pendingICERestart = false
	}
	link.awaitingAnswer = true
	link.offerICERestart = iceRestart
	link.offerSentAt = r.clock.Now()
	link.offerSeq++
	seq := link.offerSeq
	stopTimer(link.negotiationTimer)
	link.negotiationTimer = r.clock.AfterFunc(r.cfg.NegotiationTimeout, func() {
		r.loop.Post(func() {
			if r.live(link) && link.awaitingAnswer && link.offerSeq == seq {
				r.fail(link, "await-answer", errAnswerTimeout)
			}
		})
	})

	if err := r.signaling.SendSignal(ctx, link.id, domain.SignalOffer, data); err != nil {
		r.logger.Warn("failed to queue offer", zap.String("peer_id", string(link.id)), zap.Error(err))
	}
	r.metrics.RecordOffer(iceRestart)
	r.logger.Debug("offer sent",
		zap.String("peer_id", string(link.id)),
		zap.Bool("ice_restart", iceRestart),
		zap.Int("tracks", len(link.tracks)),
	)
}

func (r *PeerRegistry) handleOffer(link *peerLink, data json.RawMessage) {
	ctx, span := tracing.TraceNegotiation(context.Background(), "answer", string(link.id), false)
	defer span.End()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil {
		r.fail(link, "decode-offer", err)
		return
	}

	if link.awaitingAnswer {
		// Both sides believe they offer. Ours stands; the peer's offer goes
		// unanswered and its negotiation timeout recreates the link.
		r.logger.Debug("ignoring colliding offer", zap.String("peer_id", string(link.id)))
		return
	}

	if err := link.session.SetRemoteDescription(ctx, offer); err != nil {
		tracing.RecordError(ctx, err)
		r.fail(link, "set-remote-offer", err)
		return
	}
	r.remoteApplied(link)

	answer, err := link.session.CreateAnswer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.fail(link, "create-answer", err)
		return
	}
	payload, err := json.Marshal(answer)
	if err != nil {
		r.fail(link, "encode-answer", err)
		return
	}
	if err := r.signaling.SendSignal(ctx, link.id, domain.SignalAnswer, payload); err != nil {
		r.logger.Warn("failed to queue answer", zap.String("peer_id", string(link.id)), zap.Error(err))
	}
	if link.state == domain.LinkNew {
		link.state = domain.LinkConnecting
	}
	r.replayPending(link)
}

func (r *PeerRegistry) handleAnswer(link *peerLink, data json.RawMessage) {
	if !link.awaitingAnswer {
		r.logger.Debug("unexpected answer dropped", zap.String("peer_id", string(link.id)))
		return
	}
	ctx, span := tracing.TraceNegotiation(context.Background(), "apply-answer", string(link.id), false)
	defer span.End()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		r.fail(link, "decode-answer", err)
		return
	}
	if err := link.session.SetRemoteDescription(ctx, answer); err != nil {
		tracing.RecordError(ctx, err)
		r.fail(link, "set-remote-answer", err)
		return
	}
	link.awaitingAnswer = false
	stopTimer(link.negotiationTimer)
	r.metrics.ObserveNegotiation(r.clock.Now().Sub(link.offerSentAt))
	if link.state == domain.LinkNew {
		link.state = domain.LinkConnecting
	}
	r.remoteApplied(link)
	r.replayPending(link)
}

func (r *PeerRegistry) handleCandidate(link *peerLink, data json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		r.logger.Warn("malformed ice candidate", zap.String("peer_id", string(link.id)), zap.Error(err))
		return
	}
	if !link.remoteSet {
		link.pendingCandidates = append(link.pendingCandidates, candidate)
		return
	}
	if err := link.session.AddICECandidate(candidate); err != nil {
		r.logger.Warn("failed to add ice candidate", zap.String("peer_id", string(link.id)), zap.Error(err))
	}
}

// remoteApplied flushes candidates buffered before the first remote
// description.
func (r *PeerRegistry) remoteApplied(link *peerLink) {
	link.remoteSet = true
	pending := link.pendingCandidates
	link.pendingCandidates = nil
	for _, c := range pending {
		if err := link.session.AddICECandidate(c); err != nil {
			r.logger.Warn("failed to add buffered ice candidate", zap.String("peer_id", string(link.id)), zap.Error(err))
		}
	}
}

func (r *PeerRegistry) onLocalCandidate(link *peerLink, c webrtc.ICECandidateInit) {
	if !r.live(link) {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		r.logger.Warn("encoding ice candidate", zap.Error(err))
		return
	}
	if err := r.signaling.SendSignal(context.Background(), link.id, domain.SignalICECandidate, data); err != nil {
		r.logger.Debug("failed to queue ice candidate", zap.String("peer_id", string(link.id)), zap.Error(err))
	}
}

func (r *PeerRegistry) onConnectionState(link *peerLink, state domain.LinkState) {
	if !r.live(link) || link.state == state {
		return
	}
	prev := link.state
	link.state = state
	r.logger.Info("peer link state changed",
		zap.String("peer_id", string(link.id)),
		zap.String("from", string(prev)),
		zap.String("to", string(state)),
	)

	switch state {
	case domain.LinkConnected:
		stopTimer(link.disconnectTimer)
		link.disconnectTimer = nil
		b := r.budget(link.id)
		b.breaker.RecordSuccess()
		b.warned = false
		r.replayPending(link)
	case domain.LinkDisconnected:
		if link.disconnectTimer != nil {
			return
		}
		link.disconnectTimer = r.clock.AfterFunc(r.cfg.DisconnectTimeout, func() {
			r.loop.Post(func() {
				if !r.live(link) {
					return
				}
				link.disconnectTimer = nil
				if link.state == domain.LinkDisconnected {
					r.restartICE(link)
				}
			})
		})
	case domain.LinkFailed:
		link.state = prev
		r.fail(link, "transport", fmt.Errorf("connection %s", state))
	case domain.LinkClosed:
		stopTimer(link.disconnectTimer)
		link.disconnectTimer = nil
	}
}

func (r *PeerRegistry) restartICE(link *peerLink) {
	if link.awaitingAnswer {
		r.fail(link, "ice-restart", errors.New("still disconnected with an offer outstanding"))
		return
	}
	r.logger.Info("restarting ice", zap.String("peer_id", string(link.id)), zap.Bool("offering", link.shouldOffer))
	r.negotiate(link, true)
}

// fail marks the link failed and schedules its recreation within the
// per-peer budget.
func (r *PeerRegistry) fail(link *peerLink, step string, err error) {
	if !r.live(link) {
		return
	}
	r.metrics.RecordNegotiationFailure(step)
	r.logger.Warn("peer link failed",
		zap.String("peer_id", string(link.id)),
		zap.String("step", step),
		zap.Error(apperrors.NewNegotiationFailedError(string(link.id), step, err)),
	)
	if link.state == domain.LinkFailed {
		return
	}
	link.state = domain.LinkFailed
	link.awaitingAnswer = false
	stopTimer(link.negotiationTimer)
	stopTimer(link.disconnectTimer)
	link.disconnectTimer = nil

	b := r.budget(link.id)
	b.breaker.RecordFailure()
	r.scheduleRecreate(link)
}

func (r *PeerRegistry) scheduleRecreate(link *peerLink) {
	b := r.budget(link.id)
	delay := r.cfg.RecreateDelay
	throttled := !b.breaker.Allow()
	if throttled {
		if wait := b.breaker.RetryAfter(); wait > 0 {
			delay = wait
		}
		if !b.warned {
			b.warned = true
			r.notifier.Notify(domain.Notification{
				Kind:    domain.NotifyPeerUnreachable,
				Level:   domain.LevelWarning,
				Message: fmt.Sprintf("connection to %s keeps failing, retrying in %s", link.id, delay.Round(time.Second)),
				PeerID:  link.id,
				At:      r.clock.Now(),
			})
		}
	}

	stopTimer(link.recreateTimer)
	link.recreateTimer = r.clock.AfterFunc(delay, func() {
		r.loop.Post(func() {
			if !r.live(link) || link.state != domain.LinkFailed {
				return
			}
			if throttled && !b.breaker.Allow() {
				r.scheduleRecreate(link)
				return
			}
			if fresh := r.recreate(link); fresh != nil && fresh.shouldOffer {
				r.sendOffer(fresh, false)
			}
		})
	})
}

// recreate replaces a failed link with a fresh session carrying the same
// tracks. When the session cannot be created it returns nil and leaves a
// failed placeholder that is retried within the recreate budget.
func (r *PeerRegistry) recreate(link *peerLink) *peerLink {
	if err := r.closeLink(link); err != nil {
		r.logger.Debug("closing failed session", zap.String("peer_id", string(link.id)), zap.Error(err))
	}
	delete(r.links, link.id)

	fresh, err := r.createLink(link.id, link.shouldOffer, link.recreations+1)
	if err != nil {
		r.logger.Error("failed to recreate peer link", zap.String("peer_id", string(link.id)), zap.Error(err))
		r.retryLater(link.id, link.shouldOffer, link.recreations+1)
		return nil
	}
	r.metrics.RecordRecreate()
	return fresh
}

// retryLater keeps a peer whose session could not be created as a failed
// link without a session, so it stays in the registry and is recreated
// once the budget allows.
func (r *PeerRegistry) retryLater(peerID domain.PeerID, shouldOffer bool, recreations int) {
	link := &peerLink{
		id:          peerID,
		state:       domain.LinkFailed,
		iceState:    "new",
		polite:      !shouldOffer,
		shouldOffer: shouldOffer,
		createdAt:   r.clock.Now(),
		recreations: recreations,
		tracks:      make(map[string]ports.LocalTrack),
	}
	r.links[peerID] = link
	r.metrics.SetActiveLinks(len(r.links))
	r.metrics.RecordNegotiationFailure("create-session")
	r.budget(peerID).breaker.RecordFailure()
	r.scheduleRecreate(link)
}

func (r *PeerRegistry) budget(peerID domain.PeerID) *recreateBudget {
	b, ok := r.budgets[peerID]
	if !ok {
		cfg := circuitbreaker.DefaultConfig()
		cfg.FailureThreshold = r.cfg.RecreateFailures
		cfg.Timeout = r.cfg.RecreateCooldown
		cfg.SuccessThreshold = 1
		cfg.MaxRequestsHalfOpen = 1
		b = &recreateBudget{breaker: circuitbreaker.New(cfg, circuitbreaker.WithClock(r.clock.Now))}
		r.budgets[peerID] = b
	}
	return b
}

func (r *PeerRegistry) budgetState(peerID domain.PeerID) string {
	if b, ok := r.budgets[peerID]; ok {
		return b.breaker.GetState().String()
	}
	return circuitbreaker.StateClosed.String()
}

func (r *PeerRegistry) closeLink(link *peerLink) error {
	if link.closed {
		return nil
	}
	link.closed = true
	link.state = domain.LinkClosed
	stopTimer(link.disconnectTimer)
	stopTimer(link.negotiationTimer)
	stopTimer(link.recreateTimer)
	link.tracks = nil
	link.pendingCandidates = nil
	if link.session == nil {
		return nil
	}
	return link.session.Close()
}

func (r *PeerRegistry) sortedLinks() []*peerLink {
	links := make([]*peerLink, 0, len(r.links))
	for _, link := range r.links {
		links = append(links, link)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].id < links[j].id })
	return links
}
