package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	apperrors "voicemesh/pkg/errors"
	"voicemesh/pkg/logger"
	"voicemesh/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type CoordinatorConfig struct {
	UserID      domain.UserID
	Username    string
	RejoinGrace time.Duration
	Registry    RegistryConfig
	VAD         VADConfig
}

func DefaultCoordinatorConfig(userID domain.UserID, username string) CoordinatorConfig {
	return CoordinatorConfig{
		UserID:      userID,
		Username:    username,
		RejoinGrace: 5 * time.Minute,
		Registry:    DefaultRegistryConfig(),
		VAD:         DefaultVADConfig(),
	}
}

// Dependencies bundles the collaborators of the coordinator. Notifier,
// Intents, Playback, Metrics and Clock are optional.
type Dependencies struct {
	Signaling ports.SignalingClient
	Capture   ports.CaptureProvider
	Transport ports.TransportFactory
	Notifier  ports.Notifier
	Intents   ports.IntentStore
	Playback  ports.PlaybackController
	Metrics   ports.MeshMetrics
	Clock     Clock
}

// Coordinator is the voice session state machine. Public methods may be
// called from any goroutine; they run on the event loop. It implements
// ports.SignalingHandler.
type Coordinator struct {
	cfg       CoordinatorConfig
	loop      *EventLoop
	clock     Clock
	signaling ports.SignalingClient
	media     *MediaController
	registry  *PeerRegistry
	roster    *Roster
	vad       *VoiceActivityDetector
	notifier  ports.Notifier
	intents   ports.IntentStore
	playback  ports.PlaybackController
	metrics   ports.MeshMetrics
	logger    *zap.Logger
	ctxLogger *logger.ContextLogger

	// Loop-confined state.
	session   *domain.VoiceSession
	prefs     domain.VoicePreferences
	connected bool
	speaking  bool
	intent    *domain.RejoinIntent
}

func NewCoordinator(cfg CoordinatorConfig, deps Dependencies, log *zap.Logger) *Coordinator {
	if deps.Notifier == nil {
		deps.Notifier = NewNotificationLog(log, 0)
	}
	if deps.Intents == nil {
		deps.Intents = nopIntentStore{}
	}
	if deps.Playback == nil {
		deps.Playback = nopPlayback{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}

	log = log.With(zap.String("user_id", string(cfg.UserID)))
	loop := NewEventLoop(log)
	c := &Coordinator{
		cfg:       cfg,
		loop:      loop,
		clock:     deps.Clock,
		signaling: deps.Signaling,
		media:     NewMediaController(deps.Capture, log),
		roster:    NewRoster(),
		vad:       NewVoiceActivityDetector(cfg.VAD, loop, deps.Clock, log),
		notifier:  deps.Notifier,
		intents:   deps.Intents,
		playback:  deps.Playback,
		metrics:   deps.Metrics,
		logger:    log,
		ctxLogger: logger.NewContextLogger(log),
	}
	c.registry = NewPeerRegistry(cfg.Registry, loop, deps.Clock, deps.Transport, deps.Signaling, deps.Notifier, deps.Metrics, log)
	return c
}

// Start launches the event loop.
func (c *Coordinator) Start() {
	c.loop.Start()
}

// Stop leaves the channel, if any, and stops the event loop.
func (c *Coordinator) Stop(ctx context.Context) error {
	err := c.LeaveChannel(ctx)
	c.loop.Stop()
	if errors.Is(err, domain.ErrLoopStopped) {
		return nil
	}
	return err
}

// JoinChannel acquires the microphone and announces the join. Joining the
// channel already joined is a no-op.
func (c *Coordinator) JoinChannel(ctx context.Context, channelID domain.ChannelID, roomID domain.RoomID) error {
	if channelID == "" {
		return apperrors.NewInvalidInputError("channel id is required")
	}
	ctx, span := tracing.TraceSession(ctx, "join", string(channelID))
	defer span.End()

	err := c.loop.Do(ctx, func() error {
		return c.join(ctx, channelID, roomID)
	})
	recordSpanError(ctx, err)
	return err
}

// LeaveChannel tears the session down. It always succeeds; teardown
// problems are logged.
func (c *Coordinator) LeaveChannel(ctx context.Context) error {
	ctx, span := tracing.TraceSession(ctx, "leave", "")
	defer span.End()

	return c.loop.Do(ctx, func() error {
		c.leave(ctx)
		return nil
	})
}

func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.loop.Do(ctx, func() error {
		c.updatePreferences(ctx, func(p *domain.VoicePreferences) { p.Muted = muted })
		return nil
	})
}

func (c *Coordinator) SetPushToTalkMode(ctx context.Context, enabled bool) error {
	return c.loop.Do(ctx, func() error {
		c.updatePreferences(ctx, func(p *domain.VoicePreferences) { p.PushToTalkMode = enabled })
		return nil
	})
}

func (c *Coordinator) SetPushToTalkActive(ctx context.Context, active bool) error {
	return c.loop.Do(ctx, func() error {
		c.updatePreferences(ctx, func(p *domain.VoicePreferences) { p.PushToTalkActive = active })
		return nil
	})
}

// SetDeafened gates remote audio playback.
func (c *Coordinator) SetDeafened(ctx context.Context, deafened bool) error {
	return c.loop.Do(ctx, func() error {
		c.prefs.Deafened = deafened
		if c.session != nil {
			c.session.Deafened = deafened
		}
		c.playback.SetDeafened(deafened)
		return nil
	})
}

func (c *Coordinator) StartScreenShare(ctx context.Context, handle domain.CaptureHandle) error {
	ctx, span := tracing.TraceSession(ctx, "screen_share_start", "")
	defer span.End()

	err := c.loop.Do(ctx, func() error { return c.startScreenShare(ctx, handle) })
	recordSpanError(ctx, err)
	return err
}

func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	return c.loop.Do(ctx, func() error { return c.stopScreenShare(ctx) })
}

func (c *Coordinator) StartCamera(ctx context.Context, handle domain.CaptureHandle) error {
	ctx, span := tracing.TraceSession(ctx, "camera_start", "")
	defer span.End()

	err := c.loop.Do(ctx, func() error { return c.startCamera(ctx, handle) })
	recordSpanError(ctx, err)
	return err
}

func (c *Coordinator) StopCamera(ctx context.Context) error {
	return c.loop.Do(ctx, func() error { return c.stopCamera(ctx) })
}

// Session returns the current session read model.
func (c *Coordinator) Session(ctx context.Context) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	err := c.loop.Do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

// Peers returns the state of every peer link.
func (c *Coordinator) Peers(ctx context.Context) ([]domain.PeerLinkInfo, error) {
	var links []domain.PeerLinkInfo
	err := c.loop.Do(ctx, func() error {
		links = c.registry.Links()
		return nil
	})
	return links, err
}

// Roster is safe to read from any goroutine.
func (c *Coordinator) Roster() *Roster {
	return c.roster
}

// Signaling events. They are queued onto the loop in arrival order.

func (c *Coordinator) OnConnected() {
	c.loop.Post(c.handleConnected)
}

func (c *Coordinator) OnDisconnected(err error) {
	c.loop.Post(func() { c.handleDisconnected(err) })
}

func (c *Coordinator) OnPeerJoined(peer domain.PeerAnnouncement) {
	c.loop.Post(func() { c.handlePeerJoined(peer) })
}

func (c *Coordinator) OnPeerLeft(peerID domain.PeerID) {
	c.loop.Post(func() { c.handlePeerLeft(peerID) })
}

func (c *Coordinator) OnChannelUpdate(channelID domain.ChannelID, users []domain.ParticipantState) {
	c.loop.Post(func() { c.handleChannelUpdate(channelID, users) })
}

func (c *Coordinator) OnParticipantUpdate(update domain.ParticipantUpdate) {
	c.loop.Post(func() {
		if c.session == nil || update.UserID == c.cfg.UserID {
			return
		}
		c.roster.ApplyUpdate(update)
	})
}

func (c *Coordinator) OnSignal(from domain.PeerID, kind domain.SignalKind, data json.RawMessage) {
	c.loop.Post(func() {
		if c.session == nil {
			c.logger.Debug("signal outside a session dropped", zap.String("peer_id", string(from)))
			return
		}
		c.registry.OnSignal(from, kind, data)
	})
}

func (c *Coordinator) OnRelayError(message string) {
	c.loop.Post(func() {
		c.notify(domain.NotifyRelayError, domain.LevelWarning, "", message)
	})
}

func (c *Coordinator) OnSendFailed(event string, err error) {
	c.loop.Post(func() {
		appErr := apperrors.NewSignalingTimeoutError(event, err)
		c.logger.Warn("signaling send exhausted retries", zap.Error(appErr))
		c.notify(domain.NotifySignalingTimeout, domain.LevelWarning, "", appErr.Message)
	})
}

// Loop-side implementation.

func (c *Coordinator) join(ctx context.Context, channelID domain.ChannelID, roomID domain.RoomID) error {
	if !c.connected {
		return apperrors.NewTransportDisconnectedError(domain.ErrNotConnected)
	}
	if c.session != nil {
		if c.session.ChannelID == channelID {
			return nil
		}
		c.leave(ctx)
	}

	ctx = logger.WithChannelID(logger.WithUserID(ctx, string(c.cfg.UserID)), string(channelID))
	mic, err := c.media.AcquireMicrophone(ctx)
	if err != nil {
		c.ctxLogger.LogError(ctx, err, "join aborted, microphone unavailable")
		c.notify(domain.NotifyJoinFailed, domain.LevelError, "", fmt.Sprintf("could not join voice: %v", err))
		return err
	}

	session := &domain.VoiceSession{
		ID:               domain.SessionID(uuid.New().String()),
		ChannelID:        channelID,
		RoomID:           roomID,
		LocalUserID:      c.cfg.UserID,
		Username:         c.cfg.Username,
		Muted:            c.prefs.Muted,
		Deafened:         c.prefs.Deafened,
		PushToTalkMode:   c.prefs.PushToTalkMode,
		PushToTalkActive: c.prefs.PushToTalkActive,
		JoinedAt:         c.clock.Now(),
	}
	effective := session.EffectiveMute()
	c.session = session
	c.media.ApplyMute(effective)
	c.playback.SetDeafened(session.Deafened)

	c.roster.Reset(channelID)
	c.roster.SetSelf(domain.ParticipantState{
		UserID:   c.cfg.UserID,
		Username: c.cfg.Username,
		Muted:    effective,
	})

	err = c.signaling.JoinVoice(ctx, domain.JoinAnnouncement{
		RoomID:    roomID,
		ChannelID: channelID,
		UserID:    c.cfg.UserID,
		Username:  c.cfg.Username,
	})
	if err != nil {
		c.ctxLogger.LogError(ctx, err, "join announcement failed")
		c.notify(domain.NotifyJoinFailed, domain.LevelError, "", fmt.Sprintf("could not join voice: %v", err))
		c.teardown(ctx, false)
		return err
	}
	if effective {
		c.sendBestEffort(ctx, "toggle-mute", c.signaling.ToggleMute(ctx, true))
	}

	c.registry.AttachTrack(mic)
	c.vad.SetMuted(effective)
	c.vad.Start(mic, c.onSpeakingChanged)

	c.intent = &domain.RejoinIntent{
		UserID:    c.cfg.UserID,
		ChannelID: channelID,
		RoomID:    roomID,
		JoinedAt:  session.JoinedAt,
	}
	if err := c.intents.Save(ctx, c.intent); err != nil {
		c.ctxLogger.LogWarn(ctx, "failed to persist rejoin intent", zap.Error(err))
	}

	c.metrics.SetJoined(true)
	c.ctxLogger.LogInfo(ctx, "joined voice channel",
		zap.String("session_id", string(session.ID)),
		zap.Bool("effective_mute", effective),
	)
	return nil
}

func (c *Coordinator) leave(ctx context.Context) {
	if c.session == nil {
		return
	}
	channelID := c.session.ChannelID
	if err := c.teardown(ctx, c.connected); err != nil {
		c.logger.Warn("leave completed with errors", zap.Error(err))
	}
	c.intent = nil
	if err := c.intents.Clear(ctx, c.cfg.UserID); err != nil {
		c.logger.Warn("failed to clear rejoin intent", zap.Error(err))
	}
	c.logger.Info("left voice channel", zap.String("channel_id", string(channelID)))
}

// teardown closes every link and releases capture. The capture release is
// deferred so no earlier step can skip it.
func (c *Coordinator) teardown(ctx context.Context, announce bool) (err error) {
	defer func() {
		err = multierr.Append(err, c.media.StopAll())
		c.session = nil
		c.speaking = false
		c.roster.Reset("")
		c.metrics.SetJoined(false)
	}()

	c.vad.Stop()
	err = multierr.Append(err, c.registry.CloseAll())
	if announce {
		err = multierr.Append(err, c.signaling.LeaveVoice(ctx))
	}
	return err
}

func (c *Coordinator) updatePreferences(ctx context.Context, mutate func(p *domain.VoicePreferences)) {
	before := domain.EffectiveMute(c.prefs.Muted, c.prefs.PushToTalkMode, c.prefs.PushToTalkActive)
	mutate(&c.prefs)
	after := domain.EffectiveMute(c.prefs.Muted, c.prefs.PushToTalkMode, c.prefs.PushToTalkActive)

	if c.session != nil {
		c.session.Muted = c.prefs.Muted
		c.session.PushToTalkMode = c.prefs.PushToTalkMode
		c.session.PushToTalkActive = c.prefs.PushToTalkActive
	}
	if before == after {
		return
	}

	c.media.ApplyMute(after)
	if c.session == nil {
		return
	}
	c.vad.SetMuted(after)
	c.roster.UpdateSelf(func(p *domain.ParticipantState) { p.Muted = after })
	c.sendBestEffort(ctx, "toggle-mute", c.signaling.ToggleMute(ctx, after))
}

func (c *Coordinator) onSpeakingChanged(speaking bool) {
	if c.session == nil {
		return
	}
	c.speaking = speaking
	c.roster.UpdateSelf(func(p *domain.ParticipantState) { p.Speaking = speaking })
	c.metrics.RecordSpeaking(speaking)
	ctx := context.Background()
	c.sendBestEffort(ctx, "speaking", c.signaling.Speaking(ctx, speaking))
}

func (c *Coordinator) startScreenShare(ctx context.Context, handle domain.CaptureHandle) error {
	if c.session == nil {
		return apperrors.NewNotJoinedError()
	}
	if c.session.ScreenSharing {
		return nil
	}
	video, audio, err := c.media.StartScreen(ctx, handle)
	if err != nil {
		c.notify(domain.NotifyShareFailed, domain.LevelError, "", fmt.Sprintf("could not share screen: %v", err))
		return err
	}

	c.registry.AttachTrack(video)
	if audio != nil {
		c.registry.AttachTrack(audio)
	}
	c.session.ScreenSharing = true
	hasAudio := audio != nil
	c.roster.UpdateSelf(func(p *domain.ParticipantState) {
		p.ScreenSharing = true
		p.HasScreenAudio = hasAudio
	})
	c.sendBestEffort(ctx, "screen-share-started", c.signaling.ScreenShareStarted(ctx, c.share(hasAudio)))
	return nil
}

func (c *Coordinator) stopScreenShare(ctx context.Context) error {
	if c.session == nil {
		return apperrors.NewNotJoinedError()
	}
	if !c.session.ScreenSharing {
		return nil
	}
	for _, t := range c.media.ScreenTracks() {
		c.registry.DetachTrack(t.ID())
	}
	if err := c.media.StopScreen(); err != nil {
		c.logger.Warn("releasing screen capture", zap.Error(err))
	}
	c.session.ScreenSharing = false
	c.roster.UpdateSelf(func(p *domain.ParticipantState) {
		p.ScreenSharing = false
		p.HasScreenAudio = false
	})
	c.sendBestEffort(ctx, "screen-share-stopped", c.signaling.ScreenShareStopped(ctx, c.share(false)))
	return nil
}

func (c *Coordinator) startCamera(ctx context.Context, handle domain.CaptureHandle) error {
	if c.session == nil {
		return apperrors.NewNotJoinedError()
	}
	if c.session.CameraOn {
		return nil
	}
	camera, err := c.media.StartCamera(ctx, handle)
	if err != nil {
		c.notify(domain.NotifyShareFailed, domain.LevelError, "", fmt.Sprintf("could not start camera: %v", err))
		return err
	}
	c.registry.AttachTrack(camera)
	c.session.CameraOn = true
	c.roster.UpdateSelf(func(p *domain.ParticipantState) { p.VideoOn = true })
	c.sendBestEffort(ctx, "video-started", c.signaling.VideoStarted(ctx, c.share(false)))
	return nil
}

func (c *Coordinator) stopCamera(ctx context.Context) error {
	if c.session == nil {
		return apperrors.NewNotJoinedError()
	}
	if !c.session.CameraOn {
		return nil
	}
	if camera := c.media.Camera(); camera != nil {
		c.registry.DetachTrack(camera.ID())
	}
	if err := c.media.StopCamera(); err != nil {
		c.logger.Warn("releasing camera", zap.Error(err))
	}
	c.session.CameraOn = false
	c.roster.UpdateSelf(func(p *domain.ParticipantState) { p.VideoOn = false })
	c.sendBestEffort(ctx, "video-stopped", c.signaling.VideoStopped(ctx, c.share(false)))
	return nil
}

func (c *Coordinator) handleConnected() {
	c.connected = true
	c.logger.Info("signaling connected")
	if c.session != nil {
		return
	}

	ctx := context.Background()
	intent := c.intent
	if intent == nil {
		loaded, err := c.intents.Load(ctx, c.cfg.UserID)
		if err != nil {
			if !errors.Is(err, domain.ErrIntentNotFound) {
				c.logger.Warn("failed to load rejoin intent", zap.Error(err))
			}
			return
		}
		intent = loaded
	}

	now := c.clock.Now()
	if !intent.Eligible(now, c.cfg.RejoinGrace) {
		elapsed, _ := intent.Elapsed(now)
		c.logger.Info("rejoin intent expired, discarding",
			zap.String("channel_id", string(intent.ChannelID)),
			zap.Duration("elapsed", elapsed),
		)
		c.intent = nil
		if err := c.intents.Clear(ctx, c.cfg.UserID); err != nil {
			c.logger.Warn("failed to clear rejoin intent", zap.Error(err))
		}
		return
	}

	c.logger.Info("rejoining voice channel", zap.String("channel_id", string(intent.ChannelID)))
	if err := c.join(ctx, intent.ChannelID, intent.RoomID); err != nil {
		c.notify(domain.NotifyRejoinFailed, domain.LevelWarning, "", fmt.Sprintf("could not rejoin voice: %v", err))
	}
}

// handleDisconnected tears the session down without announcing it, keeps
// the rejoin intent and surfaces exactly one notification.
func (c *Coordinator) handleDisconnected(cause error) {
	c.connected = false
	if c.session == nil {
		return
	}
	ctx := context.Background()
	appErr := apperrors.NewTransportDisconnectedError(cause)
	c.logger.Warn("signaling lost, tearing down voice session",
		zap.String("channel_id", string(c.session.ChannelID)),
		zap.Int("peers", c.registry.Len()),
		zap.Error(appErr),
	)

	if c.intent != nil {
		c.intent.DisconnectedAt = c.clock.Now()
		if err := c.intents.Save(ctx, c.intent); err != nil {
			c.logger.Warn("failed to persist rejoin intent", zap.Error(err))
		}
	}
	if err := c.teardown(ctx, false); err != nil {
		c.logger.Warn("teardown after disconnect completed with errors", zap.Error(err))
	}
	c.notify(domain.NotifyDisconnected, domain.LevelError, "", "disconnected from voice")
}

func (c *Coordinator) handlePeerJoined(peer domain.PeerAnnouncement) {
	if c.session == nil || peer.PeerID == "" || peer.PeerID == c.cfg.UserID.PeerID() {
		return
	}
	if c.roster.Upsert(peer.Participant()) {
		c.notify(domain.NotifyParticipantJoined, domain.LevelInfo, peer.PeerID, fmt.Sprintf("%s joined", displayName(peer.Username, peer.PeerID)))
	}
	c.registry.OnPeerJoined(peer.PeerID, peer.ShouldOffer)
}

func (c *Coordinator) handlePeerLeft(peerID domain.PeerID) {
	if c.session == nil {
		return
	}
	c.registry.OnPeerLeft(peerID)
	if p, ok := c.roster.Remove(peerID.UserID()); ok {
		c.notify(domain.NotifyParticipantLeft, domain.LevelInfo, peerID, fmt.Sprintf("%s left", displayName(p.Username, peerID)))
	}
}

func (c *Coordinator) handleChannelUpdate(channelID domain.ChannelID, users []domain.ParticipantState) {
	if c.session == nil || channelID != c.session.ChannelID {
		return
	}
	diff := c.roster.ApplySnapshot(channelID, users)
	for _, p := range diff.Removed {
		c.registry.OnPeerLeft(p.UserID.PeerID())
		c.notify(domain.NotifyParticipantLeft, domain.LevelInfo, p.UserID.PeerID(), fmt.Sprintf("%s left", displayName(p.Username, p.UserID.PeerID())))
	}
	for _, p := range diff.Added {
		c.notify(domain.NotifyParticipantJoined, domain.LevelInfo, p.UserID.PeerID(), fmt.Sprintf("%s joined", displayName(p.Username, p.UserID.PeerID())))
	}
}

func (c *Coordinator) snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		Connected:        c.connected,
		UserID:           c.cfg.UserID,
		Username:         c.cfg.Username,
		Muted:            c.prefs.Muted,
		Deafened:         c.prefs.Deafened,
		PushToTalkMode:   c.prefs.PushToTalkMode,
		PushToTalkActive: c.prefs.PushToTalkActive,
		EffectiveMute:    domain.EffectiveMute(c.prefs.Muted, c.prefs.PushToTalkMode, c.prefs.PushToTalkActive),
	}
	if s := c.session; s != nil {
		snap.Joined = true
		snap.SessionID = s.ID
		snap.ChannelID = s.ChannelID
		snap.RoomID = s.RoomID
		snap.Speaking = c.speaking
		snap.ScreenSharing = s.ScreenSharing
		snap.CameraOn = s.CameraOn
		snap.JoinedAt = s.JoinedAt
	}
	return snap
}

func (c *Coordinator) share(hasAudio bool) domain.ShareAnnouncement {
	return domain.ShareAnnouncement{
		UserID:   c.cfg.UserID,
		Username: c.cfg.Username,
		HasAudio: hasAudio,
	}
}

func (c *Coordinator) sendBestEffort(ctx context.Context, event string, err error) {
	if err != nil {
		c.ctxLogger.LogWarn(ctx, "failed to queue signaling event", zap.String("event", event), zap.Error(err))
	}
}

func (c *Coordinator) notify(kind domain.NotificationKind, level domain.NotificationLevel, peerID domain.PeerID, message string) {
	c.metrics.RecordNotification(kind)
	c.notifier.Notify(domain.Notification{
		Kind:    kind,
		Level:   level,
		Message: message,
		PeerID:  peerID,
		At:      c.clock.Now(),
	})
}

func displayName(username string, peerID domain.PeerID) string {
	if username != "" {
		return username
	}
	return string(peerID)
}

func recordSpanError(ctx context.Context, err error) {
	if err != nil {
		tracing.RecordError(ctx, err)
	}
}
