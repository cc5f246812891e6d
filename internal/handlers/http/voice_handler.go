package http

import (
	"context"
	"io"
	"net/http"

	"voicemesh/internal/core/domain"
	"voicemesh/pkg/errors"
	"voicemesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

// VoiceService is the control surface of the voice client.
type VoiceService interface {
	JoinChannel(ctx context.Context, channelID domain.ChannelID, roomID domain.RoomID) error
	LeaveChannel(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetDeafened(ctx context.Context, deafened bool) error
	SetPushToTalkMode(ctx context.Context, enabled bool) error
	SetPushToTalkActive(ctx context.Context, active bool) error
	StartScreenShare(ctx context.Context, handle domain.CaptureHandle) error
	StopScreenShare(ctx context.Context) error
	StartCamera(ctx context.Context, handle domain.CaptureHandle) error
	StopCamera(ctx context.Context) error
	Session(ctx context.Context) (domain.SessionSnapshot, error)
	Peers(ctx context.Context) ([]domain.PeerLinkInfo, error)
}

type RosterSource interface {
	Snapshot() []domain.ParticipantState
	Subscribe() (<-chan []domain.ParticipantState, func())
}

type NotificationSource interface {
	Recent() []domain.Notification
}

type VoiceHandler struct {
	voice         VoiceService
	roster        RosterSource
	notifications NotificationSource
}

func NewVoiceHandler(voice VoiceService, roster RosterSource, notifications NotificationSource) *VoiceHandler {
	return &VoiceHandler{
		voice:         voice,
		roster:        roster,
		notifications: notifications,
	}
}

func (h *VoiceHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/voice")
	{
		api.POST("/join", h.Join)
		api.POST("/leave", h.Leave)
		api.POST("/mute", h.Mute)
		api.POST("/deafen", h.Deafen)
		api.POST("/ptt/mode", h.PushToTalkMode)
		api.POST("/ptt/active", h.PushToTalkActive)
		api.POST("/screen/start", h.StartScreenShare)
		api.POST("/screen/stop", h.StopScreenShare)
		api.POST("/camera/start", h.StartCamera)
		api.POST("/camera/stop", h.StopCamera)

		api.GET("/session", h.GetSession)
		api.GET("/roster", h.GetRoster)
		api.GET("/roster/events", h.StreamRoster)
		api.GET("/peers", h.GetPeers)
		api.GET("/notifications", h.GetNotifications)
	}
}

type JoinRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	RoomID    string `json:"room_id"`
}

type ToggleRequest struct {
	Value *bool `json:"value" binding:"required"`
}

type CaptureRequest struct {
	SourceID     string `json:"source_id"`
	IncludeAudio bool   `json:"include_audio"`
}

func (h *VoiceHandler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("channel_id is required"))
		return
	}
	if err := validation.ValidateChannelID(req.ChannelID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.voice.JoinChannel(c.Request.Context(), domain.ChannelID(req.ChannelID), domain.RoomID(req.RoomID)); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

func (h *VoiceHandler) Leave(c *gin.Context) {
	if err := h.voice.LeaveChannel(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

func (h *VoiceHandler) Mute(c *gin.Context) {
	h.toggle(c, h.voice.SetMuted)
}

func (h *VoiceHandler) Deafen(c *gin.Context) {
	h.toggle(c, h.voice.SetDeafened)
}

func (h *VoiceHandler) PushToTalkMode(c *gin.Context) {
	h.toggle(c, h.voice.SetPushToTalkMode)
}

func (h *VoiceHandler) PushToTalkActive(c *gin.Context) {
	h.toggle(c, h.voice.SetPushToTalkActive)
}

func (h *VoiceHandler) toggle(c *gin.Context, set func(context.Context, bool) error) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("value must be true or false"))
		return
	}
	if err := set(c.Request.Context(), *req.Value); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

func (h *VoiceHandler) StartScreenShare(c *gin.Context) {
	handle, ok := bindCapture(c)
	if !ok {
		return
	}
	if err := h.voice.StartScreenShare(c.Request.Context(), handle); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

func (h *VoiceHandler) StopScreenShare(c *gin.Context) {
	if err := h.voice.StopScreenShare(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

func (h *VoiceHandler) StartCamera(c *gin.Context) {
	handle, ok := bindCapture(c)
	if !ok {
		return
	}
	if err := h.voice.StartCamera(c.Request.Context(), handle); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

func (h *VoiceHandler) StopCamera(c *gin.Context) {
	if err := h.voice.StopCamera(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	h.respondSession(c)
}

// bindCapture accepts an empty body, which selects the default source.
func bindCapture(c *gin.Context) (domain.CaptureHandle, bool) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return domain.CaptureHandle{}, false
	}
	if err := validation.ValidateSourceID(req.SourceID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return domain.CaptureHandle{}, false
	}
	return domain.CaptureHandle{SourceID: req.SourceID, IncludeAudio: req.IncludeAudio}, true
}

func (h *VoiceHandler) GetSession(c *gin.Context) {
	h.respondSession(c)
}

func (h *VoiceHandler) respondSession(c *gin.Context) {
	snapshot, err := h.voice.Session(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snapshot})
}

func (h *VoiceHandler) GetRoster(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": h.roster.Snapshot()})
}

// StreamRoster pushes every roster change as a server-sent event until the
// client goes away.
func (h *VoiceHandler) StreamRoster(c *gin.Context) {
	updates, cancel := h.roster.Subscribe()
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case participants := <-updates:
			c.SSEvent("roster", participants)
			return true
		}
	})
}

func (h *VoiceHandler) GetPeers(c *gin.Context) {
	peers, err := h.voice.Peers(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *VoiceHandler) GetNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.notifications.Recent()})
}
