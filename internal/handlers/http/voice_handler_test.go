package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/services"
	"voicemesh/internal/infrastructure/middleware"
	apperrors "voicemesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockVoiceService struct {
	mock.Mock
}

func (m *MockVoiceService) JoinChannel(ctx context.Context, channelID domain.ChannelID, roomID domain.RoomID) error {
	return m.Called(channelID, roomID).Error(0)
}

func (m *MockVoiceService) LeaveChannel(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockVoiceService) SetMuted(ctx context.Context, muted bool) error {
	return m.Called(muted).Error(0)
}

func (m *MockVoiceService) SetDeafened(ctx context.Context, deafened bool) error {
	return m.Called(deafened).Error(0)
}

func (m *MockVoiceService) SetPushToTalkMode(ctx context.Context, enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *MockVoiceService) SetPushToTalkActive(ctx context.Context, active bool) error {
	return m.Called(active).Error(0)
}

func (m *MockVoiceService) StartScreenShare(ctx context.Context, handle domain.CaptureHandle) error {
	return m.Called(handle).Error(0)
}

func (m *MockVoiceService) StopScreenShare(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockVoiceService) StartCamera(ctx context.Context, handle domain.CaptureHandle) error {
	return m.Called(handle).Error(0)
}

func (m *MockVoiceService) StopCamera(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockVoiceService) Session(ctx context.Context) (domain.SessionSnapshot, error) {
	args := m.Called()
	return args.Get(0).(domain.SessionSnapshot), args.Error(1)
}

func (m *MockVoiceService) Peers(ctx context.Context) ([]domain.PeerLinkInfo, error) {
	args := m.Called()
	return args.Get(0).([]domain.PeerLinkInfo), args.Error(1)
}

type staticNotifications []domain.Notification

func (s staticNotifications) Recent() []domain.Notification { return s }

type voiceFixture struct {
	voice  *MockVoiceService
	roster *services.Roster
	router *gin.Engine
}

func newVoiceFixture(t *testing.T) *voiceFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t).Sugar()

	f := &voiceFixture{voice: &MockVoiceService{}, roster: services.NewRoster()}
	f.router = gin.New()
	f.router.Use(middleware.RecoveryMiddleware(log), middleware.ErrorHandlerMiddleware(log))
	notes := staticNotifications{{Kind: domain.NotifyDisconnected, Message: "lost relay"}}
	NewVoiceHandler(f.voice, f.roster, notes).SetupRoutes(f.router)
	t.Cleanup(func() { f.voice.AssertExpectations(t) })
	return f
}

func (f *voiceFixture) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestVoiceHandler_Join(t *testing.T) {
	f := newVoiceFixture(t)
	f.voice.On("JoinChannel", domain.ChannelID("general"), domain.RoomID("room-1")).Return(nil).Once()
	f.voice.On("Session").Return(domain.SessionSnapshot{Joined: true, ChannelID: "general"}, nil).Once()

	w := f.do(http.MethodPost, "/api/v1/voice/join", `{"channel_id":"general","room_id":"room-1"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Session domain.SessionSnapshot `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Session.Joined)
	assert.Equal(t, domain.ChannelID("general"), body.Session.ChannelID)
}

func TestVoiceHandler_JoinValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing channel", `{"room_id":"r"}`},
		{"bad channel", `{"channel_id":"a b"}`},
		{"bad room", `{"channel_id":"c","room_id":"a b"}`},
		{"not json", `channel`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVoiceFixture(t)
			w := f.do(http.MethodPost, "/api/v1/voice/join", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(apperrors.ErrCodeInvalidInput), errorCode(t, w))
		})
	}
}

func TestVoiceHandler_JoinCaptureFailure(t *testing.T) {
	f := newVoiceFixture(t)
	capture := apperrors.NewCaptureUnavailableError("microphone", apperrors.NewPermissionDeniedError("microphone"))
	f.voice.On("JoinChannel", domain.ChannelID("general"), domain.RoomID("")).Return(capture).Once()

	w := f.do(http.MethodPost, "/api/v1/voice/join", `{"channel_id":"general"}`)

	assert.Equal(t, apperrors.HTTPStatusOf(capture), w.Code)
	assert.Equal(t, string(apperrors.ErrCodeCaptureUnavailable), errorCode(t, w))
}

func TestVoiceHandler_Toggles(t *testing.T) {
	tests := []struct {
		path   string
		method string
	}{
		{"/api/v1/voice/mute", "SetMuted"},
		{"/api/v1/voice/deafen", "SetDeafened"},
		{"/api/v1/voice/ptt/mode", "SetPushToTalkMode"},
		{"/api/v1/voice/ptt/active", "SetPushToTalkActive"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			f := newVoiceFixture(t)
			f.voice.On(tt.method, false).Return(nil).Once()
			f.voice.On("Session").Return(domain.SessionSnapshot{}, nil).Once()

			assert.Equal(t, http.StatusOK, f.do(http.MethodPost, tt.path, `{"value":false}`).Code)

			w := f.do(http.MethodPost, tt.path, `{}`)
			assert.Equal(t, http.StatusBadRequest, w.Code, "value is required")
		})
	}
}

func TestVoiceHandler_ScreenShare(t *testing.T) {
	f := newVoiceFixture(t)
	f.voice.On("StartScreenShare", domain.CaptureHandle{SourceID: "screen:1", IncludeAudio: true}).Return(nil).Once()
	f.voice.On("StartScreenShare", domain.CaptureHandle{}).Return(apperrors.NewNotJoinedError()).Once()
	f.voice.On("Session").Return(domain.SessionSnapshot{ScreenSharing: true}, nil).Once()

	w := f.do(http.MethodPost, "/api/v1/voice/screen/start", `{"source_id":"screen:1","include_audio":true}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/v1/voice/screen/start", "")
	assert.Equal(t, http.StatusConflict, w.Code, "an empty body selects the default source")
	assert.Equal(t, string(apperrors.ErrCodeNotJoined), errorCode(t, w))

	w = f.do(http.MethodPost, "/api/v1/voice/screen/start", `{"source_id":"screen 1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVoiceHandler_StopAndLeave(t *testing.T) {
	f := newVoiceFixture(t)
	f.voice.On("StopScreenShare").Return(nil).Once()
	f.voice.On("StopCamera").Return(nil).Once()
	f.voice.On("StartCamera", domain.CaptureHandle{SourceID: "cam0"}).Return(nil).Once()
	f.voice.On("LeaveChannel").Return(apperrors.NewNotJoinedError()).Once()
	f.voice.On("Session").Return(domain.SessionSnapshot{}, nil).Times(3)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/voice/screen/stop", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/voice/camera/start", `{"source_id":"cam0"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/voice/camera/stop", "").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/voice/leave", "").Code)
}

func TestVoiceHandler_ReadModels(t *testing.T) {
	f := newVoiceFixture(t)
	f.roster.Reset("general")
	f.roster.SetSelf(domain.ParticipantState{UserID: "a", Username: "alice"})
	f.roster.Upsert(domain.ParticipantState{UserID: "b", Username: "bob", Muted: true})
	f.voice.On("Peers").Return([]domain.PeerLinkInfo{{PeerID: "b", State: domain.LinkConnected}}, nil).Once()

	w := f.do(http.MethodGet, "/api/v1/voice/roster", "")
	require.Equal(t, http.StatusOK, w.Code)
	var roster struct {
		Participants []domain.ParticipantState `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roster))
	require.Len(t, roster.Participants, 2)
	assert.Equal(t, "alice", roster.Participants[0].Username)
	assert.True(t, roster.Participants[1].Muted)

	w = f.do(http.MethodGet, "/api/v1/voice/peers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"peer_id":"b"`)

	w = f.do(http.MethodGet, "/api/v1/voice/notifications", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lost relay")
}

func TestVoiceHandler_StreamRoster(t *testing.T) {
	f := newVoiceFixture(t)
	f.roster.Reset("general")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/voice/roster/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.roster.Upsert(domain.ParticipantState{UserID: "b", Username: "bob"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "bob") {
			break
		}
	}
}
