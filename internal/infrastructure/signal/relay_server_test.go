package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayFixture struct {
	t     *testing.T
	auth  ports.TokenIssuer
	relay *RelayServer
	srv   *httptest.Server
	url   string
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	auth := services.NewAuthService("test-secret", time.Hour)
	cfg := DefaultRelayConfig()
	cfg.PingInterval = time.Second
	// Relay goroutines may outlive the test body, so they do not log to t.
	relay := NewRelayServer(cfg, auth, nil, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(relay.HandleWebSocket))
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return &relayFixture{
		t:     t,
		auth:  auth,
		relay: relay,
		srv:   srv,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *relayFixture) token(user string) string {
	f.t.Helper()
	token, err := f.auth.GenerateToken(domain.UserID(user), strings.ToUpper(user))
	require.NoError(f.t, err)
	return token
}

func (f *relayFixture) dial(user string) *websocket.Conn {
	f.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(user))
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// next reads until an envelope of the given type arrives.
func next(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == event {
			return env
		}
	}
}

func joinChannel(t *testing.T, conn *websocket.Conn, user, channel string) {
	t.Helper()
	send(t, conn, EventJoinVoice, domain.JoinAnnouncement{RoomID: "r1", ChannelID: domain.ChannelID(channel), UserID: domain.UserID(user)})
	next(t, conn, EventChannelUpdate)
}

func TestRelay_RejectsUnauthenticated(t *testing.T) {
	f := newRelayFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.url+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_AcceptsQueryToken(t *testing.T) {
	f := newRelayFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+f.token("a"), nil)
	require.NoError(t, err)
	defer conn.Close()

	joinChannel(t, conn, "a", "c1")
	assert.Len(t, f.relay.Members("c1"), 1)
}

func TestRelay_NewcomerOffersToExistingMembers(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")
	joinChannel(t, a, "a", "c1")
	send(t, a, EventToggleMute, MutePayload{Muted: true})
	require.Eventually(t, func() bool {
		members := f.relay.Members("c1")
		return len(members) == 1 && members[0].Muted
	}, 3*time.Second, 10*time.Millisecond)

	b := f.dial("b")
	send(t, b, EventJoinVoice, domain.JoinAnnouncement{ChannelID: "c1", UserID: "b"})

	var toB domain.PeerAnnouncement
	require.NoError(t, Decode(next(t, b, EventPeerJoined), &toB))
	assert.Equal(t, domain.PeerID("a"), toB.PeerID)
	assert.True(t, toB.ShouldOffer)
	assert.True(t, toB.Muted, "introductions carry the member's current state")

	var toA domain.PeerAnnouncement
	require.NoError(t, Decode(next(t, a, EventPeerJoined), &toA))
	assert.Equal(t, domain.PeerID("b"), toA.PeerID)
	assert.Equal(t, "B", toA.Username)
	assert.False(t, toA.ShouldOffer)

	var update ChannelUpdatePayload
	require.NoError(t, Decode(next(t, a, EventChannelUpdate), &update))
	assert.Equal(t, domain.ChannelID("c1"), update.ChannelID)
	require.Len(t, update.Users, 2)
	assert.Equal(t, domain.UserID("a"), update.Users[0].UserID)
	assert.Equal(t, domain.UserID("b"), update.Users[1].UserID)
}

func TestRelay_RoutesSignalsWithinChannel(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")
	b := f.dial("b")
	joinChannel(t, a, "a", "c1")
	joinChannel(t, b, "b", "c1")

	data := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, b, EventSignal, OutboundSignal{Type: domain.SignalOffer, To: "a", Data: data})

	var sig InboundSignal
	require.NoError(t, Decode(next(t, a, EventSignal), &sig))
	assert.Equal(t, domain.PeerID("b"), sig.From)
	assert.Equal(t, domain.SignalOffer, sig.Type)
	assert.JSONEq(t, string(data), string(sig.Data))
}

func TestRelay_RejectsSignalsOutsideChannel(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")
	b := f.dial("b")
	joinChannel(t, a, "a", "c1")
	joinChannel(t, b, "b", "c2")

	send(t, b, EventSignal, OutboundSignal{Type: domain.SignalOffer, To: "a", Data: json.RawMessage(`{}`)})

	var p ErrorPayload
	require.NoError(t, Decode(next(t, b, EventError), &p))
	assert.Contains(t, p.Message, "not in channel")
}

func TestRelay_FlagsFanOutToOthers(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")
	b := f.dial("b")
	joinChannel(t, a, "a", "c1")
	joinChannel(t, b, "b", "c1")

	send(t, a, EventScreenShareStarted, domain.ShareAnnouncement{UserID: "a", HasAudio: true})

	var p UserFlagPayload
	require.NoError(t, Decode(next(t, b, EventUserScreenShare), &p))
	assert.Equal(t, domain.UserID("a"), p.UserID)
	assert.True(t, p.Value)
	require.NotNil(t, p.HasAudio)
	assert.True(t, *p.HasAudio)

	send(t, a, EventSpeaking, SpeakingPayload{IsSpeaking: true})
	require.NoError(t, Decode(next(t, b, EventUserSpeaking), &p))
	assert.True(t, p.Value)
}

func TestRelay_DisconnectAnnouncesPeerLeft(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")
	b := f.dial("b")
	joinChannel(t, a, "a", "c1")
	joinChannel(t, b, "b", "c1")

	b.Close()

	var p PeerLeftPayload
	require.NoError(t, Decode(next(t, a, EventPeerLeft), &p))
	assert.Equal(t, domain.PeerID("b"), p.PeerID)

	var update ChannelUpdatePayload
	require.NoError(t, Decode(next(t, a, EventChannelUpdate), &update))
	assert.Len(t, update.Users, 1)
}

func TestRelay_ReconnectReplacesPreviousConnection(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")
	joinChannel(t, a, "a", "c1")
	first := f.dial("b")
	joinChannel(t, first, "b", "c1")

	second := f.dial("b")

	var p PeerLeftPayload
	require.NoError(t, Decode(next(t, a, EventPeerLeft), &p))
	assert.Equal(t, domain.PeerID("b"), p.PeerID)

	joinChannel(t, second, "b", "c1")
	assert.Len(t, f.relay.Members("c1"), 2)
	assert.Equal(t, RelayStats{Connections: 2, Channels: 1}, f.relay.Stats())
}

func TestRelay_UnknownEventIsAnError(t *testing.T) {
	f := newRelayFixture(t)
	a := f.dial("a")

	send(t, a, "launch-rockets", nil)

	var p ErrorPayload
	require.NoError(t, Decode(next(t, a, EventError), &p))
	assert.Contains(t, p.Message, "unknown message type")
}
