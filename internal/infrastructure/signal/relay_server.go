package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errNotInChannel = errors.New("not in a voice channel")

// RelayMetrics is what the relay reports about itself.
type RelayMetrics interface {
	SetRelayConnections(n int)
	SetRelayChannels(n int)
	RecordRelayMessage(event string)
	RecordRelayDropped(reason string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) SetRelayConnections(int)   {}
func (nopRelayMetrics) SetRelayChannels(int)      {}
func (nopRelayMetrics) RecordRelayMessage(string) {}
func (nopRelayMetrics) RecordRelayDropped(string) {}

type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	SendQueueSize     int
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:      25 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendQueueSize:     256,
		MessagesPerSecond: 100,
		Burst:             200,
		AllowedOrigins:    []string{"*"},
	}
}

type relayConn struct {
	id       string
	userID   domain.UserID
	username string
	ws       *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter
	done     chan struct{}
	once     sync.Once

	// Guarded by RelayServer.mu.
	channelID domain.ChannelID
	state     domain.ParticipantState
}

func (c *relayConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// channelRoom keeps members in arrival order; the order decides which
// side of each pair offers.
type channelRoom struct {
	id      domain.ChannelID
	roomID  domain.RoomID
	members []*relayConn
}

// RelayServer is the reference signaling relay: one websocket per
// authenticated user, voice channels as rooms, full mesh introductions
// and point-to-point signal routing.
type RelayServer struct {
	cfg      RelayConfig
	auth     ports.TokenIssuer
	metrics  RelayMetrics
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	conns    map[domain.UserID]*relayConn
	channels map[domain.ChannelID]*channelRoom
}

func NewRelayServer(cfg RelayConfig, auth ports.TokenIssuer, metrics RelayMetrics, logger *zap.Logger) *RelayServer {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	s := &RelayServer{
		cfg:      cfg,
		auth:     auth,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "relay")).Sugar(),
		conns:    make(map[domain.UserID]*relayConn),
		channels: make(map[domain.ChannelID]*channelRoom),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for browsers that cannot set headers on websockets.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.ValidateToken(bearerToken(r))
	if err != nil {
		s.metrics.RecordRelayDropped("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn := &relayConn{
		id:       uuid.New().String(),
		userID:   claims.UserID,
		username: claims.Username,
		ws:       ws,
		send:     make(chan []byte, s.cfg.SendQueueSize),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		done:     make(chan struct{}),
	}
	s.register(conn)
	defer s.unregister(conn)

	go s.writePump(conn)
	s.readPump(conn)
}

func (s *RelayServer) register(c *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.conns[c.userID]; ok {
		s.logger.Infow("closing previous connection of reconnecting user", "user_id", c.userID, "conn_id", old.id)
		s.leaveLocked(old)
		old.close()
	}
	s.conns[c.userID] = c
	s.metrics.SetRelayConnections(len(s.conns))
	s.logger.Infow("user connected", "user_id", c.userID, "conn_id", c.id)
}

func (s *RelayServer) unregister(c *relayConn) {
	s.mu.Lock()
	s.leaveLocked(c)
	if s.conns[c.userID] == c {
		delete(s.conns, c.userID)
	}
	s.metrics.SetRelayConnections(len(s.conns))
	s.mu.Unlock()

	c.close()
	s.logger.Infow("user disconnected", "user_id", c.userID, "conn_id", c.id)
}

func (s *RelayServer) readPump(c *relayConn) {
	if s.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from user", "user_id", c.userID, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			s.metrics.RecordRelayDropped("rate_limited")
			s.reply(c, EventError, ErrorPayload{Message: "rate limit exceeded"})
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(c, EventError, ErrorPayload{Message: "malformed message"})
			continue
		}
		s.metrics.RecordRelayMessage(env.Type)
		if err := s.handleMessage(c, env); err != nil {
			s.logger.Infow("rejected message", "user_id", c.userID, "type", env.Type, "error", err)
			s.reply(c, EventError, ErrorPayload{Message: err.Error()})
		}
	}
}

func (s *RelayServer) writePump(c *relayConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Infow("error writing to user", "user_id", c.userID, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *RelayServer) handleMessage(c *relayConn, env Envelope) error {
	switch env.Type {
	case EventJoinVoice:
		var p domain.JoinAnnouncement
		if err := Decode(env, &p); err != nil {
			return err
		}
		if err := validation.ValidateChannelID(string(p.ChannelID)); err != nil {
			return err
		}
		if err := validation.ValidateRoomID(string(p.RoomID)); err != nil {
			return err
		}
		s.mu.Lock()
		s.joinLocked(c, p.ChannelID, p.RoomID)
		s.mu.Unlock()
		return nil

	case EventLeaveVoice:
		s.mu.Lock()
		s.leaveLocked(c)
		s.mu.Unlock()
		return nil

	case EventToggleMute:
		var p MutePayload
		if err := Decode(env, &p); err != nil {
			return err
		}
		return s.setFlag(c, EventUserMuted, p.Muted, nil, func(st *domain.ParticipantState) {
			st.Muted = p.Muted
			if p.Muted {
				st.Speaking = false
			}
		})

	case EventSpeaking:
		var p SpeakingPayload
		if err := Decode(env, &p); err != nil {
			return err
		}
		return s.setFlag(c, EventUserSpeaking, p.IsSpeaking, nil, func(st *domain.ParticipantState) {
			st.Speaking = p.IsSpeaking
		})

	case EventScreenShareStarted, EventScreenShareStopped:
		var p domain.ShareAnnouncement
		if len(env.Payload) > 0 {
			if err := Decode(env, &p); err != nil {
				return err
			}
		}
		sharing := env.Type == EventScreenShareStarted
		hasAudio := sharing && p.HasAudio
		return s.setFlag(c, EventUserScreenShare, sharing, &hasAudio, func(st *domain.ParticipantState) {
			st.ScreenSharing = sharing
			st.HasScreenAudio = hasAudio
		})

	case EventVideoStarted, EventVideoStopped:
		on := env.Type == EventVideoStarted
		return s.setFlag(c, EventUserVideo, on, nil, func(st *domain.ParticipantState) {
			st.VideoOn = on
		})

	case EventSignal:
		var p OutboundSignal
		if err := Decode(env, &p); err != nil {
			return err
		}
		return s.route(c, p)

	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}
}

// joinLocked introduces c to every current member. The newcomer offers to
// each of them, so every pair has exactly one offering side.
func (s *RelayServer) joinLocked(c *relayConn, channelID domain.ChannelID, roomID domain.RoomID) {
	if c.channelID == channelID {
		if room := s.channels[channelID]; room != nil {
			s.sendLocked(c, EventChannelUpdate, s.rosterLocked(room))
		}
		return
	}
	s.leaveLocked(c)

	room, ok := s.channels[channelID]
	if !ok {
		room = &channelRoom{id: channelID, roomID: roomID}
		s.channels[channelID] = room
		s.metrics.SetRelayChannels(len(s.channels))
	}

	c.channelID = channelID
	c.state = domain.ParticipantState{UserID: c.userID, Username: c.username}
	for _, m := range room.members {
		s.sendLocked(c, EventPeerJoined, announce(m, true))
		s.sendLocked(m, EventPeerJoined, announce(c, false))
	}
	room.members = append(room.members, c)

	s.logger.Infow("user joined channel", "user_id", c.userID, "channel_id", channelID, "members", len(room.members))
	s.broadcastRosterLocked(room)
}

func (s *RelayServer) leaveLocked(c *relayConn) {
	if c.channelID == "" {
		return
	}
	room := s.channels[c.channelID]
	c.channelID = ""
	c.state = domain.ParticipantState{}
	if room == nil {
		return
	}

	for i, m := range room.members {
		if m == c {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}
	s.logger.Infow("user left channel", "user_id", c.userID, "channel_id", room.id, "members", len(room.members))

	if len(room.members) == 0 {
		delete(s.channels, room.id)
		s.metrics.SetRelayChannels(len(s.channels))
		return
	}
	for _, m := range room.members {
		s.sendLocked(m, EventPeerLeft, PeerLeftPayload{PeerID: c.userID.PeerID()})
	}
	s.broadcastRosterLocked(room)
}

func (s *RelayServer) setFlag(c *relayConn, event string, value bool, hasAudio *bool, mutate func(*domain.ParticipantState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.channels[c.channelID]
	if room == nil {
		return errNotInChannel
	}
	mutate(&c.state)
	payload := UserFlagPayload{UserID: c.userID, Value: value, HasAudio: hasAudio}
	for _, m := range room.members {
		if m != c {
			s.sendLocked(m, event, payload)
		}
	}
	return nil
}

func (s *RelayServer) route(c *relayConn, sig OutboundSignal) error {
	if !sig.Type.Valid() {
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.channels[c.channelID]
	if room == nil {
		return errNotInChannel
	}
	for _, m := range room.members {
		if m.userID.PeerID() == sig.To && m != c {
			s.sendLocked(m, EventSignal, InboundSignal{From: c.userID.PeerID(), Type: sig.Type, Data: sig.Data})
			return nil
		}
	}
	return fmt.Errorf("peer %s is not in channel %s", sig.To, room.id)
}

func (s *RelayServer) rosterLocked(room *channelRoom) ChannelUpdatePayload {
	users := make([]domain.ParticipantState, 0, len(room.members))
	for _, m := range room.members {
		users = append(users, m.state)
	}
	return ChannelUpdatePayload{ChannelID: room.id, Users: users}
}

func (s *RelayServer) broadcastRosterLocked(room *channelRoom) {
	update := s.rosterLocked(room)
	for _, m := range room.members {
		s.sendLocked(m, EventChannelUpdate, update)
	}
}

func announce(c *relayConn, shouldOffer bool) domain.PeerAnnouncement {
	return domain.PeerAnnouncement{
		PeerID:         c.userID.PeerID(),
		Username:       c.username,
		ShouldOffer:    shouldOffer,
		ScreenSharing:  c.state.ScreenSharing,
		VideoOn:        c.state.VideoOn,
		HasScreenAudio: c.state.HasScreenAudio,
		Muted:          c.state.Muted,
	}
}

func (s *RelayServer) reply(c *relayConn, event string, payload interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.sendLocked(c, event, payload)
}

// sendLocked queues a message without blocking. A user whose queue is
// full is disconnected.
func (s *RelayServer) sendLocked(c *relayConn, event string, payload interface{}) {
	data, err := Encode(event, payload)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", event, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		s.metrics.RecordRelayDropped("slow_consumer")
		s.logger.Warnw("send queue full, disconnecting user", "user_id", c.userID)
		c.close()
	}
}

type RelayStats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

func (s *RelayServer) Stats() RelayStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RelayStats{Connections: len(s.conns), Channels: len(s.channels)}
}

// Members returns the roster of a channel in arrival order.
func (s *RelayServer) Members(channelID domain.ChannelID) []domain.ParticipantState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.channels[channelID]
	if room == nil {
		return nil
	}
	return s.rosterLocked(room).Users
}

// Close disconnects every user.
func (s *RelayServer) Close() {
	s.mu.Lock()
	conns := make([]*relayConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		c.close()
	}
}
