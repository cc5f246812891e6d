package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	apperrors "voicemesh/pkg/errors"
	"voicemesh/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errStaleConnection = errors.New("connection replaced")

type ClientConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	SendQueueSize    int
	SendRetry        retry.Config
	Reconnect        retry.Config
}

func DefaultClientConfig(url string) ClientConfig {
	sendRetry := retry.DefaultConfig()
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = -1
	reconnect.InitialDelay = 500 * time.Millisecond
	reconnect.MaxDelay = 15 * time.Second
	return ClientConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1 << 20,
		SendQueueSize:    256,
		SendRetry:        sendRetry,
		Reconnect:        reconnect,
	}
}

type outbound struct {
	event string
	data  []byte
	epoch uint64

	// flushed marks a Flush barrier; it carries no frame.
	flushed chan struct{}
}

// Client is the websocket connection to the relay. It implements
// ports.SignalingClient and reports inbound events to a
// ports.SignalingHandler from a single reader goroutine, so the handler
// sees them in arrival order.
type Client struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	handler ports.SignalingHandler
	logger  *zap.Logger

	outbox    chan outbound
	connected atomic.Bool

	mu    sync.Mutex
	conn  *websocket.Conn
	epoch uint64
}

func NewClient(cfg ClientConfig, handler ports.SignalingHandler, logger *zap.Logger) *Client {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		handler: handler,
		logger:  logger.With(zap.String("component", "signaling")),
		outbox:  make(chan outbound, cfg.SendQueueSize),
	}
}

// Run keeps the relay connection up until ctx is done, redialing with
// backoff after every loss.
func (c *Client) Run(ctx context.Context) error {
	go c.writeLoop(ctx)

	for {
		reconnect := c.cfg.Reconnect
		reconnect.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("relay dial failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
		conn, err := retry.RetryWithResult(ctx, reconnect, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.handler.OnDisconnected(apperrors.NewTransportDisconnectedError(err))
			return err
		}

		epoch := c.attach(conn)
		c.logger.Info("connected to relay", zap.String("url", c.cfg.URL), zap.Uint64("epoch", epoch))
		c.handler.OnConnected()

		err = c.serve(ctx, conn, epoch)
		c.detach(epoch)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("relay connection lost", zap.Error(err))
		c.handler.OnDisconnected(err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.conn = conn
	c.connected.Store(true)
	return c.epoch
}

// detach drops the connection and anything still queued for it.
func (c *Client) detach(epoch uint64) {
	c.mu.Lock()
	if c.epoch == epoch && c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.connected.Store(false)
	}
	c.mu.Unlock()

	for {
		select {
		case msg := <-c.outbox:
			if msg.flushed != nil {
				close(msg.flushed)
				continue
			}
			c.logger.Debug("dropping queued event after disconnect", zap.String("event", msg.event))
		default:
			return
		}
	}
}

// serve reads until the connection breaks. A ping goroutine keeps the
// read deadline moving.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, epoch uint64) error {
	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(c.cfg.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.logger.Debug("ping failed", zap.Uint64("epoch", epoch), zap.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return apperrors.NewTransportDisconnectedError(err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed relay message", zap.Error(err))
			continue
		}
		if err := c.dispatch(env); err != nil {
			c.logger.Warn("dropping relay message", zap.String("type", env.Type), zap.Error(err))
		}
	}
}

func (c *Client) dispatch(env Envelope) error {
	switch env.Type {
	case EventPeerJoined:
		var p domain.PeerAnnouncement
		if err := Decode(env, &p); err != nil {
			return err
		}
		if p.PeerID == "" {
			return errors.New("peer-joined without peerId")
		}
		c.handler.OnPeerJoined(p)

	case EventPeerLeft:
		var p PeerLeftPayload
		if err := Decode(env, &p); err != nil {
			return err
		}
		c.handler.OnPeerLeft(p.PeerID)

	case EventChannelUpdate:
		var p ChannelUpdatePayload
		if err := Decode(env, &p); err != nil {
			return err
		}
		c.handler.OnChannelUpdate(p.ChannelID, p.Users)

	case EventUserSpeaking, EventUserMuted, EventUserScreenShare, EventUserVideo:
		var p UserFlagPayload
		if err := Decode(env, &p); err != nil {
			return err
		}
		update, err := participantUpdate(env.Type, p)
		if err != nil {
			return err
		}
		c.handler.OnParticipantUpdate(update)

	case EventSignal:
		var p InboundSignal
		if err := Decode(env, &p); err != nil {
			return err
		}
		if !p.Type.Valid() {
			return fmt.Errorf("unknown signal type %q", p.Type)
		}
		c.handler.OnSignal(p.From, p.Type, p.Data)

	case EventError:
		var p ErrorPayload
		if err := Decode(env, &p); err != nil {
			return err
		}
		c.handler.OnRelayError(p.Message)

	default:
		c.logger.Debug("ignoring relay event", zap.String("type", env.Type))
	}
	return nil
}

// writeLoop is the only writer of data frames. Each event is retried on
// the connection it was queued for; a replaced connection ends the retry
// silently.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbox:
			if msg.flushed != nil {
				close(msg.flushed)
				continue
			}
			err := retry.Retry(ctx, c.sendRetry(), func() error { return c.write(msg) })
			switch {
			case err == nil:
			case errors.Is(err, errStaleConnection), ctx.Err() != nil:
				c.logger.Debug("event dropped", zap.String("event", msg.event), zap.Error(err))
			default:
				c.logger.Warn("signaling send failed", zap.String("event", msg.event), zap.Error(err))
				c.handler.OnSendFailed(msg.event, err)
			}
		}
	}
}

func (c *Client) sendRetry() retry.Config {
	cfg := c.cfg.SendRetry
	cfg.NonRetryableErrors = append(cfg.NonRetryableErrors, errStaleConnection)
	return cfg
}

func (c *Client) write(msg outbound) error {
	c.mu.Lock()
	conn, epoch := c.conn, c.epoch
	c.mu.Unlock()
	if conn == nil || epoch != msg.epoch {
		return errStaleConnection
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg.data)
}

// enqueue never blocks the caller.
func (c *Client) enqueue(ctx context.Context, event string, payload interface{}) error {
	data, err := Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	epoch, up := c.epoch, c.conn != nil
	c.mu.Unlock()
	if !up {
		return apperrors.NewTransportDisconnectedError(domain.ErrNotConnected)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.outbox <- outbound{event: event, data: data, epoch: epoch}:
		return nil
	default:
		return fmt.Errorf("%s: %w", event, domain.ErrQueueFull)
	}
}

// Flush waits until every event queued before the call has been written or
// dropped. Run must be active.
func (c *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.outbox <- outbound{event: "flush", flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) JoinVoice(ctx context.Context, join domain.JoinAnnouncement) error {
	return c.enqueue(ctx, EventJoinVoice, join)
}

func (c *Client) LeaveVoice(ctx context.Context) error {
	return c.enqueue(ctx, EventLeaveVoice, nil)
}

func (c *Client) ToggleMute(ctx context.Context, muted bool) error {
	return c.enqueue(ctx, EventToggleMute, MutePayload{Muted: muted})
}

func (c *Client) Speaking(ctx context.Context, speaking bool) error {
	return c.enqueue(ctx, EventSpeaking, SpeakingPayload{IsSpeaking: speaking})
}

func (c *Client) ScreenShareStarted(ctx context.Context, share domain.ShareAnnouncement) error {
	return c.enqueue(ctx, EventScreenShareStarted, share)
}

func (c *Client) ScreenShareStopped(ctx context.Context, share domain.ShareAnnouncement) error {
	return c.enqueue(ctx, EventScreenShareStopped, share)
}

func (c *Client) VideoStarted(ctx context.Context, share domain.ShareAnnouncement) error {
	return c.enqueue(ctx, EventVideoStarted, share)
}

func (c *Client) VideoStopped(ctx context.Context, share domain.ShareAnnouncement) error {
	return c.enqueue(ctx, EventVideoStopped, share)
}

func (c *Client) SendSignal(ctx context.Context, to domain.PeerID, kind domain.SignalKind, data json.RawMessage) error {
	return c.enqueue(ctx, EventSignal, OutboundSignal{Type: kind, To: to, Data: data})
}
