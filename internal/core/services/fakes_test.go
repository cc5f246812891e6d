package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every due timer in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var pending []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.deadline.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
}

type fakeTrack struct {
	id   string
	role domain.TrackRole

	mu      sync.Mutex
	enabled bool
	stops   int
	stopErr error
}

func newFakeTrack(id string, role domain.TrackRole) *fakeTrack {
	return &fakeTrack{id: id, role: role, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Role() domain.TrackRole { return t.role }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return t.stopErr
}

func (t *fakeTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

type fakeMic struct {
	*fakeTrack
	mu      sync.Mutex
	samples []float32
	rate    int
}

func newFakeMic() *fakeMic {
	return &fakeMic{fakeTrack: newFakeTrack("mic", domain.RoleMicrophone), rate: 48000}
}

func (m *fakeMic) SetSamples(s []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = s
}

func (m *fakeMic) ReadSamples(dst []float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return len(dst)
	}
	return copy(dst, m.samples)
}

func (m *fakeMic) SampleRate() int { return m.rate }

type fakeCapture struct {
	mu          sync.Mutex
	mic         *fakeMic
	micErr      error
	screenErr   error
	screenAudio bool
	micCalls    int
	screen      []*fakeTrack
	camera      *fakeTrack
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{screenAudio: true}
}

func (c *fakeCapture) AcquireMicrophone(ctx context.Context) (ports.MicrophoneTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micCalls++
	if c.micErr != nil {
		return nil, c.micErr
	}
	c.mic = newFakeMic()
	c.mic.id = fmt.Sprintf("mic-%d", c.micCalls)
	return c.mic, nil
}

func (c *fakeCapture) AcquireScreen(ctx context.Context, handle domain.CaptureHandle) (ports.LocalTrack, ports.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screenErr != nil {
		return nil, nil, c.screenErr
	}
	video := newFakeTrack("screen-video", domain.RoleScreenVideo)
	c.screen = []*fakeTrack{video}
	if c.screenAudio && handle.IncludeAudio {
		audio := newFakeTrack("screen-audio", domain.RoleScreenAudio)
		c.screen = append(c.screen, audio)
		return video, audio, nil
	}
	return video, nil, nil
}

func (c *fakeCapture) AcquireCamera(ctx context.Context, handle domain.CaptureHandle) (ports.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.camera = newFakeTrack("camera", domain.RoleCamera)
	return c.camera, nil
}

func (c *fakeCapture) Mic() *fakeMic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

type fakeSession struct {
	peerID domain.PeerID
	events ports.SessionEvents

	mu         sync.Mutex
	offers     []bool
	answers    int
	remotes    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     map[string]bool
	closed     bool
	offerErr   error
	remoteErr  error
	state      webrtc.SignalingState
}

func (s *fakeSession) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return webrtc.SessionDescription{}, s.offerErr
	}
	s.offers = append(s.offers, iceRestart)
	s.state = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.sdp("offer", len(s.offers))}, nil
}

func (s *fakeSession) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	s.state = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.sdp("answer", s.answers)}, nil
}

// sdp embeds the attached track ids so tests can check what an offer
// carried.
func (s *fakeSession) sdp(kind string, n int) string {
	ids := make([]string, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%s-%d %v", kind, n, ids)
}

func (s *fakeSession) SetRemoteDescription(ctx context.Context, sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteErr != nil {
		return s.remoteErr
	}
	if sdp.Type == webrtc.SDPTypeOffer && s.state == webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("invalid proposed signaling state transition: %s->SetRemote(offer)", s.state)
	}
	s.remotes = append(s.remotes, sdp)
	if sdp.Type == webrtc.SDPTypeOffer {
		s.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		s.state = webrtc.SignalingStateStable
	}
	return nil
}

func (s *fakeSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) AddTrack(track ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track.ID()] = true
	return nil
}

func (s *fakeSession) RemoveTrack(trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracks, trackID)
	return nil
}

func (s *fakeSession) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Offers() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.offers...)
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) HasTrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[id]
}

func (s *fakeSession) Candidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates)
}

// SetState reports a transport connection state change.
func (s *fakeSession) SetState(state domain.LinkState) {
	s.events.OnConnectionStateChange(state)
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions map[domain.PeerID][]*fakeSession
	err      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[domain.PeerID][]*fakeSession)}
}

// FailSessions makes NewSession return err until it is called with nil.
func (f *fakeTransport) FailSessions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) NewSession(peerID domain.PeerID, events ports.SessionEvents) (ports.PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{peerID: peerID, events: events, tracks: make(map[string]bool), state: webrtc.SignalingStateStable}
	f.sessions[peerID] = append(f.sessions[peerID], s)
	return s, nil
}

// Session returns the latest session created for peerID.
func (f *fakeTransport) Session(peerID domain.PeerID) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sessions[peerID]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *fakeTransport) SessionCount(peerID domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions[peerID])
}

type sentEvent struct {
	Event string
	To    domain.PeerID
	Kind  domain.SignalKind
	Data  json.RawMessage
	Value interface{}
}

type fakeSignaling struct {
	mu        sync.Mutex
	connected bool
	sent      []sentEvent
	joinErr   error
}

func (s *fakeSignaling) record(e sentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, e)
	return nil
}

func (s *fakeSignaling) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSignaling) JoinVoice(ctx context.Context, join domain.JoinAnnouncement) error {
	if s.joinErr != nil {
		return s.joinErr
	}
	return s.record(sentEvent{Event: "join-voice", Value: join})
}

func (s *fakeSignaling) LeaveVoice(ctx context.Context) error {
	return s.record(sentEvent{Event: "leave-voice"})
}

func (s *fakeSignaling) ToggleMute(ctx context.Context, muted bool) error {
	return s.record(sentEvent{Event: "toggle-mute", Value: muted})
}

func (s *fakeSignaling) Speaking(ctx context.Context, speaking bool) error {
	return s.record(sentEvent{Event: "speaking", Value: speaking})
}

func (s *fakeSignaling) ScreenShareStarted(ctx context.Context, share domain.ShareAnnouncement) error {
	return s.record(sentEvent{Event: "screen-share-started", Value: share})
}

func (s *fakeSignaling) ScreenShareStopped(ctx context.Context, share domain.ShareAnnouncement) error {
	return s.record(sentEvent{Event: "screen-share-stopped", Value: share})
}

func (s *fakeSignaling) VideoStarted(ctx context.Context, share domain.ShareAnnouncement) error {
	return s.record(sentEvent{Event: "video-started", Value: share})
}

func (s *fakeSignaling) VideoStopped(ctx context.Context, share domain.ShareAnnouncement) error {
	return s.record(sentEvent{Event: "video-stopped", Value: share})
}

func (s *fakeSignaling) SendSignal(ctx context.Context, to domain.PeerID, kind domain.SignalKind, data json.RawMessage) error {
	return s.record(sentEvent{Event: "signal", To: to, Kind: kind, Data: data})
}

func (s *fakeSignaling) Events(name string) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, e := range s.sent {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSignaling) Signals(to domain.PeerID, kind domain.SignalKind) []sentEvent {
	var out []sentEvent
	for _, e := range s.Events("signal") {
		if e.To == to && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSignaling) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSignaling) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
}

func (n *recordingNotifier) Notify(note domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) Kinds(kind domain.NotificationKind) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, note := range n.notes {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

type memIntentStore struct {
	mu      sync.Mutex
	intents map[domain.UserID]domain.RejoinIntent
}

func newMemIntentStore() *memIntentStore {
	return &memIntentStore{intents: make(map[domain.UserID]domain.RejoinIntent)}
}

func (s *memIntentStore) Save(ctx context.Context, intent *domain.RejoinIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.UserID] = *intent
	return nil
}

func (s *memIntentStore) Load(ctx context.Context, userID domain.UserID) (*domain.RejoinIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[userID]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return &intent, nil
}

func (s *memIntentStore) Clear(ctx context.Context, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, userID)
	return nil
}

type MockIntentStore struct {
	mock.Mock
}

func (m *MockIntentStore) Save(ctx context.Context, intent *domain.RejoinIntent) error {
	args := m.Called(ctx, intent)
	return args.Error(0)
}

func (m *MockIntentStore) Load(ctx context.Context, userID domain.UserID) (*domain.RejoinIntent, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RejoinIntent), args.Error(1)
}

func (m *MockIntentStore) Clear(ctx context.Context, userID domain.UserID) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

type fakePlayback struct {
	mu       sync.Mutex
	deafened bool
}

func (p *fakePlayback) SetDeafened(d bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deafened = d
}

func (p *fakePlayback) Deafened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deafened
}

// harness wires a coordinator to fakes and runs its loop.
type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *fakeClock
	capture   *fakeCapture
	transport *fakeTransport
	signaling *fakeSignaling
	notifier  *recordingNotifier
	intents   ports.IntentStore
	playback  *fakePlayback
	c         *Coordinator
}

type harnessOption func(*harness)

func withIntents(store ports.IntentStore) harnessOption {
	return func(h *harness) { h.intents = store }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     newFakeClock(),
		capture:   newFakeCapture(),
		transport: newFakeTransport(),
		signaling: &fakeSignaling{connected: true},
		notifier:  &recordingNotifier{},
		intents:   newMemIntentStore(),
		playback:  &fakePlayback{},
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := DefaultCoordinatorConfig("me", "Me")
	h.c = NewCoordinator(cfg, Dependencies{
		Signaling: h.signaling,
		Capture:   h.capture,
		Transport: h.transport,
		Notifier:  h.notifier,
		Intents:   h.intents,
		Playback:  h.playback,
		Clock:     h.clock,
	}, zaptest.NewLogger(t))
	h.c.Start()
	t.Cleanup(h.c.loop.Stop)
	return h
}

// connect marks signaling up and drains the loop.
func (h *harness) connect() {
	h.c.OnConnected()
	h.sync()
}

// sync waits until every task posted so far has run.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.c.loop.Do(h.ctx, func() error { return nil }))
}

func (h *harness) join(channel domain.ChannelID) {
	h.t.Helper()
	require.NoError(h.t, h.c.JoinChannel(h.ctx, channel, "room-1"))
}

func (h *harness) peerJoined(peer domain.PeerID, shouldOffer bool) {
	h.c.OnPeerJoined(domain.PeerAnnouncement{PeerID: peer, Username: string(peer), ShouldOffer: shouldOffer})
	h.sync()
}

// answer feeds a remote answer for the latest offer sent to peer.
func (h *harness) answer(peer domain.PeerID) {
	data, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"})
	require.NoError(h.t, err)
	h.c.OnSignal(peer, domain.SignalAnswer, data)
	h.sync()
}

// connectPeer joins peer as the offering side, answers and reports the
// link connected.
func (h *harness) connectPeer(peer domain.PeerID) {
	h.peerJoined(peer, true)
	h.answer(peer)
	h.transport.Session(peer).SetState(domain.LinkConnected)
	h.sync()
}

func offerData(t *testing.T, sdp string) json.RawMessage {
	data, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	require.NoError(t, err)
	return data
}

func candidateData(t *testing.T, candidate string) json.RawMessage {
	data, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return data
}

var errBoom = errors.New("boom")
