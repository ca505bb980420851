package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/internal/infrastructure/repositories/memory"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu         sync.Mutex
	name       string
	remote     *domain.SessionDescription
	applied    int
	candidates []domain.ICECandidate
	localSink  func(domain.ICECandidate)
	stateSink  func(domain.PeerState)
	trackSink  func(domain.RemoteTrack)
	tracks     int
	muted      bool
	closed     int
}

func (p *fakePeer) AddLocalTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil
}

func (p *fakePeer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer " + p.name}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return domain.SessionDescription{}, fmt.Errorf("no remote offer")
	}
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer " + p.name}, nil
}

func (p *fakePeer) SetRemoteDescription(desc domain.SessionDescription) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return false, domain.ErrAlreadyEnded
	}
	if p.remote != nil {
		return false, nil
	}
	p.remote = &desc
	p.applied++
	return true, nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddRemoteCandidate(candidate domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return domain.ErrAlreadyEnded
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSink = fn
}

func (p *fakePeer) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackSink = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(domain.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateSink = fn
}

func (p *fakePeer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) gather(candidate string) {
	p.mu.Lock()
	sink := p.localSink
	p.mu.Unlock()
	if sink != nil {
		sink(domain.ICECandidate{Candidate: candidate})
	}
}

func (p *fakePeer) reportState(state domain.PeerState) {
	p.mu.Lock()
	sink := p.stateSink
	p.mu.Unlock()
	if sink != nil {
		sink(state)
	}
}

func (p *fakePeer) remoteCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

type fakeMedia struct {
	mu      sync.Mutex
	video   bool
	stopped int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *fakeMedia) HasVideo() bool              { return m.video }
func (m *fakeMedia) Degraded() bool              { return false }
func (m *fakeMedia) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeMediaManager struct {
	name       string
	acquireErr error

	mu    sync.Mutex
	peers []*fakePeer
	media []*fakeMedia
}

func (m *fakeMediaManager) AcquireLocalMedia(ctx context.Context, wantVideo bool) (ports.LocalMedia, error) {
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	media := &fakeMedia{video: wantVideo}
	m.mu.Lock()
	m.media = append(m.media, media)
	m.mu.Unlock()
	return media, nil
}

func (m *fakeMediaManager) CreatePeerConnection() (ports.PeerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer := &fakePeer{name: fmt.Sprintf("%s-%d", m.name, len(m.peers))}
	m.peers = append(m.peers, peer)
	return peer, nil
}

func (m *fakeMediaManager) AttachLocalTracks(session ports.PeerSession, media ports.LocalMedia) error {
	return nil
}

func (m *fakeMediaManager) Close(session ports.PeerSession) error {
	if session == nil {
		return nil
	}
	return session.Close()
}

func (m *fakeMediaManager) StopLocalMedia(media ports.LocalMedia) error {
	if media == nil {
		return nil
	}
	return media.Stop()
}

func (m *fakeMediaManager) peer(t *testing.T, i int) *fakePeer {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(t, len(m.peers), i)
	return m.peers[i]
}

func (m *fakeMediaManager) peerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *fakeMediaManager) localMedia(t *testing.T, i int) *fakeMedia {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(t, len(m.media), i)
	return m.media[i]
}

type fakeNavigator struct {
	mu      sync.Mutex
	shown   []domain.CallID
	returns int
}

func (n *fakeNavigator) ShowCallScreen(id domain.CallID, role domain.Role) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, id)
}

func (n *fakeNavigator) ReturnToPrevious() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.returns++
}

func (n *fakeNavigator) returnCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.returns
}

func (n *fakeNavigator) shownCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

type MockProfileLookup struct {
	mock.Mock
}

func (m *MockProfileLookup) GetProfile(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*domain.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.AgentEvent
}

func (p *recordingPublisher) Publish(event domain.AgentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count(kind domain.AgentEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

// party is one user's engine, watcher and fakes over a shared store.
type party struct {
	id        domain.UserID
	media     *fakeMediaManager
	navigator *fakeNavigator
	metrics   *MetricsService
	engine    *CallEngine
	watcher   *IncomingCallWatcher
}

func testCallConfig() CallConfig {
	return CallConfig{
		RingingTimeout:    time.Minute,
		DeclineGrace:      20 * time.Millisecond,
		NavigateBackDelay: time.Millisecond,
		TeardownTimeout:   time.Second,
	}
}

func newParty(t *testing.T, store ports.SignalingStore, id domain.UserID, cfg CallConfig) *party {
	t.Helper()
	profiles := memory.NewMemoryProfileRepository()
	for _, user := range []domain.UserID{"alice", "bob", "carol"} {
		require.NoError(t, profiles.Save(context.Background(), &domain.Profile{
			UserID:      user,
			DisplayName: string(user),
		}))
	}
	lookup := NewProfileService(profiles, time.Minute, nil)
	t.Cleanup(lookup.Close)

	p := &party{
		id:        id,
		media:     &fakeMediaManager{name: string(id)},
		navigator: &fakeNavigator{},
		metrics:   NewMetricsService(),
	}
	p.engine = NewCallEngine(id, store, p.media, lookup, p.metrics, p.navigator, cfg, nil)
	p.watcher = NewIncomingCallWatcher(id, store, lookup, p.engine, p.metrics, cfg.DeclineGrace, nil)
	t.Cleanup(p.watcher.Stop)
	return p
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

func sessionGone(store ports.SignalingStore, id domain.CallID) func() bool {
	return func() bool {
		_, err := store.GetSession(context.Background(), id)
		return errors.Is(err, domain.ErrCallNotFound)
	}
}
