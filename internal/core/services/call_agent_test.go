package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, p *party) (*CallAgent, *recordingPublisher) {
	t.Helper()
	events := &recordingPublisher{}
	agent := NewCallAgent(p.engine, p.watcher, p.metrics, events, nil)
	require.NoError(t, agent.Start(context.Background()))
	t.Cleanup(func() { agent.Shutdown(context.Background()) })
	return agent, events
}

func TestCallAgent_SingleActiveCall(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	agent, events := newTestAgent(t, alice)
	ctx := context.Background()

	snap, err := agent.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateCalling, snap.State)

	_, err = agent.StartCall(ctx, "carol", domain.CallTypeAudio)
	assert.ErrorIs(t, err, domain.ErrCallInProgress)

	current, ok := agent.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, snap.ID, current.ID)

	require.NoError(t, agent.SetMuted(true))
	current, _ = agent.CurrentCall()
	assert.True(t, current.Muted)

	require.NoError(t, agent.Hangup(ctx))
	current, _ = agent.CurrentCall()
	assert.Equal(t, domain.CallStateEnded, current.State)
	assert.Equal(t, domain.EndReasonHangup, current.EndReason)

	// the slot is free again once the call ended
	next, err := agent.StartCall(ctx, "carol", domain.CallTypeVideo)
	require.NoError(t, err)
	assert.NotEqual(t, snap.ID, next.ID)

	assert.GreaterOrEqual(t, events.count(domain.EventCallState), 3)
	stats := agent.Stats()
	assert.Equal(t, int64(2), stats.CallsStarted)
	assert.Equal(t, int64(1), stats.CallsEnded[domain.EndReasonHangup])
}

func TestCallAgent_NoCall(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	agent, _ := newTestAgent(t, alice)

	_, ok := agent.CurrentCall()
	assert.False(t, ok)
	assert.ErrorIs(t, agent.Hangup(context.Background()), domain.ErrCallNotFound)
	assert.ErrorIs(t, agent.SetMuted(true), domain.ErrCallNotFound)
	assert.Nil(t, agent.Incoming())
}

func TestCallAgent_IncomingAcceptFlow(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	bob := newParty(t, store, "bob", testCallConfig())
	aliceAgent, _ := newTestAgent(t, alice)
	bobAgent, bobEvents := newTestAgent(t, bob)
	ctx := context.Background()

	outgoing, err := aliceAgent.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	eventually(t, func() bool { return bobAgent.Incoming() != nil })
	assert.Equal(t, 1, bobEvents.count(domain.EventIncomingCall))

	answered, err := bobAgent.AcceptIncoming(ctx, outgoing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateConnected, answered.State)
	assert.Equal(t, domain.RoleCallee, answered.Role)
	eventually(t, func() bool { return bobEvents.count(domain.EventIncomingCleared) == 1 })

	eventually(t, func() bool {
		snap, _ := aliceAgent.CurrentCall()
		return snap.State == domain.CallStateConnected
	})

	require.NoError(t, bobAgent.Hangup(ctx))
	eventually(t, func() bool {
		snap, _ := aliceAgent.CurrentCall()
		return snap.State == domain.CallStateEnded
	})
}

func TestCallAgent_FailedStartReleasesSlot(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	alice.media.acquireErr = errors.New("camera busy")
	agent, _ := newTestAgent(t, alice)

	_, err := agent.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	assert.ErrorIs(t, err, domain.ErrMediaAccess)

	alice.media.acquireErr = nil
	_, err = agent.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	assert.NoError(t, err)
}

func TestProfileService_CachesAndDegrades(t *testing.T) {
	repo := memory.NewMemoryProfileRepository()
	require.NoError(t, repo.Save(context.Background(), &domain.Profile{UserID: "bob"}))

	svc := NewProfileService(repo, time.Minute, nil)
	defer svc.Close()

	p, err := svc.GetProfile(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.PlaceholderDisplayName, p.DisplayName, "blank fields are filled with placeholders")

	require.NoError(t, svc.SaveProfile(context.Background(), &domain.Profile{UserID: "bob", DisplayName: "Bob"}))
	p, err = svc.GetProfile(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", p.DisplayName)

	_, err = svc.GetProfile(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
}

type MockProfileRepository struct {
	mock.Mock
}

func (m *MockProfileRepository) Get(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*domain.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProfileRepository) Save(ctx context.Context, profile *domain.Profile) error {
	return m.Called(ctx, profile).Error(0)
}

func TestProfileService_OutageReturnsPlaceholderUncached(t *testing.T) {
	repo := &MockProfileRepository{}
	repo.On("Get", mock.Anything, domain.UserID("bob")).Return(nil, domain.ErrStore).Twice()

	svc := NewProfileService(repo, time.Minute, nil)
	defer svc.Close()

	for i := 0; i < 2; i++ {
		p, err := svc.GetProfile(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.PlaceholderProfile("bob"), p)
	}
	repo.AssertExpectations(t)
}

func TestMetricsService_StatsAndSinks(t *testing.T) {
	sink := NewMetricsService()
	m := NewMetricsService(sink)

	m.CallStarted(domain.CallTypeAudio)
	m.CallConnected(2 * time.Second)
	m.CallConnected(4 * time.Second)
	m.CallEnded(domain.EndReasonTimeout)
	m.CandidateSent()
	m.CandidateSendFailed()
	m.CandidateApplied()
	m.IncomingSurfaced()

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.CallsStarted)
	assert.Equal(t, int64(2), stats.CallsConnected)
	assert.Equal(t, 3*time.Second, stats.AverageSetupDuration)
	assert.Equal(t, int64(1), stats.CallsEnded[domain.EndReasonTimeout])
	assert.Equal(t, int64(1), stats.CandidateSendErrors)

	assert.Equal(t, stats.CallsConnected, sink.Stats().CallsConnected)
	assert.Equal(t, stats.IncomingSurfaced, sink.Stats().IncomingSurfaced)
}
