package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func ringingFor(t *testing.T, store *memory.SignalingStore, callee domain.UserID) []*domain.CallSession {
	t.Helper()
	sessions, err := store.FindSessions(context.Background(), domain.SessionFilter{
		CalleeID: callee,
		Statuses: []domain.CallStatus{domain.CallStatusRinging},
	})
	require.NoError(t, err)
	return sessions
}

func TestCallEngine_StartCallCreatesRingingSessionWithOffer(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	ctx := context.Background()

	call, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStateCalling, call.State())
	assert.Equal(t, domain.RoleCaller, call.Role())

	sessions := ringingFor(t, store, "bob")
	require.Len(t, sessions, 1)
	session := sessions[0]
	assert.Equal(t, call.ID(), session.ID)
	assert.Equal(t, domain.UserID("alice"), session.CallerID)
	assert.Equal(t, domain.CallTypeAudio, session.Type)
	require.NotNil(t, session.Offer)
	assert.Equal(t, "offer", session.Offer.Type)
	assert.Nil(t, session.Answer)

	assert.Equal(t, 1, alice.navigator.shownCount())
	assert.False(t, alice.media.localMedia(t, 0).video)
	assert.Equal(t, int64(1), alice.metrics.Stats().CallsStarted)

	snap := call.Snapshot()
	require.NotNil(t, snap.Peer)
	assert.Equal(t, "bob", snap.Peer.DisplayName)
}

func TestCallEngine_FullCallLifecycle(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	bob := newParty(t, store, "bob", testCallConfig())
	ctx := context.Background()

	require.NoError(t, bob.watcher.Start(ctx))

	caller, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeVideo)
	require.NoError(t, err)
	assert.True(t, alice.media.localMedia(t, 0).video)

	// candidates gathered before the callee answers are kept in offerCandidates
	alicePeer := alice.media.peer(t, 0)
	alicePeer.gather("candidate:alice-1")

	eventually(t, func() bool { return bob.watcher.Current() != nil })
	incoming := bob.watcher.Current()
	assert.Equal(t, caller.ID(), incoming.Session.ID)
	assert.Equal(t, "alice", incoming.Caller.DisplayName)
	assert.Equal(t, int64(1), bob.metrics.Stats().IncomingSurfaced)

	callee, err := bob.watcher.Accept(ctx, caller.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateConnected, callee.State())
	assert.Nil(t, bob.watcher.Current())

	bobPeer := bob.media.peer(t, 0)
	assert.Equal(t, 1, bobPeer.appliedCount())

	eventually(t, func() bool { return caller.State() == domain.CallStateConnected })
	assert.Equal(t, 1, alicePeer.appliedCount())

	session, err := store.GetSession(ctx, caller.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, session.Status)
	require.NotNil(t, session.Answer)
	assert.Equal(t, "answer", session.Answer.Type)

	bobPeer.gather("candidate:bob-1")
	alicePeer.gather("candidate:alice-2")

	eventually(t, func() bool {
		return len(bobPeer.remoteCandidates()) == 2 && len(alicePeer.remoteCandidates()) == 1
	})
	assert.ElementsMatch(t, []string{"candidate:alice-1", "candidate:alice-2"}, bobPeer.remoteCandidates())
	assert.Equal(t, []string{"candidate:bob-1"}, alicePeer.remoteCandidates())

	require.NoError(t, caller.EndCall(ctx, domain.EndReasonHangup, true))

	eventually(t, callee.Ended, "callee must observe the hangup")
	assert.Equal(t, domain.EndReasonRemoteEnded, callee.EndReason())
	assert.True(t, sessionGone(store, caller.ID())())

	assert.Equal(t, 1, alicePeer.closeCount())
	assert.Equal(t, 1, bobPeer.closeCount())
	assert.Equal(t, 1, alice.media.localMedia(t, 0).stopCount())
	assert.Equal(t, 1, bob.media.localMedia(t, 0).stopCount())

	eventually(t, func() bool { return alice.navigator.returnCount() == 1 && bob.navigator.returnCount() == 1 })

	stats := alice.metrics.Stats()
	assert.Equal(t, int64(1), stats.CallsConnected)
	assert.Equal(t, int64(1), stats.CallsEnded[domain.EndReasonHangup])
	eventually(t, func() bool { return alice.metrics.Stats().CandidatesSent == 2 })
}

func TestCallEngine_CalleeHangupEndsCaller(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	bob := newParty(t, store, "bob", testCallConfig())
	ctx := context.Background()

	caller, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	record, err := store.GetSession(ctx, caller.ID())
	require.NoError(t, err)
	callee, err := bob.engine.AcceptCall(ctx, record)
	require.NoError(t, err)

	eventually(t, func() bool { return caller.State() == domain.CallStateConnected })

	require.NoError(t, callee.EndCall(ctx, domain.EndReasonHangup, true))
	eventually(t, caller.Ended)
	assert.Equal(t, domain.EndReasonRemoteEnded, caller.EndReason())
	assert.True(t, sessionGone(store, caller.ID())())
}

func TestCallEngine_DeclineEndsCallerAndDeletesRecord(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	bob := newParty(t, store, "bob", testCallConfig())
	ctx := context.Background()

	require.NoError(t, bob.watcher.Start(ctx))

	caller, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	eventually(t, func() bool { return bob.watcher.Current() != nil })
	require.NoError(t, bob.watcher.Decline(ctx, caller.ID()))
	assert.Nil(t, bob.watcher.Current())

	eventually(t, caller.Ended)
	assert.Equal(t, domain.EndReasonDeclined, caller.EndReason())
	eventually(t, sessionGone(store, caller.ID()), "declined record is deleted after the grace period")

	assert.Equal(t, 0, bob.media.peerCount(), "declining acquires nothing")
	assert.Equal(t, 1, alice.media.peer(t, 0).closeCount())
	assert.Equal(t, 0, alice.media.peer(t, 0).appliedCount(), "caller never set a remote description")
}

func TestCallEngine_AcceptStaleRecordKeepsEndedStatus(t *testing.T) {
	store := memory.NewSignalingStore()
	bob := newParty(t, store, "bob", testCallConfig())
	ctx := context.Background()

	id := seedRinging(t, store, "alice", "bob", true)
	stale, err := store.GetSession(ctx, id)
	require.NoError(t, err)

	// the caller hangs up after bob's view was taken
	require.NoError(t, store.UpdateSession(ctx, id, domain.StatusPatch(domain.CallStatusEnded)))

	_, err = bob.engine.AcceptCall(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrCallNotRinging)

	session, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, session.Status)
	assert.Nil(t, session.Answer)
}

func TestCallEngine_StartCallSpanCarriesCallType(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})

	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())

	call, err := alice.engine.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.NoError(t, err)
	defer call.EndCall(context.Background(), domain.EndReasonHangup, true)

	attrs := map[string]string{}
	for _, span := range recorder.Ended() {
		if span.Name() != "call.start" {
			continue
		}
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
	}
	assert.Equal(t, "video", attrs["call.type"])
	assert.Equal(t, string(domain.RoleCaller), attrs["call.role"])
	assert.Equal(t, string(call.ID()), attrs["call.id"])
}

func TestCallEngine_RingingTimeout(t *testing.T) {
	store := memory.NewSignalingStore()
	cfg := testCallConfig()
	cfg.RingingTimeout = 30 * time.Millisecond
	alice := newParty(t, store, "alice", cfg)

	call, err := alice.engine.StartCall(context.Background(), "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}
	assert.Equal(t, domain.EndReasonTimeout, call.EndReason())
	assert.True(t, sessionGone(store, call.ID())())
	assert.Equal(t, int64(1), alice.metrics.Stats().CallsEnded[domain.EndReasonTimeout])
}

func TestCallEngine_EndCallIsIdempotent(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	ctx := context.Background()

	call, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeVideo)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = call.EndCall(ctx, domain.EndReasonHangup, true)
		}()
	}
	wg.Wait()

	<-call.Done()
	assert.Equal(t, domain.CallStateEnded, call.State())
	assert.Equal(t, 1, alice.media.peer(t, 0).closeCount())
	assert.Equal(t, 1, alice.media.localMedia(t, 0).stopCount())

	eventually(t, func() bool { return alice.navigator.returnCount() == 1 })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, alice.navigator.returnCount())

	var ended int64
	for _, n := range alice.metrics.Stats().CallsEnded {
		ended += n
	}
	assert.Equal(t, int64(1), ended)

	assert.NoError(t, call.SetMuted(true), "mute after end is a no-op")
	assert.False(t, call.Snapshot().Muted)
}

func TestCallEngine_DuplicateCandidateAppliedOnce(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	ctx := context.Background()

	call, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	record := domain.CandidateRecord{
		ID:         "cand-1",
		CallID:     call.ID(),
		Collection: domain.AnswerCandidates,
		Candidate:  domain.ICECandidate{Candidate: "candidate:bob-1"},
	}
	call.handleRemoteCandidate(record)
	call.handleRemoteCandidate(record)

	assert.Equal(t, []string{"candidate:bob-1"}, alice.media.peer(t, 0).remoteCandidates())
	assert.Equal(t, int64(1), alice.metrics.Stats().CandidatesApplied)
}

func TestCallEngine_CallerMediaFailure(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	alice.media.acquireErr = domain.ErrPermissionDenied

	call, err := alice.engine.StartCall(context.Background(), "bob", domain.CallTypeVideo)
	require.Error(t, err)
	assert.Nil(t, call)
	assert.ErrorIs(t, err, domain.ErrMediaAccess)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	assert.Empty(t, ringingFor(t, store, "bob"), "no record is written without local media")
	assert.Equal(t, 0, alice.media.peerCount())
	assert.Equal(t, 0, alice.navigator.shownCount())
}

func TestCallEngine_CalleeContinuesWithoutMedia(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	bob := newParty(t, store, "bob", testCallConfig())
	bob.media.acquireErr = domain.ErrDeviceUnavailable
	ctx := context.Background()

	caller, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	record, err := store.GetSession(ctx, caller.ID())
	require.NoError(t, err)

	callee, err := bob.engine.AcceptCall(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateConnected, callee.State())
	assert.ErrorIs(t, callee.MediaError(), domain.ErrDeviceUnavailable)
	assert.NotEmpty(t, callee.Snapshot().MediaError)

	eventually(t, func() bool { return caller.State() == domain.CallStateConnected })

	require.NoError(t, callee.EndCall(ctx, domain.EndReasonHangup, true))
}

func TestCallEngine_MissingParty(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	ctx := context.Background()

	for _, callee := range []domain.UserID{"", "alice", "nobody"} {
		_, err := alice.engine.StartCall(ctx, callee, domain.CallTypeAudio)
		assert.ErrorIs(t, err, domain.ErrMissingParty, "callee %q", callee)
	}

	assert.Equal(t, 0, alice.media.peerCount(), "nothing is acquired for an unresolvable party")
	assert.Equal(t, int64(0), alice.metrics.Stats().CallsStarted)
}

func TestCallEngine_ProfileOutageUsesPlaceholder(t *testing.T) {
	store := memory.NewSignalingStore()
	lookup := &MockProfileLookup{}
	lookup.On("GetProfile", mock.Anything, domain.UserID("bob")).Return(nil, errors.New("profile backend down"))

	media := &fakeMediaManager{name: "alice"}
	engine := NewCallEngine("alice", store, media, lookup, nil, nil, testCallConfig(), nil)

	call, err := engine.StartCall(context.Background(), "bob", domain.CallTypeAudio)
	require.NoError(t, err)
	defer call.EndCall(context.Background(), domain.EndReasonHangup, true)

	snap := call.Snapshot()
	require.NotNil(t, snap.Peer)
	assert.Equal(t, domain.PlaceholderDisplayName, snap.Peer.DisplayName)
	assert.Equal(t, domain.PlaceholderAvatarURL, snap.Peer.AvatarURL)
	lookup.AssertExpectations(t)
}

func TestCallEngine_AnsweredElsewhere(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())
	phone := newParty(t, store, "bob", testCallConfig())
	laptop := newParty(t, store, "bob", testCallConfig())
	ctx := context.Background()

	caller, err := alice.engine.StartCall(ctx, "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	record, err := store.GetSession(ctx, caller.ID())
	require.NoError(t, err)

	first, err := phone.engine.AcceptCall(ctx, record)
	require.NoError(t, err)

	_, err = laptop.engine.AcceptCall(ctx, record)
	assert.ErrorIs(t, err, domain.ErrAnswerAlreadySet)
	assert.Equal(t, int64(1), laptop.metrics.Stats().CallsEnded[domain.EndReasonAnswered])
	assert.Equal(t, 1, laptop.media.peer(t, 0).closeCount())

	eventually(t, func() bool { return caller.State() == domain.CallStateConnected })
	assert.Equal(t, 1, alice.media.peer(t, 0).appliedCount())
	assert.False(t, first.Ended(), "losing device must not tear down the shared record")

	_, err = store.GetSession(ctx, caller.ID())
	assert.NoError(t, err)
}

func TestCallEngine_AcceptRejectsNonRinging(t *testing.T) {
	store := memory.NewSignalingStore()
	bob := newParty(t, store, "bob", testCallConfig())
	ctx := context.Background()

	_, err := bob.engine.AcceptCall(ctx, &domain.CallSession{
		ID:       "c1",
		CallerID: "alice",
		CalleeID: "bob",
		Status:   domain.CallStatusEnded,
	})
	assert.ErrorIs(t, err, domain.ErrCallNotRinging)

	_, err = bob.engine.AcceptCall(ctx, &domain.CallSession{
		ID:       "c2",
		CallerID: "alice",
		CalleeID: "carol",
		Status:   domain.CallStatusRinging,
		Offer:    &domain.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	assert.ErrorIs(t, err, domain.ErrMissingParty)
	assert.Equal(t, 0, bob.media.peerCount())
}

func TestCallEngine_TransportFailureEndsCall(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())

	call, err := alice.engine.StartCall(context.Background(), "bob", domain.CallTypeAudio)
	require.NoError(t, err)

	alice.media.peer(t, 0).reportState(domain.PeerStateFailed)

	assert.True(t, call.Ended())
	assert.Equal(t, domain.EndReasonFailure, call.EndReason())
	assert.True(t, sessionGone(store, call.ID())())
}

func TestCallEngine_MuteTogglesPeer(t *testing.T) {
	store := memory.NewSignalingStore()
	alice := newParty(t, store, "alice", testCallConfig())

	call, err := alice.engine.StartCall(context.Background(), "bob", domain.CallTypeAudio)
	require.NoError(t, err)
	defer call.EndCall(context.Background(), domain.EndReasonHangup, true)

	var snaps []domain.CallSnapshot
	var mu sync.Mutex
	call.OnStateChange(func(s domain.CallSnapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	require.NoError(t, call.SetMuted(true))
	assert.True(t, call.Snapshot().Muted)

	peer := alice.media.peer(t, 0)
	peer.mu.Lock()
	assert.True(t, peer.muted)
	peer.mu.Unlock()

	mu.Lock()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Muted)
	mu.Unlock()
}
