package mongodb

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"wanderlink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
)

// newTestDatabase uses the replica set named by WANDERLINK_TEST_MONGO and a
// throwaway database dropped on cleanup.
func newTestDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("WANDERLINK_TEST_MONGO")
	if uri == "" {
		t.Skip("WANDERLINK_TEST_MONGO not set")
	}

	client, err := NewMongoClient(context.Background(), uri, nil)
	require.NoError(t, err)

	db := client.Database("wanderlink_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, multierr.Combine(
			db.Drop(ctx),
			CloseMongoClient(ctx, client),
		))
	})
	return db
}

func newTestStore(t *testing.T) *SignalingStore {
	t.Helper()
	db := newTestDatabase(t)
	store, err := NewSignalingStore(context.Background(), db, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		store.Wait()
	})
	return store
}

func TestSignalingStore_SessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, &domain.CallSession{
		CallerID: "alice",
		CalleeID: "bob",
		Status:   domain.CallStatusRinging,
		Type:     domain.CallTypeVideo,
	})
	require.NoError(t, err)

	answer := &domain.SessionDescription{Type: "answer", SDP: "v=0"}
	require.NoError(t, store.UpdateSession(ctx, id, domain.SessionPatch{Answer: answer}))
	assert.ErrorIs(t, store.UpdateSession(ctx, id, domain.SessionPatch{Answer: answer}), domain.ErrAnswerAlreadySet)

	session, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), session.Version)
	require.NotNil(t, session.Answer)

	found, err := store.FindSessions(ctx, domain.SessionFilter{
		CalleeID: "bob",
		Statuses: []domain.CallStatus{domain.CallStatusRinging},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, store.DeleteSession(ctx, id))
	_, err = store.GetSession(ctx, id)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
	assert.ErrorIs(t, store.AppendCandidate(ctx, id, domain.OfferCandidates, domain.ICECandidate{Candidate: "c"}), domain.ErrCallNotFound)
}

func TestSignalingStore_WatchSessionSeesRemoval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, &domain.CallSession{
		CallerID: "alice",
		CalleeID: "bob",
		Status:   domain.CallStatusRinging,
		Type:     domain.CallTypeAudio,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []domain.ChangeType
	sub, err := store.WatchSession(ctx, id, func(change domain.SessionChange) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, change.Type)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, store.UpdateSession(ctx, id, domain.StatusPatch(domain.CallStatusEnded)))
	require.NoError(t, store.DeleteSession(ctx, id))

	want := []domain.ChangeType{domain.ChangeAdded, domain.ChangeModified, domain.ChangeRemoved}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 10*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestSignalingStore_WatchCandidatesReplaysBacklog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, &domain.CallSession{
		CallerID: "alice",
		CalleeID: "bob",
		Status:   domain.CallStatusRinging,
		Type:     domain.CallTypeAudio,
	})
	require.NoError(t, err)
	require.NoError(t, store.AppendCandidate(ctx, id, domain.AnswerCandidates, domain.ICECandidate{Candidate: "candidate:1"}))

	var mu sync.Mutex
	var got []string
	sub, err := store.WatchCandidates(ctx, id, domain.AnswerCandidates, func(record domain.CandidateRecord) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, record.Candidate.Candidate)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, store.AppendCandidate(ctx, id, domain.AnswerCandidates, domain.ICECandidate{Candidate: "candidate:2"}))
	require.NoError(t, store.AppendCandidate(ctx, id, domain.OfferCandidates, domain.ICECandidate{Candidate: "other"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 10*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"candidate:1", "candidate:2"}, got)
	mu.Unlock()
}

func TestProfileRepository_RoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewProfileRepository(db)
	ctx := context.Background()

	_, err := repo.Get(ctx, "erin")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	require.NoError(t, repo.Save(ctx, &domain.Profile{UserID: "erin", DisplayName: "Erin"}))
	require.NoError(t, repo.Save(ctx, &domain.Profile{UserID: "erin", DisplayName: "Erin K."}))

	profile, err := repo.Get(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, "Erin K.", profile.DisplayName)
}

func TestQueryFor(t *testing.T) {
	cutoff := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	query := queryFor(domain.SessionFilter{
		CalleeID:      "bob",
		Statuses:      []domain.CallStatus{domain.CallStatusRinging},
		CreatedBefore: cutoff,
	})
	assert.Equal(t, domain.UserID("bob"), query["calleeId"])
	assert.Contains(t, query, "status")
	assert.Contains(t, query, "createdAt")
	assert.Empty(t, queryFor(domain.SessionFilter{}))
}
