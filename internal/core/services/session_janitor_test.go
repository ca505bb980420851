package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/infrastructure/repositories/memory"
	"wanderlink/pkg/archive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) TryLock(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) Unlock(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestSessionJanitor_SweepsStaleRecords(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	store := memory.NewSignalingStore(memory.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	create := func(status domain.CallStatus, age time.Duration) domain.CallID {
		clock = base.Add(-age)
		id, err := store.CreateSession(ctx, &domain.CallSession{
			CallerID: "alice",
			CalleeID: "bob",
			Status:   status,
			Type:     domain.CallTypeAudio,
		})
		require.NoError(t, err)
		return id
	}

	staleRinging := create(domain.CallStatusRinging, 5*time.Minute)
	freshRinging := create(domain.CallStatusRinging, 10*time.Second)
	staleDeclined := create(domain.CallStatusDeclined, 2*time.Minute)
	liveCall := create(domain.CallStatusConnected, time.Hour)
	clock = base

	janitor := NewSessionJanitor(store, nil, DefaultJanitorConfig(), nil)
	janitor.now = func() time.Time { return base }

	n, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []domain.CallID{staleRinging, staleDeclined} {
		_, err := store.GetSession(ctx, id)
		assert.ErrorIs(t, err, domain.ErrCallNotFound)
	}
	for _, id := range []domain.CallID{freshRinging, liveCall} {
		_, err := store.GetSession(ctx, id)
		assert.NoError(t, err)
	}
}

func TestSessionJanitor_SkipsWhenLockHeld(t *testing.T) {
	store := memory.NewSignalingStore()
	locker := &MockLocker{}
	locker.On("TryLock", mock.Anything).Return(false, nil).Once()

	janitor := NewSessionJanitor(store, locker, DefaultJanitorConfig(), nil)
	n, err := janitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	locker.AssertExpectations(t)
	locker.AssertNotCalled(t, "Unlock", mock.Anything)
}

func TestSessionJanitor_ReleasesLock(t *testing.T) {
	store := memory.NewSignalingStore()
	locker := &MockLocker{}
	locker.On("TryLock", mock.Anything).Return(true, nil).Once()
	locker.On("Unlock", mock.Anything).Return(nil).Once()

	janitor := NewSessionJanitor(store, locker, DefaultJanitorConfig(), nil)
	_, err := janitor.Sweep(context.Background())
	require.NoError(t, err)
	locker.AssertExpectations(t)
}

func TestSessionJanitor_LockError(t *testing.T) {
	store := memory.NewSignalingStore()
	locker := &MockLocker{}
	boom := errors.New("redis down")
	locker.On("TryLock", mock.Anything).Return(false, boom).Once()

	janitor := NewSessionJanitor(store, locker, DefaultJanitorConfig(), nil)
	_, err := janitor.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSessionJanitor_ArchivesRemovedCalls(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base.Add(-10 * time.Minute)
	store := memory.NewSignalingStore(memory.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	id, err := store.CreateSession(ctx, &domain.CallSession{
		CallerID: "alice",
		CalleeID: "bob",
		Status:   domain.CallStatusRinging,
		Type:     domain.CallTypeVideo,
		Offer:    &domain.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	require.NoError(t, err)

	storage, err := archive.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	history := archive.New(storage, 0)

	janitor := NewSessionJanitor(store, nil, DefaultJanitorConfig(), nil)
	janitor.now = func() time.Time { return base }
	janitor.SetArchive(history)

	n, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	names, err := history.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, 1)

	batch, err := history.Read(ctx, names[0])
	require.NoError(t, err)
	require.Len(t, batch.Entries, 1)
	assert.Equal(t, string(id), batch.Entries[0].CallID)
	assert.Equal(t, "ringing", batch.Entries[0].Status)
	assert.True(t, batch.Entries[0].HadOffer)
	assert.False(t, batch.Entries[0].HadAnswer)

	// nothing stale left: no new batch
	_, err = janitor.Sweep(ctx)
	require.NoError(t, err)
	names, err = history.List(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}
