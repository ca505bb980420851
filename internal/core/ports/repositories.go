package ports

import (
	"context"

	"wanderlink/internal/core/domain"
)

// Subscription is a live query handle. Unsubscribe is idempotent; after it
// returns no new callback is started.
type Subscription interface {
	Unsubscribe()
}

// SignalingStore is the realtime document store used as the signaling channel.
//
// Watch callbacks of a single subscription run sequentially in the order the
// store applied the writes. The current state is delivered first (as added
// changes), then deltas. Delivery may repeat; consumers deduplicate.
type SignalingStore interface {
	CreateSession(ctx context.Context, session *domain.CallSession) (domain.CallID, error)
	GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error)
	UpdateSession(ctx context.Context, id domain.CallID, patch domain.SessionPatch) error
	DeleteSession(ctx context.Context, id domain.CallID) error
	FindSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.CallSession, error)

	AppendCandidate(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, candidate domain.ICECandidate) error

	WatchSession(ctx context.Context, id domain.CallID, onChange func(domain.SessionChange)) (Subscription, error)
	WatchSessions(ctx context.Context, filter domain.SessionFilter, onChange func(domain.SessionChange)) (Subscription, error)
	WatchCandidates(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, onCandidate func(domain.CandidateRecord)) (Subscription, error)

	Close() error
}

type ProfileRepository interface {
	Get(ctx context.Context, id domain.UserID) (*domain.Profile, error)
	Save(ctx context.Context, profile *domain.Profile) error
}
