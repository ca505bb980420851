package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"github.com/google/uuid"
)

var _ ports.SignalingStore = (*SignalingStore)(nil)

type Option func(*SignalingStore)

// WithClock overrides the time source used for CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *SignalingStore) {
		s.now = now
	}
}

// SignalingStore keeps call sessions in process. Two agents sharing one
// instance can place calls to each other, which is what the tests do.
type SignalingStore struct {
	mu         sync.Mutex
	sessions   map[domain.CallID]*domain.CallSession
	candidates map[candidateKey][]domain.CandidateRecord

	sessionSubs   map[*sessionSub]struct{}
	querySubs     map[*querySub]struct{}
	candidateSubs map[*candidateSub]struct{}

	now    func() time.Time
	closed bool
}

type candidateKey struct {
	callID     domain.CallID
	collection domain.CandidateCollection
}

type sessionSub struct {
	store    *SignalingStore
	id       domain.CallID
	onChange func(domain.SessionChange)
	d        *dispatcher
}

type querySub struct {
	store    *SignalingStore
	filter   domain.SessionFilter
	members  map[domain.CallID]bool
	onChange func(domain.SessionChange)
	d        *dispatcher
}

type candidateSub struct {
	store       *SignalingStore
	key         candidateKey
	onCandidate func(domain.CandidateRecord)
	d           *dispatcher
}

func NewSignalingStore(opts ...Option) *SignalingStore {
	s := &SignalingStore{
		sessions:      make(map[domain.CallID]*domain.CallSession),
		candidates:    make(map[candidateKey][]domain.CandidateRecord),
		sessionSubs:   make(map[*sessionSub]struct{}),
		querySubs:     make(map[*querySub]struct{}),
		candidateSubs: make(map[*candidateSub]struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SignalingStore) CreateSession(ctx context.Context, session *domain.CallSession) (domain.CallID, error) {
	if session == nil {
		return "", fmt.Errorf("%w: nil session", domain.ErrStore)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("%w: store closed", domain.ErrStore)
	}

	stored := session.Clone()
	stored.ID = domain.CallID(uuid.NewString())
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	stored.Version = 1
	s.sessions[stored.ID] = stored

	s.publishLocked(stored.ID, stored, false)
	return stored.ID, nil
}

func (s *SignalingStore) GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return session.Clone(), nil
}

func (s *SignalingStore) UpdateSession(ctx context.Context, id domain.CallID, patch domain.SessionPatch) error {
	if patch.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return domain.ErrCallNotFound
	}

	updated := session.Clone()
	if err := updated.Apply(patch, s.now()); err != nil {
		return err
	}
	s.sessions[id] = updated

	s.publishLocked(id, updated, false)
	return nil
}

func (s *SignalingStore) DeleteSession(ctx context.Context, id domain.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil
	}

	delete(s.sessions, id)
	delete(s.candidates, candidateKey{id, domain.OfferCandidates})
	delete(s.candidates, candidateKey{id, domain.AnswerCandidates})

	s.publishLocked(id, session, true)
	return nil
}

func (s *SignalingStore) FindSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.CallSession
	for _, session := range s.sessions {
		if filter.Matches(session) {
			result = append(result, session.Clone())
		}
	}
	domain.SortSessions(result)
	return result, nil
}

func (s *SignalingStore) AppendCandidate(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, candidate domain.ICECandidate) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: unknown collection %q", domain.ErrStore, collection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return domain.ErrCallNotFound
	}

	key := candidateKey{id, collection}
	record := domain.CandidateRecord{
		ID:         uuid.NewString(),
		CallID:     id,
		Collection: collection,
		Candidate:  candidate,
		CreatedAt:  s.now(),
	}
	s.candidates[key] = append(s.candidates[key], record)

	for sub := range s.candidateSubs {
		if sub.key == key {
			sub.deliver(record)
		}
	}
	return nil
}

func (s *SignalingStore) WatchSession(ctx context.Context, id domain.CallID, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &sessionSub{store: s, id: id, onChange: onChange, d: newDispatcher()}
	s.sessionSubs[sub] = struct{}{}

	if session, ok := s.sessions[id]; ok {
		sub.deliver(domain.SessionChange{Type: domain.ChangeAdded, CallID: id, Session: session.Clone()})
	} else {
		sub.deliver(domain.SessionChange{Type: domain.ChangeRemoved, CallID: id})
	}
	return sub, nil
}

func (s *SignalingStore) WatchSessions(ctx context.Context, filter domain.SessionFilter, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &querySub{
		store:    s,
		filter:   filter,
		members:  make(map[domain.CallID]bool),
		onChange: onChange,
		d:        newDispatcher(),
	}
	s.querySubs[sub] = struct{}{}

	var snapshot []*domain.CallSession
	for _, session := range s.sessions {
		if filter.Matches(session) {
			snapshot = append(snapshot, session)
		}
	}
	domain.SortSessions(snapshot)
	for _, session := range snapshot {
		sub.members[session.ID] = true
		sub.deliver(domain.SessionChange{Type: domain.ChangeAdded, CallID: session.ID, Session: session.Clone()})
	}
	return sub, nil
}

func (s *SignalingStore) WatchCandidates(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, onCandidate func(domain.CandidateRecord)) (ports.Subscription, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", domain.ErrStore, collection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := candidateKey{id, collection}
	sub := &candidateSub{store: s, key: key, onCandidate: onCandidate, d: newDispatcher()}
	s.candidateSubs[sub] = struct{}{}

	for _, record := range s.candidates[key] {
		sub.deliver(record)
	}
	return sub, nil
}

func (s *SignalingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for sub := range s.sessionSubs {
		sub.d.stop()
	}
	for sub := range s.querySubs {
		sub.d.stop()
	}
	for sub := range s.candidateSubs {
		sub.d.stop()
	}
	s.sessionSubs = make(map[*sessionSub]struct{})
	s.querySubs = make(map[*querySub]struct{})
	s.candidateSubs = make(map[*candidateSub]struct{})
	return nil
}

// publishLocked fans a write out to session and query subscribers. Callers hold s.mu.
func (s *SignalingStore) publishLocked(id domain.CallID, session *domain.CallSession, deleted bool) {
	for sub := range s.sessionSubs {
		if sub.id != id {
			continue
		}
		switch {
		case deleted:
			sub.deliver(domain.SessionChange{Type: domain.ChangeRemoved, CallID: id, Session: session.Clone()})
		case session.Version == 1:
			sub.deliver(domain.SessionChange{Type: domain.ChangeAdded, CallID: id, Session: session.Clone()})
		default:
			sub.deliver(domain.SessionChange{Type: domain.ChangeModified, CallID: id, Session: session.Clone()})
		}
	}

	for sub := range s.querySubs {
		wasMember := sub.members[id]
		isMember := !deleted && sub.filter.Matches(session)

		switch {
		case !wasMember && isMember:
			sub.members[id] = true
			sub.deliver(domain.SessionChange{Type: domain.ChangeAdded, CallID: id, Session: session.Clone()})
		case wasMember && isMember:
			sub.deliver(domain.SessionChange{Type: domain.ChangeModified, CallID: id, Session: session.Clone()})
		case wasMember && !isMember:
			delete(sub.members, id)
			sub.deliver(domain.SessionChange{Type: domain.ChangeRemoved, CallID: id, Session: session.Clone()})
		}
	}
}

func (sub *sessionSub) deliver(change domain.SessionChange) {
	sub.d.enqueue(func() { sub.onChange(change) })
}

func (sub *sessionSub) Unsubscribe() {
	sub.store.mu.Lock()
	delete(sub.store.sessionSubs, sub)
	sub.store.mu.Unlock()
	sub.d.stop()
}

func (sub *querySub) deliver(change domain.SessionChange) {
	sub.d.enqueue(func() { sub.onChange(change) })
}

func (sub *querySub) Unsubscribe() {
	sub.store.mu.Lock()
	delete(sub.store.querySubs, sub)
	sub.store.mu.Unlock()
	sub.d.stop()
}

func (sub *candidateSub) deliver(record domain.CandidateRecord) {
	sub.d.enqueue(func() { sub.onCandidate(record) })
}

func (sub *candidateSub) Unsubscribe() {
	sub.store.mu.Lock()
	delete(sub.store.candidateSubs, sub)
	sub.store.mu.Unlock()
	sub.d.stop()
}
