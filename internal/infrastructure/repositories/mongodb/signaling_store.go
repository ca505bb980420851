package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/internal/infrastructure/repositories/livequery"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	callsCollection      = "calls"
	candidatesCollection = "call_candidates"
	maxUpdateRetries     = 5
)

const (
	opInsert  = "insert"
	opUpdate  = "update"
	opReplace = "replace"
	opDelete  = "delete"
)

var _ ports.SignalingStore = (*SignalingStore)(nil)

var (
	callIndexes = []mongo.IndexModel{
		{Keys: bson.D{{Key: "calleeId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	}
	candidateIndexes = []mongo.IndexModel{
		{Keys: bson.D{{Key: "callId", Value: 1}, {Key: "collection", Value: 1}, {Key: "_id", Value: 1}}},
	}
)

// sessionEvent is the subset of a change stream document the store reads.
type sessionEvent struct {
	OperationType string              `bson:"operationType"`
	FullDocument  *domain.CallSession `bson:"fullDocument"`
	DocumentKey   struct {
		ID domain.CallID `bson:"_id"`
	} `bson:"documentKey"`
}

type candidateEvent struct {
	FullDocument *domain.CandidateRecord `bson:"fullDocument"`
}

// SignalingStore keeps one document per call and one document per
// candidate, and serves live queries from change streams.
type SignalingStore struct {
	calls      *mongo.Collection
	candidates *mongo.Collection
	logger     *zap.SugaredLogger

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
}

func NewSignalingStore(ctx context.Context, db *mongo.Database, logger *zap.SugaredLogger) (*SignalingStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	calls := db.Collection(callsCollection)
	candidates := db.Collection(candidatesCollection)
	if _, err := calls.Indexes().CreateMany(ctx, callIndexes); err != nil {
		return nil, fmt.Errorf("failed to create call indexes: %w", err)
	}
	if _, err := candidates.Indexes().CreateMany(ctx, candidateIndexes); err != nil {
		return nil, fmt.Errorf("failed to create candidate indexes: %w", err)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &SignalingStore{
		calls:      calls,
		candidates: candidates,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

func (s *SignalingStore) CreateSession(ctx context.Context, session *domain.CallSession) (domain.CallID, error) {
	if session == nil {
		return "", fmt.Errorf("%w: nil session", domain.ErrStore)
	}

	stored := session.Clone()
	stored.ID = domain.CallID(uuid.NewString())
	// BSON dates carry milliseconds only.
	stored.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	stored.UpdatedAt = stored.CreatedAt
	stored.Version = 1

	if _, err := s.calls.InsertOne(ctx, stored); err != nil {
		return "", fmt.Errorf("%w: failed to create session: %v", domain.ErrStore, err)
	}
	return stored.ID, nil
}

func (s *SignalingStore) GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	var session domain.CallSession
	err := s.calls.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get session: %v", domain.ErrStore, err)
	}
	return &session, nil
}

// UpdateSession replaces the document only if its version is unchanged
// since it was read, retrying on conflict.
func (s *SignalingStore) UpdateSession(ctx context.Context, id domain.CallID, patch domain.SessionPatch) error {
	if patch.Empty() {
		return nil
	}

	for i := 0; i < maxUpdateRetries; i++ {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		expected := session.Version
		if err := session.Apply(patch, time.Now().UTC().Truncate(time.Millisecond)); err != nil {
			return err
		}

		result, err := s.calls.ReplaceOne(ctx, bson.M{"_id": id, "version": expected}, session)
		if err != nil {
			return fmt.Errorf("%w: failed to update session: %v", domain.ErrStore, err)
		}
		if result.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: too much contention on call %s", domain.ErrStore, id)
}

func (s *SignalingStore) DeleteSession(ctx context.Context, id domain.CallID) error {
	if _, err := s.calls.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("%w: failed to delete session: %v", domain.ErrStore, err)
	}
	if _, err := s.candidates.DeleteMany(ctx, bson.M{"callId": id}); err != nil {
		return fmt.Errorf("%w: failed to delete candidates: %v", domain.ErrStore, err)
	}
	return nil
}

func (s *SignalingStore) FindSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.CallSession, error) {
	cursor, err := s.calls.Find(ctx, queryFor(filter), options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query sessions: %v", domain.ErrStore, err)
	}

	var sessions []*domain.CallSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("%w: failed to decode sessions: %v", domain.ErrStore, err)
	}
	domain.SortSessions(sessions)
	return sessions, nil
}

func (s *SignalingStore) AppendCandidate(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, candidate domain.ICECandidate) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: unknown collection %q", domain.ErrStore, collection)
	}

	n, err := s.calls.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("%w: failed to look up call: %v", domain.ErrStore, err)
	}
	if n == 0 {
		return domain.ErrCallNotFound
	}

	record := domain.CandidateRecord{
		ID:         primitive.NewObjectID().Hex(),
		CallID:     id,
		Collection: collection,
		Candidate:  candidate,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.candidates.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("%w: failed to append candidate: %v", domain.ErrStore, err)
	}
	return nil
}

func (s *SignalingStore) WatchSession(ctx context.Context, id domain.CallID, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	sub := s.newSubscription()

	// need to watch before reading to avoid a race
	cs, err := s.calls.Watch(sub.ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":   bson.M{"$in": bson.A{opInsert, opUpdate, opReplace, opDelete}},
			"documentKey._id": id,
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: failed to watch session: %v", domain.ErrStore, err)
	}

	snapshot, err := s.GetSession(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrCallNotFound) {
		_ = cs.Close(context.Background())
		sub.Unsubscribe()
		return nil, err
	}

	view := livequery.NewView(func(session *domain.CallSession) bool {
		return session.ID == id
	})
	s.start(sub, cs, func() {
		if snapshot == nil {
			view.Forget(id)
			onChange(domain.SessionChange{Type: domain.ChangeRemoved, CallID: id})
			return
		}
		for _, change := range view.Seed([]*domain.CallSession{snapshot}) {
			onChange(change)
		}
	}, func(cs *mongo.ChangeStream) {
		s.applySessionEvent(cs, view, onChange)
	})
	return sub, nil
}

func (s *SignalingStore) WatchSessions(ctx context.Context, filter domain.SessionFilter, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	sub := s.newSubscription()

	match := bson.M{
		"operationType": bson.M{"$in": bson.A{opInsert, opUpdate, opReplace, opDelete}},
	}
	if filter.CalleeID != "" {
		// Deletions carry only the key; the view drops ones it never held.
		match["$or"] = bson.A{
			bson.M{"fullDocument.calleeId": filter.CalleeID},
			bson.M{"operationType": opDelete},
		}
	}

	cs, err := s.calls.Watch(sub.ctx, mongo.Pipeline{{{Key: "$match", Value: match}}},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: failed to watch sessions: %v", domain.ErrStore, err)
	}

	snapshot, err := s.FindSessions(ctx, filter)
	if err != nil {
		_ = cs.Close(context.Background())
		sub.Unsubscribe()
		return nil, err
	}

	view := livequery.NewView(filter.Matches)
	s.start(sub, cs, func() {
		for _, change := range view.Seed(snapshot) {
			onChange(change)
		}
	}, func(cs *mongo.ChangeStream) {
		s.applySessionEvent(cs, view, onChange)
	})
	return sub, nil
}

// WatchCandidates replays stored candidates in insertion order, then
// follows new inserts. Candidates seen in the replay are not repeated.
func (s *SignalingStore) WatchCandidates(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, onCandidate func(domain.CandidateRecord)) (ports.Subscription, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", domain.ErrStore, collection)
	}
	sub := s.newSubscription()

	cs, err := s.candidates.Watch(sub.ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":           opInsert,
			"fullDocument.callId":     id,
			"fullDocument.collection": collection,
		}}},
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: failed to watch candidates: %v", domain.ErrStore, err)
	}

	cursor, err := s.candidates.Find(ctx,
		bson.M{"callId": id, "collection": collection},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		_ = cs.Close(context.Background())
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: failed to read candidates: %v", domain.ErrStore, err)
	}
	var backlog []domain.CandidateRecord
	if err := cursor.All(ctx, &backlog); err != nil {
		_ = cs.Close(context.Background())
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: failed to decode candidates: %v", domain.ErrStore, err)
	}

	seen := make(map[string]struct{}, len(backlog))
	s.start(sub, cs, func() {
		for _, record := range backlog {
			seen[record.ID] = struct{}{}
			onCandidate(record)
		}
	}, func(cs *mongo.ChangeStream) {
		var event candidateEvent
		if err := cs.Decode(&event); err != nil || event.FullDocument == nil {
			s.logger.Warnw("failed to decode candidate event", "call_id", id, "error", err)
			return
		}
		if _, dup := seen[event.FullDocument.ID]; dup {
			return
		}
		seen[event.FullDocument.ID] = struct{}{}
		onCandidate(*event.FullDocument)
	})
	return sub, nil
}

// Close stops every live query. It does not wait for running callbacks,
// so it is safe to call from one.
func (s *SignalingStore) Close() error {
	s.cancelFunc()
	return nil
}

// Wait blocks until all watch goroutines have exited.
func (s *SignalingStore) Wait() {
	s.workers.Wait()
}

func (s *SignalingStore) applySessionEvent(cs *mongo.ChangeStream, view *livequery.View, onChange func(domain.SessionChange)) {
	var event sessionEvent
	if err := cs.Decode(&event); err != nil {
		s.logger.Warnw("failed to decode change event", "error", err)
		return
	}

	var (
		change domain.SessionChange
		ok     bool
	)
	if event.OperationType == opDelete {
		change, ok = view.Delete(event.DocumentKey.ID, nil)
	} else {
		change, ok = view.Upsert(event.FullDocument)
	}
	if ok {
		onChange(change)
	}
}

type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *SignalingStore) newSubscription() *subscription {
	ctx, cancel := context.WithCancel(s.cancelCtx)
	return &subscription{ctx: ctx, cancel: cancel}
}

func (sub *subscription) Unsubscribe() {
	sub.cancel()
}

// start runs seed and then next for every change event on one goroutine,
// so callbacks of a subscription never overlap.
func (s *SignalingStore) start(sub *subscription, cs *mongo.ChangeStream, seed func(), next func(*mongo.ChangeStream)) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			_ = cs.Close(context.Background())
		}()

		if sub.ctx.Err() != nil {
			return
		}
		seed()

		for cs.Next(sub.ctx) {
			if sub.ctx.Err() != nil {
				return
			}
			next(cs)
		}
		if err := cs.Err(); err != nil && sub.ctx.Err() == nil {
			s.logger.Errorw("change stream stopped", "error", err)
		}
	}()
}

func queryFor(filter domain.SessionFilter) bson.M {
	query := bson.M{}
	if filter.CalleeID != "" {
		query["calleeId"] = filter.CalleeID
	}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if !filter.CreatedBefore.IsZero() {
		query["createdAt"] = bson.M{"$lt": filter.CreatedBefore}
	}
	return query
}
