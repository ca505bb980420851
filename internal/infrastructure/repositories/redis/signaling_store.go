package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/internal/infrastructure/repositories/livequery"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	maxTxRetries    = 5
	candidateField  = "data"
	readBlock       = time.Second
	readBatch       = 64
	eventKindUpsert = "upsert"
	eventKindDelete = "delete"
)

var _ ports.SignalingStore = (*SignalingStore)(nil)

// appendCandidateScript appends to the candidate stream only while the call
// document exists, so a late candidate cannot resurrect a deleted call.
var appendCandidateScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		return false
	end
	return redis.call("xadd", KEYS[2], "*", ARGV[1], ARGV[2])
`)

// storeEvent is published on the call and callee channels in the same
// transaction as the write it describes.
type storeEvent struct {
	Kind    string              `json:"kind"`
	CallID  domain.CallID       `json:"call_id"`
	Session *domain.CallSession `json:"session,omitempty"`
}

// SignalingStore keeps call documents as JSON strings, candidates as Redis
// Streams and announces document changes over Pub/Sub.
type SignalingStore struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewSignalingStore(client redis.UniversalClient, logger *zap.SugaredLogger) *SignalingStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SignalingStore{
		client: client,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (s *SignalingStore) CreateSession(ctx context.Context, session *domain.CallSession) (domain.CallID, error) {
	if session == nil {
		return "", fmt.Errorf("%w: nil session", domain.ErrStore)
	}

	stored := session.Clone()
	stored.ID = domain.CallID(uuid.NewString())
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	stored.Version = 1

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	event, err := encodeEvent(eventKindUpsert, stored)
	if err != nil {
		return "", err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(stored.ID), data, 0)
		pipe.SAdd(ctx, calleeCallsKey(stored.CalleeID), string(stored.ID))
		pipe.ZAdd(ctx, callsByCreated, redis.Z{
			Score:  float64(stored.CreatedAt.UnixMilli()),
			Member: string(stored.ID),
		})
		publish(ctx, pipe, stored, event)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create session: %v", domain.ErrStore, err)
	}
	return stored.ID, nil
}

func (s *SignalingStore) GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	data, err := s.client.Get(ctx, callKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get session: %v", domain.ErrStore, err)
	}
	return decodeSession(data)
}

// UpdateSession applies patch in an optimistic transaction, so a second
// offer or answer is rejected even when two devices race.
func (s *SignalingStore) UpdateSession(ctx context.Context, id domain.CallID, patch domain.SessionPatch) error {
	if patch.Empty() {
		return nil
	}
	key := callKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return domain.ErrCallNotFound
		}
		if err != nil {
			return err
		}

		session, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := session.Apply(patch, time.Now().UTC()); err != nil {
			return err
		}

		updated, err := json.Marshal(session)
		if err != nil {
			return err
		}
		event, err := encodeEvent(eventKindUpsert, session)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			publish(ctx, pipe, session, event)
			return nil
		})
		return err
	}

	return s.withRetry(ctx, txf, key)
}

func (s *SignalingStore) DeleteSession(ctx context.Context, id domain.CallID) error {
	key := callKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		session, err := decodeSession(data)
		if err != nil {
			return err
		}
		event, err := encodeEvent(eventKindDelete, session)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx,
				key,
				candidatesKey(id, domain.OfferCandidates),
				candidatesKey(id, domain.AnswerCandidates),
			)
			pipe.SRem(ctx, calleeCallsKey(session.CalleeID), string(id))
			pipe.ZRem(ctx, callsByCreated, string(id))
			publish(ctx, pipe, session, event)
			return nil
		})
		return err
	}

	return s.withRetry(ctx, txf, key)
}

func (s *SignalingStore) withRetry(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrCallNotFound),
			errors.Is(err, domain.ErrOfferAlreadySet),
			errors.Is(err, domain.ErrAnswerAlreadySet),
			errors.Is(err, domain.ErrCallNotRinging):
			return err
		default:
			return fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
	}
	return fmt.Errorf("%w: too much contention on %s", domain.ErrStore, key)
}

func (s *SignalingStore) FindSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.CallSession, error) {
	var (
		ids []string
		err error
	)
	if filter.CalleeID != "" {
		ids, err = s.client.SMembers(ctx, calleeCallsKey(filter.CalleeID)).Result()
	} else {
		upper := "+inf"
		if !filter.CreatedBefore.IsZero() {
			upper = "(" + strconv.FormatInt(filter.CreatedBefore.UnixMilli(), 10)
		}
		ids, err = s.client.ZRangeByScore(ctx, callsByCreated, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query sessions: %v", domain.ErrStore, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callKey(domain.CallID(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load sessions: %v", domain.ErrStore, err)
	}

	var result []*domain.CallSession
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		session, err := decodeSession(data)
		if err != nil {
			s.logger.Warnw("skipping undecodable call document", "error", err)
			continue
		}
		if filter.Matches(session) {
			result = append(result, session)
		}
	}
	domain.SortSessions(result)
	return result, nil
}

func (s *SignalingStore) AppendCandidate(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, candidate domain.ICECandidate) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: unknown collection %q", domain.ErrStore, collection)
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	err = appendCandidateScript.Run(ctx, s.client,
		[]string{callKey(id), candidatesKey(id, collection)},
		candidateField, data,
	).Err()
	if err == redis.Nil {
		return domain.ErrCallNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: failed to append candidate: %v", domain.ErrStore, err)
	}
	return nil
}

func (s *SignalingStore) WatchSession(ctx context.Context, id domain.CallID, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	sub, err := s.subscribe(ctx, []string{callEventsChannel(id)}, false)
	if err != nil {
		return nil, err
	}

	// Subscribed first, so nothing written after this read is missed.
	snapshot, err := s.GetSession(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrCallNotFound) {
		sub.Unsubscribe()
		return nil, err
	}

	view := livequery.NewView(func(session *domain.CallSession) bool {
		return session.ID == id
	})
	go sub.run(func(deliver func(func())) {
		if snapshot == nil {
			view.Forget(id)
			deliver(func() { onChange(domain.SessionChange{Type: domain.ChangeRemoved, CallID: id}) })
			return
		}
		for _, change := range view.Seed([]*domain.CallSession{snapshot}) {
			change := change
			deliver(func() { onChange(change) })
		}
	}, view, onChange)
	return sub, nil
}

func (s *SignalingStore) WatchSessions(ctx context.Context, filter domain.SessionFilter, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	var (
		sub *subscription
		err error
	)
	if filter.CalleeID != "" {
		sub, err = s.subscribe(ctx, []string{calleeEventsChannel(filter.CalleeID)}, false)
	} else {
		sub, err = s.subscribe(ctx, []string{calleeEventsGlob}, true)
	}
	if err != nil {
		return nil, err
	}

	snapshot, err := s.FindSessions(ctx, filter)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	view := livequery.NewView(filter.Matches)
	go sub.run(func(deliver func(func())) {
		for _, change := range view.Seed(snapshot) {
			change := change
			deliver(func() { onChange(change) })
		}
	}, view, onChange)
	return sub, nil
}

// WatchCandidates tails the candidate stream from its first entry, so the
// backlog is replayed before new candidates.
func (s *SignalingStore) WatchCandidates(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, onCandidate func(domain.CandidateRecord)) (ports.Subscription, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: unknown collection %q", domain.ErrStore, collection)
	}

	sub, err := s.track(nil)
	if err != nil {
		return nil, err
	}

	key := candidatesKey(id, collection)
	go func() {
		defer s.untrack(sub)
		lastID := "0"
		for sub.ctx.Err() == nil {
			streams, err := s.client.XRead(sub.ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   readBatch,
				Block:   readBlock,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if sub.ctx.Err() != nil {
					return
				}
				s.logger.Warnw("candidate stream read failed", "call_id", id, "collection", collection, "error", err)
				select {
				case <-sub.ctx.Done():
					return
				case <-time.After(readBlock):
				}
				continue
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					record, err := decodeCandidate(id, collection, msg)
					if err != nil {
						s.logger.Warnw("skipping undecodable candidate", "call_id", id, "error", err)
						continue
					}
					if sub.ctx.Err() != nil {
						return
					}
					onCandidate(record)
				}
			}
		}
	}()
	return sub, nil
}

func (s *SignalingStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (s *SignalingStore) subscribe(ctx context.Context, channels []string, pattern bool) (*subscription, error) {
	var pubsub *redis.PubSub
	if pattern {
		pubsub = s.client.PSubscribe(ctx, channels...)
	} else {
		pubsub = s.client.Subscribe(ctx, channels...)
	}
	// Receive blocks until the server confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe: %v", domain.ErrStore, err)
	}

	sub, err := s.track(pubsub)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return sub, nil
}

func (s *SignalingStore) track(pubsub *redis.PubSub) (*subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: store closed", domain.ErrStore)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		store:  s,
		pubsub: pubsub,
		ctx:    ctx,
		cancel: cancel,
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *SignalingStore) untrack(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

type subscription struct {
	store  *SignalingStore
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.cancel()
		if sub.pubsub != nil {
			_ = sub.pubsub.Close()
		}
		sub.store.untrack(sub)
	})
}

// run delivers the snapshot and then every event that changes the view,
// one callback at a time, until the subscription is cancelled.
func (sub *subscription) run(seed func(deliver func(func())), view *livequery.View, onChange func(domain.SessionChange)) {
	deliver := func(fn func()) {
		if sub.ctx.Err() == nil {
			fn()
		}
	}

	seed(deliver)

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event storeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				sub.store.logger.Warnw("failed to unmarshal store event",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			var (
				change  domain.SessionChange
				changed bool
			)
			if event.Kind == eventKindDelete {
				change, changed = view.Delete(event.CallID, event.Session)
			} else {
				change, changed = view.Upsert(event.Session)
			}
			if changed {
				deliver(func() { onChange(change) })
			}
		}
	}
}

func publish(ctx context.Context, pipe redis.Pipeliner, session *domain.CallSession, event []byte) {
	pipe.Publish(ctx, callEventsChannel(session.ID), event)
	pipe.Publish(ctx, calleeEventsChannel(session.CalleeID), event)
}

func encodeEvent(kind string, session *domain.CallSession) ([]byte, error) {
	data, err := json.Marshal(storeEvent{Kind: kind, CallID: session.ID, Session: session})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal store event: %w", err)
	}
	return data, nil
}

func decodeSession(data string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal session: %v", domain.ErrStore, err)
	}
	return &session, nil
}

func decodeCandidate(id domain.CallID, collection domain.CandidateCollection, msg redis.XMessage) (domain.CandidateRecord, error) {
	raw, ok := msg.Values[candidateField].(string)
	if !ok {
		return domain.CandidateRecord{}, fmt.Errorf("entry %s has no %q field", msg.ID, candidateField)
	}

	var candidate domain.ICECandidate
	if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
		return domain.CandidateRecord{}, err
	}

	record := domain.CandidateRecord{
		ID:         msg.ID,
		CallID:     id,
		Collection: collection,
		Candidate:  candidate,
	}
	if ms, _, found := strings.Cut(msg.ID, "-"); found {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			record.CreatedAt = time.UnixMilli(n).UTC()
		}
	}
	return record, nil
}
