package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/circuitbreaker"
	"wanderlink/pkg/retry"

	"go.uber.org/zap"
)

var _ ports.SignalingStore = (*StoreWrapper)(nil)

// outcomeErrors are answers from a healthy store. They are never retried
// and never count against the circuit.
var outcomeErrors = []error{
	domain.ErrCallNotFound,
	domain.ErrOfferAlreadySet,
	domain.ErrAnswerAlreadySet,
	domain.ErrCallNotRinging,
}

func isOutcome(err error) bool {
	for _, target := range outcomeErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StoreWrapper guards a SignalingStore with retries and a circuit breaker.
// Candidate appends bypass retries; they are fire-and-forget upstream.
type StoreWrapper struct {
	store   ports.SignalingStore
	logger  *zap.SugaredLogger
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker

	mu        sync.Mutex
	listeners []func(from, to circuitbreaker.State)
}

func NewStoreWrapper(store ports.SignalingStore, retryConfig retry.Config, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *StoreWrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	retryConfig.NonRetryable = append(retryConfig.NonRetryable, outcomeErrors...)
	retryConfig.NonRetryable = append(retryConfig.NonRetryable, circuitbreaker.ErrOpen)
	cbConfig.IsFailure = func(err error) bool { return !isOutcome(err) }

	w := &StoreWrapper{
		store:   store,
		logger:  logger,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("signaling store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
		w.mu.Lock()
		listeners := append(([]func(from, to circuitbreaker.State))(nil), w.listeners...)
		w.mu.Unlock()
		for _, fn := range listeners {
			fn(from, to)
		}
	})
	return w
}

// OnBreakerStateChange registers fn for every breaker transition.
func (w *StoreWrapper) OnBreakerStateChange(fn func(from, to circuitbreaker.State)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// BreakerState is exposed for health reporting.
func (w *StoreWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.State()
}

func (w *StoreWrapper) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.breaker.Execute(ctx, fn)
	})
	return w.translate(op, err)
}

func (w *StoreWrapper) translate(op string, err error) error {
	if err == nil || isOutcome(err) || errors.Is(err, domain.ErrStore) {
		return err
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		w.logger.Debugw("store call rejected by open circuit", "op", op)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStore, op, err)
}

func (w *StoreWrapper) CreateSession(ctx context.Context, session *domain.CallSession) (domain.CallID, error) {
	var id domain.CallID
	err := w.do(ctx, "create_session", func(ctx context.Context) error {
		var err error
		id, err = w.store.CreateSession(ctx, session)
		return err
	})
	return id, err
}

func (w *StoreWrapper) GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	var session *domain.CallSession
	err := w.do(ctx, "get_session", func(ctx context.Context) error {
		var err error
		session, err = w.store.GetSession(ctx, id)
		return err
	})
	return session, err
}

func (w *StoreWrapper) UpdateSession(ctx context.Context, id domain.CallID, patch domain.SessionPatch) error {
	return w.do(ctx, "update_session", func(ctx context.Context) error {
		return w.store.UpdateSession(ctx, id, patch)
	})
}

func (w *StoreWrapper) DeleteSession(ctx context.Context, id domain.CallID) error {
	return w.do(ctx, "delete_session", func(ctx context.Context) error {
		return w.store.DeleteSession(ctx, id)
	})
}

func (w *StoreWrapper) FindSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.CallSession, error) {
	var sessions []*domain.CallSession
	err := w.do(ctx, "find_sessions", func(ctx context.Context) error {
		var err error
		sessions, err = w.store.FindSessions(ctx, filter)
		return err
	})
	return sessions, err
}

func (w *StoreWrapper) AppendCandidate(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, candidate domain.ICECandidate) error {
	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.store.AppendCandidate(ctx, id, collection, candidate)
	})
	return w.translate("append_candidate", err)
}

func (w *StoreWrapper) WatchSession(ctx context.Context, id domain.CallID, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	var sub ports.Subscription
	err := w.do(ctx, "watch_session", func(ctx context.Context) error {
		var err error
		sub, err = w.store.WatchSession(ctx, id, onChange)
		return err
	})
	return sub, err
}

func (w *StoreWrapper) WatchSessions(ctx context.Context, filter domain.SessionFilter, onChange func(domain.SessionChange)) (ports.Subscription, error) {
	var sub ports.Subscription
	err := w.do(ctx, "watch_sessions", func(ctx context.Context) error {
		var err error
		sub, err = w.store.WatchSessions(ctx, filter, onChange)
		return err
	})
	return sub, err
}

func (w *StoreWrapper) WatchCandidates(ctx context.Context, id domain.CallID, collection domain.CandidateCollection, onCandidate func(domain.CandidateRecord)) (ports.Subscription, error) {
	var sub ports.Subscription
	err := w.do(ctx, "watch_candidates", func(ctx context.Context) error {
		var err error
		sub, err = w.store.WatchCandidates(ctx, id, collection, onCandidate)
		return err
	})
	return sub, err
}

func (w *StoreWrapper) Close() error {
	return w.store.Close()
}
