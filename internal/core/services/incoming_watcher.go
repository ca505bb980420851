package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"go.uber.org/zap"
)

// CallAcceptor answers a ringing session.
type CallAcceptor interface {
	AcceptCall(ctx context.Context, session *domain.CallSession) (*Call, error)
}

// IncomingCallWatcher surfaces ringing sessions addressed to the local user.
// Only one prompt is shown at a time: the earliest ringing session that
// already carries an offer.
type IncomingCallWatcher struct {
	identity domain.UserID
	store    ports.SignalingStore
	profiles ports.ProfileLookup
	acceptor CallAcceptor
	metrics  ports.CallMetrics
	grace    time.Duration
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	sub       ports.Subscription
	ringing   map[domain.CallID]*domain.CallSession
	dismissed map[domain.CallID]struct{}
	current   *domain.IncomingCall
	pending   map[domain.CallID]*time.Timer
	listeners []func(*domain.IncomingCall)
	stopped   bool
}

func NewIncomingCallWatcher(
	identity domain.UserID,
	store ports.SignalingStore,
	profiles ports.ProfileLookup,
	acceptor CallAcceptor,
	metrics ports.CallMetrics,
	declineGrace time.Duration,
	logger *zap.SugaredLogger,
) *IncomingCallWatcher {
	if metrics == nil {
		metrics = NopCallMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &IncomingCallWatcher{
		identity:  identity,
		store:     store,
		profiles:  profiles,
		acceptor:  acceptor,
		metrics:   metrics,
		grace:     declineGrace,
		logger:    logger.With("user_id", identity),
		ringing:   make(map[domain.CallID]*domain.CallSession),
		dismissed: make(map[domain.CallID]struct{}),
		pending:   make(map[domain.CallID]*time.Timer),
	}
}

// OnChange registers a listener called with the new prompt, or nil when the
// prompt is cleared.
func (w *IncomingCallWatcher) OnChange(fn func(*domain.IncomingCall)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *IncomingCallWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.sub != nil {
		w.mu.Unlock()
		return nil
	}
	w.stopped = false
	w.mu.Unlock()

	sub, err := w.store.WatchSessions(ctx, domain.SessionFilter{
		CalleeID: w.identity,
		Statuses: []domain.CallStatus{domain.CallStatusRinging},
	}, w.handleChange)
	if err != nil {
		return wrapStoreErr(err)
	}

	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()

	w.logger.Infow("watching for incoming calls")
	return nil
}

// Current returns the surfaced prompt, or nil.
func (w *IncomingCallWatcher) Current() *domain.IncomingCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	inc := *w.current
	inc.Session = w.current.Session.Clone()
	return &inc
}

func (w *IncomingCallWatcher) handleChange(change domain.SessionChange) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	switch change.Type {
	case domain.ChangeAdded, domain.ChangeModified:
		if change.Session.Status == domain.CallStatusRinging {
			w.ringing[change.CallID] = change.Session.Clone()
		} else {
			delete(w.ringing, change.CallID)
		}
	case domain.ChangeRemoved:
		delete(w.ringing, change.CallID)
		delete(w.dismissed, change.CallID)
	}
	w.mu.Unlock()

	w.refresh()
}

// refresh recomputes the prompt and notifies listeners when it changes.
// The caller profile is resolved outside the lock; if the choice changed in
// the meantime the newer refresh wins.
func (w *IncomingCallWatcher) refresh() {
	w.mu.Lock()
	next := w.pickLocked()
	if sameCall(w.current, next) {
		if next != nil {
			w.current.Session = next.Clone()
		}
		w.mu.Unlock()
		return
	}
	if next == nil {
		w.current = nil
		w.mu.Unlock()
		w.logger.Infow("incoming call cleared")
		w.emit(nil)
		return
	}
	w.mu.Unlock()

	caller := w.lookupCaller(next.CallerID)

	w.mu.Lock()
	latest := w.pickLocked()
	if latest == nil || latest.ID != next.ID || w.stopped {
		w.mu.Unlock()
		return
	}
	w.current = &domain.IncomingCall{Session: latest.Clone(), Caller: caller}
	inc := *w.current
	w.mu.Unlock()

	w.metrics.IncomingSurfaced()
	w.logger.Infow("incoming call",
		"call_id", next.ID,
		"caller_id", next.CallerID,
		"call_type", next.Type,
	)
	w.emit(&inc)
}

func (w *IncomingCallWatcher) pickLocked() *domain.CallSession {
	candidates := make([]*domain.CallSession, 0, len(w.ringing))
	for id, session := range w.ringing {
		if _, skip := w.dismissed[id]; skip {
			continue
		}
		if session.Offer == nil {
			continue
		}
		candidates = append(candidates, session)
	}
	if len(candidates) == 0 {
		return nil
	}
	domain.SortSessions(candidates)
	return candidates[0]
}

func (w *IncomingCallWatcher) lookupCaller(id domain.UserID) *domain.Profile {
	if w.profiles == nil {
		return domain.PlaceholderProfile(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	profile, err := w.profiles.GetProfile(ctx, id)
	if err != nil {
		w.logger.Warnw("caller profile unavailable, using placeholder",
			"caller_id", id,
			"error", err,
		)
		return domain.PlaceholderProfile(id)
	}
	return profile
}

func (w *IncomingCallWatcher) emit(inc *domain.IncomingCall) {
	w.mu.Lock()
	listeners := append(([]func(*domain.IncomingCall))(nil), w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(inc)
	}
}

// dismiss hides id from the prompt. It reports whether id was ringing.
func (w *IncomingCallWatcher) dismiss(id domain.CallID) bool {
	w.mu.Lock()
	_, ok := w.ringing[id]
	if ok {
		w.dismissed[id] = struct{}{}
	}
	w.mu.Unlock()

	if ok {
		w.refresh()
	}
	return ok
}

// Accept answers the ringing call id.
func (w *IncomingCallWatcher) Accept(ctx context.Context, id domain.CallID) (*Call, error) {
	if !w.dismiss(id) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}

	session, err := w.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			return nil, err
		}
		w.restore(id)
		return nil, wrapStoreErr(err)
	}
	if session.Status != domain.CallStatusRinging {
		return nil, domain.ErrCallNotRinging
	}

	call, err := w.acceptor.AcceptCall(ctx, session)
	if err != nil {
		w.logger.Warnw("failed to accept call", "call_id", id, "error", err)
		w.restoreIfRinging(id)
		return nil, err
	}
	return call, nil
}

// restore puts id back on the prompt after a failed answer.
func (w *IncomingCallWatcher) restore(id domain.CallID) {
	w.mu.Lock()
	_, dismissed := w.dismissed[id]
	delete(w.dismissed, id)
	w.mu.Unlock()

	if dismissed {
		w.refresh()
	}
}

// restoreIfRinging restores id unless the record is gone or has left ringing.
// An unreadable record is assumed to still ring.
func (w *IncomingCallWatcher) restoreIfRinging(id domain.CallID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := w.store.GetSession(ctx, id)
	switch {
	case errors.Is(err, domain.ErrCallNotFound):
		return
	case err == nil && session.Status != domain.CallStatusRinging:
		return
	}
	w.restore(id)
}

// Decline marks the call declined so the caller sees it, then deletes the
// record after the grace period.
func (w *IncomingCallWatcher) Decline(ctx context.Context, id domain.CallID) error {
	if !w.dismiss(id) {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}

	err := w.store.UpdateSession(ctx, id, domain.RingingTransition(domain.CallStatusDeclined))
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil
	}
	if errors.Is(err, domain.ErrCallNotRinging) {
		w.logger.Infow("call left ringing before decline", "call_id", id)
		return nil
	}
	if err != nil {
		w.restoreIfRinging(id)
		return wrapStoreErr(err)
	}

	w.logger.Infow("call declined", "call_id", id)
	w.scheduleDelete(id)
	return nil
}

func (w *IncomingCallWatcher) scheduleDelete(id domain.CallID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.pending[id]; ok {
		old.Stop()
	}
	w.pending[id] = time.AfterFunc(w.grace, func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		w.deleteDeclined(id)
	})
}

func (w *IncomingCallWatcher) deleteDeclined(id domain.CallID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
		w.logger.Warnw("failed to delete declined call", "call_id", id, "error", err)
	}
}

// Stop releases the subscription. Deletions still waiting for their grace
// period run immediately.
func (w *IncomingCallWatcher) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.stopped = true
	w.current = nil
	var flush []domain.CallID
	for id, timer := range w.pending {
		if timer.Stop() {
			flush = append(flush, id)
		}
		delete(w.pending, id)
	}
	w.ringing = make(map[domain.CallID]*domain.CallSession)
	w.dismissed = make(map[domain.CallID]struct{})
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	for _, id := range flush {
		w.deleteDeclined(id)
	}
}

func sameCall(inc *domain.IncomingCall, session *domain.CallSession) bool {
	if inc == nil || session == nil {
		return inc == nil && session == nil
	}
	return inc.Session.ID == session.ID
}
