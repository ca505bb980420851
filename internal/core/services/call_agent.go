package services

import (
	"context"
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"go.uber.org/zap"
)

var _ ports.CallController = (*CallAgent)(nil)

// CallAgent is the single-call front of the engine and incoming watcher used
// by the HTTP and websocket surfaces. It holds at most one active call.
type CallAgent struct {
	engine  *CallEngine
	watcher *IncomingCallWatcher
	metrics *MetricsService
	events  ports.EventPublisher
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	current *Call
	busy    bool
}

func NewCallAgent(
	engine *CallEngine,
	watcher *IncomingCallWatcher,
	metrics *MetricsService,
	events ports.EventPublisher,
	logger *zap.SugaredLogger,
) *CallAgent {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &CallAgent{
		engine:  engine,
		watcher: watcher,
		metrics: metrics,
		events:  events,
		logger:  logger,
	}
	watcher.OnChange(a.publishIncoming)
	return a
}

func (a *CallAgent) Start(ctx context.Context) error {
	return a.watcher.Start(ctx)
}

func (a *CallAgent) StartCall(ctx context.Context, calleeID domain.UserID, callType domain.CallType) (*domain.CallSnapshot, error) {
	if err := a.reserve(); err != nil {
		return nil, err
	}

	call, err := a.engine.StartCall(ctx, calleeID, callType)
	return a.adopt(call, err)
}

func (a *CallAgent) AcceptIncoming(ctx context.Context, id domain.CallID) (*domain.CallSnapshot, error) {
	if err := a.reserve(); err != nil {
		return nil, err
	}

	call, err := a.watcher.Accept(ctx, id)
	return a.adopt(call, err)
}

func (a *CallAgent) DeclineIncoming(ctx context.Context, id domain.CallID) error {
	return a.watcher.Decline(ctx, id)
}

func (a *CallAgent) Incoming() *domain.IncomingCall {
	return a.watcher.Current()
}

func (a *CallAgent) CurrentCall() (*domain.CallSnapshot, bool) {
	call := a.active()
	if call == nil {
		return nil, false
	}
	snap := call.Snapshot()
	return &snap, true
}

func (a *CallAgent) Hangup(ctx context.Context) error {
	call := a.active()
	if call == nil {
		return domain.ErrCallNotFound
	}
	if err := call.EndCall(ctx, domain.EndReasonHangup, true); err != nil {
		a.logger.Warnw("hangup finished with errors", "call_id", call.ID(), "error", err)
	}
	return nil
}

func (a *CallAgent) SetMuted(muted bool) error {
	call := a.active()
	if call == nil {
		return domain.ErrCallNotFound
	}
	return call.SetMuted(muted)
}

func (a *CallAgent) Stats() domain.CallStats {
	if a.metrics == nil {
		return domain.CallStats{CallsEnded: map[domain.EndReason]int64{}, Timestamp: time.Now()}
	}
	return a.metrics.Stats()
}

// Shutdown ends the active call and stops watching for incoming calls.
func (a *CallAgent) Shutdown(ctx context.Context) {
	if call := a.active(); call != nil {
		_ = call.EndCall(ctx, domain.EndReasonShutdown, true)
	}
	a.watcher.Stop()
}

func (a *CallAgent) reserve() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.busy || (a.current != nil && !a.current.Ended()) {
		return domain.ErrCallInProgress
	}
	a.busy = true
	return nil
}

func (a *CallAgent) adopt(call *Call, err error) (*domain.CallSnapshot, error) {
	a.mu.Lock()
	a.busy = false
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.current = call
	a.mu.Unlock()

	call.OnStateChange(func(snap domain.CallSnapshot) {
		a.publish(domain.AgentEvent{Type: domain.EventCallState, Call: &snap})
	})

	snap := call.Snapshot()
	a.publish(domain.AgentEvent{Type: domain.EventCallState, Call: &snap})
	return &snap, nil
}

func (a *CallAgent) active() *Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *CallAgent) publishIncoming(inc *domain.IncomingCall) {
	if inc == nil {
		a.publish(domain.AgentEvent{Type: domain.EventIncomingCleared})
		return
	}
	a.publish(domain.AgentEvent{Type: domain.EventIncomingCall, Incoming: inc})
}

func (a *CallAgent) publish(event domain.AgentEvent) {
	if a.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	a.events.Publish(event)
}
