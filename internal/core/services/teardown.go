package services

import (
	"context"
	"errors"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/tracing"

	"go.uber.org/multierr"
)

// EndCall tears the call down. Only the first invocation does any work;
// later ones return nil immediately. With notifyPeer the shared record is
// marked ended and deleted so the other side observes the hangup.
//
// Steps fail independently: every step runs, and the combined error is
// logged and returned to the first caller. EndCall never blocks on store
// subscriptions and is safe to call from their callbacks.
func (c *Call) EndCall(ctx context.Context, reason domain.EndReason, notifyPeer bool) error {
	var err error
	c.endOnce.Do(func() {
		err = c.teardown(ctx, reason, notifyPeer)
	})
	return err
}

func (c *Call) teardown(ctx context.Context, reason domain.EndReason, notifyPeer bool) error {
	c.mu.Lock()
	c.ended.Store(true)
	c.state = domain.CallStateEnded
	c.endReason = reason
	id := c.id
	session := c.session
	media := c.media
	subs := c.subs
	timer := c.ringTimer
	screenShown := c.screenShown
	c.session = nil
	c.media = nil
	c.subs = nil
	c.ringTimer = nil
	c.mu.Unlock()

	ctx, span := tracing.TraceCallOperation(ctx, "end", string(id))
	defer span.End()
	span.SetAttributes(
		tracing.EndReasonKey.String(string(reason)),
		tracing.CallRoleKey.String(string(c.role)),
	)

	c.log().Infow("ending call",
		"reason", reason,
		"notify_peer", notifyPeer,
	)

	var errs error
	if timer != nil {
		timer.Stop()
	}
	if err := c.engine.media.Close(session); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.engine.media.StopLocalMedia(media); err != nil {
		errs = multierr.Append(errs, err)
	}

	if notifyPeer && id != "" {
		errs = multierr.Append(errs, c.removeRecord(ctx, id))
	}

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	if screenShown {
		time.AfterFunc(c.engine.cfg.NavigateBackDelay, c.engine.navigator.ReturnToPrevious)
	}

	c.engine.metrics.CallEnded(reason)
	if errs != nil {
		tracing.RecordError(ctx, errs)
		c.log().Warnw("call teardown finished with errors", "error", errs)
	}

	c.notify()
	close(c.done)
	return errs
}

// removeRecord marks the record ended before deleting it, so watchers that
// only see the last write still learn why the call went away.
func (c *Call) removeRecord(ctx context.Context, id domain.CallID) error {
	var errs error

	err := c.engine.store.UpdateSession(ctx, id, domain.StatusPatch(domain.CallStatusEnded))
	if err != nil && !errors.Is(err, domain.ErrCallNotFound) {
		errs = multierr.Append(errs, err)
	}
	if err := c.engine.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
		errs = multierr.Append(errs, err)
	}
	return errs
}

var _ ports.CallMetrics = NopCallMetrics{}

type NopCallMetrics struct{}

func (NopCallMetrics) CallStarted(domain.CallType)  {}
func (NopCallMetrics) CallAccepted(domain.CallType) {}
func (NopCallMetrics) CallConnected(time.Duration)  {}
func (NopCallMetrics) CallEnded(domain.EndReason)   {}
func (NopCallMetrics) CandidateSent()               {}
func (NopCallMetrics) CandidateSendFailed()         {}
func (NopCallMetrics) CandidateApplied()            {}
func (NopCallMetrics) IncomingSurfaced()            {}
