package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"

	"go.uber.org/zap"
)

const candidateWriteTimeout = 10 * time.Second

// Call is one call attempt. It owns its peer session, local media and store
// subscriptions, and releases all of them exactly once in EndCall.
type Call struct {
	engine *CallEngine
	role   domain.Role
	kind   domain.CallType
	peerID domain.UserID
	peer   *domain.Profile
	logger atomic.Pointer[zap.SugaredLogger]

	// ended flips before any resource is released; callbacks check it first.
	ended   atomic.Bool
	endOnce sync.Once
	done    chan struct{}

	mu           sync.Mutex
	id           domain.CallID
	state        domain.CallState
	session      ports.PeerSession
	media        ports.LocalMedia
	subs         []ports.Subscription
	seen         map[string]struct{}
	muted        bool
	mediaErr     error
	remoteTracks []domain.RemoteTrack
	endReason    domain.EndReason
	screenShown  bool
	ringTimer    *time.Timer
	startedAt    time.Time
	connectedAt  *time.Time
	listeners    []func(domain.CallSnapshot)
}

func newCall(engine *CallEngine, role domain.Role, kind domain.CallType, peerID domain.UserID, peer *domain.Profile) *Call {
	c := &Call{
		engine:    engine,
		role:      role,
		kind:      kind,
		peerID:    peerID,
		peer:      peer,
		done:      make(chan struct{}),
		state:     domain.CallStateIdle,
		seen:      make(map[string]struct{}),
		startedAt: time.Now(),
	}
	c.logger.Store(engine.logger.With("role", role, "peer_id", peerID))
	return c
}

func (c *Call) log() *zap.SugaredLogger { return c.logger.Load() }

func (c *Call) ID() domain.CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Call) Role() domain.Role { return c.role }

func (c *Call) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Ended() bool { return c.ended.Load() }

// Done is closed once teardown has finished.
func (c *Call) Done() <-chan struct{} { return c.done }

// MediaError is set when the callee continued without local media.
func (c *Call) MediaError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaErr
}

func (c *Call) EndReason() domain.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// OnStateChange registers a listener invoked after every state change.
func (c *Call) OnStateChange(fn func(domain.CallSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Call) Snapshot() domain.CallSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Call) snapshotLocked() domain.CallSnapshot {
	snap := domain.CallSnapshot{
		ID:        c.id,
		Role:      c.role,
		State:     c.state,
		Type:      c.kind,
		Peer:      c.peer,
		Muted:     c.muted,
		EndReason: c.endReason,
		StartedAt: c.startedAt,
	}
	if c.media != nil {
		snap.VideoEnabled = c.media.HasVideo()
	}
	if c.mediaErr != nil {
		snap.MediaError = c.mediaErr.Error()
	}
	if len(c.remoteTracks) > 0 {
		snap.RemoteTracks = append([]domain.RemoteTrack(nil), c.remoteTracks...)
	}
	if c.connectedAt != nil {
		at := *c.connectedAt
		snap.ConnectedAt = &at
	}
	return snap
}

// SetMuted toggles outgoing audio. It is a no-op once the call has ended.
func (c *Call) SetMuted(muted bool) error {
	if c.Ended() {
		return nil
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil {
		if err := session.SetMuted(muted); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Call) setState(state domain.CallState) bool {
	c.mu.Lock()
	if c.ended.Load() || c.state == state {
		c.mu.Unlock()
		return false
	}
	c.state = state
	if state == domain.CallStateConnected && c.connectedAt == nil {
		now := time.Now()
		c.connectedAt = &now
	}
	c.mu.Unlock()

	c.log().Infow("call state changed", "state", state)
	c.notify()
	return true
}

func (c *Call) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	listeners := append(([]func(domain.CallSnapshot))(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (c *Call) setID(id domain.CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.logger.Store(c.log().With("call_id", id))
}

// The adopt helpers hand a freshly acquired resource to the call. If the call
// ended meanwhile the resource is released at once and ErrAlreadyEnded returned.

func (c *Call) adoptMedia(media ports.LocalMedia) error {
	c.mu.Lock()
	if c.ended.Load() {
		c.mu.Unlock()
		_ = c.engine.media.StopLocalMedia(media)
		return domain.ErrAlreadyEnded
	}
	c.media = media
	c.mu.Unlock()
	return nil
}

func (c *Call) adoptSession(session ports.PeerSession) error {
	c.mu.Lock()
	if c.ended.Load() {
		c.mu.Unlock()
		_ = c.engine.media.Close(session)
		return domain.ErrAlreadyEnded
	}
	c.session = session
	c.mu.Unlock()

	session.OnRemoteTrack(c.handleRemoteTrack)
	session.OnConnectionStateChange(c.handlePeerState)
	return nil
}

func (c *Call) adoptSubscription(sub ports.Subscription) error {
	c.mu.Lock()
	if c.ended.Load() {
		c.mu.Unlock()
		sub.Unsubscribe()
		return domain.ErrAlreadyEnded
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

func (c *Call) peerSession() ports.PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// publishCandidate appends a local candidate to this side's collection.
// Failures are logged and counted, never fatal.
func (c *Call) publishCandidate(candidate domain.ICECandidate) {
	if c.Ended() {
		return
	}
	id := c.ID()
	collection := c.role.OwnCandidates()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), candidateWriteTimeout)
		defer cancel()

		if err := c.engine.store.AppendCandidate(ctx, id, collection, candidate); err != nil {
			if c.Ended() {
				return
			}
			c.log().Warnw("failed to publish local candidate",
				"collection", collection,
				"error", err,
			)
			c.engine.metrics.CandidateSendFailed()
			return
		}
		c.engine.metrics.CandidateSent()
	}()
}

// handleRemoteCandidate applies each candidate record at most once.
func (c *Call) handleRemoteCandidate(record domain.CandidateRecord) {
	c.mu.Lock()
	if c.ended.Load() {
		c.mu.Unlock()
		return
	}
	if _, dup := c.seen[record.ID]; dup {
		c.mu.Unlock()
		c.log().Debugw("duplicate candidate delivery ignored", "candidate_id", record.ID)
		return
	}
	c.seen[record.ID] = struct{}{}
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.AddRemoteCandidate(record.Candidate); err != nil {
		if errors.Is(err, domain.ErrAlreadyEnded) {
			return
		}
		c.log().Warnw("failed to apply remote candidate",
			"candidate_id", record.ID,
			"error", err,
		)
		return
	}
	c.engine.metrics.CandidateApplied()
}

// handleCallerSessionChange drives the caller side from the shared record.
func (c *Call) handleCallerSessionChange(change domain.SessionChange) {
	if c.Ended() {
		return
	}

	if change.Type == domain.ChangeRemoved {
		c.log().Infow("call session removed by peer")
		c.endFromCallback(domain.EndReasonRemoteEnded, false)
		return
	}

	session := change.Session
	switch session.Status {
	case domain.CallStatusDeclined:
		c.log().Infow("call declined by callee")
		c.endFromCallback(domain.EndReasonDeclined, false)
		return
	case domain.CallStatusEnded:
		c.log().Infow("call ended by peer")
		c.endFromCallback(domain.EndReasonRemoteEnded, false)
		return
	}

	if session.Answer == nil {
		return
	}
	ps := c.peerSession()
	if ps == nil || ps.HasRemoteDescription() {
		return
	}

	applied, err := ps.SetRemoteDescription(*session.Answer)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyEnded) {
			return
		}
		c.log().Errorw("failed to apply remote answer", "error", err)
		c.endFromCallback(domain.EndReasonFailure, true)
		return
	}
	if !applied {
		return
	}

	c.stopRingingTimer()
	if c.setState(domain.CallStateConnected) {
		c.engine.metrics.CallConnected(time.Since(c.startedAt))
	}
}

// handleCalleeSessionChange watches for remote hangup on the callee side.
func (c *Call) handleCalleeSessionChange(change domain.SessionChange) {
	if c.Ended() {
		return
	}
	if change.Type == domain.ChangeRemoved {
		c.log().Infow("call session removed by peer")
		c.endFromCallback(domain.EndReasonRemoteEnded, false)
		return
	}
	if change.Session.Status == domain.CallStatusEnded {
		c.log().Infow("call ended by peer")
		c.endFromCallback(domain.EndReasonRemoteEnded, false)
	}
}

func (c *Call) handleRemoteTrack(track domain.RemoteTrack) {
	if c.Ended() {
		return
	}
	c.mu.Lock()
	c.remoteTracks = append(c.remoteTracks, track)
	c.mu.Unlock()
	c.notify()
}

func (c *Call) handlePeerState(state domain.PeerState) {
	if c.Ended() {
		return
	}
	if state == domain.PeerStateFailed {
		c.log().Warnw("peer transport failed")
		c.endFromCallback(domain.EndReasonFailure, true)
	}
}

func (c *Call) startRingingTimer(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.AfterFunc(timeout, func() {
		if c.State() != domain.CallStateCalling {
			return
		}
		c.log().Infow("call not answered in time", "timeout", timeout)
		c.endFromCallback(domain.EndReasonTimeout, true)
	})

	c.mu.Lock()
	if c.ended.Load() {
		c.mu.Unlock()
		timer.Stop()
		return
	}
	c.ringTimer = timer
	c.mu.Unlock()
}

func (c *Call) stopRingingTimer() {
	c.mu.Lock()
	timer := c.ringTimer
	c.ringTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

func (c *Call) markScreenShown() {
	c.mu.Lock()
	c.screenShown = true
	c.mu.Unlock()
}

// endFromCallback runs teardown from store, transport or timer callbacks.
func (c *Call) endFromCallback(reason domain.EndReason, notifyPeer bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.engine.cfg.TeardownTimeout)
	defer cancel()
	_ = c.EndCall(ctx, reason, notifyPeer)
}
