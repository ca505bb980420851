package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/tracing"

	"go.uber.org/zap"
)

type CallConfig struct {
	RingingTimeout    time.Duration
	DeclineGrace      time.Duration
	NavigateBackDelay time.Duration
	TeardownTimeout   time.Duration
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		RingingTimeout:    45 * time.Second,
		DeclineGrace:      2 * time.Second,
		NavigateBackDelay: time.Second,
		TeardownTimeout:   10 * time.Second,
	}
}

// CallEngine runs the offer/answer exchange for the local user over the
// signaling store.
type CallEngine struct {
	identity  domain.UserID
	store     ports.SignalingStore
	media     ports.MediaSessionManager
	profiles  ports.ProfileLookup
	metrics   ports.CallMetrics
	navigator ports.Navigator
	cfg       CallConfig
	logger    *zap.SugaredLogger
}

func NewCallEngine(
	identity domain.UserID,
	store ports.SignalingStore,
	media ports.MediaSessionManager,
	profiles ports.ProfileLookup,
	metrics ports.CallMetrics,
	navigator ports.Navigator,
	cfg CallConfig,
	logger *zap.SugaredLogger,
) *CallEngine {
	if metrics == nil {
		metrics = NopCallMetrics{}
	}
	if navigator == nil {
		navigator = nopNavigator{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultCallConfig().TeardownTimeout
	}
	return &CallEngine{
		identity:  identity,
		store:     store,
		media:     media,
		profiles:  profiles,
		metrics:   metrics,
		navigator: navigator,
		cfg:       cfg,
		logger:    logger.With("user_id", identity),
	}
}

func (e *CallEngine) Identity() domain.UserID { return e.identity }

// StartCall places a call to calleeID. On success the session record exists
// with an offer, the caller is watching for the answer and the call screen
// is shown. Every failure before that point releases what was acquired.
func (e *CallEngine) StartCall(ctx context.Context, calleeID domain.UserID, callType domain.CallType) (*Call, error) {
	ctx, span := tracing.TraceCallOperation(ctx, "start", "")
	defer span.End()

	if !callType.Valid() {
		return nil, fmt.Errorf("invalid call type %q", callType)
	}
	tracing.AddSpanAttributes(ctx,
		tracing.CallTypeKey.String(string(callType)),
		tracing.CallRoleKey.String(string(domain.RoleCaller)),
	)

	peer, err := e.resolveParty(ctx, calleeID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	call := newCall(e, domain.RoleCaller, callType, calleeID, peer)
	call.setState(domain.CallStateCalling)
	e.metrics.CallStarted(callType)

	media, err := e.media.AcquireLocalMedia(ctx, callType.WantsVideo())
	if err != nil {
		call.log().Warnw("local media unavailable", "error", err)
		e.abort(call, domain.EndReasonFailure, false)
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
	}
	if err := call.adoptMedia(media); err != nil {
		return nil, err
	}
	if media.Degraded() {
		call.log().Infow("video unavailable, calling with audio only")
	}

	session, err := e.media.CreatePeerConnection()
	if err != nil {
		e.abort(call, domain.EndReasonFailure, false)
		return nil, err
	}
	if err := call.adoptSession(session); err != nil {
		return nil, err
	}
	if err := e.media.AttachLocalTracks(session, media); err != nil {
		e.abort(call, domain.EndReasonFailure, false)
		return nil, err
	}

	now := time.Now()
	id, err := e.store.CreateSession(ctx, &domain.CallSession{
		CallerID:  e.identity,
		CalleeID:  calleeID,
		Status:    domain.CallStatusRinging,
		Type:      callType,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		e.abort(call, domain.EndReasonFailure, false)
		tracing.RecordError(ctx, err)
		return nil, wrapStoreErr(err)
	}
	call.setID(id)
	span.SetAttributes(tracing.CallIDKey.String(string(id)))

	// Candidates gathered from here on are appended to offerCandidates.
	session.OnLocalCandidate(call.publishCandidate)

	offer, err := session.CreateOffer(ctx)
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, err
	}
	if err := e.store.UpdateSession(ctx, id, domain.SessionPatch{Offer: &offer}); err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		tracing.RecordError(ctx, err)
		return nil, wrapStoreErr(err)
	}

	sub, err := e.store.WatchSession(ctx, id, call.handleCallerSessionChange)
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, wrapStoreErr(err)
	}
	if err := call.adoptSubscription(sub); err != nil {
		return nil, err
	}

	sub, err = e.store.WatchCandidates(ctx, id, domain.AnswerCandidates, call.handleRemoteCandidate)
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, wrapStoreErr(err)
	}
	if err := call.adoptSubscription(sub); err != nil {
		return nil, err
	}

	call.startRingingTimer(e.cfg.RingingTimeout)

	if call.Ended() {
		return nil, domain.ErrAlreadyEnded
	}
	call.markScreenShown()
	e.navigator.ShowCallScreen(id, domain.RoleCaller)

	call.log().Infow("call started",
		"call_type", callType,
		"video", media.HasVideo(),
	)
	return call, nil
}

// AcceptCall answers a ringing session addressed to the local user. Missing
// local media does not abort: the callee continues receive-only and the
// failure is reported through MediaError.
func (e *CallEngine) AcceptCall(ctx context.Context, record *domain.CallSession) (*Call, error) {
	if record == nil {
		return nil, domain.ErrCallNotFound
	}
	ctx, span := tracing.TraceCallOperation(ctx, "accept", string(record.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.CallTypeKey.String(string(record.Type)),
		tracing.CallRoleKey.String(string(domain.RoleCallee)),
	)

	if record.CalleeID != e.identity {
		return nil, fmt.Errorf("%w: call %s is addressed to %s", domain.ErrMissingParty, record.ID, record.CalleeID)
	}
	if record.Status != domain.CallStatusRinging || record.Offer == nil {
		return nil, domain.ErrCallNotRinging
	}

	peer, err := e.resolveParty(ctx, record.CallerID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	call := newCall(e, domain.RoleCallee, record.Type, record.CallerID, peer)
	call.setID(record.ID)
	call.setState(domain.CallStateConnecting)
	e.metrics.CallAccepted(record.Type)

	media, err := e.media.AcquireLocalMedia(ctx, record.Type.WantsVideo())
	if err != nil {
		call.log().Warnw("local media unavailable, answering receive-only", "error", err)
		call.mu.Lock()
		call.mediaErr = fmt.Errorf("%w: %w", domain.ErrMediaAccess, err)
		call.mu.Unlock()
		media = nil
	} else if err := call.adoptMedia(media); err != nil {
		return nil, err
	}

	session, err := e.media.CreatePeerConnection()
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, err
	}
	if err := call.adoptSession(session); err != nil {
		return nil, err
	}
	if media != nil {
		if err := e.media.AttachLocalTracks(session, media); err != nil {
			e.abort(call, domain.EndReasonFailure, true)
			return nil, err
		}
	}

	if _, err := session.SetRemoteDescription(*record.Offer); err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, err
	}

	session.OnLocalCandidate(call.publishCandidate)

	answer, err := session.CreateAnswer(ctx)
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, err
	}

	connected := domain.CallStatusConnected
	err = e.store.UpdateSession(ctx, record.ID, domain.SessionPatch{
		Status:         &connected,
		Answer:         &answer,
		RequireRinging: true,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAnswerAlreadySet):
		e.abort(call, domain.EndReasonAnswered, false)
		return nil, err
	case errors.Is(err, domain.ErrCallNotFound), errors.Is(err, domain.ErrCallNotRinging):
		e.abort(call, domain.EndReasonRemoteEnded, false)
		return nil, err
	default:
		e.abort(call, domain.EndReasonFailure, true)
		tracing.RecordError(ctx, err)
		return nil, wrapStoreErr(err)
	}

	sub, err := e.store.WatchCandidates(ctx, record.ID, domain.OfferCandidates, call.handleRemoteCandidate)
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, wrapStoreErr(err)
	}
	if err := call.adoptSubscription(sub); err != nil {
		return nil, err
	}

	sub, err = e.store.WatchSession(ctx, record.ID, call.handleCalleeSessionChange)
	if err != nil {
		e.abort(call, domain.EndReasonFailure, true)
		return nil, wrapStoreErr(err)
	}
	if err := call.adoptSubscription(sub); err != nil {
		return nil, err
	}

	if call.setState(domain.CallStateConnected) {
		e.metrics.CallConnected(time.Since(call.startedAt))
	}
	if call.Ended() {
		return nil, domain.ErrAlreadyEnded
	}
	call.markScreenShown()
	e.navigator.ShowCallScreen(record.ID, domain.RoleCallee)

	call.log().Infow("call accepted",
		"call_type", record.Type,
		"receive_only", media == nil,
	)
	return call, nil
}

// resolveParty looks up the other party's profile. Unknown or self ids are
// rejected; lookup outages fall back to a placeholder profile.
func (e *CallEngine) resolveParty(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrMissingParty)
	}
	if id == e.identity {
		return nil, fmt.Errorf("%w: cannot call yourself", domain.ErrMissingParty)
	}
	if e.profiles == nil {
		return domain.PlaceholderProfile(id), nil
	}

	profile, err := e.profiles.GetProfile(ctx, id)
	switch {
	case err == nil:
		return profile, nil
	case errors.Is(err, domain.ErrProfileNotFound):
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingParty, id)
	default:
		e.logger.Warnw("profile lookup failed, using placeholder",
			"peer_id", id,
			"error", err,
		)
		return domain.PlaceholderProfile(id), nil
	}
}

// abort tears down a call whose setup failed.
func (e *CallEngine) abort(call *Call, reason domain.EndReason, cleanupRecord bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
	defer cancel()
	_ = call.EndCall(ctx, reason, cleanupRecord)
}

func wrapStoreErr(err error) error {
	if errors.Is(err, domain.ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStore, err)
}

type nopNavigator struct{}

func (nopNavigator) ShowCallScreen(domain.CallID, domain.Role) {}
func (nopNavigator) ReturnToPrevious()                         {}
