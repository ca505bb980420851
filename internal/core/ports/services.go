package ports

import (
	"context"
	"time"

	"wanderlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// LocalMedia is a set of capture tracks owned by one call.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	HasVideo() bool
	// Degraded is true when video was requested but only audio could be captured.
	Degraded() bool
	Stop() error
}

type MediaDevices interface {
	Acquire(ctx context.Context, wantVideo bool) (LocalMedia, error)
}

// PeerSession is one peer transport. All methods are safe for concurrent use.
type PeerSession interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	// SetRemoteDescription applies desc once; later calls return applied=false.
	SetRemoteDescription(desc domain.SessionDescription) (applied bool, err error)
	HasRemoteDescription() bool
	// AddRemoteCandidate queues candidates that arrive before the remote description.
	AddRemoteCandidate(candidate domain.ICECandidate) error
	OnLocalCandidate(fn func(domain.ICECandidate))
	OnRemoteTrack(fn func(domain.RemoteTrack))
	OnConnectionStateChange(fn func(domain.PeerState))
	SetMuted(muted bool) error
	Close() error
}

type MediaSessionManager interface {
	AcquireLocalMedia(ctx context.Context, wantVideo bool) (LocalMedia, error)
	CreatePeerConnection() (PeerSession, error)
	AttachLocalTracks(session PeerSession, media LocalMedia) error
	Close(session PeerSession) error
	StopLocalMedia(media LocalMedia) error
}

type ProfileLookup interface {
	GetProfile(ctx context.Context, id domain.UserID) (*domain.Profile, error)
}

type Navigator interface {
	ShowCallScreen(id domain.CallID, role domain.Role)
	ReturnToPrevious()
}

type EventPublisher interface {
	Publish(event domain.AgentEvent)
}

type CallMetrics interface {
	CallStarted(callType domain.CallType)
	CallAccepted(callType domain.CallType)
	CallConnected(setup time.Duration)
	CallEnded(reason domain.EndReason)
	CandidateSent()
	CandidateSendFailed()
	CandidateApplied()
	IncomingSurfaced()
}
