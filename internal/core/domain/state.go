package domain

type CallState string

const (
	CallStateIdle       CallState = "IDLE"
	CallStateCalling    CallState = "CALLING"
	CallStateRinging    CallState = "RINGING"
	CallStateConnecting CallState = "CONNECTING"
	CallStateConnected  CallState = "CONNECTED"
	CallStateEnded      CallState = "ENDED"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// OwnCandidates is the collection this role appends its local candidates to.
func (r Role) OwnCandidates() CandidateCollection {
	if r == RoleCaller {
		return OfferCandidates
	}
	return AnswerCandidates
}

// RemoteCandidates is the collection this role reads the peer's candidates from.
func (r Role) RemoteCandidates() CandidateCollection {
	if r == RoleCaller {
		return AnswerCandidates
	}
	return OfferCandidates
}

type EndReason string

const (
	EndReasonHangup      EndReason = "hangup"
	EndReasonRemoteEnded EndReason = "remote_ended"
	EndReasonDeclined    EndReason = "declined"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonFailure     EndReason = "failure"
	EndReasonShutdown    EndReason = "shutdown"
	EndReasonAnswered    EndReason = "answered_elsewhere"
)

// PeerState mirrors the transport connection state reported by the peer session.
type PeerState string

const (
	PeerStateNew          PeerState = "new"
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
	PeerStateClosed       PeerState = "closed"
)

type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}
