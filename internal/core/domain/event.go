package domain

import "time"

type IncomingCall struct {
	Session *CallSession `json:"session"`
	Caller  *Profile     `json:"caller"`
}

// CallSnapshot is a read-only view of a call for the UI shell.
type CallSnapshot struct {
	ID           CallID        `json:"id"`
	Role         Role          `json:"role"`
	State        CallState     `json:"state"`
	Type         CallType      `json:"type"`
	Peer         *Profile      `json:"peer,omitempty"`
	Muted        bool          `json:"muted"`
	VideoEnabled bool          `json:"video_enabled"`
	MediaError   string        `json:"media_error,omitempty"`
	RemoteTracks []RemoteTrack `json:"remote_tracks,omitempty"`
	EndReason    EndReason     `json:"end_reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	ConnectedAt  *time.Time    `json:"connected_at,omitempty"`
}

type AgentEventType string

const (
	EventIncomingCall    AgentEventType = "incoming_call"
	EventIncomingCleared AgentEventType = "incoming_cleared"
	EventCallState       AgentEventType = "call_state"
	EventNavigate        AgentEventType = "navigate"
)

// Screens named by navigate events.
const (
	ScreenCall     = "call"
	ScreenPrevious = "previous"
)

// AgentEvent is pushed to the UI shell.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Incoming  *IncomingCall  `json:"incoming,omitempty"`
	Call      *CallSnapshot  `json:"call,omitempty"`
	Screen    string         `json:"screen,omitempty"`
	CallID    CallID         `json:"call_id,omitempty"`
	Role      Role           `json:"role,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
