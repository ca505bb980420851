package domain

import (
	"sort"
	"time"
)

type CallID string

type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusEnded     CallStatus = "ended"
)

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusConnected, CallStatusDeclined, CallStatusEnded:
		return true
	}
	return false
}

// Terminal reports whether a session in this status will never carry media again.
func (s CallStatus) Terminal() bool {
	return s == CallStatusDeclined || s == CallStatusEnded
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

func (t CallType) WantsVideo() bool {
	return t == CallTypeVideo
}

type SessionDescription struct {
	Type string `json:"type" bson:"type"`
	SDP  string `json:"sdp" bson:"sdp"`
}

// CallSession is the shared signaling record both parties read and write.
type CallSession struct {
	ID        CallID              `json:"id" bson:"_id"`
	CallerID  UserID              `json:"callerId" bson:"callerId"`
	CalleeID  UserID              `json:"calleeId" bson:"calleeId"`
	Status    CallStatus          `json:"status" bson:"status"`
	Type      CallType            `json:"type" bson:"type"`
	Offer     *SessionDescription `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty" bson:"answer,omitempty"`
	CreatedAt time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt" bson:"updatedAt"`
	Version   int64               `json:"version" bson:"version"`
}

func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.Offer != nil {
		offer := *s.Offer
		out.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		out.Answer = &answer
	}
	return &out
}

// Peer returns the other participant from the point of view of me.
func (s *CallSession) Peer(me UserID) UserID {
	if s.CallerID == me {
		return s.CalleeID
	}
	return s.CallerID
}

// Apply merges patch into the session. Offer and answer are write-once.
func (s *CallSession) Apply(patch SessionPatch, now time.Time) error {
	if patch.RequireRinging && s.Status != CallStatusRinging {
		return ErrCallNotRinging
	}
	if patch.Offer != nil && s.Offer != nil {
		return ErrOfferAlreadySet
	}
	if patch.Answer != nil && s.Answer != nil {
		return ErrAnswerAlreadySet
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Offer != nil {
		offer := *patch.Offer
		s.Offer = &offer
	}
	if patch.Answer != nil {
		answer := *patch.Answer
		s.Answer = &answer
	}
	s.UpdatedAt = now
	s.Version++
	return nil
}

type SessionPatch struct {
	Status *CallStatus
	Offer  *SessionDescription
	Answer *SessionDescription

	// RequireRinging rejects the patch with ErrCallNotRinging unless the
	// stored session is still ringing.
	RequireRinging bool
}

func StatusPatch(status CallStatus) SessionPatch {
	return SessionPatch{Status: &status}
}

// RingingTransition moves a ringing session to status and fails if the
// session already left ringing.
func RingingTransition(status CallStatus) SessionPatch {
	return SessionPatch{Status: &status, RequireRinging: true}
}

func (p SessionPatch) Empty() bool {
	return p.Status == nil && p.Offer == nil && p.Answer == nil
}

// SessionFilter selects sessions for point queries and live queries.
// Zero fields match everything.
type SessionFilter struct {
	CalleeID      UserID
	Statuses      []CallStatus
	CreatedBefore time.Time
}

func (f SessionFilter) Matches(s *CallSession) bool {
	if s == nil {
		return false
	}
	if f.CalleeID != "" && s.CalleeID != f.CalleeID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedBefore.IsZero() && !s.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// SessionChange is one event of a live subscription. Session is nil only
// for removals of a record that was never observed.
type SessionChange struct {
	Type    ChangeType
	CallID  CallID
	Session *CallSession
}

// SortSessions orders sessions by creation time, then by id.
func SortSessions(sessions []*CallSession) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
