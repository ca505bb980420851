package domain

import "time"

// CandidateCollection names one of the two append-only candidate lists of a call.
type CandidateCollection string

const (
	OfferCandidates  CandidateCollection = "offerCandidates"
	AnswerCandidates CandidateCollection = "answerCandidates"
)

func (c CandidateCollection) Valid() bool {
	return c == OfferCandidates || c == AnswerCandidates
}

type ICECandidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"usernameFragment,omitempty"`
}

// CandidateRecord is a stored candidate. ID is assigned by the store and is
// the identity consumers deduplicate on.
type CandidateRecord struct {
	ID         string              `json:"id" bson:"_id"`
	CallID     CallID              `json:"callId" bson:"callId"`
	Collection CandidateCollection `json:"collection" bson:"collection"`
	Candidate  ICECandidate        `json:"candidate" bson:"candidate"`
	CreatedAt  time.Time           `json:"createdAt" bson:"createdAt"`
}
