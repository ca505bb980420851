package domain

import "errors"

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrMediaAccess       = errors.New("media access failed")
	ErrStore             = errors.New("signaling store error")
	ErrMissingParty      = errors.New("call party missing")
	ErrAlreadyEnded      = errors.New("call already ended")
	ErrCallNotFound      = errors.New("call not found")
	ErrOfferAlreadySet   = errors.New("offer already set")
	ErrAnswerAlreadySet  = errors.New("answer already set")
	ErrCallNotRinging    = errors.New("call is not ringing")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrCallInProgress    = errors.New("another call is in progress")
	ErrInvalidCandidate  = errors.New("invalid ice candidate")
)
