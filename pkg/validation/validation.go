package validation

import (
	"fmt"
	"regexp"
	"strings"

	"wanderlink/internal/core/domain"

	"github.com/google/uuid"
)

// UserIDRegex matches the opaque ids issued by the account service.
var UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxUserIDLength = 128

func ValidateUserID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(id) > maxUserIDLength {
		return fmt.Errorf("user ID is too long (max %d characters)", maxUserIDLength)
	}
	if !UserIDRegex.MatchString(id) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateCallID accepts store-assigned ids, which are UUIDs.
func ValidateCallID(id string) error {
	if id == "" {
		return fmt.Errorf("call ID is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid call ID format")
	}
	return nil
}

func ValidateCallType(t string) error {
	if !domain.CallType(t).Valid() {
		return fmt.Errorf("call type must be %q or %q", domain.CallTypeAudio, domain.CallTypeVideo)
	}
	return nil
}

// ValidateCandidate rejects candidates no peer transport could parse.
func ValidateCandidate(c domain.ICECandidate) error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate line", domain.ErrInvalidCandidate)
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("%w: sdpMid or sdpMLineIndex is required", domain.ErrInvalidCandidate)
	}
	return nil
}
