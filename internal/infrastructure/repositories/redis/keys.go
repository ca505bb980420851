package redis

import (
	"fmt"

	"wanderlink/internal/core/domain"
)

const (
	keyPrefix        = "wanderlink:"
	callsByCreated   = keyPrefix + "calls:by_created"
	calleeEventsGlob = keyPrefix + "callee:*:events"
)

func callKey(id domain.CallID) string {
	return fmt.Sprintf("%scall:%s", keyPrefix, id)
}

func candidatesKey(id domain.CallID, collection domain.CandidateCollection) string {
	return fmt.Sprintf("%scall:%s:%s", keyPrefix, id, collection)
}

func calleeCallsKey(user domain.UserID) string {
	return fmt.Sprintf("%scallee:%s:calls", keyPrefix, user)
}

func callEventsChannel(id domain.CallID) string {
	return fmt.Sprintf("%scall:%s:events", keyPrefix, id)
}

func calleeEventsChannel(user domain.UserID) string {
	return fmt.Sprintf("%scallee:%s:events", keyPrefix, user)
}

func profileKey(id domain.UserID) string {
	return fmt.Sprintf("%sprofile:%s", keyPrefix, id)
}
