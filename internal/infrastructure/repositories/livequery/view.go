// Package livequery turns a raw feed of document writes into the
// added/modified/removed changes a live query subscriber expects.
package livequery

import "wanderlink/internal/core/domain"

// View tracks which sessions currently satisfy one live query. It is not
// safe for concurrent use; each subscription owns its own View.
type View struct {
	matches  func(*domain.CallSession) bool
	members  map[domain.CallID]struct{}
	versions map[domain.CallID]int64
	gone     map[domain.CallID]struct{}
}

func NewView(matches func(*domain.CallSession) bool) *View {
	return &View{
		matches:  matches,
		members:  make(map[domain.CallID]struct{}),
		versions: make(map[domain.CallID]int64),
		gone:     make(map[domain.CallID]struct{}),
	}
}

// Seed records the snapshot read after subscribing and returns it as
// added changes.
func (v *View) Seed(sessions []*domain.CallSession) []domain.SessionChange {
	changes := make([]domain.SessionChange, 0, len(sessions))
	for _, session := range sessions {
		v.members[session.ID] = struct{}{}
		v.versions[session.ID] = session.Version
		changes = append(changes, domain.SessionChange{
			Type:    domain.ChangeAdded,
			CallID:  session.ID,
			Session: session,
		})
	}
	return changes
}

// Forget marks id as deleted without emitting anything.
func (v *View) Forget(id domain.CallID) {
	v.gone[id] = struct{}{}
	delete(v.members, id)
	delete(v.versions, id)
}

// Upsert applies a written document. Versions not newer than the last one
// seen are dropped, so events that raced the snapshot are ignored.
func (v *View) Upsert(session *domain.CallSession) (domain.SessionChange, bool) {
	if session == nil {
		return domain.SessionChange{}, false
	}
	id := session.ID
	if _, gone := v.gone[id]; gone {
		return domain.SessionChange{}, false
	}
	if session.Version <= v.versions[id] {
		return domain.SessionChange{}, false
	}
	v.versions[id] = session.Version
	_, member := v.members[id]

	switch {
	case v.matches(session) && member:
		return domain.SessionChange{Type: domain.ChangeModified, CallID: id, Session: session}, true
	case v.matches(session):
		v.members[id] = struct{}{}
		return domain.SessionChange{Type: domain.ChangeAdded, CallID: id, Session: session}, true
	case member:
		delete(v.members, id)
		return domain.SessionChange{Type: domain.ChangeRemoved, CallID: id, Session: session}, true
	}
	return domain.SessionChange{}, false
}

// Delete applies a deletion. last may be nil when the feed carries only
// the document key.
func (v *View) Delete(id domain.CallID, last *domain.CallSession) (domain.SessionChange, bool) {
	if _, gone := v.gone[id]; gone {
		return domain.SessionChange{}, false
	}
	_, member := v.members[id]
	v.Forget(id)
	if !member {
		return domain.SessionChange{}, false
	}
	return domain.SessionChange{Type: domain.ChangeRemoved, CallID: id, Session: last}, true
}
