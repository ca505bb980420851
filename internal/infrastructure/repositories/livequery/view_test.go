package livequery

import (
	"testing"

	"wanderlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ringing(s *domain.CallSession) bool {
	return s.Status == domain.CallStatusRinging
}

func TestView_DropsStaleVersions(t *testing.T) {
	view := NewView(ringing)
	session := &domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, Version: 3}
	changes := view.Seed([]*domain.CallSession{session})
	require.Len(t, changes, 1)
	assert.Equal(t, domain.ChangeAdded, changes[0].Type)

	_, ok := view.Upsert(&domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, Version: 2})
	assert.False(t, ok)

	change, ok := view.Upsert(&domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, Version: 4})
	require.True(t, ok)
	assert.Equal(t, domain.ChangeModified, change.Type)
}

func TestView_LeavingTheFilterIsARemoval(t *testing.T) {
	view := NewView(ringing)

	change, ok := view.Upsert(&domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, Version: 1})
	require.True(t, ok)
	assert.Equal(t, domain.ChangeAdded, change.Type)

	change, ok = view.Upsert(&domain.CallSession{ID: "c1", Status: domain.CallStatusDeclined, Version: 2})
	require.True(t, ok)
	assert.Equal(t, domain.ChangeRemoved, change.Type)

	_, ok = view.Upsert(&domain.CallSession{ID: "c2", Status: domain.CallStatusEnded, Version: 1})
	assert.False(t, ok)
}

func TestView_DeletedIDsStayDeleted(t *testing.T) {
	view := NewView(ringing)
	view.Seed([]*domain.CallSession{{ID: "c1", Status: domain.CallStatusRinging, Version: 1}})

	change, ok := view.Delete("c1", nil)
	require.True(t, ok)
	assert.Equal(t, domain.ChangeRemoved, change.Type)
	assert.Nil(t, change.Session)

	_, ok = view.Delete("c1", nil)
	assert.False(t, ok)
	_, ok = view.Upsert(&domain.CallSession{ID: "c1", Status: domain.CallStatusRinging, Version: 9})
	assert.False(t, ok)
}

func TestView_DeleteOfNonMember(t *testing.T) {
	view := NewView(ringing)
	_, ok := view.Delete("c9", nil)
	assert.False(t, ok)
}
