package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmougeot/Alarm-server/internal/authz"
	"github.com/jmougeot/Alarm-server/internal/models"
)

func TestCreateUserUniqueUsername(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)

	_, err = repo.CreateUser(ctx, "alice", "otherhash")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestCreateGroupAddsCreator(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, err := repo.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)

	group, err := repo.CreateGroup(ctx, "traders", alice.ID)
	require.NoError(t, err)

	members, err := repo.ListGroupMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, members)

	_, err = repo.CreateGroup(ctx, "traders", alice.ID)
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestMembership(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	bob, _ := repo.CreateUser(ctx, "bob", "hash")
	group, err := repo.CreateGroup(ctx, "traders", alice.ID)
	require.NoError(t, err)

	require.NoError(t, repo.AddMember(ctx, group.ID, bob.ID))
	assert.ErrorIs(t, repo.AddMember(ctx, group.ID, bob.ID), ErrAlreadyMember)
	assert.ErrorIs(t, repo.AddMember(ctx, "missing", bob.ID), ErrNotFound)
	assert.ErrorIs(t, repo.AddMember(ctx, group.ID, "missing"), ErrNotFound)

	groups, err := repo.ListGroupsOfUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{group.ID}, groups)

	require.NoError(t, repo.RemoveMember(ctx, group.ID, bob.ID))
	assert.ErrorIs(t, repo.RemoveMember(ctx, group.ID, bob.ID), ErrNotFound)
}

func TestUpsertPermissionRejectsOwner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	page, err := repo.CreatePage(ctx, "Trading", alice.ID)
	require.NoError(t, err)

	err = repo.UpsertPermission(ctx, models.PagePermission{
		PageID: page.ID, SubjectType: models.SubjectUser, SubjectID: alice.ID, CanView: true,
	})
	assert.ErrorIs(t, err, ErrOwnerSubject)
}

func TestUpsertPermissionValidatesSubject(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	page, err := repo.CreatePage(ctx, "Trading", alice.ID)
	require.NoError(t, err)

	err = repo.UpsertPermission(ctx, models.PagePermission{
		PageID: page.ID, SubjectType: models.SubjectUser, SubjectID: "ghost", CanView: true,
	})
	assert.ErrorIs(t, err, ErrInvalidSubject)

	err = repo.UpsertPermission(ctx, models.PagePermission{
		PageID: "missing", SubjectType: models.SubjectUser, SubjectID: alice.ID, CanView: true,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPagesVisibleTo(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	bob, _ := repo.CreateUser(ctx, "bob", "hash")

	owned, err := repo.CreatePage(ctx, "Owned", alice.ID)
	require.NoError(t, err)
	shared, err := repo.CreatePage(ctx, "Shared", bob.ID)
	require.NoError(t, err)
	_, err = repo.CreatePage(ctx, "Hidden", bob.ID)
	require.NoError(t, err)

	// Edit-without-view still makes the page visible.
	require.NoError(t, repo.UpsertPermission(ctx, models.PagePermission{
		PageID: shared.ID, SubjectType: models.SubjectUser, SubjectID: alice.ID, CanView: false, CanEdit: true,
	}))

	pages, err := repo.ListPagesVisibleTo(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	byID := map[string]models.PageAccess{}
	for _, p := range pages {
		byID[p.ID] = p
	}
	assert.True(t, byID[owned.ID].IsOwner)
	assert.True(t, byID[owned.ID].CanEdit)
	assert.False(t, byID[shared.ID].IsOwner)
	assert.True(t, byID[shared.ID].CanEdit)
}

// The audience a page reports must agree with the resolver's view verdict for
// every user.
func TestAudienceMatchesResolver(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	bob, _ := repo.CreateUser(ctx, "bob", "hash")
	charlie, _ := repo.CreateUser(ctx, "charlie", "hash")
	dave, _ := repo.CreateUser(ctx, "dave", "hash")

	group, err := repo.CreateGroup(ctx, "traders", charlie.ID)
	require.NoError(t, err)

	page, err := repo.CreatePage(ctx, "Trading", alice.ID)
	require.NoError(t, err)

	require.NoError(t, repo.UpsertPermission(ctx, models.PagePermission{
		PageID: page.ID, SubjectType: models.SubjectUser, SubjectID: bob.ID, CanView: true,
	}))
	require.NoError(t, repo.UpsertPermission(ctx, models.PagePermission{
		PageID: page.ID, SubjectType: models.SubjectGroup, SubjectID: group.ID, CanView: false, CanEdit: true,
	}))

	audience, err := repo.UsersWithViewAccess(ctx, page.ID)
	require.NoError(t, err)

	for _, user := range []*models.User{alice, bob, charlie, dave} {
		perms, err := repo.ListPermissions(ctx, page.ID)
		require.NoError(t, err)
		groupIDs, err := repo.ListGroupsOfUser(ctx, user.ID)
		require.NoError(t, err)
		groups := map[string]struct{}{}
		for _, id := range groupIDs {
			groups[id] = struct{}{}
		}

		verdict := authz.Resolve(user.ID, page, perms, groups)
		_, inAudience := audience[user.ID]
		assert.Equal(t, verdict.View, inAudience, "user %s", user.Username)
	}

	assert.NotContains(t, audience, dave.ID)
}

func TestDeleteAlarmReturnsPageID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	page, err := repo.CreatePage(ctx, "Trading", alice.ID)
	require.NoError(t, err)
	alarm, err := repo.CreateAlarm(ctx, page.ID, "EUR/USD", "spot", "above", alice.ID)
	require.NoError(t, err)

	pageID, err := repo.DeleteAlarm(ctx, alarm.ID)
	require.NoError(t, err)
	assert.Equal(t, page.ID, pageID)

	_, err = repo.DeleteAlarm(ctx, alarm.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTriggerAlarmAppendsEvent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	page, err := repo.CreatePage(ctx, "Trading", alice.ID)
	require.NoError(t, err)
	alarm, err := repo.CreateAlarm(ctx, page.ID, "EUR/USD", "spot", "above", alice.ID)
	require.NoError(t, err)
	assert.Nil(t, alarm.LastTriggered)

	price := 1.0850
	triggered, event, err := repo.TriggerAlarm(ctx, alarm.ID, alice.ID, &price)
	require.NoError(t, err)
	require.NotNil(t, triggered.LastTriggered)
	assert.Equal(t, alarm.ID, event.AlarmID)
	assert.Equal(t, &price, event.Price)

	_, _, err = repo.TriggerAlarm(ctx, alarm.ID, alice.ID, nil)
	require.NoError(t, err)

	events, err := repo.ListAlarmEvents(ctx, alarm.ID, 100)
	require.NoError(t, err)
	assert.Len(t, events, 2, "events are append-only")
	assert.Nil(t, events[0].Price, "newest first")
}

func TestUpdateAlarmPatchSemantics(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	alice, _ := repo.CreateUser(ctx, "alice", "hash")
	page, err := repo.CreatePage(ctx, "Trading", alice.ID)
	require.NoError(t, err)
	alarm, err := repo.CreateAlarm(ctx, page.ID, "EUR/USD", "spot", "above", alice.ID)
	require.NoError(t, err)

	active := false
	updated, err := repo.UpdateAlarm(ctx, alarm.ID, models.AlarmPatch{Active: &active})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, "EUR/USD", updated.Ticker, "unset fields are untouched")
	assert.Equal(t, page.ID, updated.PageID, "page_id is immutable")

	_, err = repo.UpdateAlarm(ctx, "missing", models.AlarmPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}
