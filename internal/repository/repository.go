package repository

import (
	"context"
	"errors"

	"github.com/jmougeot/Alarm-server/internal/models"
)

// Typed failures. Not-found lookups on single-row getters return (nil, nil)
// instead, matching the read methods' contract.
var (
	ErrUsernameTaken  = errors.New("username already taken")
	ErrNameTaken      = errors.New("group name already taken")
	ErrAlreadyMember  = errors.New("user is already a member of the group")
	ErrNotFound       = errors.New("not found")
	ErrNotOwner       = errors.New("caller is not the page owner")
	ErrOwnerSubject   = errors.New("page owner cannot be a permission subject")
	ErrInvalidSubject = errors.New("permission subject does not exist")
)

// Repository is the atomic boundary over durable state. Every mutating
// operation either succeeds as a whole or has no effect.
type Repository interface {
	// User operations
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// Group operations. CreateGroup inserts the creator membership in the
	// same transaction.
	CreateGroup(ctx context.Context, name, creatorID string) (*models.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	ListGroupsOfUser(ctx context.Context, userID string) ([]string, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)

	// Page operations
	CreatePage(ctx context.Context, name, ownerID string) (*models.Page, error)
	GetPage(ctx context.Context, pageID string) (*models.Page, error)
	ListPagesVisibleTo(ctx context.Context, userID string) ([]models.PageAccess, error)
	ListPagesSharedWithGroup(ctx context.Context, groupID string) ([]string, error)

	// Permission operations. UpsertPermission expects the caller to have
	// verified ownership; it still rejects the owner as subject.
	UpsertPermission(ctx context.Context, perm models.PagePermission) error
	DeletePermission(ctx context.Context, pageID string, subjectType models.SubjectType, subjectID string) error
	ListPermissions(ctx context.Context, pageID string) ([]models.PagePermission, error)

	// Alarm operations
	CreateAlarm(ctx context.Context, pageID, ticker, option, condition, createdBy string) (*models.Alarm, error)
	GetAlarm(ctx context.Context, alarmID string) (*models.Alarm, error)
	UpdateAlarm(ctx context.Context, alarmID string, patch models.AlarmPatch) (*models.Alarm, error)
	DeleteAlarm(ctx context.Context, alarmID string) (string, error)
	TriggerAlarm(ctx context.Context, alarmID, byUserID string, price *float64) (*models.Alarm, *models.AlarmEvent, error)
	ListAlarmsInPages(ctx context.Context, pageIDs []string) ([]models.Alarm, error)
	ListAlarmEvents(ctx context.Context, alarmID string, limit int) ([]models.AlarmEvent, error)

	// UsersWithViewAccess returns the fan-out audience of a page: the owner
	// plus every user granted view directly or through a group.
	UsersWithViewAccess(ctx context.Context, pageID string) (map[string]struct{}, error)
}
