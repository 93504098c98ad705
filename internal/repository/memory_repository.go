package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmougeot/Alarm-server/internal/authz"
	"github.com/jmougeot/Alarm-server/internal/models"
)

// MemoryRepository is an in-memory Repository used by tests. A single mutex
// serializes every operation, which also gives each mutation the atomicity the
// interface requires.
type MemoryRepository struct {
	mu sync.Mutex

	users       map[string]*models.User
	groups      map[string]*models.Group
	memberships map[string]map[string]struct{} // group id -> member ids
	pages       map[string]*models.Page
	permissions map[string]models.PagePermission // permKey -> row
	alarms      map[string]*models.Alarm
	events      []models.AlarmEvent
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[string]*models.User),
		groups:      make(map[string]*models.Group),
		memberships: make(map[string]map[string]struct{}),
		pages:       make(map[string]*models.Page),
		permissions: make(map[string]models.PagePermission),
		alarms:      make(map[string]*models.Alarm),
	}
}

func permKey(pageID string, subjectType models.SubjectType, subjectID string) string {
	return pageID + "|" + string(subjectType) + "|" + subjectID
}

// User operations

func (r *MemoryRepository) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == username {
			return nil, ErrUsernameTaken
		}
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	r.users[user.ID] = user

	copied := *user
	return &copied, nil
}

func (r *MemoryRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// Group operations

func (r *MemoryRepository) CreateGroup(ctx context.Context, name, creatorID string) (*models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.groups {
		if g.Name == name {
			return nil, ErrNameTaken
		}
	}

	group := &models.Group{
		ID:   uuid.New().String(),
		Name: name,
	}
	r.groups[group.ID] = group
	r.memberships[group.ID] = map[string]struct{}{creatorID: {}}

	copied := *group
	return &copied, nil
}

func (r *MemoryRepository) AddMember(ctx context.Context, groupID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupID]; !ok {
		return ErrNotFound
	}
	if _, ok := r.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := r.memberships[groupID][userID]; ok {
		return ErrAlreadyMember
	}

	r.memberships[groupID][userID] = struct{}{}
	return nil
}

func (r *MemoryRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.memberships[groupID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := members[userID]; !ok {
		return ErrNotFound
	}

	delete(members, userID)
	return nil
}

func (r *MemoryRepository) ListGroupsOfUser(ctx context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groupIDs := []string{}
	for groupID, members := range r.memberships {
		if _, ok := members[userID]; ok {
			groupIDs = append(groupIDs, groupID)
		}
	}
	return groupIDs, nil
}

func (r *MemoryRepository) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userIDs := []string{}
	for userID := range r.memberships[groupID] {
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

// Page operations

func (r *MemoryRepository) CreatePage(ctx context.Context, name, ownerID string) (*models.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page := &models.Page{
		ID:        uuid.New().String(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	r.pages[page.ID] = page

	copied := *page
	return &copied, nil
}

func (r *MemoryRepository) GetPage(ctx context.Context, pageID string) (*models.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pages[pageID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (r *MemoryRepository) ListPagesVisibleTo(ctx context.Context, userID string) ([]models.PageAccess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := r.groupsOfLocked(userID)

	visible := []models.PageAccess{}
	for _, page := range r.pages {
		verdict := authz.Resolve(userID, page, r.permsOfLocked(page.ID), groups)
		if !verdict.View {
			continue
		}
		visible = append(visible, models.PageAccess{
			Page:    *page,
			IsOwner: page.OwnerID == userID,
			CanEdit: verdict.Edit,
		})
	}
	return visible, nil
}

func (r *MemoryRepository) ListPagesSharedWithGroup(ctx context.Context, groupID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pageIDs := []string{}
	for _, perm := range r.permissions {
		if perm.SubjectType == models.SubjectGroup && perm.SubjectID == groupID && (perm.CanView || perm.CanEdit) {
			pageIDs = append(pageIDs, perm.PageID)
		}
	}
	return pageIDs, nil
}

// Permission operations

func (r *MemoryRepository) UpsertPermission(ctx context.Context, perm models.PagePermission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	page, ok := r.pages[perm.PageID]
	if !ok {
		return ErrNotFound
	}
	if perm.SubjectType == models.SubjectUser && perm.SubjectID == page.OwnerID {
		return ErrOwnerSubject
	}

	switch perm.SubjectType {
	case models.SubjectUser:
		if _, ok := r.users[perm.SubjectID]; !ok {
			return ErrInvalidSubject
		}
	case models.SubjectGroup:
		if _, ok := r.groups[perm.SubjectID]; !ok {
			return ErrInvalidSubject
		}
	default:
		return ErrInvalidSubject
	}

	r.permissions[permKey(perm.PageID, perm.SubjectType, perm.SubjectID)] = perm
	return nil
}

func (r *MemoryRepository) DeletePermission(ctx context.Context, pageID string, subjectType models.SubjectType, subjectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := permKey(pageID, subjectType, subjectID)
	if _, ok := r.permissions[key]; !ok {
		return ErrNotFound
	}
	delete(r.permissions, key)
	return nil
}

func (r *MemoryRepository) ListPermissions(ctx context.Context, pageID string) ([]models.PagePermission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.permsOfLocked(pageID), nil
}

// Alarm operations

func (r *MemoryRepository) CreateAlarm(ctx context.Context, pageID, ticker, option, condition, createdBy string) (*models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pages[pageID]; !ok {
		return nil, ErrNotFound
	}

	alarm := &models.Alarm{
		ID:        uuid.New().String(),
		PageID:    pageID,
		Ticker:    ticker,
		Option:    option,
		Condition: condition,
		CreatedBy: createdBy,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	r.alarms[alarm.ID] = alarm

	copied := *alarm
	return &copied, nil
}

func (r *MemoryRepository) GetAlarm(ctx context.Context, alarmID string) (*models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.alarms[alarmID]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (r *MemoryRepository) UpdateAlarm(ctx context.Context, alarmID string, patch models.AlarmPatch) (*models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alarm, ok := r.alarms[alarmID]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Ticker != nil {
		alarm.Ticker = *patch.Ticker
	}
	if patch.Option != nil {
		alarm.Option = *patch.Option
	}
	if patch.Condition != nil {
		alarm.Condition = *patch.Condition
	}
	if patch.Active != nil {
		alarm.Active = *patch.Active
	}

	copied := *alarm
	return &copied, nil
}

func (r *MemoryRepository) DeleteAlarm(ctx context.Context, alarmID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alarm, ok := r.alarms[alarmID]
	if !ok {
		return "", ErrNotFound
	}
	delete(r.alarms, alarmID)
	return alarm.PageID, nil
}

func (r *MemoryRepository) TriggerAlarm(ctx context.Context, alarmID, byUserID string, price *float64) (*models.Alarm, *models.AlarmEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alarm, ok := r.alarms[alarmID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	now := time.Now().UTC()
	alarm.LastTriggered = &now

	event := models.AlarmEvent{
		ID:          uuid.New().String(),
		AlarmID:     alarmID,
		TriggeredBy: byUserID,
		Price:       price,
		TriggeredAt: now,
	}
	r.events = append(r.events, event)

	copied := *alarm
	return &copied, &event, nil
}

func (r *MemoryRepository) ListAlarmsInPages(ctx context.Context, pageIDs []string) ([]models.Alarm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		wanted[id] = struct{}{}
	}

	alarms := []models.Alarm{}
	for _, a := range r.alarms {
		if _, ok := wanted[a.PageID]; ok {
			alarms = append(alarms, *a)
		}
	}
	return alarms, nil
}

func (r *MemoryRepository) ListAlarmEvents(ctx context.Context, alarmID string, limit int) ([]models.AlarmEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := []models.AlarmEvent{}
	for i := len(r.events) - 1; i >= 0 && len(events) < limit; i-- {
		if r.events[i].AlarmID == alarmID {
			events = append(events, r.events[i])
		}
	}
	return events, nil
}

// Audience

func (r *MemoryRepository) UsersWithViewAccess(ctx context.Context, pageID string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page, ok := r.pages[pageID]
	if !ok {
		return map[string]struct{}{}, nil
	}

	groupMembers := make(map[string][]string, len(r.memberships))
	for groupID, members := range r.memberships {
		for userID := range members {
			groupMembers[groupID] = append(groupMembers[groupID], userID)
		}
	}

	return authz.Audience(page, r.permsOfLocked(pageID), groupMembers), nil
}

// Locked helpers; callers hold r.mu.

func (r *MemoryRepository) permsOfLocked(pageID string) []models.PagePermission {
	perms := []models.PagePermission{}
	for _, perm := range r.permissions {
		if perm.PageID == pageID {
			perms = append(perms, perm)
		}
	}
	return perms
}

func (r *MemoryRepository) groupsOfLocked(userID string) map[string]struct{} {
	groups := map[string]struct{}{}
	for groupID, members := range r.memberships {
		if _, ok := members[userID]; ok {
			groups[groupID] = struct{}{}
		}
	}
	return groups
}
