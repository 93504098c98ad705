package ws

import (
	"context"
	"fmt"

	"github.com/jmougeot/Alarm-server/internal/authz"
	"github.com/jmougeot/Alarm-server/internal/models"
	"github.com/jmougeot/Alarm-server/internal/repository"
	"github.com/jmougeot/Alarm-server/internal/utils"
)

// Broadcaster delivers state-change frames to exactly the sessions whose users
// may view the affected page. It reads the audience fresh from the store on
// every call; nothing is cached across events.
type Broadcaster struct {
	repo     repository.Repository
	registry *Registry
	logger   *utils.Logger
}

// NewBroadcaster creates a broadcaster over the given store and registry
func NewBroadcaster(repo repository.Repository, registry *Registry, logger *utils.Logger) *Broadcaster {
	return &Broadcaster{
		repo:     repo,
		registry: registry,
		logger:   logger,
	}
}

// deliver enqueues without blocking. A session that cannot keep up is detached
// and closed; the client reconnects for a fresh snapshot.
func (b *Broadcaster) deliver(s *Session, frame models.Frame) {
	if !s.TrySend(frame) {
		b.registry.Detach(s)
		s.Close("backpressure, disconnecting")
		b.logger.Error("session %s of user %s dropped: send queue full", s.id, s.userID)
	}
}

// SendToUser delivers a frame to every session of one user.
func (b *Broadcaster) SendToUser(userID string, frame models.Frame) {
	for _, s := range b.registry.SessionsOf(userID) {
		b.deliver(s, frame)
	}
}

// BroadcastToPage delivers a frame to every session in the page's audience.
func (b *Broadcaster) BroadcastToPage(ctx context.Context, pageID string, frame models.Frame) error {
	audience, err := b.repo.UsersWithViewAccess(ctx, pageID)
	if err != nil {
		return fmt.Errorf("error resolving audience for page %s: %w", pageID, err)
	}

	for _, s := range b.registry.SessionsFor(audience) {
		b.deliver(s, frame)
	}
	return nil
}

// SnapshotAudience captures the audience of a page before a permission or
// membership mutation, for diffing afterwards.
func (b *Broadcaster) SnapshotAudience(ctx context.Context, pageID string) (map[string]struct{}, error) {
	return b.repo.UsersWithViewAccess(ctx, pageID)
}

// NotifyAudienceChanged diffs the page's current audience against a snapshot
// taken before the mutation. Newly-added users receive a page_access_granted
// frame carrying the page and all its current alarms; removed users receive
// page_access_revoked. Unchanged users get nothing.
func (b *Broadcaster) NotifyAudienceChanged(ctx context.Context, pageID string, before map[string]struct{}) error {
	after, err := b.repo.UsersWithViewAccess(ctx, pageID)
	if err != nil {
		return fmt.Errorf("error resolving audience for page %s: %w", pageID, err)
	}

	var added, removed []string
	for userID := range after {
		if _, ok := before[userID]; !ok {
			added = append(added, userID)
		}
	}
	for userID := range before {
		if _, ok := after[userID]; !ok {
			removed = append(removed, userID)
		}
	}

	if len(added) > 0 {
		page, err := b.repo.GetPage(ctx, pageID)
		if err != nil {
			return fmt.Errorf("error getting page %s: %w", pageID, err)
		}
		if page == nil {
			return nil // page deleted between mutation and notify
		}

		alarms, err := b.repo.ListAlarmsInPages(ctx, []string{pageID})
		if err != nil {
			return fmt.Errorf("error listing alarms for page %s: %w", pageID, err)
		}

		perms, err := b.repo.ListPermissions(ctx, pageID)
		if err != nil {
			return fmt.Errorf("error listing permissions for page %s: %w", pageID, err)
		}

		for _, userID := range added {
			verdict, err := b.resolveFor(ctx, userID, page, perms)
			if err != nil {
				return err
			}
			b.SendToUser(userID, models.Frame{
				Type: models.MsgPageAccessGranted,
				Payload: models.PageAccessGrantedPayload{
					Page: models.PageInfo{
						ID:      page.ID,
						Name:    page.Name,
						OwnerID: page.OwnerID,
						IsOwner: page.OwnerID == userID,
						CanEdit: verdict.Edit,
					},
					Alarms: alarms,
				},
			})
		}
	}

	for _, userID := range removed {
		b.SendToUser(userID, models.Frame{
			Type:    models.MsgPageAccessRevoked,
			Payload: models.PageAccessRevokedPayload{PageID: pageID},
		})
	}

	return nil
}

// ApplyPermission is the shared share-page flow behind both the websocket
// command and the REST endpoint: owner check, upsert, audience diff.
func (b *Broadcaster) ApplyPermission(ctx context.Context, callerID string, perm models.PagePermission) error {
	page, err := b.repo.GetPage(ctx, perm.PageID)
	if err != nil {
		return fmt.Errorf("error getting page: %w", err)
	}
	if page == nil {
		return repository.ErrNotFound
	}
	if page.OwnerID != callerID {
		return repository.ErrNotOwner
	}

	before, err := b.SnapshotAudience(ctx, perm.PageID)
	if err != nil {
		return err
	}

	if err := b.repo.UpsertPermission(ctx, perm); err != nil {
		return err
	}

	return b.NotifyAudienceChanged(ctx, perm.PageID, before)
}

// RemovePermission mirrors ApplyPermission for unshare.
func (b *Broadcaster) RemovePermission(ctx context.Context, callerID, pageID string, subjectType models.SubjectType, subjectID string) error {
	page, err := b.repo.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("error getting page: %w", err)
	}
	if page == nil {
		return repository.ErrNotFound
	}
	if page.OwnerID != callerID {
		return repository.ErrNotOwner
	}

	before, err := b.SnapshotAudience(ctx, pageID)
	if err != nil {
		return err
	}

	if err := b.repo.DeletePermission(ctx, pageID, subjectType, subjectID); err != nil {
		return err
	}

	return b.NotifyAudienceChanged(ctx, pageID, before)
}

// WithGroupAudienceDiff runs a group-membership mutation and afterwards diffs
// the audience of every page shared with that group, so members gaining or
// losing access mid-session hear about it.
func (b *Broadcaster) WithGroupAudienceDiff(ctx context.Context, groupID string, mutate func() error) error {
	pageIDs, err := b.repo.ListPagesSharedWithGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("error listing pages for group %s: %w", groupID, err)
	}

	before := make(map[string]map[string]struct{}, len(pageIDs))
	for _, pageID := range pageIDs {
		snapshot, err := b.SnapshotAudience(ctx, pageID)
		if err != nil {
			return err
		}
		before[pageID] = snapshot
	}

	if err := mutate(); err != nil {
		return err
	}

	for pageID, snapshot := range before {
		if err := b.NotifyAudienceChanged(ctx, pageID, snapshot); err != nil {
			b.logger.Error("audience diff for page %s failed: %v", pageID, err)
		}
	}
	return nil
}

func (b *Broadcaster) resolveFor(ctx context.Context, userID string, page *models.Page, perms []models.PagePermission) (authz.Permissions, error) {
	groupIDs, err := b.repo.ListGroupsOfUser(ctx, userID)
	if err != nil {
		return authz.Permissions{}, fmt.Errorf("error listing groups of user %s: %w", userID, err)
	}

	groups := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = struct{}{}
	}

	return authz.Resolve(userID, page, perms, groups), nil
}
