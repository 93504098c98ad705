package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmougeot/Alarm-server/internal/authz"
	"github.com/jmougeot/Alarm-server/internal/models"
	"github.com/jmougeot/Alarm-server/internal/repository"
	"github.com/jmougeot/Alarm-server/internal/utils"
)

// Dispatcher parses inbound envelopes, authorizes each command against the
// store's freshest reads, commits the mutation, and hands the resulting event
// to the broadcaster. Business failures become error frames on the initiating
// session; the connection stays open.
type Dispatcher struct {
	repo   repository.Repository
	bc     *Broadcaster
	logger *utils.Logger
}

// NewDispatcher creates a dispatcher over the given store and broadcaster
func NewDispatcher(repo repository.Repository, bc *Broadcaster, logger *utils.Logger) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		bc:     bc,
		logger: logger,
	}
}

// Dispatch processes one inbound frame for the session. Frames of one session
// are dispatched sequentially by the read loop.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.sendError(sess, "malformed message")
		return
	}

	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}

	switch env.Type {
	case models.MsgCreateAlarm:
		d.handleCreateAlarm(ctx, sess, env.Payload)
	case models.MsgUpdateAlarm:
		d.handleUpdateAlarm(ctx, sess, env.Payload)
	case models.MsgDeleteAlarm:
		d.handleDeleteAlarm(ctx, sess, env.Payload)
	case models.MsgTriggerAlarm:
		d.handleTriggerAlarm(ctx, sess, env.Payload)
	case models.MsgCreatePage:
		d.handleCreatePage(ctx, sess, env.Payload)
	case models.MsgSharePage:
		d.handleSharePage(ctx, sess, env.Payload)
	case models.MsgUnsharePage:
		d.handleUnsharePage(ctx, sess, env.Payload)
	default:
		d.sendError(sess, fmt.Sprintf("unknown message type: %s", env.Type))
	}
}

func (d *Dispatcher) handleCreateAlarm(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.CreateAlarmCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.PageID == "" || cmd.Ticker == "" || cmd.Option == "" || cmd.Condition == "" {
		d.sendError(sess, "missing required field")
		return
	}

	page, verdict, err := d.resolvePage(ctx, sess.userID, cmd.PageID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if page == nil {
		d.sendError(sess, "page not found")
		return
	}
	if !verdict.Edit {
		d.sendError(sess, "permission denied")
		return
	}

	alarm, err := d.repo.CreateAlarm(ctx, cmd.PageID, cmd.Ticker, cmd.Option, cmd.Condition, sess.userID)
	if err != nil {
		d.internalError(sess, err)
		return
	}

	d.broadcastAlarmUpdate(ctx, alarm.PageID, models.AlarmUpdatePayload{
		AlarmID: alarm.ID,
		PageID:  alarm.PageID,
		Action:  models.ActionCreated,
		Data:    alarm,
	})
}

func (d *Dispatcher) handleUpdateAlarm(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.UpdateAlarmCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.AlarmID == "" {
		d.sendError(sess, "missing required field: alarm_id")
		return
	}

	alarm, err := d.repo.GetAlarm(ctx, cmd.AlarmID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if alarm == nil {
		d.sendError(sess, "alarm not found")
		return
	}

	_, verdict, err := d.resolvePage(ctx, sess.userID, alarm.PageID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if !verdict.Edit {
		d.sendError(sess, "permission denied")
		return
	}

	updated, err := d.repo.UpdateAlarm(ctx, cmd.AlarmID, cmd.AlarmPatch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			d.sendError(sess, "alarm not found")
			return
		}
		d.internalError(sess, err)
		return
	}

	d.broadcastAlarmUpdate(ctx, updated.PageID, models.AlarmUpdatePayload{
		AlarmID: updated.ID,
		PageID:  updated.PageID,
		Action:  models.ActionUpdated,
		Data:    updated,
	})
}

func (d *Dispatcher) handleDeleteAlarm(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.DeleteAlarmCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.AlarmID == "" {
		d.sendError(sess, "missing required field: alarm_id")
		return
	}

	alarm, err := d.repo.GetAlarm(ctx, cmd.AlarmID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if alarm == nil {
		d.sendError(sess, "alarm not found")
		return
	}

	_, verdict, err := d.resolvePage(ctx, sess.userID, alarm.PageID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if !verdict.Edit {
		d.sendError(sess, "permission denied")
		return
	}

	pageID, err := d.repo.DeleteAlarm(ctx, cmd.AlarmID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			d.sendError(sess, "alarm not found")
			return
		}
		d.internalError(sess, err)
		return
	}

	d.broadcastAlarmUpdate(ctx, pageID, models.AlarmUpdatePayload{
		AlarmID: cmd.AlarmID,
		PageID:  pageID,
		Action:  models.ActionDeleted,
		Data:    models.AlarmDeletedData{ID: cmd.AlarmID, PageID: pageID},
	})
}

func (d *Dispatcher) handleTriggerAlarm(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.TriggerAlarmCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.AlarmID == "" {
		d.sendError(sess, "missing required field: alarm_id")
		return
	}

	alarm, err := d.repo.GetAlarm(ctx, cmd.AlarmID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if alarm == nil {
		d.sendError(sess, "alarm not found")
		return
	}

	// View suffices to record a trigger; the client watching the market need
	// not be an editor.
	_, verdict, err := d.resolvePage(ctx, sess.userID, alarm.PageID)
	if err != nil {
		d.internalError(sess, err)
		return
	}
	if !verdict.View {
		d.sendError(sess, "permission denied")
		return
	}

	triggered, _, err := d.repo.TriggerAlarm(ctx, cmd.AlarmID, sess.userID, cmd.Price)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			d.sendError(sess, "alarm not found")
			return
		}
		d.internalError(sess, err)
		return
	}

	d.broadcastAlarmUpdate(ctx, triggered.PageID, models.AlarmUpdatePayload{
		AlarmID: triggered.ID,
		PageID:  triggered.PageID,
		Action:  models.ActionTriggered,
		Data: models.AlarmTriggeredData{
			Alarm:       *triggered,
			Price:       cmd.Price,
			TriggeredBy: sess.username,
		},
	})
}

func (d *Dispatcher) handleCreatePage(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.CreatePageCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.Name == "" {
		d.sendError(sess, "missing required field: name")
		return
	}

	// Any authenticated user may create pages; the caller becomes owner.
	page, err := d.repo.CreatePage(ctx, cmd.Name, sess.userID)
	if err != nil {
		d.internalError(sess, err)
		return
	}

	// No one else has access yet, so only the initiator hears about it.
	d.sendSuccess(sess, "page_created", models.PageInfo{
		ID:      page.ID,
		Name:    page.Name,
		OwnerID: page.OwnerID,
		IsOwner: true,
		CanEdit: true,
	})
}

func (d *Dispatcher) handleSharePage(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.SharePageCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.PageID == "" || cmd.SubjectID == "" || !cmd.SubjectType.Valid() {
		d.sendError(sess, "missing required field")
		return
	}

	canView := true
	if cmd.CanView != nil {
		canView = *cmd.CanView
	}

	err := d.bc.ApplyPermission(ctx, sess.userID, models.PagePermission{
		PageID:      cmd.PageID,
		SubjectType: cmd.SubjectType,
		SubjectID:   cmd.SubjectID,
		CanView:     canView,
		CanEdit:     cmd.CanEdit,
	})
	if err != nil {
		d.sendShareError(sess, err)
		return
	}

	d.sendSuccess(sess, "page_shared", map[string]any{
		"page_id":      cmd.PageID,
		"subject_type": cmd.SubjectType,
		"subject_id":   cmd.SubjectID,
	})
}

func (d *Dispatcher) handleUnsharePage(ctx context.Context, sess *Session, payload json.RawMessage) {
	var cmd models.UnsharePageCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.sendError(sess, "malformed payload")
		return
	}
	if cmd.PageID == "" || cmd.SubjectID == "" || !cmd.SubjectType.Valid() {
		d.sendError(sess, "missing required field")
		return
	}

	err := d.bc.RemovePermission(ctx, sess.userID, cmd.PageID, cmd.SubjectType, cmd.SubjectID)
	if err != nil {
		d.sendShareError(sess, err)
		return
	}

	d.sendSuccess(sess, "page_unshared", map[string]any{
		"page_id":      cmd.PageID,
		"subject_type": cmd.SubjectType,
		"subject_id":   cmd.SubjectID,
	})
}

// broadcastAlarmUpdate runs synchronously after the committing transaction, so
// clients observe events in commit order for any one page.
func (d *Dispatcher) broadcastAlarmUpdate(ctx context.Context, pageID string, payload models.AlarmUpdatePayload) {
	err := d.bc.BroadcastToPage(ctx, pageID, models.Frame{
		Type:    models.MsgAlarmUpdate,
		Payload: payload,
	})
	if err != nil {
		d.logger.Error("broadcast for page %s failed: %v", pageID, err)
	}
}

func (d *Dispatcher) resolvePage(ctx context.Context, userID, pageID string) (*models.Page, authz.Permissions, error) {
	page, err := d.repo.GetPage(ctx, pageID)
	if err != nil {
		return nil, authz.Permissions{}, fmt.Errorf("error getting page: %w", err)
	}
	if page == nil {
		return nil, authz.Permissions{}, nil
	}

	perms, err := d.repo.ListPermissions(ctx, pageID)
	if err != nil {
		return nil, authz.Permissions{}, fmt.Errorf("error listing permissions: %w", err)
	}

	groupIDs, err := d.repo.ListGroupsOfUser(ctx, userID)
	if err != nil {
		return nil, authz.Permissions{}, fmt.Errorf("error listing groups: %w", err)
	}

	groups := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = struct{}{}
	}

	return page, authz.Resolve(userID, page, perms, groups), nil
}

func (d *Dispatcher) sendShareError(sess *Session, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		d.sendError(sess, "not found")
	case errors.Is(err, repository.ErrNotOwner):
		d.sendError(sess, "permission denied: only owner can share")
	case errors.Is(err, repository.ErrOwnerSubject):
		d.sendError(sess, "owner already has full access")
	case errors.Is(err, repository.ErrInvalidSubject):
		d.sendError(sess, "subject not found")
	default:
		d.internalError(sess, err)
	}
}

func (d *Dispatcher) sendError(sess *Session, message string) {
	sess.TrySend(models.Frame{
		Type:    models.MsgError,
		Payload: models.ErrorPayload{Message: message},
	})
}

func (d *Dispatcher) sendSuccess(sess *Session, action string, data any) {
	sess.TrySend(models.Frame{
		Type:    models.MsgSuccess,
		Payload: models.SuccessPayload{Action: action, Data: data},
	})
}

func (d *Dispatcher) internalError(sess *Session, err error) {
	d.logger.Error("command for user %s failed: %v", sess.userID, err)
	d.sendError(sess, "internal error")
}
