// Package authz computes permission verdicts and fan-out audiences from rows
// read out of the store. It holds no state and performs no I/O.
package authz

import (
	"github.com/jmougeot/Alarm-server/internal/models"
)

// Permissions is the effective verdict for a user on a page.
type Permissions struct {
	View  bool
	Edit  bool
	Share bool
}

// Resolve computes the verdict for userID on page, given the page's permission
// rows and the set of groups the user belongs to.
//
// The owner short-circuits to full rights. Otherwise flags are unioned across
// every row whose subject is the user or one of their groups; a stored
// can_edit without can_view still yields view, since edit implies view.
// Share belongs to the owner alone.
func Resolve(userID string, page *models.Page, perms []models.PagePermission, groups map[string]struct{}) Permissions {
	if page == nil {
		return Permissions{}
	}

	if page.OwnerID == userID {
		return Permissions{View: true, Edit: true, Share: true}
	}

	var verdict Permissions
	for _, p := range perms {
		if p.PageID != page.ID || !subjectMatches(p, userID, groups) {
			continue
		}
		verdict.View = verdict.View || p.CanView
		verdict.Edit = verdict.Edit || p.CanEdit
	}

	if verdict.Edit {
		verdict.View = true
	}

	return verdict
}

// Audience computes the set of user ids entitled to view the page: the owner,
// every user directly granted view (or edit, which implies it), and every
// member of every group so granted. groupMembers maps group id to member ids.
func Audience(page *models.Page, perms []models.PagePermission, groupMembers map[string][]string) map[string]struct{} {
	if page == nil {
		return map[string]struct{}{}
	}

	audience := map[string]struct{}{page.OwnerID: {}}

	for _, p := range perms {
		if p.PageID != page.ID || (!p.CanView && !p.CanEdit) {
			continue
		}
		switch p.SubjectType {
		case models.SubjectUser:
			audience[p.SubjectID] = struct{}{}
		case models.SubjectGroup:
			for _, member := range groupMembers[p.SubjectID] {
				audience[member] = struct{}{}
			}
		}
	}

	return audience
}

func subjectMatches(p models.PagePermission, userID string, groups map[string]struct{}) bool {
	switch p.SubjectType {
	case models.SubjectUser:
		return p.SubjectID == userID
	case models.SubjectGroup:
		_, ok := groups[p.SubjectID]
		return ok
	}
	return false
}
