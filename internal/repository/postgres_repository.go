package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jmougeot/Alarm-server/internal/models"
)

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// User repository methods

func (r *PostgresRepository) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	return user, nil
}

func (r *PostgresRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT * FROM users WHERE username = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT * FROM users WHERE id = $1`

	var user models.User
	err := r.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

// Group repository methods

func (r *PostgresRepository) CreateGroup(ctx context.Context, name, creatorID string) (*models.Group, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	group := &models.Group{
		ID:   uuid.New().String(),
		Name: name,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (id, name) VALUES ($1, $2)`,
		group.ID, group.Name)
	if err != nil {
		if isUniqueViolation(err) {
			err = ErrNameTaken
		}
		return nil, err
	}

	// The creator is the first member
	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2)`,
		creatorID, group.ID)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return group, nil
}

func (r *PostgresRepository) AddMember(ctx context.Context, groupID, userID string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM groups WHERE id = $1) AND EXISTS(SELECT 1 FROM users WHERE id = $2)`,
		groupID, userID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2)`,
		userID, groupID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return err
	}

	return nil
}

func (r *PostgresRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM user_groups WHERE user_id = $1 AND group_id = $2`,
		userID, groupID)
	if err != nil {
		return err
	}

	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) ListGroupsOfUser(ctx context.Context, userID string) ([]string, error) {
	var groupIDs []string
	err := r.db.SelectContext(ctx, &groupIDs,
		`SELECT group_id FROM user_groups WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}

	return groupIDs, nil
}

func (r *PostgresRepository) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var userIDs []string
	err := r.db.SelectContext(ctx, &userIDs,
		`SELECT user_id FROM user_groups WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, err
	}

	return userIDs, nil
}

// Page repository methods

func (r *PostgresRepository) CreatePage(ctx context.Context, name, ownerID string) (*models.Page, error) {
	page := &models.Page{
		ID:        uuid.New().String(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pages (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
		page.ID, page.Name, page.OwnerID, page.CreatedAt)
	if err != nil {
		return nil, err
	}

	return page, nil
}

func (r *PostgresRepository) GetPage(ctx context.Context, pageID string) (*models.Page, error) {
	query := `SELECT * FROM pages WHERE id = $1`

	var page models.Page
	err := r.db.GetContext(ctx, &page, query, pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Page not found
		}
		return nil, err
	}

	return &page, nil
}

func (r *PostgresRepository) ListPagesVisibleTo(ctx context.Context, userID string) ([]models.PageAccess, error) {
	groupIDs, err := r.ListGroupsOfUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// A stored can_edit grants view as well, so the join keeps rows with
	// either flag set.
	query := `
		SELECT p.id, p.name, p.owner_id, p.created_at,
		       p.owner_id = $1 AS is_owner,
		       p.owner_id = $1 OR COALESCE(bool_or(pp.can_edit), FALSE) AS can_edit
		FROM pages p
		LEFT JOIN page_permissions pp ON pp.page_id = p.id
			AND (pp.can_view OR pp.can_edit)
			AND ((pp.subject_type = 'user' AND pp.subject_id = $1)
				OR (pp.subject_type = 'group' AND pp.subject_id = ANY($2)))
		WHERE p.owner_id = $1 OR pp.page_id IS NOT NULL
		GROUP BY p.id, p.name, p.owner_id, p.created_at
		ORDER BY p.created_at
	`

	var pages []models.PageAccess
	err = r.db.SelectContext(ctx, &pages, query, userID, pq.Array(groupIDs))
	if err != nil {
		return nil, err
	}

	return pages, nil
}

func (r *PostgresRepository) ListPagesSharedWithGroup(ctx context.Context, groupID string) ([]string, error) {
	var pageIDs []string
	err := r.db.SelectContext(ctx, &pageIDs,
		`SELECT page_id FROM page_permissions
		 WHERE subject_type = 'group' AND subject_id = $1 AND (can_view OR can_edit)`,
		groupID)
	if err != nil {
		return nil, err
	}

	return pageIDs, nil
}

// Permission repository methods

func (r *PostgresRepository) UpsertPermission(ctx context.Context, perm models.PagePermission) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	var ownerID string
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id FROM pages WHERE id = $1`, perm.PageID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return err
	}

	if perm.SubjectType == models.SubjectUser && perm.SubjectID == ownerID {
		err = ErrOwnerSubject
		return err
	}

	var subjectExists bool
	switch perm.SubjectType {
	case models.SubjectUser:
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, perm.SubjectID).Scan(&subjectExists)
	case models.SubjectGroup:
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM groups WHERE id = $1)`, perm.SubjectID).Scan(&subjectExists)
	default:
		err = ErrInvalidSubject
		return err
	}
	if err != nil {
		return err
	}
	if !subjectExists {
		err = ErrInvalidSubject
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO page_permissions (page_id, subject_type, subject_id, can_view, can_edit)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (page_id, subject_type, subject_id)
		 DO UPDATE SET can_view = EXCLUDED.can_view, can_edit = EXCLUDED.can_edit`,
		perm.PageID, perm.SubjectType, perm.SubjectID, perm.CanView, perm.CanEdit)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepository) DeletePermission(ctx context.Context, pageID string, subjectType models.SubjectType, subjectID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM page_permissions WHERE page_id = $1 AND subject_type = $2 AND subject_id = $3`,
		pageID, subjectType, subjectID)
	if err != nil {
		return err
	}

	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) ListPermissions(ctx context.Context, pageID string) ([]models.PagePermission, error) {
	var perms []models.PagePermission
	err := r.db.SelectContext(ctx, &perms,
		`SELECT * FROM page_permissions WHERE page_id = $1`, pageID)
	if err != nil {
		return nil, err
	}

	return perms, nil
}

// Alarm repository methods

func (r *PostgresRepository) CreateAlarm(ctx context.Context, pageID, ticker, option, condition, createdBy string) (*models.Alarm, error) {
	var pageExists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pages WHERE id = $1)`, pageID).Scan(&pageExists)
	if err != nil {
		return nil, err
	}
	if !pageExists {
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

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO alarms (id, page_id, ticker, option, condition, created_by, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		alarm.ID, alarm.PageID, alarm.Ticker, alarm.Option, alarm.Condition,
		alarm.CreatedBy, alarm.Active, alarm.CreatedAt)
	if err != nil {
		return nil, err
	}

	return alarm, nil
}

func (r *PostgresRepository) GetAlarm(ctx context.Context, alarmID string) (*models.Alarm, error) {
	query := `SELECT * FROM alarms WHERE id = $1`

	var alarm models.Alarm
	err := r.db.GetContext(ctx, &alarm, query, alarmID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Alarm not found
		}
		return nil, err
	}

	return &alarm, nil
}

func (r *PostgresRepository) UpdateAlarm(ctx context.Context, alarmID string, patch models.AlarmPatch) (*models.Alarm, error) {
	if patch.Empty() {
		alarm, err := r.GetAlarm(ctx, alarmID)
		if err != nil {
			return nil, err
		}
		if alarm == nil {
			return nil, ErrNotFound
		}
		return alarm, nil
	}

	setClauses := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	addSet := func(column string, value interface{}) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Ticker != nil {
		addSet("ticker", *patch.Ticker)
	}
	if patch.Option != nil {
		addSet("option", *patch.Option)
	}
	if patch.Condition != nil {
		addSet("condition", *patch.Condition)
	}
	if patch.Active != nil {
		addSet("active", *patch.Active)
	}

	args = append(args, alarmID)
	query := fmt.Sprintf(
		`UPDATE alarms SET %s WHERE id = $%d
		 RETURNING id, page_id, ticker, option, condition, created_by, active, created_at, last_triggered`,
		strings.Join(setClauses, ", "), len(args))

	var alarm models.Alarm
	err := r.db.GetContext(ctx, &alarm, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &alarm, nil
}

func (r *PostgresRepository) DeleteAlarm(ctx context.Context, alarmID string) (string, error) {
	var pageID string
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM alarms WHERE id = $1 RETURNING page_id`, alarmID).Scan(&pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	return pageID, nil
}

func (r *PostgresRepository) TriggerAlarm(ctx context.Context, alarmID, byUserID string, price *float64) (*models.Alarm, *models.AlarmEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
	}()

	event := &models.AlarmEvent{
		ID:          uuid.New().String(),
		AlarmID:     alarmID,
		TriggeredBy: byUserID,
		Price:       price,
		TriggeredAt: time.Now().UTC(),
	}

	var alarm models.Alarm
	err = tx.QueryRowContext(ctx,
		`UPDATE alarms SET last_triggered = $1 WHERE id = $2
		 RETURNING id, page_id, ticker, option, condition, created_by, active, created_at, last_triggered`,
		event.TriggeredAt, alarmID).Scan(
		&alarm.ID, &alarm.PageID, &alarm.Ticker, &alarm.Option, &alarm.Condition,
		&alarm.CreatedBy, &alarm.Active, &alarm.CreatedAt, &alarm.LastTriggered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alarm_events (id, alarm_id, triggered_by, price, triggered_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.AlarmID, event.TriggeredBy, event.Price, event.TriggeredAt)
	if err != nil {
		return nil, nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, err
	}

	return &alarm, event, nil
}

func (r *PostgresRepository) ListAlarmsInPages(ctx context.Context, pageIDs []string) ([]models.Alarm, error) {
	if len(pageIDs) == 0 {
		return []models.Alarm{}, nil
	}

	var alarms []models.Alarm
	err := r.db.SelectContext(ctx, &alarms,
		`SELECT * FROM alarms WHERE page_id = ANY($1) ORDER BY created_at`,
		pq.Array(pageIDs))
	if err != nil {
		return nil, err
	}

	return alarms, nil
}

func (r *PostgresRepository) ListAlarmEvents(ctx context.Context, alarmID string, limit int) ([]models.AlarmEvent, error) {
	var events []models.AlarmEvent
	err := r.db.SelectContext(ctx, &events,
		`SELECT * FROM alarm_events WHERE alarm_id = $1 ORDER BY triggered_at DESC LIMIT $2`,
		alarmID, limit)
	if err != nil {
		return nil, err
	}

	return events, nil
}

// Audience

func (r *PostgresRepository) UsersWithViewAccess(ctx context.Context, pageID string) (map[string]struct{}, error) {
	// Owner, direct user grants, then group-mediated grants. Rows with only
	// can_edit set still count, since edit implies view.
	query := `
		SELECT owner_id AS user_id FROM pages WHERE id = $1
		UNION
		SELECT pp.subject_id FROM page_permissions pp
		WHERE pp.page_id = $1 AND pp.subject_type = 'user' AND (pp.can_view OR pp.can_edit)
		UNION
		SELECT ug.user_id FROM user_groups ug
		JOIN page_permissions pp ON pp.subject_id = ug.group_id
		WHERE pp.page_id = $1 AND pp.subject_type = 'group' AND (pp.can_view OR pp.can_edit)
	`

	var userIDs []string
	err := r.db.SelectContext(ctx, &userIDs, query, pageID)
	if err != nil {
		return nil, err
	}

	audience := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		audience[id] = struct{}{}
	}

	return audience, nil
}
