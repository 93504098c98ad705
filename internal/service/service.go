package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmougeot/Alarm-server/internal/authz"
	"github.com/jmougeot/Alarm-server/internal/models"
	"github.com/jmougeot/Alarm-server/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
)

// Service defines the business logic behind the HTTP admin surface plus
// credential verification for websocket connections
type Service interface {
	// Authentication
	SignUp(ctx context.Context, req models.SignUpRequest) (*models.User, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)
	VerifyToken(token string) (*models.TokenClaims, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// Groups
	CreateGroup(ctx context.Context, creatorID string, req models.CreateGroupRequest) (*models.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error

	// Pages
	CreatePage(ctx context.Context, ownerID string, req models.CreatePageRequest) (*models.Page, error)
	ListPages(ctx context.Context, userID string) ([]models.PageAccess, error)
	ListPermissions(ctx context.Context, callerID, pageID string) ([]models.PagePermission, error)

	// Alarm history
	ListAlarmEvents(ctx context.Context, callerID, alarmID string) ([]models.AlarmEvent, error)
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo      repository.Repository
	jwtSecret []byte
	tokenTTL  time.Duration
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, jwtSecret string, tokenTTL time.Duration) *DefaultService {
	return &DefaultService{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

// Authentication methods

func (s *DefaultService) SignUp(ctx context.Context, req models.SignUpRequest) (*models.User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, req.Username, string(hashedPassword))
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (s *DefaultService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	user, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}

	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.generateJWT(user)
	if err != nil {
		return nil, fmt.Errorf("error generating token: %w", err)
	}

	return &models.AuthResponse{
		Status:    "success",
		UserID:    user.ID,
		Username:  user.Username,
		Token:     token,
		ExpiresIn: int(s.tokenTTL.Seconds()),
	}, nil
}

// VerifyToken validates a bearer credential and yields the identity claims.
// The token's signature, validity window, and claim shapes live here; callers
// only see (user_id, username) or a failure.
func (s *DefaultService) VerifyToken(tokenString string) (*models.TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	username, ok := claims["username"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}

	return &models.TokenClaims{UserID: userID, Username: username}, nil
}

func (s *DefaultService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error getting user: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// Group methods

func (s *DefaultService) CreateGroup(ctx context.Context, creatorID string, req models.CreateGroupRequest) (*models.Group, error) {
	group, err := s.repo.CreateGroup(ctx, req.Name, creatorID)
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (s *DefaultService) AddMember(ctx context.Context, groupID, userID string) error {
	return s.repo.AddMember(ctx, groupID, userID)
}

func (s *DefaultService) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.repo.RemoveMember(ctx, groupID, userID)
}

// Page methods

func (s *DefaultService) CreatePage(ctx context.Context, ownerID string, req models.CreatePageRequest) (*models.Page, error) {
	page, err := s.repo.CreatePage(ctx, req.Name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("error creating page: %w", err)
	}
	return page, nil
}

func (s *DefaultService) ListPages(ctx context.Context, userID string) ([]models.PageAccess, error) {
	pages, err := s.repo.ListPagesVisibleTo(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing pages: %w", err)
	}
	return pages, nil
}

func (s *DefaultService) ListPermissions(ctx context.Context, callerID, pageID string) ([]models.PagePermission, error) {
	page, err := s.repo.GetPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("error getting page: %w", err)
	}
	if page == nil {
		return nil, ErrNotFound
	}
	if page.OwnerID != callerID {
		return nil, ErrPermissionDenied
	}

	return s.repo.ListPermissions(ctx, pageID)
}

// Alarm history

func (s *DefaultService) ListAlarmEvents(ctx context.Context, callerID, alarmID string) ([]models.AlarmEvent, error) {
	alarm, err := s.repo.GetAlarm(ctx, alarmID)
	if err != nil {
		return nil, fmt.Errorf("error getting alarm: %w", err)
	}
	if alarm == nil {
		return nil, ErrNotFound
	}

	verdict, err := s.resolvePermissions(ctx, callerID, alarm.PageID)
	if err != nil {
		return nil, err
	}
	if !verdict.View {
		return nil, ErrPermissionDenied
	}

	return s.repo.ListAlarmEvents(ctx, alarmID, 100)
}

// Helper methods

func (s *DefaultService) resolvePermissions(ctx context.Context, userID, pageID string) (authz.Permissions, error) {
	page, err := s.repo.GetPage(ctx, pageID)
	if err != nil {
		return authz.Permissions{}, fmt.Errorf("error getting page: %w", err)
	}
	if page == nil {
		return authz.Permissions{}, nil
	}

	perms, err := s.repo.ListPermissions(ctx, pageID)
	if err != nil {
		return authz.Permissions{}, fmt.Errorf("error listing permissions: %w", err)
	}

	groupIDs, err := s.repo.ListGroupsOfUser(ctx, userID)
	if err != nil {
		return authz.Permissions{}, fmt.Errorf("error listing groups: %w", err)
	}

	groups := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = struct{}{}
	}

	return authz.Resolve(userID, page, perms, groups), nil
}

func (s *DefaultService) generateJWT(user *models.User) (string, error) {
	expirationTime := time.Now().Add(s.tokenTTL)

	claims := jwt.MapClaims{
		"sub":      user.ID,
		"username": user.Username,
		"exp":      expirationTime.Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
