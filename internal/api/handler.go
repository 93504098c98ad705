package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmougeot/Alarm-server/internal/models"
	"github.com/jmougeot/Alarm-server/internal/repository"
	"github.com/jmougeot/Alarm-server/internal/service"
	"github.com/jmougeot/Alarm-server/internal/ws"
)

// Handler serves the HTTP admin surface. Permission and membership mutations
// go through the hub's broadcaster so connected sessions receive the same
// access-change frames as for websocket commands.
type Handler struct {
	svc service.Service
	hub *ws.Hub
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service, hub *ws.Hub) *Handler {
	return &Handler{
		svc: svc,
		hub: hub,
	}
}

// SetupRoutes configures all the API routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ws", h.hub.HandleConnection)

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/signup", h.SignUp)
			auth.POST("/login", h.Login)
		}

		authorized := api.Group("")
		authorized.Use(AuthMiddleware())
		{
			authorized.GET("/me", h.Me)

			authorized.POST("/groups", h.CreateGroup)
			authorized.POST("/groups/:id/members/:userId", h.AddMember)
			authorized.DELETE("/groups/:id/members/:userId", h.RemoveMember)

			authorized.GET("/pages", h.ListPages)
			authorized.POST("/pages", h.CreatePage)
			authorized.GET("/pages/:id/permissions", h.ListPermissions)
			authorized.PUT("/pages/:id/permissions", h.UpsertPermission)
			authorized.DELETE("/pages/:id/permissions", h.DeletePermission)

			authorized.GET("/alarms/:id/events", h.ListAlarmEvents)
		}
	}
}

// Health is the health check for monitoring
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Auth handlers

func (h *Handler) SignUp(c *gin.Context) {
	var req models.SignUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	user, err := h.svc.SignUp(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			conflict(c, "Username already registered")
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.AuthResponse{
		Status:   "success",
		UserID:   user.ID,
		Username: user.Username,
	})
}

func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := h.svc.Login(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Status:  "error",
				Code:    "UNAUTHORIZED",
				Message: "Incorrect username or password",
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.svc.GetUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			notFound(c, "User not found")
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, user)
}

// Group handlers

func (h *Handler) CreateGroup(c *gin.Context) {
	var req models.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	group, err := h.svc.CreateGroup(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		if errors.Is(err, repository.ErrNameTaken) {
			conflict(c, "Group name already taken")
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.GroupResponse{
		Status: "success",
		ID:     group.ID,
		Name:   group.Name,
	})
}

func (h *Handler) AddMember(c *gin.Context) {
	groupID := c.Param("id")
	userID := c.Param("userId")
	ctx := c.Request.Context()

	// Membership changes alter page audiences, so the mutation runs inside
	// the broadcaster's diff.
	err := h.hub.Broadcaster().WithGroupAudienceDiff(ctx, groupID, func() error {
		return h.svc.AddMember(ctx, groupID, userID)
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			notFound(c, "Group or user not found")
		case errors.Is(err, repository.ErrAlreadyMember):
			conflict(c, "User is already a member")
		default:
			internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "success"})
}

func (h *Handler) RemoveMember(c *gin.Context) {
	groupID := c.Param("id")
	userID := c.Param("userId")
	ctx := c.Request.Context()

	err := h.hub.Broadcaster().WithGroupAudienceDiff(ctx, groupID, func() error {
		return h.svc.RemoveMember(ctx, groupID, userID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			notFound(c, "Membership not found")
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "success"})
}

// Page handlers

func (h *Handler) ListPages(c *gin.Context) {
	pages, err := h.svc.ListPages(c.Request.Context(), currentUserID(c))
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, pages)
}

func (h *Handler) CreatePage(c *gin.Context) {
	var req models.CreatePageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	page, err := h.svc.CreatePage(c.Request.Context(), currentUserID(c), req)
	if err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.PageResponse{
		Status:    "success",
		ID:        page.ID,
		Name:      page.Name,
		OwnerID:   page.OwnerID,
		CreatedAt: page.CreatedAt.Format(time.RFC3339),
	})
}

// Permission handlers

func (h *Handler) ListPermissions(c *gin.Context) {
	perms, err := h.svc.ListPermissions(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			notFound(c, "Page not found")
		case errors.Is(err, service.ErrPermissionDenied):
			forbidden(c, "Only the owner can list permissions")
		default:
			internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, perms)
}

func (h *Handler) UpsertPermission(c *gin.Context) {
	var req models.PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	canView := true
	if req.CanView != nil {
		canView = *req.CanView
	}

	err := h.hub.Broadcaster().ApplyPermission(c.Request.Context(), currentUserID(c), models.PagePermission{
		PageID:      c.Param("id"),
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		CanView:     canView,
		CanEdit:     req.CanEdit,
	})
	if err != nil {
		permissionError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "success"})
}

func (h *Handler) DeletePermission(c *gin.Context) {
	var req models.SubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	err := h.hub.Broadcaster().RemovePermission(
		c.Request.Context(), currentUserID(c), c.Param("id"), req.SubjectType, req.SubjectID)
	if err != nil {
		permissionError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "success"})
}

// Alarm history handler

func (h *Handler) ListAlarmEvents(c *gin.Context) {
	events, err := h.svc.ListAlarmEvents(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			notFound(c, "Alarm not found")
		case errors.Is(err, service.ErrPermissionDenied):
			forbidden(c, "You don't have access to this alarm")
		default:
			internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, events)
}

// Helpers

func currentUserID(c *gin.Context) string {
	return c.MustGet("userId").(string)
}

func permissionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		notFound(c, "Not found")
	case errors.Is(err, repository.ErrNotOwner):
		forbidden(c, "Only the owner can share a page")
	case errors.Is(err, repository.ErrOwnerSubject):
		badRequestCode(c, "OWNER_SUBJECT", "The owner already has full access")
	case errors.Is(err, repository.ErrInvalidSubject):
		notFound(c, "Subject not found")
	default:
		internalError(c, err)
	}
}

func badRequest(c *gin.Context, message string) {
	badRequestCode(c, "BAD_REQUEST", message)
}

func badRequestCode(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, models.ErrorResponse{
		Status:  "error",
		Code:    "NOT_FOUND",
		Message: message,
	})
}

func conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, models.ErrorResponse{
		Status:  "error",
		Code:    "CONFLICT",
		Message: message,
	})
}

func forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, models.ErrorResponse{
		Status:  "error",
		Code:    "FORBIDDEN",
		Message: message,
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Status:  "error",
		Code:    "INTERNAL",
		Message: err.Error(),
	})
}
