package models

// Request models
type SignUpRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type CreateGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

type CreatePageRequest struct {
	Name string `json:"name" binding:"required"`
}

// PermissionRequest is the REST form of a permission upsert; can_view defaults
// to true when omitted.
type PermissionRequest struct {
	SubjectType SubjectType `json:"subject_type" binding:"required,oneof=user group"`
	SubjectID   string      `json:"subject_id" binding:"required"`
	CanView     *bool       `json:"can_view"`
	CanEdit     bool        `json:"can_edit"`
}

type SubjectRequest struct {
	SubjectType SubjectType `json:"subject_type" binding:"required,oneof=user group"`
	SubjectID   string      `json:"subject_id" binding:"required"`
}

// Response models
type AuthResponse struct {
	Status    string `json:"status"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

type GroupResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
}

type PageResponse struct {
	Status    string `json:"status"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
