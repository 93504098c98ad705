package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmougeot/Alarm-server/internal/api/testutils"
	"github.com/jmougeot/Alarm-server/internal/models"
)

func TestSignUpAndLoginFlow(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)

	signupReq := models.SignUpRequest{
		Username: "alice",
		Password: "Password123",
	}

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup", signupReq, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	var signupResp models.AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &signupResp))
	assert.Equal(t, "success", signupResp.Status)
	assert.Equal(t, "alice", signupResp.Username)
	assert.NotEmpty(t, signupResp.UserID)

	// Duplicate username is a conflict
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup", signupReq, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Log in with the right password
	loginReq := models.LoginRequest{Username: "alice", Password: "Password123"}
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/login", loginReq, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var loginResp models.AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loginResp))
	assert.NotEmpty(t, loginResp.Token)

	// And with a wrong one
	loginReq.Password = "WrongPassword"
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/login", loginReq, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignUpValidation(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)

	// Password too short
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup",
		models.SignUpRequest{Username: "alice", Password: "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Missing username
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/auth/signup",
		map[string]string{"password": "Password123"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMeEndpoint(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	user, token := testCtx.RegisterUser(t, "alice", "Password123")

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/me", nil, testutils.AuthHeaders(token))
	assert.Equal(t, http.StatusOK, w.Code)

	var me models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, user.ID, me.ID)
	assert.Equal(t, "alice", me.Username)
	assert.NotContains(t, w.Body.String(), "password_hash")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/pages", nil,
		testutils.AuthHeaders("garbage-token"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/me", nil,
		map[string]string{"Authorization": "NotBearer xyz"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthCheck(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
