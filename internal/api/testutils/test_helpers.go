package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/jmougeot/Alarm-server/internal/api"
	"github.com/jmougeot/Alarm-server/internal/config"
	"github.com/jmougeot/Alarm-server/internal/models"
	"github.com/jmougeot/Alarm-server/internal/repository"
	"github.com/jmougeot/Alarm-server/internal/service"
	"github.com/jmougeot/Alarm-server/internal/utils"
	"github.com/jmougeot/Alarm-server/internal/ws"
)

const TestJWTSecret = "test-secret-key"

// TestContext holds all dependencies for tests. The store is in-memory, so
// every test starts from a clean slate and needs no external database.
type TestContext struct {
	Router     *gin.Engine
	Repository *repository.MemoryRepository
	Service    service.Service
	Hub        *ws.Hub
}

// SetupTestContext creates a new test context with initialized dependencies
func SetupTestContext(t *testing.T) *TestContext {
	repo := repository.NewMemoryRepository()
	svc := service.NewDefaultService(repo, TestJWTSecret, time.Hour)
	logger := utils.NewLogger()

	wsCfg := config.WSConfig{
		SendQueueDepth: 64,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
	}
	hub := ws.NewHub(repo, svc, logger, wsCfg)

	handler := api.NewHandler(svc, hub)

	gin.SetMode(gin.TestMode)
	router := gin.Default()

	// Add middleware for JWT secret
	router.Use(func(c *gin.Context) {
		c.Set("jwtSecret", []byte(TestJWTSecret))
		c.Next()
	})

	handler.SetupRoutes(router)

	return &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		Hub:        hub,
	}
}

// RegisterUser creates a user through the service and returns it with a valid
// token.
func (tc *TestContext) RegisterUser(t *testing.T, username, password string) (*models.User, string) {
	t.Helper()

	user, err := tc.Service.SignUp(context.Background(), models.SignUpRequest{
		Username: username,
		Password: password,
	})
	require.NoError(t, err, "Failed to create test user")

	resp, err := tc.Service.Login(context.Background(), models.LoginRequest{
		Username: username,
		Password: password,
	})
	require.NoError(t, err, "Failed to log in test user")

	return user, resp.Token
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}
