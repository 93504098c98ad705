package api_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmougeot/Alarm-server/internal/api/testutils"
	"github.com/jmougeot/Alarm-server/internal/models"
)

// wsClient wraps a live websocket connection for tests.
type wsClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, server *httptest.Server, token string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Failed to dial websocket")
	t.Cleanup(func() { conn.Close() })

	return &wsClient{conn: conn}
}

func (c *wsClient) read(t *testing.T) models.Envelope {
	t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env models.Envelope
	require.NoError(t, c.conn.ReadJSON(&env), "Failed to read frame")
	return env
}

func (c *wsClient) send(t *testing.T, msgType string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, c.conn.WriteJSON(models.Envelope{Type: msgType, Payload: raw}))
}

func decodePayload(t *testing.T, env models.Envelope, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Payload, out))
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	server := httptest.NewServer(testCtx.Router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds; the close comes after")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, 4001, closeErr.Code)
}

func TestWebsocketInitialStateEmpty(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	server := httptest.NewServer(testCtx.Router)
	defer server.Close()

	user, token := testCtx.RegisterUser(t, "alice", "Password123")
	client := dialWS(t, server, token)

	env := client.read(t)
	require.Equal(t, models.MsgInitialState, env.Type)

	var initial models.InitialStatePayload
	decodePayload(t, env, &initial)
	assert.Equal(t, user.ID, initial.User.ID)
	assert.Equal(t, "alice", initial.User.Username)
	assert.Empty(t, initial.Pages)
	assert.Empty(t, initial.Alarms)
}

// Simple-share walk-through: alice shares a page with bob, creates
// an alarm both can see, and bob's edit attempt is refused.
func TestWebsocketShareFlow(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	server := httptest.NewServer(testCtx.Router)
	defer server.Close()

	alice, aliceToken := testCtx.RegisterUser(t, "alice", "Password123")
	bob, bobToken := testCtx.RegisterUser(t, "bob", "Password123")

	aliceWS := dialWS(t, server, aliceToken)
	require.Equal(t, models.MsgInitialState, aliceWS.read(t).Type)

	bobWS := dialWS(t, server, bobToken)
	env := bobWS.read(t)
	require.Equal(t, models.MsgInitialState, env.Type)
	var bobInitial models.InitialStatePayload
	decodePayload(t, env, &bobInitial)
	assert.Empty(t, bobInitial.Pages)

	// Alice creates a page over the socket
	aliceWS.send(t, models.MsgCreatePage, models.CreatePageCommand{Name: "Trading"})
	env = aliceWS.read(t)
	require.Equal(t, models.MsgSuccess, env.Type)
	var created models.SuccessPayload
	decodePayload(t, env, &created)
	require.Equal(t, "page_created", created.Action)
	pageData, err := json.Marshal(created.Data)
	require.NoError(t, err)
	var page models.PageInfo
	require.NoError(t, json.Unmarshal(pageData, &page))
	require.NotEmpty(t, page.ID)

	// Alice shares it with bob, view only
	canView := true
	aliceWS.send(t, models.MsgSharePage, models.SharePageCommand{
		PageID:      page.ID,
		SubjectType: models.SubjectUser,
		SubjectID:   bob.ID,
		CanView:     &canView,
		CanEdit:     false,
	})
	require.Equal(t, models.MsgSuccess, aliceWS.read(t).Type)

	env = bobWS.read(t)
	require.Equal(t, models.MsgPageAccessGranted, env.Type)
	var granted models.PageAccessGrantedPayload
	decodePayload(t, env, &granted)
	assert.Equal(t, page.ID, granted.Page.ID)
	assert.Equal(t, "Trading", granted.Page.Name)
	assert.Equal(t, alice.ID, granted.Page.OwnerID)
	assert.False(t, granted.Page.IsOwner)
	assert.Empty(t, granted.Alarms)

	// Alice creates an alarm; both receive the broadcast
	aliceWS.send(t, models.MsgCreateAlarm, models.CreateAlarmCommand{
		PageID: page.ID, Ticker: "EUR/USD", Option: "spot", Condition: "above",
	})

	var alarmID string
	for _, ws := range []*wsClient{aliceWS, bobWS} {
		env = ws.read(t)
		require.Equal(t, models.MsgAlarmUpdate, env.Type)
		var update struct {
			AlarmID string       `json:"alarm_id"`
			PageID  string       `json:"page_id"`
			Action  string       `json:"action"`
			Data    models.Alarm `json:"data"`
		}
		decodePayload(t, env, &update)
		assert.Equal(t, "created", update.Action)
		assert.Equal(t, page.ID, update.PageID)
		assert.Equal(t, "EUR/USD", update.Data.Ticker)
		alarmID = update.AlarmID
	}

	// Bob, a viewer, cannot edit
	ticker := "GBP/USD"
	bobWS.send(t, models.MsgUpdateAlarm, models.UpdateAlarmCommand{
		AlarmID:    alarmID,
		AlarmPatch: models.AlarmPatch{Ticker: &ticker},
	})
	env = bobWS.read(t)
	require.Equal(t, models.MsgError, env.Type)
	var errPayload models.ErrorPayload
	decodePayload(t, env, &errPayload)
	assert.Equal(t, "permission denied", errPayload.Message)

	// But bob may record a trigger
	price := 1.0850
	bobWS.send(t, models.MsgTriggerAlarm, models.TriggerAlarmCommand{AlarmID: alarmID, Price: &price})

	for _, ws := range []*wsClient{aliceWS, bobWS} {
		env = ws.read(t)
		require.Equal(t, models.MsgAlarmUpdate, env.Type)
		var update struct {
			Action string `json:"action"`
			Data   struct {
				Price       *float64 `json:"price"`
				TriggeredBy string   `json:"triggered_by"`
			} `json:"data"`
		}
		decodePayload(t, env, &update)
		assert.Equal(t, "triggered", update.Action)
		assert.Equal(t, "bob", update.Data.TriggeredBy)
		require.NotNil(t, update.Data.Price)
		assert.Equal(t, 1.0850, *update.Data.Price)
	}
}

func TestWebsocketReconnectSnapshot(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	server := httptest.NewServer(testCtx.Router)
	defer server.Close()

	alice, aliceToken := testCtx.RegisterUser(t, "alice", "Password123")

	aliceWS := dialWS(t, server, aliceToken)
	require.Equal(t, models.MsgInitialState, aliceWS.read(t).Type)

	aliceWS.send(t, models.MsgCreatePage, models.CreatePageCommand{Name: "Trading"})
	require.Equal(t, models.MsgSuccess, aliceWS.read(t).Type)
	aliceWS.conn.Close()

	// A fresh connection sees all committed state.
	again := dialWS(t, server, aliceToken)
	env := again.read(t)
	require.Equal(t, models.MsgInitialState, env.Type)
	var initial models.InitialStatePayload
	decodePayload(t, env, &initial)
	require.Len(t, initial.Pages, 1)
	assert.Equal(t, "Trading", initial.Pages[0].Name)
	assert.True(t, initial.Pages[0].IsOwner)
	assert.Equal(t, alice.ID, initial.Pages[0].OwnerID)
}
