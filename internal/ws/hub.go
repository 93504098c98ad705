package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jmougeot/Alarm-server/internal/config"
	"github.com/jmougeot/Alarm-server/internal/models"
	"github.com/jmougeot/Alarm-server/internal/repository"
	"github.com/jmougeot/Alarm-server/internal/utils"
)

// TokenVerifier validates a bearer credential presented at connection setup.
type TokenVerifier interface {
	VerifyToken(token string) (*models.TokenClaims, error)
}

// Close code for a refused credential, mirroring the HTTP 4xx space.
const closeCodeAuthFailed = 4001

// Hub owns the websocket side of the server: it upgrades connections,
// authenticates them, runs each session's read loop, and wires the registry,
// dispatcher, and broadcaster together.
type Hub struct {
	repo       repository.Repository
	registry   *Registry
	bc         *Broadcaster
	dispatcher *Dispatcher
	verifier   TokenVerifier
	logger     *utils.Logger
	cfg        config.WSConfig
	upgrader   websocket.Upgrader
}

// NewHub creates a hub over the given store and credential verifier
func NewHub(repo repository.Repository, verifier TokenVerifier, logger *utils.Logger, cfg config.WSConfig) *Hub {
	registry := NewRegistry()
	bc := NewBroadcaster(repo, registry, logger)

	return &Hub{
		repo:       repo,
		registry:   registry,
		bc:         bc,
		dispatcher: NewDispatcher(repo, bc, logger),
		verifier:   verifier,
		logger:     logger,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Broadcaster exposes the fan-out machinery to the HTTP admin surface, whose
// permission and membership mutations must emit the same access-change frames
// as the websocket commands.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.bc
}

// Registry exposes the session index.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// HandleConnection is the gin handler for GET /ws?token=<jwt>. It runs the
// whole session lifecycle: authenticate, snapshot, read loop, cleanup.
func (h *Hub) HandleConnection(c *gin.Context) {
	token := c.Query("token")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed: %v", err)
		return
	}

	claims, user := h.authenticate(c.Request.Context(), token)
	if user == nil {
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeAuthFailed, "invalid token"), deadline)
		conn.Close()
		return
	}

	sess := newSession(conn, claims.UserID, claims.Username, h.cfg.SendQueueDepth)

	initial, err := h.buildInitialState(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("initial snapshot for user %s failed: %v", user.ID, err)
		conn.Close()
		return
	}

	// The snapshot is enqueued before the session is attached, so no
	// broadcast can precede it on this connection.
	sess.TrySend(models.Frame{Type: models.MsgInitialState, Payload: initial})
	h.registry.Attach(sess)
	go sess.writePump(h.cfg)

	h.logger.Info("user %s connected (session %s)", user.Username, sess.id)
	h.readLoop(c.Request.Context(), sess)

	// Every exit path detaches the session and releases the transport.
	h.registry.Detach(sess)
	sess.Close("")
	h.logger.Info("user %s disconnected (session %s)", user.Username, sess.id)
}

func (h *Hub) authenticate(ctx context.Context, token string) (*models.TokenClaims, *models.User) {
	if token == "" {
		return nil, nil
	}

	claims, err := h.verifier.VerifyToken(token)
	if err != nil {
		return nil, nil
	}

	// Re-consult the store; the token may outlive the account.
	user, err := h.repo.GetUserByID(ctx, claims.UserID)
	if err != nil || user == nil {
		return nil, nil
	}

	return claims, user
}

func (h *Hub) buildInitialState(ctx context.Context, user *models.User) (models.InitialStatePayload, error) {
	pages, err := h.repo.ListPagesVisibleTo(ctx, user.ID)
	if err != nil {
		return models.InitialStatePayload{}, err
	}

	pageInfos := make([]models.PageInfo, 0, len(pages))
	pageIDs := make([]string, 0, len(pages))
	for _, p := range pages {
		pageInfos = append(pageInfos, models.PageInfo{
			ID:      p.ID,
			Name:    p.Name,
			OwnerID: p.OwnerID,
			IsOwner: p.IsOwner,
			CanEdit: p.CanEdit,
		})
		pageIDs = append(pageIDs, p.ID)
	}

	alarms, err := h.repo.ListAlarmsInPages(ctx, pageIDs)
	if err != nil {
		return models.InitialStatePayload{}, err
	}

	return models.InitialStatePayload{
		User:   models.UserInfo{ID: user.ID, Username: user.Username},
		Pages:  pageInfos,
		Alarms: alarms,
	}, nil
}

// readLoop processes inbound frames sequentially: at most one command is in
// flight per session, and the broadcast for a command is enqueued before the
// next frame is read.
func (h *Hub) readLoop(ctx context.Context, sess *Session) {
	sess.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		h.dispatcher.Dispatch(ctx, sess, raw)

		if sess.Closed() {
			return
		}
	}
}
