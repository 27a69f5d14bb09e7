package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tandem/api/internal/auth"
	"tandem/api/internal/rbac"
	"tandem/api/internal/realtime"
	"tandem/api/internal/versions"
)

// Checkpointer receives accepted room states for version persistence.
type Checkpointer interface {
	Enqueue(cp versions.Checkpoint) bool
	Flush(projectID string, version int, content, authorID string) bool
}

type HandlerConfig struct {
	JWTSecret     []byte
	AllowedOrigin string
}

// Handler upgrades authenticated requests and runs the room protocol on the
// connection. Rooms are keyed by project id.
type Handler struct {
	hub          *Hub
	coord        *realtime.Coordinator
	checkpointer Checkpointer
	secret       []byte
	upgrader     websocket.Upgrader
	logger       *zap.Logger
}

func NewHandler(hub *Hub, coord *realtime.Coordinator, checkpointer Checkpointer, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := strings.TrimSpace(cfg.AllowedOrigin)
	return &Handler{
		hub:          hub,
		coord:        coord,
		checkpointer: checkpointer,
		secret:       cfg.JWTSecret,
		logger:       logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				requestOrigin := r.Header.Get("Origin")
				return origin == "" || origin == "*" || requestOrigin == "" || requestOrigin == origin
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	claims, err := auth.ParseToken(h.secret, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !rbac.Can(claims.Role, rbac.PermReadProject) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := h.hub.register(conn, claims)
	h.logger.Debug("connection opened", zap.String("conn_id", c.id), zap.String("user_id", claims.UserID()))
	go c.writePump()

	h.readPump(c)

	for _, left := range h.coord.Disconnect(c.id) {
		h.flushIfEmpty(left)
	}
	h.hub.unregister(c)
	h.logger.Debug("connection closed", zap.String("conn_id", c.id))
}

func (h *Handler) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.reply(c, "", badRequest("malformed message"))
			continue
		}
		if err := h.dispatch(c, env); err != nil {
			h.reply(c, env.RoomID, err)
		}
	}
}

func (h *Handler) dispatch(c *client, env Envelope) error {
	if env.Type == "" {
		return badRequest("type is required")
	}
	if env.RoomID == "" {
		return badRequest("roomId is required")
	}
	userID := c.claims.UserID()
	if env.UserID != "" && env.UserID != userID {
		return &requestError{code: CodeForbidden, message: "userId does not match token"}
	}

	switch env.Type {
	case EventJoinRoom:
		// The join may carry a display name for this room; identity stays
		// with the token.
		userName := strings.TrimSpace(env.UserName)
		if userName == "" {
			userName = c.claims.Name
		}
		avatar := c.claims.Avatar
		if avatar == "" {
			avatar = env.Avatar
		}
		_, err := h.coord.Join(c.id, env.RoomID, userID, userName, avatar)
		return err

	case EventLeaveRoom:
		left, err := h.coord.Leave(c.id, env.RoomID)
		if err != nil {
			return err
		}
		h.flushIfEmpty(left)
		return nil

	case EventCursorMove:
		if env.Cursor == nil {
			return badRequest("cursor is required")
		}
		return h.coord.MoveCursor(c.id, env.RoomID, userID, *env.Cursor, env.Selection)

	case EventContentChange:
		if !rbac.Can(c.claims.Role, rbac.PermWriteProject) {
			return &requestError{code: CodeForbidden, message: "write:project permission required"}
		}
		if env.Change == nil {
			return badRequest("change is required")
		}
		result, err := h.coord.SubmitChange(c.id, env.RoomID, userID, *env.Change, env.Version)
		if err != nil {
			return err
		}
		if result.Accepted && h.checkpointer != nil {
			h.checkpointer.Enqueue(versions.Checkpoint{
				ProjectID: env.RoomID,
				Version:   result.Version,
				Content:   result.Content,
				AuthorID:  userID,
			})
		}
		return nil

	case EventStatusUpdate:
		return h.coord.UpdateStatus(c.id, env.RoomID, userID, env.Status)

	case EventHeartbeat:
		return h.coord.Heartbeat(c.id, env.RoomID)

	default:
		return &requestError{code: CodeUnknownEvent, message: "unknown event " + env.Type}
	}
}

func (h *Handler) flushIfEmpty(left realtime.LeaveResult) {
	if left.Remaining > 0 || h.checkpointer == nil {
		return
	}
	h.checkpointer.Flush(left.RoomID, left.Version, left.Content, left.UserID)
}

func (h *Handler) reply(c *client, roomID string, err error) {
	payload := errorPayload(err)
	if payload.Code == CodeInternal || errors.Is(err, realtime.ErrClosed) {
		h.logger.Error("room request failed", zap.String("conn_id", c.id), zap.Error(err))
	}
	h.hub.Deliver(c.id, realtime.Message{Type: realtime.EventError, RoomID: roomID, Payload: payload})
}
