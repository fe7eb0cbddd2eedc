package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/platform/auth"
)

const (
	sendBuffer     = 64
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// Handler upgrades board connections and pumps hub events to them.
type Handler struct {
	hub      *Hub
	logger   zerolog.Logger
	origins  map[string]struct{}
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts browser connections from origins. "*" allows any origin;
// requests without an Origin header are always accepted.
func NewHandler(hub *Hub, logger zerolog.Logger, origins []string) *Handler {
	h := &Handler{
		hub:     hub,
		logger:  logger.With().Str("component", "websocket").Logger(),
		origins: make(map[string]struct{}, len(origins)),
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is checked in Connect before upgrading.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range origins {
		h.origins[o] = struct{}{}
	}
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/live/ws", h.Connect, auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
}

func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if _, ok := h.origins["*"]; ok {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// Connect subscribes the connection to the topics named by repeated ?topic=
// parameters, or to the board when none are given.
func (h *Handler) Connect(c echo.Context) error {
	if !h.originAllowed(c.Request().Header.Get("Origin")) {
		return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
	}
	topics := c.QueryParams()["topic"]
	for _, t := range topics {
		if !ValidTopic(t) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid topic: "+t)
		}
	}
	if len(topics) == 0 {
		topics = []string{TopicBoard}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(sendBuffer)
	h.hub.Register(client, topics)
	h.logger.Debug().
		Str("client_id", client.ID).
		Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Strs("topics", topics).
		Msg("board connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
