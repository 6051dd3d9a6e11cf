package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"provably-fair-backend/internal/middleware"
	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 5 * time.Second

// WebSocketHandler streams a player's round events. Every connection gets
// its own hub subscription, so several devices of one player all see the
// same feed.
type WebSocketHandler struct {
	engine *services.RoundEngine
	hub    *services.Hub
	logger *log.Logger
}

type Message struct {
	Type    string `json:"type"`
	RoundID string `json:"round_id,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type client struct {
	playerID string
	conn     *websocket.Conn
	mu       sync.Mutex
}

func (cl *client) send(msg Message) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return cl.conn.WriteJSON(msg)
}

func NewWebSocketHandler(engine *services.RoundEngine, hub *services.Hub, logger *log.Logger) *WebSocketHandler {
	return &WebSocketHandler{engine: engine, hub: hub, logger: logger}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	id := middleware.Identity(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", "err", err)
		return
	}
	cl := &client{playerID: id.PlayerID, conn: conn}
	sub := h.hub.Subscribe(id.PlayerID)
	h.logger.Debug("live feed connected", "player", id.PlayerID)

	defer func() {
		sub.Close()
		conn.Close()
		h.logger.Debug("live feed disconnected", "player", id.PlayerID)
	}()

	h.sendBalance(c, cl)

	go h.forward(cl, sub)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "player", id.PlayerID, "err", err)
			}
			return
		}
		h.handleMessage(c, cl, &msg)
	}
}

// forward runs until the subscription closes.
func (h *WebSocketHandler) forward(cl *client, sub *services.Subscription) {
	for ev := range sub.Events() {
		if err := cl.send(Message{Type: string(ev.Type), RoundID: ev.RoundID, Data: ev}); err != nil {
			h.logger.Debug("live feed write failed", "player", cl.playerID, "err", err)
			cl.conn.Close()
			return
		}
	}
}

func (h *WebSocketHandler) handleMessage(c *gin.Context, cl *client, msg *Message) {
	switch msg.Type {
	case "PING":
		cl.send(Message{Type: "PONG", Data: gin.H{"timestamp": time.Now().Unix()}})
	case "BALANCE":
		h.sendBalance(c, cl)
	}
}

func (h *WebSocketHandler) sendBalance(c *gin.Context, cl *client) {
	balance, err := h.engine.Balance(c.Request.Context(), cl.playerID)
	if err != nil {
		h.logger.Warn("failed to read balance for live feed", "player", cl.playerID, "err", err)
		return
	}
	cl.send(Message{Type: string(models.EventBalanceUpdate), Data: balance})
}
