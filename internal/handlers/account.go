package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"provably-fair-backend/internal/middleware"
	"provably-fair-backend/internal/services"
)

type AccountHandler struct {
	engine *services.RoundEngine
}

func NewAccountHandler(engine *services.RoundEngine) *AccountHandler {
	return &AccountHandler{engine: engine}
}

func (h *AccountHandler) GetCurrentUser(c *gin.Context) {
	id := middleware.Identity(c)
	balance, err := h.engine.Balance(c.Request.Context(), id.PlayerID)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"player_id":  id.PlayerID,
		"session_id": id.SessionID,
		"role":       id.Role,
		"balance":    balance,
	})
}

func (h *AccountHandler) GetBalance(c *gin.Context) {
	balance, err := h.engine.Balance(c.Request.Context(), middleware.Identity(c).PlayerID)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "balance": balance})
}

func (h *AccountHandler) GetLedger(c *gin.Context) {
	entries, err := h.engine.Entries(c.Request.Context(), middleware.Identity(c).PlayerID, listLimit(c))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"entries": entries,
		"count":   len(entries),
	})
}
