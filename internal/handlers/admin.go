package handlers

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"provably-fair-backend/internal/middleware"
	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/policy"
	"provably-fair-backend/internal/services"
)

// AdminHandler serves operator routes. They sit behind RequireAdmin.
type AdminHandler struct {
	engine   *services.RoundEngine
	policies *policy.Registry
	logger   *log.Logger
}

func NewAdminHandler(engine *services.RoundEngine, policies *policy.Registry, logger *log.Logger) *AdminHandler {
	return &AdminHandler{engine: engine, policies: policies, logger: logger}
}

func (h *AdminHandler) ListPolicies(c *gin.Context) {
	policies, err := h.policies.All(c.Request.Context())
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "policies": policies})
}

func (h *AdminHandler) UpdatePolicy(c *gin.Context) {
	game := models.GameType(c.Param("game"))
	if !game.Valid() {
		respondError(c, fmt.Errorf("%w: unknown game type %q", models.ErrNotFound, game), nil)
		return
	}
	var update models.PolicyUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err)
		return
	}

	p, err := h.policies.Publish(c.Request.Context(), game, update)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	h.logger.Info("policy updated by operator", "game", game, "version", p.Version, "by", middleware.Identity(c).PlayerID)
	c.JSON(http.StatusOK, gin.H{"success": true, "policy": p})
}

func (h *AdminHandler) VoidRound(c *gin.Context) {
	var req models.VoidRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := h.engine.Void(c.Request.Context(), middleware.Identity(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": r.Public()})
}

func (h *AdminHandler) CreditPlayer(c *gin.Context) {
	var req models.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.engine.Credit(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": entry})
}
