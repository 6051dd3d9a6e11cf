package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"provably-fair-backend/internal/middleware"
	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/services"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type RoundHandler struct {
	engine *services.RoundEngine
	logger *log.Logger
}

func NewRoundHandler(engine *services.RoundEngine, logger *log.Logger) *RoundHandler {
	return &RoundHandler{engine: engine, logger: logger}
}

// bindOptional decodes a JSON body if there is one.
func bindOptional(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// fail maps err to a response. State conflicts carry the round as it is now
// so the client can resync.
func (h *RoundHandler) fail(c *gin.Context, err error, roundID string) {
	status, _ := statusFor(err)
	var extra gin.H
	if conflict(status) && roundID != "" {
		if r, lookupErr := h.engine.Round(c.Request.Context(), middleware.Identity(c), roundID); lookupErr == nil {
			extra = gin.H{"round": r.Public()}
		}
	}
	respondError(c, err, extra)
}

func (h *RoundHandler) OpenRound(c *gin.Context) {
	var req models.OpenRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	r, err := h.engine.OpenRound(c.Request.Context(), middleware.Identity(c), req)
	if err != nil {
		h.fail(c, err, "")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"round":   r.Public(),
	})
}

func (h *RoundHandler) Commit(c *gin.Context) {
	var req models.CommitRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	roundID := c.Param("id")

	r, err := h.engine.Commit(c.Request.Context(), middleware.Identity(c), roundID, req.ClientSeed)
	if err != nil {
		h.fail(c, err, roundID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": r.Public()})
}

func (h *RoundHandler) Action(c *gin.Context) {
	var req models.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	roundID := c.Param("id")

	step, r, err := h.engine.Action(c.Request.Context(), middleware.Identity(c), roundID, req)
	if err != nil {
		h.fail(c, err, roundID)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"step":    step,
		"round":   r.Public(),
	})
}

func (h *RoundHandler) Resolve(c *gin.Context) {
	var req models.CommitRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	roundID := c.Param("id")

	r, err := h.engine.Resolve(c.Request.Context(), middleware.Identity(c), roundID, req.ClientSeed)
	if err != nil {
		h.fail(c, err, roundID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": r.Public()})
}

func (h *RoundHandler) Settle(c *gin.Context) {
	roundID := c.Param("id")

	result, err := h.engine.Settle(c.Request.Context(), middleware.Identity(c), roundID)
	if err != nil {
		h.fail(c, err, roundID)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"result":            result,
		"balance_formatted": models.FormatMinor(result.BalanceAfter),
	})
}

func (h *RoundHandler) Void(c *gin.Context) {
	var req models.VoidRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	roundID := c.Param("id")

	r, err := h.engine.Void(c.Request.Context(), middleware.Identity(c), roundID, req.Reason)
	if err != nil {
		h.fail(c, err, roundID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": r.Public()})
}

func (h *RoundHandler) GetRound(c *gin.Context) {
	r, err := h.engine.Round(c.Request.Context(), middleware.Identity(c), c.Param("id"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "round": r.Public()})
}

func (h *RoundHandler) Verify(c *gin.Context) {
	report, err := h.engine.Verify(c.Request.Context(), middleware.Identity(c), c.Param("id"))
	if err != nil {
		var extra gin.H
		if report != nil {
			extra = gin.H{"verification": report}
		}
		respondError(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verification": report})
}

func (h *RoundHandler) ListRounds(c *gin.Context) {
	id := middleware.Identity(c)
	rounds, err := h.engine.Rounds(c.Request.Context(), id.PlayerID, listLimit(c))
	if err != nil {
		h.fail(c, err, "")
		return
	}

	response := make([]*models.Round, 0, len(rounds))
	for _, r := range rounds {
		response = append(response, r.Public())
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rounds":  response,
		"count":   len(response),
	})
}
