package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"provably-fair-backend/internal/models"
)

var errorStatus = []struct {
	err    error
	status int
	label  string
}{
	{models.ErrInvalidStake, http.StatusBadRequest, "Invalid stake"},
	{models.ErrInsufficientBalance, http.StatusBadRequest, "Insufficient balance"},
	{models.ErrInvalidParams, http.StatusBadRequest, "Invalid request"},
	{models.ErrGameDisabled, http.StatusBadRequest, "Game disabled"},
	{models.ErrNotFound, http.StatusNotFound, "Not found"},
	{models.ErrNotTerminal, http.StatusForbidden, "Round not finished"},
	{models.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{models.ErrInvalidState, http.StatusConflict, "Invalid round state"},
	{models.ErrAlreadyResolved, http.StatusConflict, "Round already resolved"},
	{models.ErrRoundInFlight, http.StatusConflict, "Round in flight"},
	{models.ErrRoundExpired, http.StatusGone, "Round expired"},
	{models.ErrIntegrityViolation, http.StatusInternalServerError, "Integrity violation"},
	{models.ErrTransient, http.StatusServiceUnavailable, "Temporarily unavailable"},
}

func statusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.label
		}
	}
	return http.StatusInternalServerError, "Internal error"
}

// conflict reports whether the client should see the round's current state
// next to the error.
func conflict(status int) bool {
	return status == http.StatusConflict
}

func respondError(c *gin.Context, err error, extra gin.H) {
	status, label := statusFor(err)
	body := gin.H{"error": label, "details": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"details": err.Error(),
	})
}
