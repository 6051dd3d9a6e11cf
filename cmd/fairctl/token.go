package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/services"
)

type TokenCmd struct {
	Player  string        `arg:"" help:"Player ID"`
	Session string        `help:"Session ID. A new one is generated when empty."`
	Admin   bool          `help:"Grant the operator role"`
	TTL     time.Duration `default:"24h" help:"Token lifetime"`
	Secret  string        `env:"JWT_SECRET" required:"" help:"HMAC signing secret"`
}

func (c *TokenCmd) Run(logger *log.Logger) error {
	id := models.Identity{PlayerID: c.Player, SessionID: c.Session}
	if id.SessionID == "" {
		id.SessionID = uuid.NewString()
	}
	if c.Admin {
		id.Role = models.RoleAdmin
	}
	token, err := services.NewJWTService(c.Secret, c.TTL, quartz.NewReal()).GenerateToken(id)
	if err != nil {
		return err
	}
	logger.Debug("issued token", "player", id.PlayerID, "session", id.SessionID, "role", id.Role)
	fmt.Println(token)
	return nil
}
