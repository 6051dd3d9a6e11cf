package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"

	"provably-fair-backend/internal/models"
)

type Claims struct {
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() models.Identity {
	return models.Identity{PlayerID: c.PlayerID, SessionID: c.SessionID, Role: c.Role}
}

type JWTService struct {
	secret []byte
	ttl    time.Duration
	clock  quartz.Clock
}

func NewJWTService(secret string, ttl time.Duration, clock quartz.Clock) *JWTService {
	return &JWTService{secret: []byte(secret), ttl: ttl, clock: clock}
}

func (s *JWTService) GenerateToken(id models.Identity) (string, error) {
	if id.PlayerID == "" || id.SessionID == "" {
		return "", errors.New("token needs a player and a session")
	}
	now := s.clock.Now()
	claims := &Claims{
		PlayerID:  id.PlayerID,
		SessionID: id.SessionID,
		Role:      id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return s.clock.Now() }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.PlayerID == "" || claims.SessionID == "" {
		return nil, errors.New("invalid token: missing player or session")
	}
	return claims, nil
}
