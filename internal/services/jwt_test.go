package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/services"
)

func TestJWTRoundtrip(t *testing.T) {
	clock := quartz.NewMock(t)
	svc := services.NewJWTService("secret", time.Hour, clock)

	token, err := svc.GenerateToken(operator)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, operator, claims.Identity())
	assert.True(t, claims.Identity().IsAdmin())
}

func TestJWTRejects(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	svc := services.NewJWTService("secret", time.Hour, clock)

	_, err := svc.GenerateToken(models.Identity{PlayerID: "alice"})
	assert.Error(t, err, "session is required")

	token, err := svc.GenerateToken(alice)
	require.NoError(t, err)

	other := services.NewJWTService("other-secret", time.Hour, clock)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)

	_, err = svc.ValidateToken(token + "x")
	assert.Error(t, err)

	clock.Advance(time.Hour + time.Second).MustWait(ctx)
	_, err = svc.ValidateToken(token)
	assert.ErrorContains(t, err, "expired")
}
