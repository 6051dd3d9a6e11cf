package policy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/store"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func TestParse(t *testing.T) {
	doc := []byte(`
games:
  dice:
    min_bet: 5
    max_bet: 500
    target_rtp: "0.98"
  mines:
    enabled: false
    min_bet: 10
    max_bet: 1000
    target_rtp: "0.97"
    step_multiplier: "0.15"
`)
	ps, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, ps, 2)

	assert.Equal(t, models.GameTypeDice, ps[0].Game)
	assert.True(t, ps[0].Enabled)
	assert.Equal(t, int64(5), ps[0].MinBet)
	assert.True(t, ps[0].TargetRTP.Equal(decimal.RequireFromString("0.98")))

	assert.Equal(t, models.GameTypeMines, ps[1].Game)
	assert.False(t, ps[1].Enabled)
	assert.True(t, ps[1].StepMultiplier.Equal(decimal.RequireFromString("0.15")))
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": "games:\n  dice:\n    min_bet: 1\n    max_bet: 2\n    target_rtp: \"0.9\"\n    edge: 3\n",
		"unknown game":  "games:\n  keno:\n    min_bet: 1\n    max_bet: 2\n    target_rtp: \"0.9\"\n",
		"bad rtp":       "games:\n  dice:\n    min_bet: 1\n    max_bet: 2\n    target_rtp: \"1.5\"\n",
		"bad decimal":   "games:\n  dice:\n    min_bet: 1\n    max_bet: 2\n    target_rtp: \"abc\"\n",
		"max below min": "games:\n  dice:\n    min_bet: 10\n    max_bet: 2\n    target_rtp: \"0.9\"\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadShippedFile(t *testing.T) {
	ps, err := LoadFile("../../config/policies.yaml")
	require.NoError(t, err)
	assert.Len(t, ps, len(models.AllGameTypes))
}

func TestDefaultsValid(t *testing.T) {
	for _, p := range Defaults() {
		assert.NoError(t, p.Validate(), p.Game)
	}
}

func TestRegistryPublish(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	reg := NewRegistry(store.NewMemoryStore(), quietLogger(), clock)

	require.NoError(t, reg.Bootstrap(ctx, Defaults()))
	all, err := reg.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(models.AllGameTypes))

	cur, err := reg.Current(ctx, models.GameTypeCrash)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)

	clock.Advance(time.Minute).MustWait(ctx)
	rtp := decimal.RequireFromString("0.95")
	next, err := reg.Publish(ctx, models.GameTypeCrash, models.PolicyUpdate{TargetRTP: &rtp})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.True(t, next.TargetRTP.Equal(rtp))
	assert.Equal(t, cur.MaxBet, next.MaxBet)
	assert.True(t, next.UpdatedAt.After(cur.UpdatedAt))

	old, err := reg.Version(ctx, models.GameTypeCrash, 1)
	require.NoError(t, err)
	assert.True(t, old.TargetRTP.Equal(cur.TargetRTP))

	// Bootstrapping again must not reset a published history.
	require.NoError(t, reg.Bootstrap(ctx, Defaults()))
	cur, err = reg.Current(ctx, models.GameTypeCrash)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
}

func TestRegistryPublishInvalid(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(store.NewMemoryStore(), quietLogger(), quartz.NewMock(t))
	require.NoError(t, reg.Bootstrap(ctx, Defaults()))

	zero := decimal.Zero
	_, err := reg.Publish(ctx, models.GameTypeDice, models.PolicyUpdate{TargetRTP: &zero})
	assert.ErrorIs(t, err, models.ErrInvalidParams)

	cur, err := reg.Current(ctx, models.GameTypeDice)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)

	_, err = reg.Publish(ctx, "keno", models.PolicyUpdate{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
