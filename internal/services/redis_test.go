package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/services"
)

func setupTestRedis(t *testing.T) (*services.RedisService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := services.NewRedisServiceFromClient(client, quietLogger())
	t.Cleanup(func() { svc.Close() })
	return svc, mr
}

func TestRedisRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, mr := setupTestRedis(t)

	for i := 0; i < 2; i++ {
		allowed, err := svc.CheckRateLimit(ctx, "alice", "bet", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d", i+1)
	}
	allowed, err := svc.CheckRateLimit(ctx, "alice", "bet", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = svc.CheckRateLimit(ctx, "bob", "bet", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per subject")

	mr.FastForward(time.Minute + time.Second)
	allowed, err = svc.CheckRateLimit(ctx, "alice", "bet", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLock(t *testing.T) {
	ctx := context.Background()
	svc, mr := setupTestRedis(t)

	unlock, err := svc.Lock(ctx, "player:alice")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:player:alice"))

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = svc.Lock(waitCtx, "player:alice")
	assert.ErrorIs(t, err, models.ErrTransient)

	other, err := svc.Lock(ctx, "player:bob")
	require.NoError(t, err)
	other()

	unlock()
	assert.False(t, mr.Exists("lock:player:alice"))

	again, err := svc.Lock(ctx, "player:alice")
	require.NoError(t, err)
	again()
}

func TestRedisLockReleaseKeepsForeignToken(t *testing.T) {
	ctx := context.Background()
	svc, mr := setupTestRedis(t)

	unlock, err := svc.Lock(ctx, "player:alice")
	require.NoError(t, err)

	// The lock expired and someone else took it.
	require.NoError(t, mr.Set("lock:player:alice", "someone-else"))
	unlock()

	got, err := mr.Get("lock:player:alice")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisBroadcasterRelaysToHub(t *testing.T) {
	svc, _ := setupTestRedis(t)
	hub := services.NewHub(quietLogger())
	b := services.NewRedisBroadcaster(svc, hub, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never confirmed")
	}

	sub := hub.Subscribe("alice")
	defer sub.Close()

	balance := int64(900)
	b.Broadcast(ctx, models.RoundEvent{Type: models.EventBalanceUpdate, PlayerID: "alice", Balance: &balance})
	b.Broadcast(ctx, models.RoundEvent{Type: models.EventBalanceUpdate, PlayerID: "bob", Balance: &balance})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.EventBalanceUpdate, ev.Type)
		require.NotNil(t, ev.Balance)
		assert.Equal(t, int64(900), *ev.Balance)
	case <-time.After(2 * time.Second):
		t.Fatal("event not relayed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
