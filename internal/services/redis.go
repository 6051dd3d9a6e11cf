package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"provably-fair-backend/internal/config"
	"provably-fair-backend/internal/models"
)

// RedisService backs the pieces that must be shared between API instances:
// player locks, rate limits and the round event channel.
type RedisService struct {
	client *redis.Client
	logger *log.Logger
}

func NewRedisService(cfg *config.Config, logger *log.Logger) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisServiceFromClient(client, logger), nil
}

func NewRedisServiceFromClient(client *redis.Client, logger *log.Logger) *RedisService {
	return &RedisService{client: client, logger: logger}
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

func (s *RedisService) CheckRateLimit(ctx context.Context, subject, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, subject, action)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	if count == 1 {
		s.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

var errLockHeld = errors.New("lock held")

// Only the holder's token may delete the key, so a lock that expired and was
// taken by someone else is never released by the previous holder.
var releaseLockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Lock implements Locker across instances with SET NX PX and a token.
func (s *RedisService) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := fmt.Sprintf(KeyPlayerLock, key)
	token := uuid.NewString()

	backoff := retry.WithMaxDuration(TTLLockWait, retry.NewConstant(LockRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := s.client.SetNX(ctx, lockKey, token, TTLPlayerLock).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", models.ErrTransient, key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseLockScript.Run(ctx, s.client, []string{lockKey}, token).Err(); err != nil {
			s.logger.Warn("failed to release lock", "key", lockKey, "err", err)
		}
	}, nil
}

func (s *RedisService) PublishEvent(ctx context.Context, ev models.RoundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.client.Publish(ctx, ChannelRoundEvents, data).Err()
}

// SubscribeEvents delivers events published by any instance until ctx ends.
// ready is closed once the subscription is confirmed.
func (s *RedisService) SubscribeEvents(ctx context.Context, ready chan<- struct{}, handle func(models.RoundEvent)) error {
	pubsub := s.client.Subscribe(ctx, ChannelRoundEvents)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.RoundEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed event", "err", err)
				continue
			}
			handle(ev)
		}
	}
}
