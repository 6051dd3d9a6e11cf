package services

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"provably-fair-backend/internal/models"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, ev models.RoundEvent)
}

// Subscription is one live feed connection.
type Subscription struct {
	playerID string
	events   chan models.RoundEvent
	hub      *Hub
	once     sync.Once
}

func (s *Subscription) Events() <-chan models.RoundEvent { return s.events }

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans events out to the subscriptions of the event's player. Slow
// subscribers lose events rather than stall the engine.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), logger: logger}
}

const subscriptionBuffer = 64

func (h *Hub) Subscribe(playerID string) *Subscription {
	s := &Subscription{
		playerID: playerID,
		events:   make(chan models.RoundEvent, subscriptionBuffer),
		hub:      h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[playerID] == nil {
		h.subs[playerID] = make(map[*Subscription]struct{})
	}
	h.subs[playerID][s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.playerID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.playerID)
		}
	}
	close(s.events)
}

func (h *Hub) Broadcast(_ context.Context, ev models.RoundEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.PlayerID] {
		select {
		case s.events <- ev:
		default:
			h.logger.Debug("live feed full, dropping event", "player", ev.PlayerID, "type", ev.Type)
		}
	}
}

// RedisBroadcaster publishes through Redis so that every API instance
// delivers the event to its own connected players.
type RedisBroadcaster struct {
	redis  *RedisService
	hub    *Hub
	logger *log.Logger
}

func NewRedisBroadcaster(redis *RedisService, hub *Hub, logger *log.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{redis: redis, hub: hub, logger: logger}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, ev models.RoundEvent) {
	if err := b.redis.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		b.logger.Warn("redis publish failed, delivering locally", "err", err)
		b.hub.Broadcast(ctx, ev)
	}
}

// Run relays events from Redis into the local hub until ctx ends.
func (b *RedisBroadcaster) Run(ctx context.Context, ready chan<- struct{}) error {
	return b.redis.SubscribeEvents(ctx, ready, func(ev models.RoundEvent) {
		b.hub.Broadcast(ctx, ev)
	})
}
