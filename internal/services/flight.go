package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/games"
	"provably-fair-backend/internal/models"
)

var errCrashed = errors.New("flight crashed")

// FlightStreamer pushes the rising crash multiplier to the player while a
// crash round is in the air. The ticks are display only; the outcome comes
// from the stored crash point and the server time of the cashout action.
type FlightStreamer struct {
	events   Broadcaster
	clock    quartz.Clock
	logger   *log.Logger
	interval time.Duration
	onCrash  func(ctx context.Context, r *models.Round)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	flights map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewFlightStreamer(events Broadcaster, clock quartz.Clock, logger *log.Logger, interval time.Duration, onCrash func(ctx context.Context, r *models.Round)) *FlightStreamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &FlightStreamer{
		events:   events,
		clock:    clock,
		logger:   logger,
		interval: interval,
		onCrash:  onCrash,
		ctx:      ctx,
		cancel:   cancel,
		flights:  make(map[string]context.CancelFunc),
	}
}

// Launch starts streaming an active crash round. Launching a round that is
// already flying is a no-op.
func (f *FlightStreamer) Launch(r *models.Round) {
	if r.Draw == nil || r.Draw.CrashPoint == nil || r.ActivatedAt == nil {
		return
	}
	f.mu.Lock()
	if _, ok := f.flights[r.ID]; ok || f.ctx.Err() != nil {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(f.ctx)
	f.flights[r.ID] = cancel
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		crashed := f.fly(ctx, r)
		f.Land(r.ID)
		if crashed && f.onCrash != nil {
			f.onCrash(f.ctx, r)
		}
	}()
}

// Land stops the stream of a round.
func (f *FlightStreamer) Land(roundID string) {
	f.mu.Lock()
	cancel, ok := f.flights[roundID]
	delete(f.flights, roundID)
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

// Flying reports whether a round is currently streamed.
func (f *FlightStreamer) Flying(roundID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flights[roundID]
	return ok
}

func (f *FlightStreamer) Close() {
	f.cancel()
	f.wg.Wait()
}

func (f *FlightStreamer) fly(ctx context.Context, r *models.Round) bool {
	point := *r.Draw.CrashPoint
	start := *r.ActivatedAt
	w := f.clock.TickerFunc(ctx, f.interval, func() error {
		m := games.FlightMultiplier(f.clock.Now().Sub(start))
		if games.Crashed(m, point) {
			f.publish(ctx, models.EventFlightCrashed, r, point)
			return errCrashed
		}
		f.publish(ctx, models.EventFlightTick, r, m)
		return nil
	}, "flight")
	err := w.Wait()
	if err != nil && !errors.Is(err, errCrashed) && !errors.Is(err, context.Canceled) {
		f.logger.Warn("flight stream stopped", "round", r.ID, "err", err)
	}
	return errors.Is(err, errCrashed)
}

func (f *FlightStreamer) publish(ctx context.Context, t models.EventType, r *models.Round, hundredths int64) {
	m := decimal.New(hundredths, -2)
	f.events.Broadcast(ctx, models.RoundEvent{
		Type:       t,
		PlayerID:   r.PlayerID,
		RoundID:    r.ID,
		GameType:   r.GameType,
		State:      models.StateActive,
		Multiplier: &m,
		At:         f.clock.Now().UTC(),
	})
}
