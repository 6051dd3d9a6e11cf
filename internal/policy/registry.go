// Package policy publishes versioned per-game policies. A round is bound to
// the version that was current when it opened and is resolved, settled and
// verified with that version forever.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/store"
)

type fileEntry struct {
	Enabled        *bool  `yaml:"enabled"`
	MinBet         int64  `yaml:"min_bet"`
	MaxBet         int64  `yaml:"max_bet"`
	TargetRTP      string `yaml:"target_rtp"`
	MaxMultiplier  string `yaml:"max_multiplier"`
	StepMultiplier string `yaml:"step_multiplier"`
}

type file struct {
	Games map[models.GameType]fileEntry `yaml:"games"`
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Parse reads a policy bootstrap document.
func Parse(data []byte) ([]models.Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode policies: %w", err)
	}

	var out []models.Policy
	for _, game := range models.AllGameTypes {
		e, ok := f.Games[game]
		if !ok {
			continue
		}
		p := models.Policy{
			Game:    game,
			Version: 1,
			Enabled: e.Enabled == nil || *e.Enabled,
			MinBet:  e.MinBet,
			MaxBet:  e.MaxBet,
		}
		var err error
		if p.TargetRTP, err = parseDecimal("target_rtp", e.TargetRTP); err != nil {
			return nil, fmt.Errorf("%s: %w", game, err)
		}
		if p.MaxMultiplier, err = parseDecimal("max_multiplier", e.MaxMultiplier); err != nil {
			return nil, fmt.Errorf("%s: %w", game, err)
		}
		if p.StepMultiplier, err = parseDecimal("step_multiplier", e.StepMultiplier); err != nil {
			return nil, fmt.Errorf("%s: %w", game, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", game, err)
		}
		out = append(out, p)
	}
	for game := range f.Games {
		if !game.Valid() {
			return nil, fmt.Errorf("unknown game type in policy file: %s", game)
		}
	}
	return out, nil
}

func LoadFile(path string) ([]models.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Defaults are used when no policy file is configured.
func Defaults() []models.Policy {
	def := func(game models.GameType, rtp, maxMult string) models.Policy {
		return models.Policy{
			Game:          game,
			Version:       1,
			Enabled:       true,
			MinBet:        10,
			MaxBet:        100000,
			TargetRTP:     decimal.RequireFromString(rtp),
			MaxMultiplier: decimal.RequireFromString(maxMult),
		}
	}
	mines := def(models.GameTypeMines, "0.97", "25")
	mines.StepMultiplier = decimal.RequireFromString("0.1")
	return []models.Policy{
		def(models.GameTypeRoulette, "0.973", "36"),
		def(models.GameTypeDice, "0.99", "99"),
		mines,
		def(models.GameTypeCrash, "0.97", "1000"),
		def(models.GameTypeTower, "0.97", "1000"),
		def(models.GameTypeBlackjack, "0.995", "2.5"),
	}
}

type Registry struct {
	store  store.Store
	logger *log.Logger
	clock  quartz.Clock
}

func NewRegistry(s store.Store, logger *log.Logger, clock quartz.Clock) *Registry {
	return &Registry{store: s, logger: logger, clock: clock}
}

// Bootstrap publishes version 1 for every game that has no policy yet.
// Games that already have a history are left alone.
func (r *Registry) Bootstrap(ctx context.Context, defs []models.Policy) error {
	return r.store.Tx(ctx, func(tx store.Tx) error {
		for _, p := range defs {
			if _, err := tx.LatestPolicy(p.Game); err == nil {
				continue
			}
			p.Version = 1
			p.UpdatedAt = r.clock.Now().UTC()
			if err := tx.PutPolicy(p); err != nil {
				return err
			}
			r.logger.Info("policy bootstrapped", "game", p.Game, "rtp", p.TargetRTP, "min_bet", p.MinBet, "max_bet", p.MaxBet)
		}
		return nil
	})
}

func (r *Registry) Current(ctx context.Context, game models.GameType) (models.Policy, error) {
	var p models.Policy
	err := r.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.LatestPolicy(game)
		return err
	})
	return p, err
}

func (r *Registry) Version(ctx context.Context, game models.GameType, version int) (models.Policy, error) {
	var p models.Policy
	err := r.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.Policy(game, version)
		return err
	})
	return p, err
}

// All returns the current version of every configured game.
func (r *Registry) All(ctx context.Context) ([]models.Policy, error) {
	var out []models.Policy
	err := r.store.Tx(ctx, func(tx store.Tx) error {
		for _, game := range models.AllGameTypes {
			p, err := tx.LatestPolicy(game)
			if err != nil {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Publish applies an update on top of the current version and stores the
// result as the next version.
func (r *Registry) Publish(ctx context.Context, game models.GameType, u models.PolicyUpdate) (models.Policy, error) {
	var next models.Policy
	err := r.store.Tx(ctx, func(tx store.Tx) error {
		cur, err := tx.LatestPolicy(game)
		if err != nil {
			return err
		}
		next = u.Apply(cur)
		next.Version = cur.Version + 1
		next.UpdatedAt = r.clock.Now().UTC()
		if err := next.Validate(); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidParams, err)
		}
		return tx.PutPolicy(next)
	})
	if err != nil {
		return models.Policy{}, err
	}
	r.logger.Info("policy published", "game", game, "version", next.Version, "rtp", next.TargetRTP, "enabled", next.Enabled)
	return next, nil
}
