package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy is one version of the admin-controlled contract for a game type.
// Rounds keep the version they were opened under.
type Policy struct {
	Game           GameType        `json:"game"`
	Version        int             `json:"version"`
	Enabled        bool            `json:"enabled"`
	MinBet         int64           `json:"min_bet"`
	MaxBet         int64           `json:"max_bet"`
	TargetRTP      decimal.Decimal `json:"target_rtp"`
	MaxMultiplier  decimal.Decimal `json:"max_multiplier"`
	StepMultiplier decimal.Decimal `json:"step_multiplier"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p Policy) Validate() error {
	if !p.Game.Valid() {
		return fmt.Errorf("unknown game type: %s", p.Game)
	}
	if p.MinBet < 1 {
		return fmt.Errorf("min_bet must be at least 1 minor unit")
	}
	if p.MaxBet < p.MinBet {
		return fmt.Errorf("max_bet %d below min_bet %d", p.MaxBet, p.MinBet)
	}
	if p.TargetRTP.LessThanOrEqual(decimal.Zero) || p.TargetRTP.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("target_rtp must be in (0, 1], got %s", p.TargetRTP)
	}
	if p.MaxMultiplier.IsPositive() && p.MaxMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_multiplier must be at least 1, got %s", p.MaxMultiplier)
	}
	if p.StepMultiplier.IsNegative() {
		return fmt.Errorf("step_multiplier must not be negative")
	}
	return nil
}

// CheckStake enforces the inclusive [MinBet, MaxBet] range.
func (p Policy) CheckStake(stake int64) error {
	if stake < p.MinBet || stake > p.MaxBet {
		return fmt.Errorf("%w: %d outside [%d, %d] for %s", ErrInvalidStake, stake, p.MinBet, p.MaxBet, p.Game)
	}
	return nil
}

// PolicyUpdate is a partial change published by an admin. Nil fields keep
// the current value.
type PolicyUpdate struct {
	Enabled        *bool            `json:"enabled,omitempty"`
	MinBet         *int64           `json:"min_bet,omitempty"`
	MaxBet         *int64           `json:"max_bet,omitempty"`
	TargetRTP      *decimal.Decimal `json:"target_rtp,omitempty"`
	MaxMultiplier  *decimal.Decimal `json:"max_multiplier,omitempty"`
	StepMultiplier *decimal.Decimal `json:"step_multiplier,omitempty"`
}

func (u PolicyUpdate) Apply(p Policy) Policy {
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.MinBet != nil {
		p.MinBet = *u.MinBet
	}
	if u.MaxBet != nil {
		p.MaxBet = *u.MaxBet
	}
	if u.TargetRTP != nil {
		p.TargetRTP = *u.TargetRTP
	}
	if u.MaxMultiplier != nil {
		p.MaxMultiplier = *u.MaxMultiplier
	}
	if u.StepMultiplier != nil {
		p.StepMultiplier = *u.StepMultiplier
	}
	return p
}
