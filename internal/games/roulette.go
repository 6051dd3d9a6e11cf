package games

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

const rouletteSlots = 37

var redNumbers = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true,
	14: true, 16: true, 18: true, 19: true, 21: true, 23: true,
	25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

// SlotColor follows the European wheel.
func SlotColor(slot int) string {
	switch {
	case slot == 0:
		return "green"
	case redNumbers[slot]:
		return "red"
	default:
		return "black"
	}
}

// RouletteGame is single-zero roulette. The payout table is fixed, so the
// return to player is 36/37 regardless of policy.
type RouletteGame struct{}

func (g *RouletteGame) Game() models.GameType { return models.GameTypeRoulette }
func (g *RouletteGame) MultiStep() bool       { return false }

func (g *RouletteGame) ValidateParams(params json.RawMessage, p models.Policy) error {
	bet, err := decodeParams[models.RouletteParams](params)
	if err != nil {
		return err
	}
	switch bet.Bet {
	case "number":
		if bet.Number == nil || *bet.Number < 0 || *bet.Number > 36 {
			return fmt.Errorf("%w: number bet needs a number in 0-36", models.ErrInvalidParams)
		}
	case "dozen":
		if bet.Dozen < 1 || bet.Dozen > 3 {
			return fmt.Errorf("%w: dozen must be 1, 2 or 3", models.ErrInvalidParams)
		}
	case "red", "black", "even", "odd", "low", "high":
	default:
		return fmt.Errorf("%w: unknown roulette bet %q", models.ErrInvalidParams, bet.Bet)
	}
	return nil
}

func (g *RouletteGame) Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error) {
	slot := s.Intn(rouletteSlots)
	return models.Draw{Slot: &slot, Color: SlotColor(slot)}, nil
}

func (g *RouletteGame) Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error) {
	return models.StepResult{}, fmt.Errorf("%w: roulette takes no actions", models.ErrInvalidState)
}

func (g *RouletteGame) Finished(r *models.Round, p models.Policy) bool { return r.Draw != nil }

func (g *RouletteGame) Resolve(r *models.Round, p models.Policy) (models.Outcome, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return models.Outcome{}, err
	}
	bet, err := decodeParams[models.RouletteParams](r.Params)
	if err != nil {
		return models.Outcome{}, err
	}
	slot := *draw.Slot
	mult := decimal.Zero
	switch bet.Bet {
	case "number":
		if bet.Number != nil && *bet.Number == slot {
			mult = decimal.NewFromInt(36)
		}
	case "red", "black":
		if draw.Color == bet.Bet {
			mult = decimal.NewFromInt(2)
		}
	case "even":
		if slot != 0 && slot%2 == 0 {
			mult = decimal.NewFromInt(2)
		}
	case "odd":
		if slot%2 == 1 {
			mult = decimal.NewFromInt(2)
		}
	case "low":
		if slot >= 1 && slot <= 18 {
			mult = decimal.NewFromInt(2)
		}
	case "high":
		if slot >= 19 {
			mult = decimal.NewFromInt(2)
		}
	case "dozen":
		if slot != 0 && (slot-1)/12+1 == bet.Dozen {
			mult = decimal.NewFromInt(3)
		}
	}
	out := models.Outcome{
		Draw:       *draw,
		Win:        mult.IsPositive(),
		Multiplier: mult,
		Result:     fmt.Sprintf("%d %s", slot, draw.Color),
	}
	return out, nil
}
