package games

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

// Rolls are in hundredths: 0 is 0.00 and 10000 is 100.00.
const (
	diceMaxRoll   = 10000
	diceMinChance = 100  // 1.00%
	diceMaxChance = 9800 // 98.00%
)

// DiceGame is a roll-over/roll-under game whose multiplier is priced from
// the policy's target RTP.
type DiceGame struct{}

func (g *DiceGame) Game() models.GameType { return models.GameTypeDice }
func (g *DiceGame) MultiStep() bool       { return false }

func (g *DiceGame) ValidateParams(params json.RawMessage, p models.Policy) error {
	bet, err := decodeParams[models.DiceParams](params)
	if err != nil {
		return err
	}
	if bet.Target <= 0 || bet.Target >= diceMaxRoll {
		return fmt.Errorf("%w: target must be within 1-9999 hundredths", models.ErrInvalidParams)
	}
	chance := diceChance(bet)
	if chance < diceMinChance || chance > diceMaxChance {
		return fmt.Errorf("%w: win chance %s%% outside 1%%-98%%", models.ErrInvalidParams, decimal.New(int64(chance), -2))
	}
	return nil
}

// diceChance is the win probability in hundredths of a percent.
func diceChance(bet models.DiceParams) int {
	if bet.Over {
		return diceMaxRoll - bet.Target
	}
	return bet.Target
}

// DiceMultiplier is target_rtp / chance, truncated to 4 decimal places.
func DiceMultiplier(bet models.DiceParams, p models.Policy) decimal.Decimal {
	chance := decimal.New(int64(diceChance(bet)), -4)
	return capMultiplier(p.TargetRTP.DivRound(chance, 8).Truncate(4), p)
}

func (g *DiceGame) Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error) {
	roll := s.Intn(diceMaxRoll + 1)
	return models.Draw{Roll: &roll}, nil
}

func (g *DiceGame) Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error) {
	return models.StepResult{}, fmt.Errorf("%w: dice takes no actions", models.ErrInvalidState)
}

func (g *DiceGame) Finished(r *models.Round, p models.Policy) bool { return r.Draw != nil }

func (g *DiceGame) Resolve(r *models.Round, p models.Policy) (models.Outcome, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return models.Outcome{}, err
	}
	bet, err := decodeParams[models.DiceParams](r.Params)
	if err != nil {
		return models.Outcome{}, err
	}
	roll := *draw.Roll
	win := roll < bet.Target
	if bet.Over {
		win = roll > bet.Target
	}
	result := fmt.Sprintf("roll %s", decimal.New(int64(roll), -2).StringFixed(2))
	if !win {
		return lost(*draw, result), nil
	}
	return models.Outcome{
		Draw:       *draw,
		Win:        true,
		Multiplier: DiceMultiplier(bet, p),
		Result:     result,
	}, nil
}
