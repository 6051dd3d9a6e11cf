package games

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

const (
	SideLeft  = "left"
	SideRight = "right"
)

var towerLevels = map[string]int{
	"low":    5,
	"medium": 7,
	"high":   10,
}

// TowerGame is a two-door climb: each level has one safe side, drawn
// independently at commit time.
type TowerGame struct{}

func (g *TowerGame) Game() models.GameType { return models.GameTypeTower }
func (g *TowerGame) MultiStep() bool       { return true }

func towerHeight(params json.RawMessage) (int, error) {
	tp, err := decodeParams[models.TowerParams](params)
	if err != nil {
		return 0, err
	}
	if tp.Risk == "" {
		tp.Risk = "low"
	}
	n, ok := towerLevels[tp.Risk]
	if !ok {
		return 0, fmt.Errorf("%w: risk must be low, medium or high", models.ErrInvalidParams)
	}
	return n, nil
}

func (g *TowerGame) ValidateParams(params json.RawMessage, p models.Policy) error {
	_, err := towerHeight(params)
	return err
}

func (g *TowerGame) Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error) {
	n, err := towerHeight(params)
	if err != nil {
		return models.Draw{}, err
	}
	sides := make([]string, n)
	for i := range sides {
		if s.Float() < 0.5 {
			sides[i] = SideLeft
		} else {
			sides[i] = SideRight
		}
	}
	return models.Draw{SafeSides: sides}, nil
}

// TowerMultiplier after climbing levels is target_rtp * 2^levels, truncated
// to 2 decimal places. Cashing out before the first level returns the stake.
func TowerMultiplier(levels int, p models.Policy) decimal.Decimal {
	if levels == 0 {
		return one
	}
	fair := decimal.NewFromInt(int64(1) << uint(levels))
	return capMultiplier(p.TargetRTP.Mul(fair).Truncate(2), p)
}

type towerProgress struct {
	level  int
	fell   bool
	cashed bool
}

func (tp towerProgress) done(height int) bool {
	return tp.fell || tp.cashed || tp.level == height
}

func (g *TowerGame) replay(r *models.Round) (towerProgress, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return towerProgress{}, err
	}
	var tp towerProgress
	for _, a := range r.Actions {
		if tp.done(len(draw.SafeSides)) {
			break
		}
		switch a.Type {
		case models.ActionPick:
			if draw.SafeSides[tp.level] != a.Side {
				tp.fell = true
				continue
			}
			tp.level++
		case models.ActionCashout:
			tp.cashed = true
		}
	}
	return tp, nil
}

func (g *TowerGame) Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error) {
	tp, err := g.replay(r)
	if err != nil {
		return models.StepResult{}, err
	}
	height := len(r.Draw.SafeSides)
	if tp.done(height) {
		return models.StepResult{}, fmt.Errorf("%w: tower round already finished", models.ErrInvalidState)
	}
	res := models.StepResult{RoundID: r.ID, Action: action.Type, Level: tp.level}
	switch action.Type {
	case models.ActionPick:
		if action.Side != SideLeft && action.Side != SideRight {
			return models.StepResult{}, fmt.Errorf("%w: side must be left or right", models.ErrInvalidParams)
		}
		if r.Draw.SafeSides[tp.level] != action.Side {
			res.Finished = true
			res.Multiplier = decimal.Zero
			return res, nil
		}
		res.Safe = true
		res.Level = tp.level + 1
		res.Multiplier = TowerMultiplier(res.Level, p)
		res.Finished = res.Level == height
		return res, nil
	case models.ActionCashout:
		res.Safe = true
		res.Finished = true
		res.Multiplier = TowerMultiplier(tp.level, p)
		return res, nil
	default:
		return models.StepResult{}, fmt.Errorf("%w: tower accepts pick or cashout, got %q", models.ErrInvalidParams, action.Type)
	}
}

func (g *TowerGame) Finished(r *models.Round, p models.Policy) bool {
	tp, err := g.replay(r)
	if err != nil {
		return false
	}
	return tp.done(len(r.Draw.SafeSides))
}

func (g *TowerGame) Resolve(r *models.Round, p models.Policy) (models.Outcome, error) {
	tp, err := g.replay(r)
	if err != nil {
		return models.Outcome{}, err
	}
	if tp.fell {
		out := lost(*r.Draw, fmt.Sprintf("fell at level %d", tp.level+1))
		out.Levels = tp.level
		return out, nil
	}
	return models.Outcome{
		Draw:       *r.Draw,
		Win:        true,
		Multiplier: TowerMultiplier(tp.level, p),
		Result:     fmt.Sprintf("climbed %d of %d levels", tp.level, len(r.Draw.SafeSides)),
		Levels:     tp.level,
	}, nil
}
