package games

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

const (
	MinesGridSize     = 25
	MinesMinCount     = 3
	minesDefaultCount = 3
)

var minesDefaultStep = decimal.RequireFromString("0.1")

// MinesGame places mines on a 5x5 grid at commit time. Each safe reveal adds
// the policy step to the multiplier.
type MinesGame struct{}

func (g *MinesGame) Game() models.GameType { return models.GameTypeMines }
func (g *MinesGame) MultiStep() bool       { return true }

func minesCount(params json.RawMessage) (int, error) {
	mp, err := decodeParams[models.MinesParams](params)
	if err != nil {
		return 0, err
	}
	if mp.Mines == 0 {
		return minesDefaultCount, nil
	}
	return mp.Mines, nil
}

func (g *MinesGame) ValidateParams(params json.RawMessage, p models.Policy) error {
	n, err := minesCount(params)
	if err != nil {
		return err
	}
	if n < MinesMinCount || n >= MinesGridSize {
		return fmt.Errorf("%w: mines must be within %d-%d", models.ErrInvalidParams, MinesMinCount, MinesGridSize-1)
	}
	return nil
}

// Draw places mines without replacement: each float picks one cell from the
// cells still free.
func (g *MinesGame) Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error) {
	n, err := minesCount(params)
	if err != nil {
		return models.Draw{}, err
	}
	pool := make([]int, MinesGridSize)
	for i := range pool {
		pool[i] = i
	}
	mines := make([]int, 0, n)
	for i := 0; i < n; i++ {
		idx := s.Intn(len(pool))
		mines = append(mines, pool[idx])
		pool = slices.Delete(pool, idx, idx+1)
	}
	return models.Draw{Mines: mines}, nil
}

type minesProgress struct {
	revealed []int
	hitMine  bool
	cashed   bool
}

func (mp minesProgress) done(mineCount int) bool {
	return mp.hitMine || mp.cashed || len(mp.revealed) == MinesGridSize-mineCount
}

func (g *MinesGame) replay(r *models.Round) (minesProgress, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return minesProgress{}, err
	}
	var mp minesProgress
	for _, a := range r.Actions {
		switch a.Type {
		case models.ActionReveal:
			if a.Cell == nil {
				continue
			}
			if slices.Contains(draw.Mines, *a.Cell) {
				mp.hitMine = true
				mp.revealed = append(mp.revealed, *a.Cell)
				return mp, nil
			}
			mp.revealed = append(mp.revealed, *a.Cell)
		case models.ActionCashout:
			mp.cashed = true
			return mp, nil
		}
	}
	return mp, nil
}

// MinesMultiplier is 1 + safe*step, never above target_rtp times the fair
// odds of surviving safe reveals among mines. Cashing out before any reveal
// returns the stake.
func MinesMultiplier(safe, mines int, p models.Policy) decimal.Decimal {
	step := p.StepMultiplier
	if !step.IsPositive() {
		step = minesDefaultStep
	}
	m := one.Add(step.Mul(decimal.NewFromInt(int64(safe))))
	if safe > 0 && safe <= MinesGridSize-mines {
		m = decimal.Min(m, minesFairCap(safe, mines, p))
	}
	return capMultiplier(m, p)
}

// minesFairCap is target_rtp * C(25,safe)/C(25-mines,safe), floored to 4 dp.
func minesFairCap(safe, mines int, p models.Policy) decimal.Decimal {
	num, den := p.TargetRTP, one
	for i := 0; i < safe; i++ {
		num = num.Mul(decimal.NewFromInt(int64(MinesGridSize - i)))
		den = den.Mul(decimal.NewFromInt(int64(MinesGridSize - mines - i)))
	}
	q, _ := num.QuoRem(den, 4)
	return q
}

func (g *MinesGame) Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error) {
	mp, err := g.replay(r)
	if err != nil {
		return models.StepResult{}, err
	}
	if mp.done(len(r.Draw.Mines)) {
		return models.StepResult{}, fmt.Errorf("%w: mines round already finished", models.ErrInvalidState)
	}
	res := models.StepResult{RoundID: r.ID, Action: action.Type}
	switch action.Type {
	case models.ActionReveal:
		if action.Cell == nil || *action.Cell < 0 || *action.Cell >= MinesGridSize {
			return models.StepResult{}, fmt.Errorf("%w: cell must be within 0-%d", models.ErrInvalidParams, MinesGridSize-1)
		}
		if slices.Contains(mp.revealed, *action.Cell) {
			return models.StepResult{}, fmt.Errorf("%w: cell %d already revealed", models.ErrInvalidParams, *action.Cell)
		}
		revealed := append(slices.Clone(mp.revealed), *action.Cell)
		res.Revealed = revealed
		if slices.Contains(r.Draw.Mines, *action.Cell) {
			res.Finished = true
			res.Multiplier = decimal.Zero
			return res, nil
		}
		res.Safe = true
		res.Multiplier = MinesMultiplier(len(revealed), len(r.Draw.Mines), p)
		res.Finished = len(revealed) == MinesGridSize-len(r.Draw.Mines)
		return res, nil
	case models.ActionCashout:
		res.Safe = true
		res.Finished = true
		res.Revealed = mp.revealed
		res.Multiplier = MinesMultiplier(len(mp.revealed), len(r.Draw.Mines), p)
		return res, nil
	default:
		return models.StepResult{}, fmt.Errorf("%w: mines accepts reveal or cashout, got %q", models.ErrInvalidParams, action.Type)
	}
}

func (g *MinesGame) Finished(r *models.Round, p models.Policy) bool {
	mp, err := g.replay(r)
	if err != nil {
		return false
	}
	return mp.done(len(r.Draw.Mines))
}

// Resolve pays the current progress when the round is still open, which is
// the same as cashing out.
func (g *MinesGame) Resolve(r *models.Round, p models.Policy) (models.Outcome, error) {
	mp, err := g.replay(r)
	if err != nil {
		return models.Outcome{}, err
	}
	if mp.hitMine {
		out := lost(*r.Draw, fmt.Sprintf("mine at cell %d", mp.revealed[len(mp.revealed)-1]))
		out.Revealed = mp.revealed
		return out, nil
	}
	return models.Outcome{
		Draw:       *r.Draw,
		Win:        true,
		Multiplier: MinesMultiplier(len(mp.revealed), len(r.Draw.Mines), p),
		Result:     fmt.Sprintf("%d safe reveals", len(mp.revealed)),
		Revealed:   mp.revealed,
	}, nil
}
