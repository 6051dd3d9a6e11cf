package games

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

// Crash points and cashouts are in hundredths: 100 is 1.00x.
const (
	crashMinCashout = 101
	crashGrowthRate = 0.00006 // per millisecond of flight
)

// CrashGame fixes the crash point at commit time. The house edge lives in
// the distribution: P(crash >= m) = target_rtp / m for every m >= 1.01.
type CrashGame struct{}

func (g *CrashGame) Game() models.GameType { return models.GameTypeCrash }
func (g *CrashGame) MultiStep() bool       { return true }

func (g *CrashGame) ValidateParams(params json.RawMessage, p models.Policy) error {
	cp, err := decodeParams[models.CrashParams](params)
	if err != nil {
		return err
	}
	if cp.AutoCashout != 0 && cp.AutoCashout < crashMinCashout {
		return fmt.Errorf("%w: auto_cashout must be at least %d", models.ErrInvalidParams, crashMinCashout)
	}
	return nil
}

// CrashPoint maps a uniform float to a crash point in hundredths by the
// inverse CDF floor(100 * rtp / (1 - f)).
func CrashPoint(f float64, p models.Policy) int64 {
	rtp, _ := p.TargetRTP.Float64()
	point := int64(math.Floor(100 * rtp / (1 - f)))
	if point < 100 {
		point = 100
	}
	if p.MaxMultiplier.IsPositive() {
		ceiling := p.MaxMultiplier.Mul(decimal.NewFromInt(100)).IntPart()
		if point > ceiling {
			point = ceiling
		}
	}
	return point
}

// FlightMultiplier is the displayed multiplier after elapsed flight time,
// in hundredths.
func FlightMultiplier(elapsed time.Duration) int64 {
	if elapsed < 0 {
		return 100
	}
	return int64(math.Floor(100 * math.Exp(crashGrowthRate*float64(elapsed.Milliseconds()))))
}

func (g *CrashGame) Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error) {
	point := CrashPoint(s.Float(), p)
	return models.Draw{CrashPoint: &point}, nil
}

// Crashed reports whether multiplier m is past the crash point. A cashout at
// exactly the crash point still wins.
func Crashed(m, point int64) bool {
	return m > point
}

func hundredths(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// manualCashout returns the multiplier of the first cashout action.
func (g *CrashGame) manualCashout(r *models.Round) (int64, bool) {
	if r.ActivatedAt == nil {
		return 0, false
	}
	for _, a := range r.Actions {
		if a.Type == models.ActionCashout {
			return FlightMultiplier(a.At.Sub(*r.ActivatedAt)), true
		}
	}
	return 0, false
}

func (g *CrashGame) Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return models.StepResult{}, err
	}
	if g.Finished(r, p) {
		return models.StepResult{}, fmt.Errorf("%w: crash round already cashed out", models.ErrInvalidState)
	}
	res := models.StepResult{RoundID: r.ID, Action: action.Type}
	switch action.Type {
	case models.ActionStart:
		res.Safe = true
		res.Multiplier = one
		return res, nil
	case models.ActionCashout:
		if r.ActivatedAt == nil {
			return models.StepResult{}, fmt.Errorf("%w: flight has not started", models.ErrInvalidState)
		}
		m := FlightMultiplier(action.At.Sub(*r.ActivatedAt))
		if m < crashMinCashout {
			return models.StepResult{}, fmt.Errorf("%w: cashout below %s", models.ErrInvalidParams, hundredths(crashMinCashout))
		}
		res.Finished = true
		if Crashed(m, *draw.CrashPoint) {
			res.Multiplier = decimal.Zero
			return res, nil
		}
		res.Safe = true
		res.Multiplier = hundredths(m)
		return res, nil
	default:
		return models.StepResult{}, fmt.Errorf("%w: crash accepts start or cashout, got %q", models.ErrInvalidParams, action.Type)
	}
}

func (g *CrashGame) Finished(r *models.Round, p models.Policy) bool {
	_, ok := g.manualCashout(r)
	return ok
}

// Resolve settles on the earlier of the manual and automatic cashout. A
// round without either rode the flight into the crash.
func (g *CrashGame) Resolve(r *models.Round, p models.Policy) (models.Outcome, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return models.Outcome{}, err
	}
	cp, err := decodeParams[models.CrashParams](r.Params)
	if err != nil {
		return models.Outcome{}, err
	}
	cashout := cp.AutoCashout
	if m, ok := g.manualCashout(r); ok && (cashout == 0 || m < cashout) {
		cashout = m
	}
	result := fmt.Sprintf("crashed at %sx", hundredths(*draw.CrashPoint).StringFixed(2))
	if cashout == 0 || Crashed(cashout, *draw.CrashPoint) {
		return lost(*draw, result), nil
	}
	at := cashout
	return models.Outcome{
		Draw:       *draw,
		Win:        true,
		Multiplier: hundredths(cashout),
		Result:     result,
		CashoutAt:  &at,
	}, nil
}
