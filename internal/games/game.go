// Package games holds one adapter per game type. Adapters are pure: given
// the stored draw, bet parameters, actions and policy they always produce
// the same result, which is what makes audit replay possible.
package games

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

type Adapter interface {
	Game() models.GameType
	// MultiStep games accept player actions between commit and resolve.
	MultiStep() bool
	ValidateParams(params json.RawMessage, p models.Policy) error
	// Draw computes the complete random result for a round at commit time.
	Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error)
	// Step validates one action against the round's progress so far.
	Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error)
	// Finished reports whether no further action is accepted.
	Finished(r *models.Round, p models.Policy) bool
	Resolve(r *models.Round, p models.Policy) (models.Outcome, error)
}

// Dealer is implemented by games that show part of the draw before the
// first action.
type Dealer interface {
	Table(r *models.Round) (*models.Hand, error)
}

var registry = map[models.GameType]Adapter{}

func register(a Adapter) {
	registry[a.Game()] = a
}

func init() {
	register(&RouletteGame{})
	register(&DiceGame{})
	register(&MinesGame{})
	register(&CrashGame{})
	register(&TowerGame{})
	register(&BlackjackGame{})
}

func Lookup(game models.GameType) (Adapter, error) {
	a, ok := registry[game]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported game type %q", models.ErrInvalidParams, game)
	}
	return a, nil
}

// Evaluate recomputes the draw and outcome of a round from its seeds. It is
// used by settlement and by the audit API; it never touches the stored draw.
func Evaluate(r *models.Round, p models.Policy, serverSeed string) (models.Draw, models.Outcome, error) {
	a, err := Lookup(r.GameType)
	if err != nil {
		return models.Draw{}, models.Outcome{}, err
	}
	draw, err := a.Draw(fairness.NewStream(serverSeed, r.ClientSeed, r.Nonce), r.Params, p)
	if err != nil {
		return models.Draw{}, models.Outcome{}, err
	}
	replay := r.Clone()
	replay.Draw = &draw
	out, err := a.Resolve(replay, p)
	if err != nil {
		return draw, models.Outcome{}, err
	}
	return draw, out, nil
}

// SameDraw compares draws by their canonical JSON form.
func SameDraw(a, b *models.Draw) bool {
	return sameJSON(a, b)
}

// SameOutcome compares outcomes by their canonical JSON form, so decimal
// values with different internal exponents still compare equal.
func SameOutcome(a, b *models.Outcome) bool {
	return sameJSON(a, b)
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var out T
	if len(params) == 0 || string(params) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(params, &out); err != nil {
		return out, fmt.Errorf("%w: %v", models.ErrInvalidParams, err)
	}
	return out, nil
}

func requireDraw(r *models.Round) (*models.Draw, error) {
	if r.Draw == nil {
		return nil, fmt.Errorf("%w: round %s has no draw", models.ErrInvalidState, r.ID)
	}
	return r.Draw, nil
}

// capMultiplier applies the policy ceiling when one is configured.
func capMultiplier(m decimal.Decimal, p models.Policy) decimal.Decimal {
	if p.MaxMultiplier.IsPositive() && m.GreaterThan(p.MaxMultiplier) {
		return p.MaxMultiplier
	}
	return m
}

func lost(draw models.Draw, result string) models.Outcome {
	return models.Outcome{Draw: draw, Win: false, Multiplier: decimal.Zero, Result: result}
}

var one = decimal.NewFromInt(1)
