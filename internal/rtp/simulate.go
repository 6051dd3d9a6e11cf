// Package rtp estimates the return to player of a game policy by playing
// rounds through the same adapters the engine uses.
package rtp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/games"
	"provably-fair-backend/internal/models"
)

const (
	simClientSeed = "rtp-simulation"
	simStake      = 100
	checkEvery    = 1024
)

type Config struct {
	Policy  models.Policy
	Rounds  int
	Workers int
	// ServerSeed makes the run reproducible. Empty draws a random seed.
	ServerSeed string
	// Params is the bet placed every round. Empty uses DefaultParams.
	Params     json.RawMessage
	Confidence float64
}

type Interval struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

func (i Interval) Contains(v float64) bool {
	return v >= i.Lo && v <= i.Hi
}

type Result struct {
	Game          models.GameType `json:"game"`
	PolicyVersion int             `json:"policy_version"`
	Rounds        int             `json:"rounds"`
	ServerSeed    string          `json:"server_seed"`
	Wagered       int64           `json:"wagered"`
	Returned      int64           `json:"returned"`
	RTP           float64         `json:"rtp"`
	StdDev        float64         `json:"std_dev"`
	RTPInterval   Interval        `json:"rtp_interval"`
	HitRate       float64         `json:"hit_rate"`
	HitInterval   Interval        `json:"hit_interval"`
	MaxMultiplier float64         `json:"max_multiplier"`
}

// DefaultParams is a representative bet for each game.
func DefaultParams(game models.GameType) json.RawMessage {
	switch game {
	case models.GameTypeRoulette:
		return json.RawMessage(`{"bet":"red"}`)
	case models.GameTypeDice:
		return json.RawMessage(`{"target":5000,"over":true}`)
	case models.GameTypeMines:
		return json.RawMessage(`{"mines":3}`)
	case models.GameTypeCrash:
		return json.RawMessage(`{"auto_cashout":200}`)
	case models.GameTypeTower:
		return json.RawMessage(`{"risk":"low"}`)
	default:
		return nil
	}
}

// Run plays cfg.Rounds rounds split across workers. Round i always uses
// nonce i, so a fixed server seed gives the same totals for any worker
// count.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.Rounds <= 0 {
		return Result{}, errors.New("rounds must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = 0.95
	}
	if len(cfg.Params) == 0 {
		cfg.Params = DefaultParams(cfg.Policy.Game)
	}
	adapter, err := games.Lookup(cfg.Policy.Game)
	if err != nil {
		return Result{}, err
	}
	if err := adapter.ValidateParams(cfg.Params, cfg.Policy); err != nil {
		return Result{}, err
	}
	if cfg.ServerSeed == "" {
		if cfg.ServerSeed, err = fairness.GenerateServerSeed(); err != nil {
			return Result{}, err
		}
	}

	returns := make([]float64, cfg.Rounds)
	g, ctx := errgroup.WithContext(ctx)
	chunk := (cfg.Rounds + cfg.Workers - 1) / cfg.Workers
	for start := 0; start < cfg.Rounds; start += chunk {
		end := min(start+chunk, cfg.Rounds)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%checkEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				out, err := playRound(adapter, cfg, uint64(i)+1)
				if err != nil {
					return fmt.Errorf("round %d: %w", i+1, err)
				}
				returns[i] = float64(models.CalculatePayout(simStake, out.Multiplier)) / simStake
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return summarize(cfg, returns), nil
}

func summarize(cfg Config, returns []float64) Result {
	n := len(returns)
	res := Result{
		Game:          cfg.Policy.Game,
		PolicyVersion: cfg.Policy.Version,
		Rounds:        n,
		ServerSeed:    cfg.ServerSeed,
		Wagered:       int64(n) * simStake,
	}

	hits := 0
	for _, r := range returns {
		res.Returned += int64(math.Round(r * simStake))
		if r > 0 {
			hits++
		}
		res.MaxMultiplier = math.Max(res.MaxMultiplier, r)
	}
	res.RTP, res.StdDev = stat.MeanStdDev(returns, nil)
	res.RTPInterval = meanInterval(res.RTP, res.StdDev, n, cfg.Confidence)
	res.HitRate = float64(hits) / float64(n)
	res.HitInterval = proportionInterval(hits, n, cfg.Confidence)
	return res
}

func meanInterval(mean, stdDev float64, n int, confidence float64) Interval {
	if n <= 1 || math.IsNaN(stdDev) {
		return Interval{Lo: math.Inf(-1), Hi: math.Inf(1)}
	}
	se := stdDev / math.Sqrt(float64(n))
	t := distuv.StudentsT{Nu: float64(n - 1), Mu: 0, Sigma: 1}
	margin := t.Quantile(1-(1-confidence)/2) * se
	return Interval{Lo: mean - margin, Hi: mean + margin}
}

// proportionInterval is the Clopper-Pearson interval for k hits out of n.
func proportionInterval(k, n int, confidence float64) Interval {
	alpha := 1 - confidence
	var ci Interval
	if k == 0 {
		ci.Lo = 0
	} else {
		ci.Lo = distuv.Beta{Alpha: float64(k), Beta: float64(n - k + 1)}.Quantile(alpha / 2)
	}
	if k == n {
		ci.Hi = 1
	} else {
		ci.Hi = distuv.Beta{Alpha: float64(k + 1), Beta: float64(n - k)}.Quantile(1 - alpha/2)
	}
	return ci
}

// simEpoch anchors action timestamps. Only crash reads them, and the
// simulated crash strategy relies on auto cashout.
var simEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func playRound(adapter games.Adapter, cfg Config, nonce uint64) (models.Outcome, error) {
	draw, err := adapter.Draw(fairness.NewStream(cfg.ServerSeed, simClientSeed, nonce), cfg.Params, cfg.Policy)
	if err != nil {
		return models.Outcome{}, err
	}
	r := &models.Round{
		ID:          fmt.Sprintf("sim-%d", nonce),
		GameType:    cfg.Policy.Game,
		State:       models.StateActive,
		Stake:       simStake,
		Params:      cfg.Params,
		ClientSeed:  simClientSeed,
		Nonce:       nonce,
		Draw:        &draw,
		ActivatedAt: &simEpoch,
	}
	if adapter.MultiStep() {
		for step := 0; !adapter.Finished(r, cfg.Policy); step++ {
			action, ok := nextAction(r, step)
			if !ok {
				break
			}
			action.At = simEpoch
			if _, err := adapter.Step(r, cfg.Policy, action); err != nil {
				return models.Outcome{}, err
			}
			r.Actions = append(r.Actions, action)
		}
	}
	return adapter.Resolve(r, cfg.Policy)
}
