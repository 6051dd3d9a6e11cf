package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/games"
	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/policy"
)

type VerifyCmd struct {
	Round string `short:"r" help:"Round JSON as served by the API after reveal. Use - for stdin."`

	Game       string `help:"Game type, when not reading a round file"`
	ServerSeed string `help:"Revealed server seed"`
	ClientSeed string `help:"Client seed"`
	Nonce      uint64 `help:"Round nonce"`
	Params     string `help:"Bet parameters as JSON"`
	Commitment string `help:"Published server seed hash to check against"`

	PolicyFile string `help:"Policy YAML the round was played under. Defaults are used when empty." type:"existingfile"`
}

type verifyOutput struct {
	RoundID         string          `json:"round_id,omitempty"`
	Game            models.GameType `json:"game"`
	Nonce           uint64          `json:"nonce"`
	CommitmentValid *bool           `json:"commitment_valid,omitempty"`
	Draw            models.Draw     `json:"draw"`
	Outcome         models.Outcome  `json:"outcome"`
	Payout          *int64          `json:"payout,omitempty"`
	DrawMatches     *bool           `json:"draw_matches,omitempty"`
	OutcomeMatches  *bool           `json:"outcome_matches,omitempty"`
}

var errMismatch = errors.New("round does not verify")

func (c *VerifyCmd) Run(logger *log.Logger) error {
	r, err := c.round()
	if err != nil {
		return err
	}
	p, err := c.policy(r.GameType)
	if err != nil {
		return err
	}
	if r.PolicyVersion != 0 && r.PolicyVersion != p.Version {
		logger.Warn("policy version differs from the round", "round", r.PolicyVersion, "local", p.Version)
	}

	out, err := verifyRound(r, p)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if failed(out.CommitmentValid) || failed(out.DrawMatches) || failed(out.OutcomeMatches) {
		return errMismatch
	}
	return nil
}

func failed(b *bool) bool {
	return b != nil && !*b
}

func (c *VerifyCmd) round() (*models.Round, error) {
	r := &models.Round{}
	if c.Round != "" {
		var data []byte
		var err error
		if c.Round == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(c.Round)
		}
		if err != nil {
			return nil, err
		}
		if r, err = parseRound(data); err != nil {
			return nil, err
		}
	}
	if c.Game != "" {
		r.GameType = models.GameType(c.Game)
	}
	if c.ServerSeed != "" {
		r.ServerSeed = c.ServerSeed
	}
	if c.ClientSeed != "" {
		r.ClientSeed = c.ClientSeed
	}
	if c.Nonce != 0 {
		r.Nonce = c.Nonce
	}
	if c.Params != "" {
		r.Params = json.RawMessage(c.Params)
	}
	if c.Commitment != "" {
		r.ServerSeedHash = c.Commitment
	}
	if r.ServerSeed == "" {
		return nil, errors.New("server seed is not revealed")
	}
	if r.ClientSeed == "" || r.Nonce == 0 {
		return nil, errors.New("client seed and nonce are required")
	}
	return r, nil
}

// parseRound accepts a bare round or the {"round": ...} API envelope.
func parseRound(data []byte) (*models.Round, error) {
	var envelope struct {
		Round *models.Round `json:"round"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse round: %w", err)
	}
	if envelope.Round != nil {
		return envelope.Round, nil
	}
	r := &models.Round{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to parse round: %w", err)
	}
	return r, nil
}

func (c *VerifyCmd) policy(game models.GameType) (models.Policy, error) {
	defs := policy.Defaults()
	if c.PolicyFile != "" {
		var err error
		if defs, err = policy.LoadFile(c.PolicyFile); err != nil {
			return models.Policy{}, err
		}
	}
	for _, p := range defs {
		if p.Game == game {
			return p, nil
		}
	}
	return models.Policy{}, fmt.Errorf("no policy for game %q", game)
}

// verifyRound recomputes draw and outcome. Comparisons are only reported
// for what the round carries.
func verifyRound(r *models.Round, p models.Policy) (verifyOutput, error) {
	draw, outcome, err := games.Evaluate(r, p, r.ServerSeed)
	if err != nil {
		return verifyOutput{}, err
	}
	out := verifyOutput{
		RoundID: r.ID,
		Game:    r.GameType,
		Nonce:   r.Nonce,
		Draw:    draw,
		Outcome: outcome,
	}
	payout := models.CalculatePayout(r.Stake, outcome.Multiplier)
	if r.Stake > 0 {
		out.Payout = &payout
	}
	if r.ServerSeedHash != "" {
		ok := fairness.CheckCommitment(r.ServerSeed, r.ServerSeedHash)
		out.CommitmentValid = &ok
	}
	if r.Draw != nil {
		ok := games.SameDraw(r.Draw, &draw)
		out.DrawMatches = &ok
	}
	if r.Outcome != nil {
		ok := games.SameOutcome(r.Outcome, &outcome)
		out.OutcomeMatches = &ok
	}
	return out, nil
}
