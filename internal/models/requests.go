package models

import (
	"encoding/json"
	"fmt"
)

type OpenRoundRequest struct {
	GameType   GameType        `json:"game_type" binding:"required"`
	Stake      int64           `json:"stake"`
	ClientSeed string          `json:"client_seed,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type CommitRequest struct {
	ClientSeed string `json:"client_seed,omitempty"`
}

type ActionRequest struct {
	Type string `json:"type" binding:"required"`
	Cell *int   `json:"cell,omitempty"`
	Side string `json:"side,omitempty"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

type CreditRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Game-specific bet selections carried in OpenRoundRequest.Params.

type RouletteParams struct {
	Bet    string `json:"bet"`
	Number *int   `json:"number,omitempty"`
	Dozen  int    `json:"dozen,omitempty"`
}

type DiceParams struct {
	Target int  `json:"target"`
	Over   bool `json:"over"`
}

type MinesParams struct {
	Mines int `json:"mines"`
}

type CrashParams struct {
	AutoCashout int64 `json:"auto_cashout,omitempty"`
}

type TowerParams struct {
	Risk string `json:"risk"`
}

type VerifyReport struct {
	RoundID           string     `json:"round_id"`
	GameType          GameType   `json:"game_type"`
	State             RoundState `json:"state"`
	ServerSeed        string     `json:"server_seed"`
	ServerSeedHash    string     `json:"server_seed_hash"`
	HashOK            bool       `json:"hash_ok"`
	ClientSeed        string     `json:"client_seed"`
	Nonce             uint64     `json:"nonce"`
	PolicyVersion     int        `json:"policy_version"`
	Outcome           *Outcome   `json:"outcome"`
	RecomputedOutcome *Outcome   `json:"recomputed_outcome"`
	Consistent        bool       `json:"consistent"`
}

func (r *OpenRoundRequest) Validate() error {
	if !r.GameType.Valid() {
		return fmt.Errorf("%w: unknown game type %q", ErrInvalidParams, r.GameType)
	}
	if r.Stake < 0 {
		return fmt.Errorf("%w: stake must not be negative", ErrInvalidStake)
	}
	if len(r.ClientSeed) > 128 {
		return fmt.Errorf("%w: client seed longer than 128 characters", ErrInvalidParams)
	}
	return nil
}
