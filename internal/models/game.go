package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type GameType string

const (
	GameTypeRoulette  GameType = "roulette"
	GameTypeDice      GameType = "dice"
	GameTypeMines     GameType = "mines"
	GameTypeCrash     GameType = "crash"
	GameTypeTower     GameType = "tower"
	GameTypeBlackjack GameType = "blackjack"
)

// AllGameTypes lists every game the engine can host.
var AllGameTypes = []GameType{
	GameTypeRoulette,
	GameTypeDice,
	GameTypeMines,
	GameTypeCrash,
	GameTypeTower,
	GameTypeBlackjack,
}

func (g GameType) Valid() bool {
	for _, t := range AllGameTypes {
		if t == g {
			return true
		}
	}
	return false
}

type RoundState string

const (
	StateOpened    RoundState = "opened"
	StateCommitted RoundState = "committed"
	StateActive    RoundState = "active"
	StateResolved  RoundState = "resolved"
	StateSettled   RoundState = "settled"
	StateVoided    RoundState = "voided"
)

// Terminal reports whether no further transition is possible.
func (s RoundState) Terminal() bool {
	return s == StateSettled || s == StateVoided
}

// Round is the unit of custody: one stake, one commitment, one outcome.
type Round struct {
	ID            string          `json:"id"`
	GameType      GameType        `json:"game_type"`
	State         RoundState      `json:"state"`
	PlayerID      string          `json:"player_id"`
	SessionID     string          `json:"session_id"`
	Stake         int64           `json:"stake"`
	PolicyVersion int             `json:"policy_version"`
	Params        json.RawMessage `json:"params,omitempty"`

	ServerSeedHash   string `json:"server_seed_hash"`
	SealedServerSeed string `json:"sealed_server_seed,omitempty"`
	ServerSeed       string `json:"server_seed,omitempty"`
	ClientSeed       string `json:"client_seed,omitempty"`
	Nonce            uint64 `json:"nonce"`

	Draw    *Draw    `json:"draw,omitempty"`
	Hand    *Hand    `json:"hand,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Payout  *int64   `json:"payout,omitempty"`

	VoidReason string `json:"void_reason,omitempty"`
	Version    int64  `json:"version"`

	OpenedAt    time.Time  `json:"opened_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
}

// Clone returns a deep enough copy for staged store writes.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var out Round
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// Action is one player move in a multi-step round.
type Action struct {
	Type string    `json:"type"`
	Cell *int      `json:"cell,omitempty"`
	Side string    `json:"side,omitempty"`
	At   time.Time `json:"at"`
}

const (
	ActionStart   = "start"
	ActionReveal  = "reveal"
	ActionPick    = "pick"
	ActionCashout = "cashout"
	ActionHit     = "hit"
	ActionStand   = "stand"
)

type Card struct {
	Rank string `json:"rank"`
	Suit string `json:"suit"`
}

func (c Card) String() string {
	return c.Rank + c.Suit
}

// Hand is the part of a card table the player may see before the round is
// over: their own cards and the dealer's up card.
type Hand struct {
	Player      []Card `json:"player"`
	PlayerTotal int    `json:"player_total"`
	DealerUp    Card   `json:"dealer_up"`
}

// Draw is the full random result fixed at commit time. Only the fields of
// the round's game are set.
type Draw struct {
	Slot       *int     `json:"slot,omitempty"`
	Color      string   `json:"color,omitempty"`
	Roll       *int     `json:"roll,omitempty"`
	Mines      []int    `json:"mines,omitempty"`
	CrashPoint *int64   `json:"crash_point,omitempty"`
	SafeSides  []string `json:"safe_sides,omitempty"`
	Deck       []Card   `json:"deck,omitempty"`
}

// Outcome is the resolved game result for a round.
type Outcome struct {
	Draw       Draw            `json:"draw"`
	Win        bool            `json:"win"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Result     string          `json:"result"`

	Revealed    []int  `json:"revealed,omitempty"`
	Levels      int    `json:"levels,omitempty"`
	CashoutAt   *int64 `json:"cashout_at,omitempty"`
	PlayerCards []Card `json:"player_cards,omitempty"`
	DealerCards []Card `json:"dealer_cards,omitempty"`
	PlayerTotal int    `json:"player_total,omitempty"`
	DealerTotal int    `json:"dealer_total,omitempty"`
}

// StepResult is what a player sees after a multi-step action.
type StepResult struct {
	RoundID    string          `json:"round_id"`
	Action     string          `json:"action"`
	Safe       bool            `json:"safe"`
	Finished   bool            `json:"finished"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Revealed   []int           `json:"revealed,omitempty"`
	Level      int             `json:"level,omitempty"`
	Cards      []Card          `json:"cards,omitempty"`
	Total      int             `json:"total,omitempty"`
}

type GameResult struct {
	RoundID      string          `json:"round_id"`
	Win          bool            `json:"win"`
	Multiplier   decimal.Decimal `json:"multiplier"`
	Payout       int64           `json:"payout"`
	BalanceAfter int64           `json:"balance_after"`
}

// Public is the view served to players. The sealed seed never leaves the
// server, and the draw stays hidden until the round is terminal so that
// mine positions or the crash point cannot leak mid-round. Hand is the
// only part of the draw shown before then.
func (r *Round) Public() *Round {
	out := r.Clone()
	out.SealedServerSeed = ""
	if !out.State.Terminal() {
		out.ServerSeed = ""
		out.Draw = nil
		if out.Outcome != nil {
			out.Outcome.Draw = Draw{}
		}
	}
	return out
}
