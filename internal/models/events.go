package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventRoundOpened    EventType = "ROUND_OPENED"
	EventRoundCommitted EventType = "ROUND_COMMITTED"
	EventRoundAction    EventType = "ROUND_ACTION"
	EventRoundResolved  EventType = "ROUND_RESOLVED"
	EventRoundSettled   EventType = "ROUND_SETTLED"
	EventRoundVoided    EventType = "ROUND_VOIDED"
	EventFlightTick     EventType = "FLIGHT_TICK"
	EventFlightCrashed  EventType = "FLIGHT_CRASHED"
	EventBalanceUpdate  EventType = "BALANCE_UPDATE"
)

// RoundEvent is pushed to a player's live feed.
type RoundEvent struct {
	Type       EventType        `json:"type"`
	PlayerID   string           `json:"player_id"`
	RoundID    string           `json:"round_id,omitempty"`
	GameType   GameType         `json:"game_type,omitempty"`
	State      RoundState       `json:"state,omitempty"`
	Multiplier *decimal.Decimal `json:"multiplier,omitempty"`
	Payout     *int64           `json:"payout,omitempty"`
	Balance    *int64           `json:"balance,omitempty"`
	At         time.Time        `json:"at"`
}
