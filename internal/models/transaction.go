package models

import "time"

type EntryKind string

const (
	EntryHold    EntryKind = "hold"
	EntryRelease EntryKind = "release"
	EntrySettle  EntryKind = "settle"
	EntryGrant   EntryKind = "grant"
)

// LedgerEntry is immutable once appended. The sum of a player's deltas is
// their balance.
type LedgerEntry struct {
	ID           string    `json:"id"`
	PlayerID     string    `json:"player_id"`
	RoundID      string    `json:"round_id,omitempty"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Kind         EntryKind `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

type BalanceResponse struct {
	PlayerID  string `json:"player_id"`
	Balance   int64  `json:"balance"`
	Held      int64  `json:"held"`
	Formatted string `json:"formatted"`
}
